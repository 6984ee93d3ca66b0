package analysis

import (
	"context"
	"log/slog"
	"time"

	"github.com/miradorstack/error-intel/internal/models"
)

const (
	// MaxBuckets bounds the number of points in a series.
	MaxBuckets = 24

	hourlyLookback = 7 * 24 * time.Hour
	weeklyLookback = 28 * 24 * time.Hour
)

// BucketWidth returns max(1h, window/24).
func BucketWidth(window time.Duration) time.Duration {
	width := window / MaxBuckets
	if width < time.Hour {
		width = time.Hour
	}
	return width
}

// TimeSeries buckets errors over [end-window, end). Each bucket covers
// [start, start+width); UserCount counts distinct non-empty user ids.
func TimeSeries(errs []models.RawError, end time.Time, window time.Duration) []models.TrendDataPoint {
	if window <= 0 {
		return nil
	}
	width := BucketWidth(window)
	start := end.Add(-window)
	n := int(window / width)
	if window%width != 0 {
		n++
	}

	points := make([]models.TrendDataPoint, n)
	users := make([]map[string]struct{}, n)
	for i := range points {
		points[i].Timestamp = start.Add(time.Duration(i) * width)
	}
	for _, e := range errs {
		if e.Timestamp.Before(start) || !e.Timestamp.Before(end) {
			continue
		}
		idx := int(e.Timestamp.Sub(start) / width)
		if idx >= n {
			continue
		}
		points[idx].Count++
		if e.UserID != "" {
			if users[idx] == nil {
				users[idx] = make(map[string]struct{})
			}
			users[idx][e.UserID] = struct{}{}
		}
	}
	for i := range points {
		points[i].UserCount = len(users[i])
	}
	return points
}

// OccurrenceRate returns occurrences per hour; windows under an hour count as one hour.
func OccurrenceRate(total int, window time.Duration) float64 {
	hours := window.Hours()
	if hours < 1 {
		hours = 1
	}
	return float64(total) / hours
}

// HourlyDistribution histograms the last 7 days by hour of day (UTC).
func HourlyDistribution(errs []models.RawError, now time.Time) models.Distribution {
	dist := models.Distribution{Bins: make([]int, 24), Lookback: hourlyLookback}
	from := now.Add(-hourlyLookback)
	for _, e := range errs {
		if e.Timestamp.Before(from) || !e.Timestamp.Before(now) {
			continue
		}
		dist.Bins[e.Timestamp.UTC().Hour()]++
		dist.Total++
	}
	return dist
}

// WeeklyDistribution histograms the last 28 days by weekday (UTC, Sunday first).
func WeeklyDistribution(errs []models.RawError, now time.Time) models.Distribution {
	dist := models.Distribution{Bins: make([]int, 7), Lookback: weeklyLookback}
	from := now.Add(-weeklyLookback)
	for _, e := range errs {
		if e.Timestamp.Before(from) || !e.Timestamp.Before(now) {
			continue
		}
		dist.Bins[int(e.Timestamp.UTC().Weekday())]++
		dist.Total++
	}
	return dist
}

// ErrorSource is the read side of the store the frequency analyzer needs.
type ErrorSource interface {
	ErrorsByCluster(ctx context.Context, clusterIDs []string, start, end time.Time, limit int) ([]models.RawError, error)
}

// FrequencyAnalyzer builds series for groups of clusters from the store.
type FrequencyAnalyzer struct {
	source ErrorSource
	logger *slog.Logger
}

// NewFrequencyAnalyzer constructs a FrequencyAnalyzer.
func NewFrequencyAnalyzer(source ErrorSource, logger *slog.Logger) *FrequencyAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &FrequencyAnalyzer{source: source, logger: logger}
}

// Errors fetches member errors in [start, end). Store failures yield an empty slice.
func (f *FrequencyAnalyzer) Errors(ctx context.Context, clusterIDs []string, start, end time.Time) []models.RawError {
	if len(clusterIDs) == 0 {
		return nil
	}
	errs, err := f.source.ErrorsByCluster(ctx, clusterIDs, start, end, 0)
	if err != nil {
		f.logger.Warn("error history unavailable, using empty series", slog.Any("error", err), slog.Int("clusters", len(clusterIDs)))
		return nil
	}
	return errs
}

// Series returns the bucketed series for clusterIDs over [end-window, end).
func (f *FrequencyAnalyzer) Series(ctx context.Context, clusterIDs []string, end time.Time, window time.Duration) []models.TrendDataPoint {
	return TimeSeries(f.Errors(ctx, clusterIDs, end.Add(-window), end), end, window)
}

// Distributions returns the hourly and weekly histograms ending at now.
func (f *FrequencyAnalyzer) Distributions(ctx context.Context, clusterIDs []string, now time.Time) (models.Distribution, models.Distribution) {
	errs := f.Errors(ctx, clusterIDs, now.Add(-weeklyLookback), now)
	return HourlyDistribution(errs, now), WeeklyDistribution(errs, now)
}

// Counts extracts the count column of a series.
func Counts(series []models.TrendDataPoint) []float64 {
	out := make([]float64, len(series))
	for i, p := range series {
		out[i] = float64(p.Count)
	}
	return out
}
