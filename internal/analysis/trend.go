package analysis

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/miradorstack/error-intel/internal/models"
)

const (
	directionThreshold = 0.1
	accelerationFactor = 1.2
	minForecastPoints  = 3
	minAccelPoints     = 4
)

// TrendMetrics bundles the trend classification of one series.
type TrendMetrics struct {
	Direction    models.TrendDirection
	Slope        float64
	ChangeRate   float64
	Accelerating bool
	Forecast     *models.Forecast
}

// Analyze computes every trend metric for series.
func Analyze(series []models.TrendDataPoint, horizon time.Duration) TrendMetrics {
	counts := Counts(series)
	dir, slope := direction(counts)
	return TrendMetrics{
		Direction:    dir,
		Slope:        slope,
		ChangeRate:   changeRate(counts),
		Accelerating: isAccelerating(counts),
		Forecast:     forecast(counts, horizon),
	}
}

// Direction classifies the OLS slope of count against index, normalised by
// the series mean.
func Direction(series []models.TrendDataPoint) (models.TrendDirection, float64) {
	return direction(Counts(series))
}

func direction(counts []float64) (models.TrendDirection, float64) {
	if len(counts) < 2 {
		return models.TrendStable, 0
	}
	mean := stat.Mean(counts, nil)
	if mean == 0 {
		return models.TrendStable, 0
	}
	x := make([]float64, len(counts))
	for i := range x {
		x[i] = float64(i)
	}
	_, beta := stat.LinearRegression(x, counts, nil, false)
	slope := beta / mean
	switch {
	case slope > directionThreshold:
		return models.TrendIncreasing, slope
	case slope < -directionThreshold:
		return models.TrendDecreasing, slope
	default:
		return models.TrendStable, slope
	}
}

// ChangeRate is the percent change from the mean of the first half to the
// mean of the second half.
func ChangeRate(series []models.TrendDataPoint) float64 {
	return changeRate(Counts(series))
}

func changeRate(counts []float64) float64 {
	if len(counts) < 2 {
		return 0
	}
	half := len(counts) / 2
	first := stat.Mean(counts[:half], nil)
	second := stat.Mean(counts[half:], nil)
	if first == 0 {
		if second > 0 {
			return 100
		}
		return 0
	}
	return (second - first) / first * 100
}

// IsAccelerating reports whether the change across the whole series
// outpaces the change inside its first half by more than 20%.
func IsAccelerating(series []models.TrendDataPoint) bool {
	return isAccelerating(Counts(series))
}

func isAccelerating(counts []float64) bool {
	if len(counts) < minAccelPoints {
		return false
	}
	recent := math.Abs(changeRate(counts))
	earlier := math.Abs(changeRate(counts[:len(counts)/2]))
	return recent > accelerationFactor*earlier
}

// Forecast projects the per-bucket count; nil with fewer than three points.
func Forecast(series []models.TrendDataPoint, horizon time.Duration) *models.Forecast {
	return forecast(Counts(series), horizon)
}

func forecast(counts []float64, horizon time.Duration) *models.Forecast {
	if len(counts) < minForecastPoints {
		return nil
	}
	mean, std := stat.MeanStdDev(counts, nil)
	dir, _ := direction(counts)
	change := math.Abs(changeRate(counts)) / 100

	predicted := mean
	switch dir {
	case models.TrendIncreasing:
		predicted = mean * (1 + change)
	case models.TrendDecreasing:
		predicted = math.Max(0, mean*(1-change))
	}

	confidence := 0.1
	if mean > 0 {
		confidence = clamp(1-std/mean, 0.1, 0.9)
	}
	return &models.Forecast{Predicted: predicted, Confidence: confidence, Horizon: horizon}
}

// Correlation is the Pearson coefficient of two equally spaced series; it is
// 0 when either is shorter than two points or has zero variance.
func Correlation(a, b []float64) float64 {
	n := min(len(a), len(b))
	if n < 2 {
		return 0
	}
	r := stat.Correlation(a[:n], b[:n], nil)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	return r
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
