package patterns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/error-intel/internal/analysis"
	"github.com/miradorstack/error-intel/internal/cache"
	"github.com/miradorstack/error-intel/internal/metrics"
	"github.com/miradorstack/error-intel/internal/models"
)

const correlationThreshold = 0.7

// Store abstracts persistence for clusters and patterns.
type Store interface {
	analysis.ErrorSource
	GetCluster(ctx context.Context, id string) (models.Cluster, error)
	UpdateCluster(ctx context.Context, c models.Cluster) error
	ListClusters(ctx context.Context, filter models.ClusterFilter) ([]models.Cluster, error)
	GetPattern(ctx context.Context, id string) (models.Pattern, error)
	CreatePattern(ctx context.Context, p models.Pattern) error
	UpdatePattern(ctx context.Context, p models.Pattern) error
	ListPatterns(ctx context.Context, filter models.PatternFilter) ([]models.Pattern, error)
}

// Options tunes promotion and analysis.
type Options struct {
	MinClusterSize         int
	MinOccurrenceRate      float64
	MergeSimilarity        float64
	AnalysisWindow         time.Duration
	CorrelationWindow      time.Duration
	MaxCorrelationPatterns int
	StatsCacheTTL          time.Duration
}

func (o *Options) applyDefaults() {
	if o.MinClusterSize <= 0 {
		o.MinClusterSize = 5
	}
	if o.MinOccurrenceRate <= 0 {
		o.MinOccurrenceRate = 0.1
	}
	if o.MergeSimilarity <= 0 || o.MergeSimilarity > 1 {
		o.MergeSimilarity = 0.9
	}
	if o.AnalysisWindow <= 0 {
		o.AnalysisWindow = 24 * time.Hour
	}
	if o.CorrelationWindow <= 0 {
		o.CorrelationWindow = 24 * time.Hour
	}
	if o.MaxCorrelationPatterns <= 0 {
		o.MaxCorrelationPatterns = 50
	}
	if o.StatsCacheTTL <= 0 {
		o.StatsCacheTTL = time.Minute
	}
}

// Manager promotes clusters to patterns and keeps their metrics current.
type Manager struct {
	store  Store
	freq   *analysis.FrequencyAnalyzer
	cache  cache.Provider
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewManager constructs a Manager; provider may be nil to disable caching.
func NewManager(store Store, provider cache.Provider, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	opts.applyDefaults()
	return &Manager{
		store:  store,
		freq:   analysis.NewFrequencyAnalyzer(store, logger),
		cache:  provider,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the clock used for windows and timestamps.
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// DetectNew promotes significant unassigned clusters. Clusters resembling an
// open pattern join it; the returned slice holds only newly created patterns.
func (m *Manager) DetectNew(ctx context.Context) ([]models.Pattern, error) {
	clusters, err := m.store.ListClusters(ctx, models.ClusterFilter{Unassigned: true})
	if err != nil {
		return nil, fmt.Errorf("list unassigned clusters: %w", err)
	}
	open, err := m.store.ListPatterns(ctx, models.PatternFilter{Statuses: openStatuses})
	if err != nil {
		return nil, fmt.Errorf("list open patterns: %w", err)
	}

	now := m.now().UTC()
	var (
		created  []models.Pattern
		failures []error
	)
	for _, cluster := range clusters {
		if ctx.Err() != nil {
			break
		}
		if cluster.OccurrenceCount < m.opts.MinClusterSize {
			continue
		}
		rate := analysis.OccurrenceRate(cluster.OccurrenceCount, cluster.LastSeen.Sub(cluster.FirstSeen))
		if rate < m.opts.MinOccurrenceRate {
			continue
		}

		if idx := m.match(open, cluster); idx >= 0 {
			joined, err := m.join(ctx, open[idx], cluster, now)
			if err != nil {
				failures = append(failures, err)
				continue
			}
			open[idx] = joined
			continue
		}

		p, err := m.promote(ctx, cluster, rate, now)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		created = append(created, p)
		open = append(open, p)
	}
	if len(created) > 0 {
		m.logger.Info("promoted clusters to patterns", slog.Int("created", len(created)))
	}
	return created, errors.Join(failures...)
}

var openStatuses = []models.PatternStatus{models.PatternActive, models.PatternInProgress, models.PatternInvestigationPending}

func (m *Manager) match(open []models.Pattern, cluster models.Cluster) int {
	best, bestScore := -1, 0.0
	for i, p := range open {
		if p.Signature == cluster.Signature {
			return i
		}
		if score := TextSimilarity(p.NormalizedText, cluster.NormalizedText); score >= m.opts.MergeSimilarity && score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

func (m *Manager) promote(ctx context.Context, cluster models.Cluster, rate float64, now time.Time) (models.Pattern, error) {
	window := now.Sub(cluster.FirstSeen)
	if window < time.Hour {
		window = time.Hour
	}
	if window > m.opts.AnalysisWindow {
		window = m.opts.AnalysisWindow
	}
	trend := analysis.Analyze(m.freq.Series(ctx, []string{cluster.ID}, now, window), analysis.BucketWidth(window))
	sev := Severity(rate, trend.Slope, trend.Accelerating)
	typ := Classify(cluster.ExceptionType, cluster.NormalizedText)
	services := models.AppendUnique(nil, cluster.Source)

	p := models.Pattern{
		ID:                 uuid.NewString(),
		Name:               patternName(typ, cluster.ExceptionType, cluster.NormalizedText),
		Description:        fmt.Sprintf("%d occurrences affecting %d users since %s", cluster.OccurrenceCount, len(cluster.AffectedUsers), cluster.FirstSeen.UTC().Format(time.RFC3339)),
		Signature:          cluster.Signature,
		Type:               typ,
		RepresentativeText: cluster.RepresentativeText,
		NormalizedText:     cluster.NormalizedText,
		ExceptionType:      cluster.ExceptionType,
		ClusterIDs:         []string{cluster.ID},
		OccurrenceCount:    cluster.OccurrenceCount,
		OccurrenceRate:     rate,
		TrendDirection:     trend.Direction,
		ChangeRate:         trend.ChangeRate,
		IsAccelerating:     trend.Accelerating,
		Forecast:           trend.Forecast,
		Severity:           sev,
		Priority:           defaultPriority(sev),
		Status:             models.PatternActive,
		Confidence:         confidenceFor(cluster.OccurrenceCount, m.opts.MinClusterSize),
		ImpactScore:        ImpactScore(sev, len(cluster.AffectedUsers), rate),
		AffectedUsers:      append([]string(nil), cluster.AffectedUsers...),
		AffectedServices:   services,
		FirstSeen:          cluster.FirstSeen,
		LastSeen:           cluster.LastSeen,
		CreatedAt:          now,
		UpdatedAt:          now,
		LastAnalyzedAt:     now,
	}
	if err := m.store.CreatePattern(ctx, p); err != nil {
		return models.Pattern{}, fmt.Errorf("create pattern for cluster %s: %w", cluster.ID, err)
	}
	if err := m.linkCluster(ctx, cluster, p.ID, now); err != nil {
		return models.Pattern{}, err
	}
	metrics.ObservePatternDetected(string(sev))
	m.logger.Info("pattern detected",
		slog.String("pattern_id", p.ID),
		slog.String("severity", string(sev)),
		slog.Float64("rate", rate),
		slog.Int("occurrences", p.OccurrenceCount))
	return p, nil
}

func (m *Manager) join(ctx context.Context, p models.Pattern, cluster models.Cluster, now time.Time) (models.Pattern, error) {
	p.ClusterIDs = models.AppendUnique(p.ClusterIDs, cluster.ID)
	p.OccurrenceCount += cluster.OccurrenceCount
	for _, u := range cluster.AffectedUsers {
		p.AffectedUsers = models.AppendUnique(p.AffectedUsers, u)
	}
	p.AffectedServices = models.AppendUnique(p.AffectedServices, cluster.Source)
	if cluster.FirstSeen.Before(p.FirstSeen) {
		p.FirstSeen = cluster.FirstSeen
	}
	if cluster.LastSeen.After(p.LastSeen) {
		p.LastSeen = cluster.LastSeen
	}
	p.UpdatedAt = now
	if err := m.store.UpdatePattern(ctx, p); err != nil {
		return models.Pattern{}, fmt.Errorf("update pattern %s: %w", p.ID, err)
	}
	if err := m.linkCluster(ctx, cluster, p.ID, now); err != nil {
		return models.Pattern{}, err
	}
	m.logger.Debug("cluster joined pattern", slog.String("pattern_id", p.ID), slog.String("cluster_id", cluster.ID))
	return p, nil
}

func (m *Manager) linkCluster(ctx context.Context, cluster models.Cluster, patternID string, now time.Time) error {
	cluster.PatternID = patternID
	cluster.Status = models.ClusterMonitoring
	cluster.UpdatedAt = now
	if err := m.store.UpdateCluster(ctx, cluster); err != nil {
		return fmt.Errorf("link cluster %s to pattern %s: %w", cluster.ID, patternID, err)
	}
	return nil
}

// Analyze recomputes rate, trend, forecast and severity for one pattern and
// persists the result. A resolved pattern with errors newer than its
// resolution is reopened.
func (m *Manager) Analyze(ctx context.Context, id string) (models.Pattern, error) {
	p, err := m.store.GetPattern(ctx, id)
	if err != nil {
		return models.Pattern{}, fmt.Errorf("load pattern %s: %w", id, err)
	}
	now := m.now().UTC()

	count := 0
	users := append([]string(nil), p.AffectedUsers...)
	services := append([]string(nil), p.AffectedServices...)
	for _, cid := range p.ClusterIDs {
		cluster, err := m.store.GetCluster(ctx, cid)
		if err != nil {
			if !errors.Is(err, models.ErrNotFound) {
				m.logger.Warn("cluster unavailable during analysis", slog.String("cluster_id", cid), slog.Any("error", err))
			}
			continue
		}
		count += cluster.OccurrenceCount
		for _, u := range cluster.AffectedUsers {
			users = models.AppendUnique(users, u)
		}
		services = models.AppendUnique(services, cluster.Source)
		if cluster.LastSeen.After(p.LastSeen) {
			p.LastSeen = cluster.LastSeen
		}
		if p.FirstSeen.IsZero() || cluster.FirstSeen.Before(p.FirstSeen) {
			p.FirstSeen = cluster.FirstSeen
		}
	}

	if p.Status == models.PatternResolved && p.ResolvedAt != nil && p.LastSeen.After(*p.ResolvedAt) {
		m.logger.Warn("resolved pattern regressed", slog.String("pattern_id", p.ID), slog.Time("resolved_at", *p.ResolvedAt), slog.Time("last_seen", p.LastSeen))
		p.Status = models.PatternActive
		p.ResolvedAt = nil
	}

	start := now.Add(-m.opts.AnalysisWindow)
	if p.FirstSeen.After(start) {
		start = p.FirstSeen
	}
	window := now.Sub(start)
	if window < time.Hour {
		window = time.Hour
		start = now.Add(-window)
	}
	errs := m.freq.Errors(ctx, p.ClusterIDs, start, now)
	series := analysis.TimeSeries(errs, now, window)
	trend := analysis.Analyze(series, analysis.BucketWidth(window))
	rate := analysis.OccurrenceRate(len(errs), window)
	sev := Severity(rate, trend.Slope, trend.Accelerating)

	p.OccurrenceCount = max(p.OccurrenceCount, count)
	p.OccurrenceRate = rate
	p.TrendDirection = trend.Direction
	p.ChangeRate = trend.ChangeRate
	p.IsAccelerating = trend.Accelerating
	p.Forecast = trend.Forecast
	p.Severity = sev
	p.Confidence = confidenceFor(p.OccurrenceCount, m.opts.MinClusterSize)
	p.AffectedUsers = users
	p.AffectedServices = services
	p.ImpactScore = ImpactScore(sev, len(users), rate)
	p.LastAnalyzedAt = now
	p.UpdatedAt = now

	if err := m.store.UpdatePattern(ctx, p); err != nil {
		return models.Pattern{}, fmt.Errorf("update pattern %s: %w", p.ID, err)
	}
	return p, nil
}

// Get returns one pattern.
func (m *Manager) Get(ctx context.Context, id string) (models.Pattern, error) {
	return m.store.GetPattern(ctx, id)
}

// List returns patterns matching filter.
func (m *Manager) List(ctx context.Context, filter models.PatternFilter) ([]models.Pattern, error) {
	return m.store.ListPatterns(ctx, filter)
}

// Regressed lists resolved patterns with a member cluster seen after the
// resolution. Cluster read failures skip that cluster.
func (m *Manager) Regressed(ctx context.Context) ([]models.Pattern, error) {
	resolved, err := m.store.ListPatterns(ctx, models.PatternFilter{Statuses: []models.PatternStatus{models.PatternResolved}})
	if err != nil {
		return nil, fmt.Errorf("list resolved patterns: %w", err)
	}
	out := make([]models.Pattern, 0)
	for _, p := range resolved {
		if p.ResolvedAt == nil {
			continue
		}
		for _, cid := range p.ClusterIDs {
			cluster, err := m.store.GetCluster(ctx, cid)
			if err != nil {
				if !errors.Is(err, models.ErrNotFound) {
					m.logger.Warn("cluster unavailable during regression check", slog.String("cluster_id", cid), slog.Any("error", err))
				}
				continue
			}
			if cluster.LastSeen.After(*p.ResolvedAt) {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

// Update applies the operator-editable fields. changed is false, and nothing
// is written, when the update leaves the pattern as it was.
func (m *Manager) Update(ctx context.Context, id string, upd models.PatternUpdate) (models.Pattern, bool, error) {
	if upd.Priority != nil && !upd.Priority.Valid() {
		return models.Pattern{}, false, fmt.Errorf("priority %q: %w", *upd.Priority, models.ErrInvalidArgument)
	}
	p, err := m.store.GetPattern(ctx, id)
	if err != nil {
		return models.Pattern{}, false, err
	}
	changed := false
	if upd.Name != nil && *upd.Name != p.Name {
		p.Name, changed = *upd.Name, true
	}
	if upd.Description != nil && *upd.Description != p.Description {
		p.Description, changed = *upd.Description, true
	}
	if upd.Priority != nil && *upd.Priority != p.Priority {
		p.Priority, changed = *upd.Priority, true
	}
	if !changed {
		return p, false, nil
	}
	p.UpdatedAt = m.now().UTC()
	if err := m.store.UpdatePattern(ctx, p); err != nil {
		return models.Pattern{}, false, fmt.Errorf("update pattern %s: %w", id, err)
	}
	return p, true, nil
}

// SetStatus applies an operator status transition.
func (m *Manager) SetStatus(ctx context.Context, id string, status models.PatternStatus) (models.Pattern, error) {
	if !status.Valid() {
		return models.Pattern{}, fmt.Errorf("status %q: %w", status, models.ErrInvalidArgument)
	}
	p, err := m.store.GetPattern(ctx, id)
	if err != nil {
		return models.Pattern{}, err
	}
	if p.Status == status {
		return p, nil
	}
	now := m.now().UTC()
	p.Status = status
	if status == models.PatternResolved {
		p.ResolvedAt = &now
	} else {
		p.ResolvedAt = nil
	}
	p.UpdatedAt = now
	if err := m.store.UpdatePattern(ctx, p); err != nil {
		return models.Pattern{}, fmt.Errorf("update pattern %s: %w", id, err)
	}
	m.logger.Info("pattern status changed", slog.String("pattern_id", id), slog.String("status", string(status)))
	return p, nil
}

// TimeSeries returns the pattern's bucketed series over [now-window, now).
func (m *Manager) TimeSeries(ctx context.Context, id string, window time.Duration) ([]models.TrendDataPoint, error) {
	p, err := m.store.GetPattern(ctx, id)
	if err != nil {
		return nil, err
	}
	if window <= 0 {
		window = m.opts.AnalysisWindow
	}
	return m.freq.Series(ctx, p.ClusterIDs, m.now().UTC(), window), nil
}

// Distributions returns the pattern's hour-of-day and day-of-week histograms.
func (m *Manager) Distributions(ctx context.Context, id string) (models.Distribution, models.Distribution, error) {
	p, err := m.store.GetPattern(ctx, id)
	if err != nil {
		return models.Distribution{}, models.Distribution{}, err
	}
	hourly, weekly := m.freq.Distributions(ctx, p.ClusterIDs, m.now().UTC())
	return hourly, weekly, nil
}

// Statistics aggregates patterns seen within timeframe. Store failures yield
// an empty report.
func (m *Manager) Statistics(ctx context.Context, timeframe time.Duration) models.PatternStatistics {
	key := fmt.Sprintf("patterns:stats:%d", int64(timeframe))
	var cached models.PatternStatistics
	if err := cache.GetJSON(ctx, m.cache, key, &cached); err == nil {
		return cached
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		m.logger.Debug("statistics cache read failed", slog.Any("error", err))
	}

	now := m.now().UTC()
	stats := models.PatternStatistics{
		Timeframe:   timeframe,
		ByType:      map[models.PatternType]int{},
		ByPriority:  map[models.Priority]int{},
		BySeverity:  map[models.Severity]int{},
		ByStatus:    map[models.PatternStatus]int{},
		GeneratedAt: now,
	}
	filter := models.PatternFilter{}
	if timeframe > 0 {
		filter.Since = now.Add(-timeframe)
	}
	list, err := m.store.ListPatterns(ctx, filter)
	if err != nil {
		m.logger.Warn("pattern statistics unavailable", slog.Any("error", err))
		return stats
	}

	var confidence float64
	for i := range list {
		p := &list[i]
		stats.TotalPatterns++
		if p.Status.Open() {
			stats.ActivePatterns++
		}
		stats.ByType[p.Type]++
		stats.ByPriority[p.Priority]++
		stats.BySeverity[p.Severity]++
		stats.ByStatus[p.Status]++
		confidence += p.Confidence
		if stats.TopByOccurrence == nil || p.OccurrenceCount > stats.TopByOccurrence.OccurrenceCount {
			stats.TopByOccurrence = summarize(p)
		}
		if stats.TopByImpact == nil || p.ImpactScore > stats.TopByImpact.ImpactScore {
			stats.TopByImpact = summarize(p)
		}
	}
	if stats.TotalPatterns > 0 {
		stats.AverageConfidence = confidence / float64(stats.TotalPatterns)
	}

	if err := cache.SetJSON(ctx, m.cache, key, stats, m.opts.StatsCacheTTL); err != nil {
		m.logger.Debug("statistics cache write failed", slog.Any("error", err))
	}
	return stats
}

func summarize(p *models.Pattern) *models.PatternSummary {
	return &models.PatternSummary{
		ID:              p.ID,
		Name:            p.Name,
		OccurrenceCount: p.OccurrenceCount,
		ImpactScore:     p.ImpactScore,
		Severity:        p.Severity,
	}
}

// Correlate reports pairs of active patterns whose series have a Pearson
// coefficient above 0.7. Only the most recently seen MaxCorrelationPatterns
// patterns are compared.
func (m *Manager) Correlate(ctx context.Context) (models.CorrelationReport, error) {
	active, err := m.store.ListPatterns(ctx, models.PatternFilter{Statuses: []models.PatternStatus{models.PatternActive}})
	if err != nil {
		return models.CorrelationReport{}, fmt.Errorf("list active patterns: %w", err)
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].LastSeen.After(active[j].LastSeen) })
	if len(active) > m.opts.MaxCorrelationPatterns {
		active = active[:m.opts.MaxCorrelationPatterns]
	}

	now := m.now().UTC()
	report := models.CorrelationReport{Pairs: []models.CorrelationPair{}}
	counts := make([][]float64, 0, len(active))
	for _, p := range active {
		if ctx.Err() != nil {
			report.Incomplete = true
			return report, nil
		}
		counts = append(counts, analysis.Counts(m.freq.Series(ctx, p.ClusterIDs, now, m.opts.CorrelationWindow)))
	}
	for i := 0; i < len(active); i++ {
		if ctx.Err() != nil {
			report.Incomplete = true
			break
		}
		for j := i + 1; j < len(active); j++ {
			report.Compared++
			if r := analysis.Correlation(counts[i], counts[j]); r > correlationThreshold {
				report.Pairs = append(report.Pairs, models.CorrelationPair{PatternA: active[i].ID, PatternB: active[j].ID, Coefficient: r})
			}
		}
	}
	sort.SliceStable(report.Pairs, func(i, j int) bool { return report.Pairs[i].Coefficient > report.Pairs[j].Coefficient })
	return report, nil
}
