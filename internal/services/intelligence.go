package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/error-intel/internal/clustering"
	"github.com/miradorstack/error-intel/internal/embedding"
	"github.com/miradorstack/error-intel/internal/metrics"
	"github.com/miradorstack/error-intel/internal/models"
	"github.com/miradorstack/error-intel/internal/patterns"
	"github.com/miradorstack/error-intel/internal/rootcause"
	"github.com/miradorstack/error-intel/internal/suppression"
	"github.com/miradorstack/error-intel/internal/utils"
)

// ErrorStore supplies the raw errors used to retrain the embedder.
type ErrorStore interface {
	ErrorsInRange(ctx context.Context, start, end time.Time, limit int) ([]models.RawError, error)
}

// Dependencies are the components the facade orchestrates.
type Dependencies struct {
	Clusterer   *clustering.Clusterer
	Patterns    *patterns.Manager
	RootCause   *rootcause.Engine
	Suppression *suppression.Evaluator
	Errors      ErrorStore
}

// Options tunes the scan.
type Options struct {
	RetrainWindow time.Duration
	RetrainLimit  int
	// Concurrency bounds how many patterns a scan analyzes at once.
	Concurrency int
}

// Intelligence is the service facade exposed over gRPC and driven by the scheduler.
type Intelligence struct {
	clusterer   *clustering.Clusterer
	patterns    *patterns.Manager
	rootCause   *rootcause.Engine
	suppression *suppression.Evaluator
	errors      ErrorStore

	opts      Options
	logger    *slog.Logger
	now       func() time.Time
	latencies *utils.LatencyTracker
}

// NewIntelligence wires the facade. Every dependency is required.
func NewIntelligence(deps Dependencies, opts Options, logger *slog.Logger) (*Intelligence, error) {
	switch {
	case deps.Clusterer == nil:
		return nil, errors.New("intelligence requires a clusterer")
	case deps.Patterns == nil:
		return nil, errors.New("intelligence requires a pattern manager")
	case deps.RootCause == nil:
		return nil, errors.New("intelligence requires a root cause engine")
	case deps.Suppression == nil:
		return nil, errors.New("intelligence requires a suppression evaluator")
	case deps.Errors == nil:
		return nil, errors.New("intelligence requires an error store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RetrainWindow <= 0 {
		opts.RetrainWindow = 24 * time.Hour
	}
	if opts.RetrainLimit <= 0 {
		opts.RetrainLimit = 5000
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Intelligence{
		clusterer:   deps.Clusterer,
		patterns:    deps.Patterns,
		rootCause:   deps.RootCause,
		suppression: deps.Suppression,
		errors:      deps.Errors,
		opts:        opts,
		logger:      logger,
		now:         time.Now,
		latencies:   utils.NewLatencyTracker(256),
	}, nil
}

// SetClock overrides the clock used for retraining windows.
func (s *Intelligence) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Ingest clusters a batch of raw errors.
func (s *Intelligence) Ingest(ctx context.Context, errs []models.RawError) (clustering.BatchResult, error) {
	if len(errs) == 0 {
		return clustering.BatchResult{}, utils.NewAppError("Ingest", "no errors supplied", models.ErrInvalidArgument)
	}
	result, err := s.clusterer.AssignBatch(ctx, errs)
	metrics.ObserveIngested(len(result.Assignments))
	s.logger.Debug("errors ingested",
		slog.Int("accepted", len(result.Assignments)),
		slog.Int("created", result.Created),
		slog.Int("failed", result.Failed),
	)
	return result, utils.WrapOp("Ingest", err)
}

// DetectNewPatterns promotes significant clusters.
func (s *Intelligence) DetectNewPatterns(ctx context.Context) ([]models.Pattern, error) {
	created, err := s.patterns.DetectNew(ctx)
	return created, utils.WrapOp("DetectNewPatterns", err)
}

// AnalyzePattern recomputes a pattern's metrics.
func (s *Intelligence) AnalyzePattern(ctx context.Context, id string) (models.Pattern, error) {
	p, err := s.patterns.Analyze(ctx, id)
	return p, utils.WrapOp("AnalyzePattern", err)
}

// GetPatterns lists patterns matching filter.
func (s *Intelligence) GetPatterns(ctx context.Context, filter models.PatternFilter) ([]models.Pattern, error) {
	ps, err := s.patterns.List(ctx, filter)
	return ps, utils.WrapOp("GetPatterns", err)
}

// GetPattern fetches one pattern.
func (s *Intelligence) GetPattern(ctx context.Context, id string) (models.Pattern, error) {
	p, err := s.patterns.Get(ctx, id)
	return p, utils.WrapOp("GetPattern", err)
}

// GetStatistics aggregates patterns seen within timeframe.
func (s *Intelligence) GetStatistics(ctx context.Context, timeframe time.Duration) models.PatternStatistics {
	return s.patterns.Statistics(ctx, timeframe)
}

// GetTimeSeries returns a pattern's bucketed series over the trailing window.
func (s *Intelligence) GetTimeSeries(ctx context.Context, id string, window time.Duration) ([]models.TrendDataPoint, error) {
	series, err := s.patterns.TimeSeries(ctx, id, window)
	return series, utils.WrapOp("GetTimeSeries", err)
}

// GetDistributions returns a pattern's hour-of-day and day-of-week histograms.
func (s *Intelligence) GetDistributions(ctx context.Context, id string) (models.Distribution, models.Distribution, error) {
	hourly, weekly, err := s.patterns.Distributions(ctx, id)
	return hourly, weekly, utils.WrapOp("GetDistributions", err)
}

// CorrelatePatterns reports strongly correlated active patterns.
func (s *Intelligence) CorrelatePatterns(ctx context.Context) (models.CorrelationReport, error) {
	report, err := s.patterns.Correlate(ctx)
	return report, utils.WrapOp("CorrelatePatterns", err)
}

// AnalyzeRootCause returns the pattern's root-cause analysis, recomputing it
// when stale or when refresh is set.
func (s *Intelligence) AnalyzeRootCause(ctx context.Context, id string, refresh bool) (models.RootCauseAnalysis, error) {
	p, err := s.patterns.Get(ctx, id)
	if err != nil {
		return models.RootCauseAnalysis{}, utils.WrapOp("AnalyzeRootCause", err)
	}
	var a models.RootCauseAnalysis
	if refresh {
		a, err = s.rootCause.Refresh(ctx, p)
	} else {
		a, err = s.rootCause.Analyze(ctx, p)
	}
	return a, utils.WrapOp("AnalyzeRootCause", err)
}

// GenerateSolutions returns the ranked, de-duplicated solutions for a pattern.
func (s *Intelligence) GenerateSolutions(ctx context.Context, id string) ([]models.SolutionSuggestion, error) {
	a, err := s.AnalyzeRootCause(ctx, id, false)
	if err != nil {
		return nil, err
	}
	return rootcause.GenerateSolutions(a), nil
}

// ResolvePattern records an operator resolution. A successful resolution
// marks the pattern resolved and credits matching suggestions; the returned
// int is the number of suggestions credited.
func (s *Intelligence) ResolvePattern(ctx context.Context, id string, res models.PatternResolution) (models.Pattern, int, error) {
	p, err := s.patterns.Get(ctx, id)
	if err != nil {
		return models.Pattern{}, 0, utils.WrapOp("ResolvePattern", err)
	}
	credited, err := s.rootCause.Learn(ctx, p, res)
	if err != nil {
		return models.Pattern{}, 0, utils.WrapOp("ResolvePattern", err)
	}
	if !res.Successful {
		return p, credited, nil
	}
	p, err = s.patterns.SetStatus(ctx, id, models.PatternResolved)
	if err != nil {
		return models.Pattern{}, credited, utils.WrapOp("ResolvePattern", err)
	}
	return p, credited, nil
}

// UpdatePattern applies operator edits to name, description and priority.
func (s *Intelligence) UpdatePattern(ctx context.Context, id string, upd models.PatternUpdate) (models.Pattern, bool, error) {
	p, changed, err := s.patterns.Update(ctx, id, upd)
	return p, changed, utils.WrapOp("UpdatePattern", err)
}

// SetPatternStatus applies an operator status transition.
func (s *Intelligence) SetPatternStatus(ctx context.Context, id string, status models.PatternStatus) (models.Pattern, error) {
	p, err := s.patterns.SetStatus(ctx, id, status)
	return p, utils.WrapOp("SetPatternStatus", err)
}

// ShouldSuppress evaluates suppression rules for alert. It never fails.
func (s *Intelligence) ShouldSuppress(ctx context.Context, alert models.Alert) models.SuppressionDecision {
	return s.suppression.ShouldSuppress(ctx, alert)
}

// CreateSuppressionRule validates and stores a rule.
func (s *Intelligence) CreateSuppressionRule(ctx context.Context, rule models.SuppressionRule) (models.SuppressionRule, error) {
	r, err := s.suppression.CreateRule(ctx, rule)
	return r, utils.WrapOp("CreateSuppressionRule", err)
}

// ScanReport summarises one scan.
type ScanReport struct {
	Reconciled clustering.ReconcileResult `json:"reconciled"`
	Retrained  bool                       `json:"retrained"`
	Detected   int                        `json:"detected"`
	Regressed  int                        `json:"regressed"`
	Analyzed   int                        `json:"analyzed"`
	Failed     int                        `json:"failed"`
	Incomplete bool                       `json:"incomplete"`
	Duration   time.Duration              `json:"duration"`
}

// Scan runs one maintenance pass: reconcile duplicate clusters, retrain the
// embedder on recent errors, promote new patterns, then refresh every open
// or regressed pattern and its root-cause analysis in parallel. Step failures are
// collected so later steps still run.
func (s *Intelligence) Scan(ctx context.Context) (ScanReport, error) {
	start := time.Now()
	var (
		report   ScanReport
		failures []error
	)

	rec, err := s.clusterer.Reconcile(ctx)
	report.Reconciled = rec
	if err != nil {
		failures = append(failures, fmt.Errorf("reconcile: %w", err))
	}

	now := s.now().UTC()
	corpus, err := s.errors.ErrorsInRange(ctx, now.Add(-s.opts.RetrainWindow), now, s.opts.RetrainLimit)
	switch {
	case err != nil:
		s.logger.Warn("retraining corpus unavailable", slog.Any("error", err))
	default:
		switch err := s.clusterer.Retrain(ctx, corpus); {
		case err == nil:
			report.Retrained = true
		case errors.Is(err, embedding.ErrCorpusTooSmall):
			s.logger.Debug("retraining skipped", slog.Int("corpus", len(corpus)))
		default:
			failures = append(failures, fmt.Errorf("retrain: %w", err))
		}
	}

	created, err := s.patterns.DetectNew(ctx)
	report.Detected = len(created)
	if err != nil {
		failures = append(failures, fmt.Errorf("detect: %w", err))
	}

	open, err := s.patterns.List(ctx, models.PatternFilter{Statuses: []models.PatternStatus{
		models.PatternActive, models.PatternInProgress, models.PatternInvestigationPending,
	}})
	if err != nil {
		failures = append(failures, fmt.Errorf("list open patterns: %w", err))
	}
	regressed, err := s.patterns.Regressed(ctx)
	report.Regressed = len(regressed)
	if err != nil {
		failures = append(failures, fmt.Errorf("regression check: %w", err))
	}
	open = append(open, regressed...)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, p := range open {
		if gctx.Err() != nil {
			break
		}
		id := p.ID
		g.Go(func() error {
			err := s.analyzeOne(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				failures = append(failures, err)
				return nil
			}
			report.Analyzed++
			return nil
		})
	}
	_ = g.Wait()

	report.Incomplete = ctx.Err() != nil || rec.Incomplete
	report.Duration = time.Since(start)
	s.latencies.Observe(report.Duration)

	outcome := metrics.OutcomeSuccess
	if len(failures) > 0 || report.Incomplete {
		outcome = metrics.OutcomeError
	}
	metrics.ObserveScan(report.Duration, outcome)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("scan latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
	s.logger.Info("scan finished",
		slog.Int("merged", rec.Merged),
		slog.Bool("retrained", report.Retrained),
		slog.Int("detected", report.Detected),
		slog.Int("regressed", report.Regressed),
		slog.Int("analyzed", report.Analyzed),
		slog.Int("failed", report.Failed),
		slog.Duration("duration", report.Duration),
	)
	return report, errors.Join(failures...)
}

func (s *Intelligence) analyzeOne(ctx context.Context, id string) error {
	p, err := s.patterns.Analyze(ctx, id)
	if err != nil {
		return fmt.Errorf("analyze pattern %s: %w", id, err)
	}
	if _, err := s.rootCause.Analyze(ctx, p); err != nil {
		return fmt.Errorf("root cause for pattern %s: %w", id, err)
	}
	return nil
}

// LatencyP95 returns the p95 scan latency.
func (s *Intelligence) LatencyP95() time.Duration {
	return s.latencies.Percentile(95)
}
