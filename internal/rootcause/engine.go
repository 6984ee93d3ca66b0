package rootcause

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/error-intel/internal/metrics"
	"github.com/miradorstack/error-intel/internal/models"
	"github.com/miradorstack/error-intel/internal/normalize"
)

const (
	maxHypotheses     = 10
	maxSolutions      = 15
	resolutionHistory = 200
)

// Store is the persistence the engine depends on.
type Store interface {
	ErrorsByCluster(ctx context.Context, clusterIDs []string, start, end time.Time, limit int) ([]models.RawError, error)
	GetAnalysis(ctx context.Context, patternID string) (models.RootCauseAnalysis, error)
	SaveAnalysis(ctx context.Context, a models.RootCauseAnalysis) error
	CreateResolution(ctx context.Context, r models.PatternResolution) error
	ListResolutions(ctx context.Context, limit int) ([]models.PatternResolution, error)
}

// Options tunes the engine.
type Options struct {
	RefreshAfter time.Duration
	MaxErrors    int
}

// Engine derives ranked root-cause hypotheses for patterns.
type Engine struct {
	store      Store
	kb         *KnowledgeBase
	normalizer *normalize.Normalizer
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine constructs an Engine. A nil knowledge base uses the built-in entries.
func NewEngine(store Store, kb *KnowledgeBase, normalizer *normalize.Normalizer, opts Options, logger *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("root cause engine requires a store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if kb == nil {
		var err error
		if kb, err = ParseKnowledgeBase(defaultKnowledge); err != nil {
			return nil, err
		}
	}
	if normalizer == nil {
		normalizer = normalize.New(normalize.Options{}, logger)
	}
	if opts.RefreshAfter <= 0 {
		opts.RefreshAfter = 24 * time.Hour
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = 1000
	}
	return &Engine{store: store, kb: kb, normalizer: normalizer, opts: opts, logger: logger, now: time.Now}, nil
}

// SetClock overrides the clock used for staleness checks.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Analyze returns the stored analysis for p while it is fresh, otherwise runs
// every analyzer over the pattern's errors and persists the result.
func (e *Engine) Analyze(ctx context.Context, p models.Pattern) (models.RootCauseAnalysis, error) {
	now := e.now().UTC()
	existing, err := e.store.GetAnalysis(ctx, p.ID)
	switch {
	case err == nil:
		if now.Sub(existing.AnalyzedAt) < e.opts.RefreshAfter {
			return existing, nil
		}
	case !errors.Is(err, models.ErrNotFound):
		e.logger.Warn("stored analysis unavailable, recomputing", slog.String("pattern_id", p.ID), slog.Any("error", err))
	}
	return e.refresh(ctx, p, existing, now)
}

// Refresh recomputes the analysis regardless of its age.
func (e *Engine) Refresh(ctx context.Context, p models.Pattern) (models.RootCauseAnalysis, error) {
	existing, err := e.store.GetAnalysis(ctx, p.ID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			e.logger.Warn("stored analysis unavailable, learned success counts not carried over", slog.String("pattern_id", p.ID), slog.Any("error", err))
		}
		existing = models.RootCauseAnalysis{}
	}
	return e.refresh(ctx, p, existing, e.now().UTC())
}

func (e *Engine) refresh(ctx context.Context, p models.Pattern, previous models.RootCauseAnalysis, now time.Time) (models.RootCauseAnalysis, error) {
	errs, err := e.store.ErrorsByCluster(ctx, p.ClusterIDs, time.Time{}, time.Time{}, e.opts.MaxErrors)
	if err != nil {
		e.logger.Warn("pattern errors unavailable, analysing pattern metadata only", slog.String("pattern_id", p.ID), slog.Any("error", err))
		errs = nil
	}
	resolutions, err := e.store.ListResolutions(ctx, resolutionHistory)
	if err != nil {
		e.logger.Warn("resolution history unavailable", slog.Any("error", err))
		resolutions = nil
	}

	in := input{pattern: p, errors: errs, resolutions: resolutions, kb: e.kb, normalizer: e.normalizer}
	hypotheses := e.runAnalyzers(ctx, in)

	analysis := models.RootCauseAnalysis{
		ID:                   previous.ID,
		PatternID:            p.ID,
		Hypotheses:           hypotheses,
		AffectedComponents:   affectedComponents(errs),
		AffectedDependencies: affectedDependencies(errs),
		ConfidenceScores:     confidenceScores(hypotheses),
		CodeLocations:        e.codeLocations(errs),
		ErrorsExamined:       len(errs),
		Incomplete:           ctx.Err() != nil,
		AnalyzedAt:           now,
	}
	if analysis.ID == "" {
		analysis.ID = uuid.NewString()
	}
	analysis.Solutions = GenerateSolutions(mergeLearned(analysis, previous))

	if err := e.store.SaveAnalysis(ctx, analysis); err != nil {
		return models.RootCauseAnalysis{}, fmt.Errorf("save analysis for pattern %s: %w", p.ID, err)
	}
	e.logger.Debug("root cause analysis refreshed",
		slog.String("pattern_id", p.ID),
		slog.Int("hypotheses", len(hypotheses)),
		slog.Int("errors", len(errs)))
	return analysis, nil
}

// runAnalyzers runs every analyzer concurrently. A failing analyzer is logged
// and counted; the others still contribute.
func (e *Engine) runAnalyzers(ctx context.Context, in input) []models.RootCauseHypothesis {
	results := make([][]models.RootCauseHypothesis, len(analyzers))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range analyzers {
		i, a := i, a
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					metrics.ObserveAnalyzerFailure(a.name)
					e.logger.Error("root cause analyzer panicked", slog.String("analyzer", a.name), slog.Any("panic", r))
				}
			}()
			if gctx.Err() != nil {
				return nil
			}
			hyps := a.run(in)
			for j := range hyps {
				hyps[j].Analyzer = a.name
			}
			results[i] = hyps
			return nil
		})
	}
	_ = g.Wait()

	var merged []models.RootCauseHypothesis
	for _, hyps := range results {
		merged = append(merged, hyps...)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Confidence > merged[j].Confidence })
	if len(merged) > maxHypotheses {
		merged = merged[:maxHypotheses]
	}
	return merged
}

// GenerateSolutions collects suggestions from the analysis, deduplicates them
// by description, and ranks them by success count then risk.
func GenerateSolutions(a models.RootCauseAnalysis) []models.SolutionSuggestion {
	index := map[string]int{}
	var out []models.SolutionSuggestion
	add := func(s models.SolutionSuggestion) {
		key := strings.ToLower(strings.TrimSpace(s.Description))
		if key == "" {
			return
		}
		if i, ok := index[key]; ok {
			if s.SuccessCount > out[i].SuccessCount {
				out[i].SuccessCount = s.SuccessCount
			}
			if s.Risk.Rank() < out[i].Risk.Rank() {
				out[i].Risk = s.Risk
			}
			return
		}
		index[key] = len(out)
		out = append(out, s)
	}
	for _, s := range a.Solutions {
		add(s)
	}
	for _, h := range a.Hypotheses {
		for _, s := range h.Suggestions {
			add(s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SuccessCount != out[j].SuccessCount {
			return out[i].SuccessCount > out[j].SuccessCount
		}
		return out[i].Risk.Rank() < out[j].Risk.Rank()
	})
	if len(out) > maxSolutions {
		out = out[:maxSolutions]
	}
	return out
}

// Learn records a resolution and credits every suggestion of the pattern's
// analysis whose description overlaps the applied solution. It returns the
// number of credited suggestions.
func (e *Engine) Learn(ctx context.Context, p models.Pattern, res models.PatternResolution) (int, error) {
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = e.now().UTC()
	}
	res.PatternID = p.ID
	if res.Signature == "" {
		res.Signature = p.Signature
	}
	if res.ExceptionType == "" {
		res.ExceptionType = p.ExceptionType
	}
	if err := e.store.CreateResolution(ctx, res); err != nil {
		return 0, fmt.Errorf("record resolution for pattern %s: %w", p.ID, err)
	}
	if !res.Successful || res.AppliedSolution == "" {
		return 0, nil
	}

	analysis, err := e.store.GetAnalysis(ctx, p.ID)
	if errors.Is(err, models.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load analysis for pattern %s: %w", p.ID, err)
	}

	credited := 0
	for i := range analysis.Hypotheses {
		for j := range analysis.Hypotheses[i].Suggestions {
			if overlaps(analysis.Hypotheses[i].Suggestions[j].Description, res.AppliedSolution) {
				analysis.Hypotheses[i].Suggestions[j].SuccessCount++
				credited++
			}
		}
	}
	for i := range analysis.Solutions {
		if overlaps(analysis.Solutions[i].Description, res.AppliedSolution) {
			analysis.Solutions[i].SuccessCount++
			credited++
		}
	}
	if credited == 0 {
		return 0, nil
	}
	analysis.Solutions = GenerateSolutions(analysis)
	if err := e.store.SaveAnalysis(ctx, analysis); err != nil {
		return 0, fmt.Errorf("save analysis for pattern %s: %w", p.ID, err)
	}
	e.logger.Info("resolution learned", slog.String("pattern_id", p.ID), slog.Int("credited", credited))
	return credited, nil
}

// mergeLearned carries success counts of a previous analysis into a fresh one.
func mergeLearned(fresh, previous models.RootCauseAnalysis) models.RootCauseAnalysis {
	learned := make([]models.SolutionSuggestion, 0, len(previous.Solutions))
	for _, s := range previous.Solutions {
		if s.SuccessCount > 0 {
			learned = append(learned, s)
		}
	}
	fresh.Solutions = learned
	return fresh
}

func confidenceScores(hyps []models.RootCauseHypothesis) map[string]float64 {
	scores := map[string]float64{}
	for _, h := range hyps {
		if h.Confidence > scores[h.Category] {
			scores[h.Category] = h.Confidence
		}
	}
	return scores
}

func affectedComponents(errs []models.RawError) []string {
	var out []string
	for _, e := range errs {
		out = models.AppendUnique(out, e.Source, e.Endpoint)
	}
	sort.Strings(out)
	return out
}

var (
	urlPattern = regexp.MustCompile(`(?i)\b(?:https?|grpc|postgres(?:ql)?|mysql|redis|amqp|mongodb)://[^\s"'<>]+`)

	dependencyKeywords = []string{"postgres", "mysql", "redis", "kafka", "rabbitmq", "mongodb", "elasticsearch", "dynamodb", "s3", "memcached", "cassandra", "grpc"}
)

func affectedDependencies(errs []models.RawError) []string {
	var out []string
	for _, e := range errs {
		for _, raw := range urlPattern.FindAllString(e.Message, -1) {
			if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
				out = models.AppendUnique(out, strings.ToLower(u.Hostname()))
			}
		}
		lower := strings.ToLower(e.Message)
		for _, kw := range dependencyKeywords {
			if containsWord(lower, kw) {
				out = models.AppendUnique(out, kw)
			}
		}
	}
	sort.Strings(out)
	return out
}

func containsWord(s, word string) bool {
	for idx := strings.Index(s, word); idx >= 0; {
		end := idx + len(word)
		before := idx == 0 || !isWordByte(s[idx-1])
		after := end == len(s) || !isWordByte(s[end])
		if before && after {
			return true
		}
		next := strings.Index(s[idx+1:], word)
		if next < 0 {
			return false
		}
		idx += next + 1
	}
	return false
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_'
}

func (e *Engine) codeLocations(errs []models.RawError) []string {
	counts := map[string]int{}
	for _, err := range errs {
		for _, loc := range e.normalizer.ExtractCodeLocations(err.StackTrace) {
			counts[loc]++
		}
	}
	out := make([]string, 0, len(counts))
	for loc := range counts {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] == counts[out[j]] {
			return out[i] < out[j]
		}
		return counts[out[i]] > counts[out[j]]
	})
	if len(out) > 10 {
		out = out[:10]
	}
	return out
}
