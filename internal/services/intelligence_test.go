package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/error-intel/internal/api"
	"github.com/miradorstack/error-intel/internal/cache"
	"github.com/miradorstack/error-intel/internal/clustering"
	"github.com/miradorstack/error-intel/internal/embedding"
	"github.com/miradorstack/error-intel/internal/models"
	"github.com/miradorstack/error-intel/internal/normalize"
	"github.com/miradorstack/error-intel/internal/patterns"
	"github.com/miradorstack/error-intel/internal/rootcause"
	"github.com/miradorstack/error-intel/internal/store"
	"github.com/miradorstack/error-intel/internal/suppression"
)

var base = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newIntelligence(t *testing.T, s *store.MemoryStore, now time.Time) *Intelligence {
	t.Helper()
	clock := func() time.Time { return now }
	norm := normalize.New(normalize.Options{}, nil)

	clusterer, err := clustering.New(s, norm, embedding.NewHashingEmbedder(embedding.HashingOptions{}, nil), clustering.Options{}, nil)
	if err != nil {
		t.Fatalf("clusterer: %v", err)
	}
	clusterer.SetClock(clock)

	manager := patterns.NewManager(s, cache.NewMemoryProvider(), patterns.Options{}, nil)
	manager.SetClock(clock)

	engine, err := rootcause.NewEngine(s, nil, norm, rootcause.Options{}, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	engine.SetClock(clock)

	evaluator, err := suppression.NewEvaluator(s, nil)
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	evaluator.SetClock(clock)

	svc, err := NewIntelligence(Dependencies{
		Clusterer:   clusterer,
		Patterns:    manager,
		RootCause:   engine,
		Suppression: evaluator,
		Errors:      s,
	}, Options{Concurrency: 2}, nil)
	if err != nil {
		t.Fatalf("intelligence: %v", err)
	}
	svc.SetClock(clock)
	return svc
}

// databaseBurst returns n errors spread evenly across two hours that differ
// only in volatile tokens.
func databaseBurst(n int) []models.RawError {
	step := 2 * time.Hour / time.Duration(n)
	errs := make([]models.RawError, 0, n)
	for i := 0; i < n; i++ {
		errs = append(errs, models.RawError{
			ID:            fmt.Sprintf("err-%02d", i),
			Timestamp:     base.Add(time.Duration(i) * step),
			Message:       fmt.Sprintf("SQLException: query %d on db.internal timed out after %dms", 1000+i, 30000+i),
			ExceptionType: "SQLException",
			Source:        "checkout",
			Endpoint:      "/api/orders",
			UserID:        fmt.Sprintf("user-%d", i%7),
			StatusCode:    500,
		})
	}
	return errs
}

func TestEndToEndDatabaseBurst(t *testing.T) {
	s := store.NewMemoryStore()
	now := base.Add(2 * time.Hour)
	svc := newIntelligence(t, s, now)
	ctx := context.Background()

	result, err := svc.Ingest(ctx, databaseBurst(50))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Created != 1 || result.Attached != 49 {
		t.Fatalf("expected one cluster, got %+v", result)
	}

	created, err := svc.DetectNewPatterns(ctx)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected one pattern, got %d", len(created))
	}

	p, err := svc.AnalyzePattern(ctx, created[0].ID)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if p.OccurrenceCount != 50 {
		t.Fatalf("expected 50 occurrences, got %d", p.OccurrenceCount)
	}
	if p.OccurrenceRate < 24.9 || p.OccurrenceRate > 25.1 {
		t.Fatalf("expected rate near 25/h, got %v", p.OccurrenceRate)
	}
	if p.Severity != models.SeverityCritical {
		t.Fatalf("expected critical severity, got %s", p.Severity)
	}

	rc, err := svc.AnalyzeRootCause(ctx, p.ID, false)
	if err != nil {
		t.Fatalf("root cause: %v", err)
	}
	if len(rc.Hypotheses) == 0 {
		t.Fatalf("expected hypotheses")
	}
	found := false
	for _, h := range rc.Hypotheses {
		if h.Category == "database" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a database hypothesis, got %+v", rc.Hypotheses)
	}

	solutions, err := svc.GenerateSolutions(ctx, p.ID)
	if err != nil || len(solutions) == 0 {
		t.Fatalf("expected solutions, got %v %v", solutions, err)
	}

	resolved, credited, err := svc.ResolvePattern(ctx, p.ID, models.PatternResolution{
		RootCause:       "connection pool exhausted",
		AppliedSolution: "check database connectivity",
		Successful:      true,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != models.PatternResolved || credited == 0 {
		t.Fatalf("expected resolved pattern with credit, got %s / %d", resolved.Status, credited)
	}
}

func TestScanDetectsAndAnalyzes(t *testing.T) {
	s := store.NewMemoryStore()
	svc := newIntelligence(t, s, base.Add(2*time.Hour))
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, databaseBurst(50)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	report, err := svc.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !report.Retrained || report.Detected != 1 || report.Analyzed != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	ps, err := svc.GetPatterns(ctx, models.PatternFilter{})
	if err != nil || len(ps) != 1 {
		t.Fatalf("expected one pattern, got %d (%v)", len(ps), err)
	}
	if _, err := s.GetAnalysis(ctx, ps[0].ID); err != nil {
		t.Fatalf("scan must persist a root cause analysis: %v", err)
	}

	// A second scan promotes nothing new.
	report, err = svc.Scan(ctx)
	if err != nil || report.Detected != 0 || report.Analyzed != 1 {
		t.Fatalf("unexpected second scan %+v (%v)", report, err)
	}
}

func TestScanReopensRegressedPattern(t *testing.T) {
	s := store.NewMemoryStore()
	now := base.Add(2 * time.Hour)
	svc := newIntelligence(t, s, now)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, databaseBurst(50)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	created, err := svc.DetectNewPatterns(ctx)
	if err != nil || len(created) != 1 {
		t.Fatalf("expected one pattern, got %d (%v)", len(created), err)
	}
	id := created[0].ID
	if _, _, err := svc.ResolvePattern(ctx, id, models.PatternResolution{RootCause: "pool", Successful: true}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	late := make([]models.RawError, 0, 5)
	for i := 0; i < 5; i++ {
		late = append(late, models.RawError{
			ID:            fmt.Sprintf("late-%d", i),
			Timestamp:     now.Add(time.Duration(i+1) * time.Minute),
			Message:       fmt.Sprintf("SQLException: query %d on db.internal timed out after %dms", 2000+i, 31000+i),
			ExceptionType: "SQLException",
			Source:        "checkout",
		})
	}
	if _, err := svc.Ingest(ctx, late); err != nil {
		t.Fatalf("ingest late errors: %v", err)
	}

	report, err := svc.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.Regressed != 1 || report.Analyzed != 1 {
		t.Fatalf("expected the resolved pattern to be re-analyzed, got %+v", report)
	}
	p, err := svc.GetPattern(ctx, id)
	if err != nil {
		t.Fatalf("get pattern: %v", err)
	}
	if p.Status != models.PatternActive || p.ResolvedAt != nil {
		t.Fatalf("expected reopened pattern, got %s", p.Status)
	}
	if p.OccurrenceCount != 55 {
		t.Fatalf("expected 55 occurrences, got %d", p.OccurrenceCount)
	}
}

func TestScanLeavesQuietResolvedPatternAlone(t *testing.T) {
	s := store.NewMemoryStore()
	svc := newIntelligence(t, s, base.Add(2*time.Hour))
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, databaseBurst(50)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	created, err := svc.DetectNewPatterns(ctx)
	if err != nil || len(created) != 1 {
		t.Fatalf("expected one pattern, got %d (%v)", len(created), err)
	}
	if _, _, err := svc.ResolvePattern(ctx, created[0].ID, models.PatternResolution{Successful: true}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	report, err := svc.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.Regressed != 0 || report.Analyzed != 0 {
		t.Fatalf("expected no work for a quiet resolved pattern, got %+v", report)
	}
}

func TestGRPCServiceUpdatePatternStatus(t *testing.T) {
	s := store.NewMemoryStore()
	svc := newIntelligence(t, s, base.Add(2*time.Hour))
	grpcSvc := NewGRPCService(svc, nil)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, databaseBurst(50)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	created, err := svc.DetectNewPatterns(ctx)
	if err != nil || len(created) != 1 {
		t.Fatalf("expected one pattern, got %d (%v)", len(created), err)
	}

	in, _ := api.ToStruct(api.StatusRequest{ID: created[0].ID, Status: models.PatternArchived})
	out, err := grpcSvc.UpdatePatternStatus(ctx, in)
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	var p models.Pattern
	if err := api.FromStruct(out, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Status != models.PatternArchived {
		t.Fatalf("expected archived, got %s", p.Status)
	}

	in, _ = api.ToStruct(api.StatusRequest{ID: created[0].ID, Status: "closed"})
	if _, err := grpcSvc.UpdatePatternStatus(ctx, in); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument for unknown status, got %v", err)
	}
	in, _ = api.ToStruct(api.StatusRequest{ID: "missing", Status: models.PatternIgnored})
	if _, err := grpcSvc.UpdatePatternStatus(ctx, in); status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIngestRejectsEmptyBatch(t *testing.T) {
	svc := newIntelligence(t, store.NewMemoryStore(), base)
	_, err := svc.Ingest(context.Background(), nil)
	if !errors.Is(err, models.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestGRPCServiceStatusMapping(t *testing.T) {
	svc := newIntelligence(t, store.NewMemoryStore(), base)
	grpcSvc := NewGRPCService(svc, nil)
	ctx := context.Background()

	in, _ := api.ToStruct(api.IDRequest{ID: "missing"})
	if _, err := grpcSvc.GetPattern(ctx, in); status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	in, _ = api.ToStruct(api.IDRequest{})
	if _, err := grpcSvc.AnalyzePattern(ctx, in); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument for missing id, got %v", err)
	}

	in, _ = api.ToStruct(models.SuppressionRule{Name: "bad", Conditions: []models.SuppressionCondition{{Field: "hostname", Operator: "equals"}}})
	if _, err := grpcSvc.CreateSuppressionRule(ctx, in); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument for unknown field, got %v", err)
	}

	in, _ = api.ToStruct(api.StatisticsRequest{Timeframe: "soon"})
	if _, err := grpcSvc.GetStatistics(ctx, in); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument for bad timeframe, got %v", err)
	}
}

func TestGRPCServiceSuppression(t *testing.T) {
	svc := newIntelligence(t, store.NewMemoryStore(), base)
	grpcSvc := NewGRPCService(svc, nil)
	ctx := context.Background()

	in, _ := api.ToStruct(models.SuppressionRule{
		Name:       "staging noise",
		IsActive:   true,
		Conditions: []models.SuppressionCondition{{Field: "label.env", Operator: "equals", Value: "staging"}},
	})
	out, err := grpcSvc.CreateSuppressionRule(ctx, in)
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	var rule models.SuppressionRule
	if err := api.FromStruct(out, &rule); err != nil || rule.ID == "" {
		t.Fatalf("expected stored rule, got %+v (%v)", rule, err)
	}

	in, _ = api.ToStruct(models.Alert{Title: "disk", Labels: map[string]string{"env": "Staging"}})
	out, err = grpcSvc.ShouldSuppress(ctx, in)
	if err != nil {
		t.Fatalf("should suppress: %v", err)
	}
	var decision models.SuppressionDecision
	if err := api.FromStruct(out, &decision); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decision.Suppressed || decision.RuleID != rule.ID {
		t.Fatalf("expected suppression by %s, got %+v", rule.ID, decision)
	}
}

type countingScanner struct {
	calls atomic.Int32
	done  chan struct{}
}

func (c *countingScanner) Scan(context.Context) (ScanReport, error) {
	if c.calls.Add(1) == 2 {
		close(c.done)
	}
	return ScanReport{}, errors.New("partial failure")
}

func TestSchedulerRunsUntilCancelled(t *testing.T) {
	scanner := &countingScanner{done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		NewScheduler(scanner, 5*time.Millisecond, nil).Run(ctx)
		close(finished)
	}()

	select {
	case <-scanner.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("scheduler did not scan twice")
	}
	cancel()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
}
