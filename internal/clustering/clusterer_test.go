package clustering

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/miradorstack/error-intel/internal/embedding"
	"github.com/miradorstack/error-intel/internal/models"
	"github.com/miradorstack/error-intel/internal/store"
)

type fakeEmbedder struct {
	trained bool
	vectors map[string][]float64
}

func (f *fakeEmbedder) Train(context.Context, []embedding.Document) error {
	f.trained = true
	return nil
}

func (f *fakeEmbedder) Embed(doc embedding.Document) ([]float64, bool) {
	if !f.trained {
		return nil, false
	}
	if v, ok := f.vectors[doc.Text]; ok {
		return v, true
	}
	return []float64{0, 0, 1}, true
}

func (f *fakeEmbedder) Trained() bool { return f.trained }

// flakyStore fails selected calls on top of a MemoryStore.
type flakyStore struct {
	*store.MemoryStore
	lookupErr     error
	hideSignature bool
	createErr     error
}

func (f *flakyStore) ClusterBySignature(ctx context.Context, sig string) (models.Cluster, error) {
	if f.lookupErr != nil {
		return models.Cluster{}, f.lookupErr
	}
	if f.hideSignature {
		return models.Cluster{}, models.ErrNotFound
	}
	return f.MemoryStore.ClusterBySignature(ctx, sig)
}

func (f *flakyStore) CreateCluster(ctx context.Context, c models.Cluster) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.MemoryStore.CreateCluster(ctx, c)
}

func newClusterer(t *testing.T, s Store, emb embedding.Embedder, threshold float64) *Clusterer {
	t.Helper()
	c, err := New(s, nil, emb, Options{SimilarityThreshold: threshold}, nil)
	if err != nil {
		t.Fatalf("new clusterer: %v", err)
	}
	return c
}

func TestIdenticalErrorsShareOneCluster(t *testing.T) {
	s := store.NewMemoryStore()
	c := newClusterer(t, s, nil, 0)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	var clusterID string
	for i := 0; i < 10; i++ {
		e := models.RawError{
			ID:        fmt.Sprintf("e%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Message:   fmt.Sprintf("Order %08x-0000-4000-8000-000000000000 failed at 2024-06-01T10:%02d:00Z", i+1, i),
			UserID:    fmt.Sprintf("u%d", i%3),
		}
		a, err := c.Assign(ctx, &e)
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		if i == 0 {
			if a.Outcome != models.OutcomeCreatedNew {
				t.Fatalf("expected first error to create a cluster, got %s", a.Outcome)
			}
			clusterID = a.Cluster.ID
		} else if a.Outcome != models.OutcomeAttachedExisting || !a.Exact {
			t.Fatalf("expected exact attach, got %+v", a)
		}
		if e.ClusterID != clusterID {
			t.Fatalf("error must carry its cluster id")
		}
	}

	cluster, err := s.GetCluster(ctx, clusterID)
	if err != nil {
		t.Fatalf("get cluster: %v", err)
	}
	if cluster.OccurrenceCount != 10 || len(cluster.ErrorIDs) != 10 {
		t.Fatalf("expected 10 members, got %d/%d", cluster.OccurrenceCount, len(cluster.ErrorIDs))
	}
	if len(cluster.AffectedUsers) != 3 {
		t.Fatalf("expected 3 affected users, got %v", cluster.AffectedUsers)
	}
	if !cluster.FirstSeen.Equal(base) || !cluster.LastSeen.Equal(base.Add(9*time.Minute)) {
		t.Fatalf("unexpected first/last seen %v %v", cluster.FirstSeen, cluster.LastSeen)
	}
	if cluster.Confidence != 1.0 {
		t.Fatalf("new clusters start with confidence 1.0")
	}
}

func TestSimilarityThresholdBoundary(t *testing.T) {
	a := []float64{1, 0, 0}
	b := []float64{0.85, 0.5267826876426369, 0}
	emb := &fakeEmbedder{trained: true, vectors: map[string][]float64{
		"alpha failure": a,
		"beta failure":  b,
	}}
	threshold := embedding.Cosine(b, a)

	run := func(th float64) models.Assignment {
		s := store.NewMemoryStore()
		c := newClusterer(t, s, emb, th)
		ctx := context.Background()
		first := models.RawError{ID: "1", Message: "alpha failure", Timestamp: time.Now()}
		if _, err := c.Assign(ctx, &first); err != nil {
			t.Fatalf("assign: %v", err)
		}
		second := models.RawError{ID: "2", Message: "beta failure", Timestamp: time.Now()}
		got, err := c.Assign(ctx, &second)
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		return got
	}

	at := run(threshold)
	if at.Outcome != models.OutcomeAttachedExisting || at.Exact {
		t.Fatalf("candidate at the threshold must be accepted, got %+v", at)
	}
	if at.Similarity != threshold {
		t.Fatalf("expected similarity %f, got %f", threshold, at.Similarity)
	}

	below := run(threshold + 1e-9)
	if below.Outcome != models.OutcomeCreatedNew {
		t.Fatalf("candidate below the threshold must be rejected, got %s", below.Outcome)
	}
}

func TestSimilarityTieBreaksByRecency(t *testing.T) {
	v := []float64{1, 0, 0}
	emb := &fakeEmbedder{trained: false, vectors: map[string][]float64{
		"old failure": v, "new failure": v, "probe failure": v,
	}}
	s := store.NewMemoryStore()
	c := newClusterer(t, s, emb, 0.9)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	old := models.RawError{ID: "1", Message: "old failure", Timestamp: base}
	newer := models.RawError{ID: "2", Message: "new failure", Timestamp: base.Add(time.Hour)}
	if _, err := c.Assign(ctx, &old); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := c.Assign(ctx, &newer); err != nil {
		t.Fatalf("assign: %v", err)
	}

	emb.trained = true
	probe := models.RawError{ID: "3", Message: "probe failure", Timestamp: base.Add(2 * time.Hour)}
	got, err := c.Assign(ctx, &probe)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.Cluster.ID != newer.ClusterID {
		t.Fatalf("expected tie to go to the most recent cluster")
	}
}

func TestUntrainedEmbedderSkipsSimilarity(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{}}
	s := store.NewMemoryStore()
	c := newClusterer(t, s, emb, 0.1)
	ctx := context.Background()
	for i, msg := range []string{"disk full on node", "disk full on host"} {
		e := models.RawError{ID: fmt.Sprint(i), Message: msg, Timestamp: time.Now()}
		a, err := c.Assign(ctx, &e)
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		if a.Outcome != models.OutcomeCreatedNew {
			t.Fatalf("untrained model must never match, got %s", a.Outcome)
		}
	}
}

func TestLookupFailureDegradesToNoMatch(t *testing.T) {
	s := &flakyStore{MemoryStore: store.NewMemoryStore(), lookupErr: errors.New("index offline")}
	c := newClusterer(t, s, nil, 0)
	e := models.RawError{ID: "1", Message: "boom", Timestamp: time.Now()}
	a, err := c.Assign(context.Background(), &e)
	if err != nil {
		t.Fatalf("lookup failures must not surface: %v", err)
	}
	if a.Outcome != models.OutcomeCreatedNew {
		t.Fatalf("expected new cluster, got %s", a.Outcome)
	}
}

func TestWriteFailurePropagates(t *testing.T) {
	s := &flakyStore{MemoryStore: store.NewMemoryStore(), createErr: errors.New("disk full")}
	c := newClusterer(t, s, nil, 0)
	e := models.RawError{ID: "1", Message: "boom", Timestamp: time.Now()}
	if _, err := c.Assign(context.Background(), &e); err == nil {
		t.Fatalf("expected write failure to propagate")
	}
}

func TestConcurrentDuplicateIsMerged(t *testing.T) {
	s := &flakyStore{MemoryStore: store.NewMemoryStore()}
	c := newClusterer(t, s, nil, 0)
	ctx := context.Background()

	first := models.RawError{ID: "1", Message: "payment gateway unavailable", Timestamp: time.Now()}
	a, err := c.Assign(ctx, &first)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	// Simulate the racing writer that missed the first cluster.
	s.hideSignature = true
	second := models.RawError{ID: "2", Message: "payment gateway unavailable", Timestamp: time.Now()}
	b, err := c.Assign(ctx, &second)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if b.Outcome != models.OutcomeMergedDuplicate {
		t.Fatalf("expected merged duplicate, got %s", b.Outcome)
	}
	if b.Cluster.ID != a.Cluster.ID || b.Cluster.OccurrenceCount != 2 {
		t.Fatalf("expected merge into the oldest cluster, got %+v", b.Cluster)
	}
	if second.ClusterID != a.Cluster.ID {
		t.Fatalf("error must point at the surviving cluster")
	}
	clusters, _ := s.ClustersBySignature(ctx, a.Cluster.Signature)
	if len(clusters) != 1 {
		t.Fatalf("expected a single cluster after merge, got %d", len(clusters))
	}
}

func TestReconcileMergesDuplicates(t *testing.T) {
	s := store.NewMemoryStore()
	c := newClusterer(t, s, nil, 0)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"c1", "c2", "c3"} {
		cluster := models.Cluster{ID: id, Signature: "dup", FirstSeen: now, LastSeen: now}
		e := models.RawError{ID: fmt.Sprintf("e%d", i), Timestamp: now}
		cluster.Attach(&e)
		if err := s.CreateCluster(ctx, cluster); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.SaveError(ctx, e); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	res, err := c.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Signatures != 1 || res.Merged != 2 {
		t.Fatalf("unexpected reconcile result %+v", res)
	}
	kept, err := s.GetCluster(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if kept.OccurrenceCount != 3 {
		t.Fatalf("expected 3 members, got %d", kept.OccurrenceCount)
	}
	members, _ := s.ErrorsByCluster(ctx, []string{"c1"}, time.Time{}, time.Time{}, 0)
	if len(members) != 3 {
		t.Fatalf("expected errors reassigned, got %d", len(members))
	}
}

func TestReassigningKnownErrorKeepsCount(t *testing.T) {
	s := store.NewMemoryStore()
	c := newClusterer(t, s, nil, 0)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	var clusterID string
	for i := 0; i < 3; i++ {
		e := models.RawError{ID: fmt.Sprintf("e%d", i), Timestamp: base.Add(time.Duration(i) * time.Second), Message: "cache miss for key 42"}
		a, err := c.Assign(ctx, &e)
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		clusterID = a.Cluster.ID
	}
	again := models.RawError{ID: "e0", Timestamp: base, Message: "cache miss for key 42"}
	a, err := c.Assign(ctx, &again)
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if a.Cluster.OccurrenceCount != 3 || again.ClusterID != clusterID {
		t.Fatalf("expected count 3 in %s, got %d in %s", clusterID, a.Cluster.OccurrenceCount, again.ClusterID)
	}
	stored, _ := s.GetCluster(ctx, clusterID)
	if stored.OccurrenceCount != len(stored.ErrorIDs) || stored.OccurrenceCount != 3 {
		t.Fatalf("count and members diverged: %d vs %v", stored.OccurrenceCount, stored.ErrorIDs)
	}
}

func seedDuplicate(t *testing.T, s *store.MemoryStore, id, patternID string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	cluster := models.Cluster{ID: id, Signature: "dup", PatternID: patternID}
	e := models.RawError{ID: "e-" + id, Timestamp: at}
	cluster.Attach(&e)
	if err := s.CreateCluster(ctx, cluster); err != nil {
		t.Fatalf("create cluster: %v", err)
	}
	if err := s.SaveError(ctx, e); err != nil {
		t.Fatalf("save error: %v", err)
	}
}

func TestReconcileRelinksPatternToSurvivor(t *testing.T) {
	s := store.NewMemoryStore()
	c := newClusterer(t, s, nil, 0)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.CreatePattern(ctx, models.Pattern{ID: "p1", Status: models.PatternActive, ClusterIDs: []string{"new"}}); err != nil {
		t.Fatalf("create pattern: %v", err)
	}
	seedDuplicate(t, s, "old", "", now.Add(-time.Minute))
	seedDuplicate(t, s, "new", "p1", now)

	if _, err := c.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	p, err := s.GetPattern(ctx, "p1")
	if err != nil {
		t.Fatalf("get pattern: %v", err)
	}
	if len(p.ClusterIDs) != 1 || p.ClusterIDs[0] != "old" {
		t.Fatalf("expected pattern to follow the surviving cluster, got %v", p.ClusterIDs)
	}
	kept, err := s.GetCluster(ctx, "old")
	if err != nil {
		t.Fatalf("get cluster: %v", err)
	}
	if kept.PatternID != "p1" {
		t.Fatalf("expected survivor linked to p1, got %q", kept.PatternID)
	}
	members, _ := s.ErrorsByCluster(ctx, p.ClusterIDs, time.Time{}, time.Time{}, 0)
	if len(members) != 2 {
		t.Fatalf("expected both errors reachable from the pattern, got %d", len(members))
	}
}

func TestReconcileArchivesPatternLeftWithoutClusters(t *testing.T) {
	s := store.NewMemoryStore()
	c := newClusterer(t, s, nil, 0)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, p := range []models.Pattern{
		{ID: "p1", Status: models.PatternActive, ClusterIDs: []string{"old"}},
		{ID: "p2", Status: models.PatternActive, ClusterIDs: []string{"new"}},
	} {
		if err := s.CreatePattern(ctx, p); err != nil {
			t.Fatalf("create pattern: %v", err)
		}
	}
	seedDuplicate(t, s, "old", "p1", now.Add(-time.Minute))
	seedDuplicate(t, s, "new", "p2", now)

	if _, err := c.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	p1, _ := s.GetPattern(ctx, "p1")
	if len(p1.ClusterIDs) != 1 || p1.ClusterIDs[0] != "old" {
		t.Fatalf("expected p1 unchanged, got %v", p1.ClusterIDs)
	}
	p2, _ := s.GetPattern(ctx, "p2")
	if len(p2.ClusterIDs) != 0 || p2.Status != models.PatternArchived {
		t.Fatalf("expected p2 archived without clusters, got %v %s", p2.ClusterIDs, p2.Status)
	}
}

func TestAssignBatchHonoursCancellation(t *testing.T) {
	c := newClusterer(t, store.NewMemoryStore(), nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := c.AssignBatch(ctx, []models.RawError{{Message: "a"}, {Message: "b"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Incomplete || len(res.Assignments) != 0 {
		t.Fatalf("expected incomplete empty result, got %+v", res)
	}
}

func TestAssignBatchCounts(t *testing.T) {
	c := newClusterer(t, store.NewMemoryStore(), nil, 0)
	errs := []models.RawError{{Message: "a"}, {Message: "a"}, {Message: "b"}}
	res, err := c.AssignBatch(context.Background(), errs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Created != 2 || res.Attached != 1 || res.Incomplete {
		t.Fatalf("unexpected batch result %+v", res)
	}
	for _, e := range errs {
		if e.ID == "" || e.ClusterID == "" {
			t.Fatalf("batch must fill ids and cluster links: %+v", e)
		}
	}
}

func TestRetrainEnablesSimilarity(t *testing.T) {
	emb := embedding.NewHashingEmbedder(embedding.HashingOptions{}, nil)
	c := newClusterer(t, store.NewMemoryStore(), emb, 0)
	corpus := []models.RawError{{Message: "connection refused"}, {Message: "null reference"}}
	if err := c.Retrain(context.Background(), corpus); err != nil {
		t.Fatalf("retrain: %v", err)
	}
	if !emb.Trained() {
		t.Fatalf("expected embedder to be trained")
	}
}
