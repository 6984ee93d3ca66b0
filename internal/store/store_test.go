package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/error-intel/internal/models"
)

type backend interface {
	SaveError(ctx context.Context, e models.RawError) error
	ErrorsInRange(ctx context.Context, start, end time.Time, limit int) ([]models.RawError, error)
	ErrorsByCluster(ctx context.Context, clusterIDs []string, start, end time.Time, limit int) ([]models.RawError, error)
	ReassignErrors(ctx context.Context, fromID, toID string) (int, error)
	GetCluster(ctx context.Context, id string) (models.Cluster, error)
	CreateCluster(ctx context.Context, c models.Cluster) error
	UpdateCluster(ctx context.Context, c models.Cluster) error
	DeleteCluster(ctx context.Context, id string) error
	ClusterBySignature(ctx context.Context, signature string) (models.Cluster, error)
	ClustersBySignature(ctx context.Context, signature string) ([]models.Cluster, error)
	DuplicateSignatures(ctx context.Context) ([]string, error)
	RecentClusters(ctx context.Context, limit int) ([]models.Cluster, error)
	ListClusters(ctx context.Context, filter models.ClusterFilter) ([]models.Cluster, error)
	GetPattern(ctx context.Context, id string) (models.Pattern, error)
	CreatePattern(ctx context.Context, p models.Pattern) error
	UpdatePattern(ctx context.Context, p models.Pattern) error
	ListPatterns(ctx context.Context, filter models.PatternFilter) ([]models.Pattern, error)
	GetAnalysis(ctx context.Context, patternID string) (models.RootCauseAnalysis, error)
	SaveAnalysis(ctx context.Context, a models.RootCauseAnalysis) error
	CreateResolution(ctx context.Context, r models.PatternResolution) error
	ListResolutions(ctx context.Context, limit int) ([]models.PatternResolution, error)
	CreateRule(ctx context.Context, r models.SuppressionRule) error
	GetRule(ctx context.Context, id string) (models.SuppressionRule, error)
	UpdateRule(ctx context.Context, r models.SuppressionRule) error
	ActiveRules(ctx context.Context, now time.Time) ([]models.SuppressionRule, error)
	IncrementRuleTrigger(ctx context.Context, id string, at time.Time) error
	Close() error
}

func backends(t *testing.T) map[string]backend {
	t.Helper()
	sqliteStore, err := OpenSQLite(filepath.Join(t.TempDir(), "errintel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })
	return map[string]backend{
		"memory": NewMemoryStore(),
		"sqlite": sqliteStore,
	}
}

var base = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func TestErrorQueries(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				cluster := "c1"
				if i%2 == 1 {
					cluster = "c2"
				}
				require.NoError(t, s.SaveError(ctx, models.RawError{
					ID:        string(rune('a' + i)),
					Timestamp: base.Add(time.Duration(i) * time.Hour),
					Message:   "boom",
					ClusterID: cluster,
				}))
			}

			all, err := s.ErrorsInRange(ctx, base, base.Add(5*time.Hour), 0)
			require.NoError(t, err)
			assert.Len(t, all, 5)
			assert.Equal(t, "a", all[0].ID)

			window, err := s.ErrorsInRange(ctx, base.Add(time.Hour), base.Add(3*time.Hour), 0)
			require.NoError(t, err)
			assert.Len(t, window, 2, "end bound is exclusive")

			latest, err := s.ErrorsInRange(ctx, time.Time{}, time.Time{}, 2)
			require.NoError(t, err)
			require.Len(t, latest, 2)
			assert.Equal(t, "d", latest[0].ID)
			assert.Equal(t, "e", latest[1].ID)

			c1, err := s.ErrorsByCluster(ctx, []string{"c1"}, time.Time{}, time.Time{}, 0)
			require.NoError(t, err)
			assert.Len(t, c1, 3)

			moved, err := s.ReassignErrors(ctx, "c2", "c1")
			require.NoError(t, err)
			assert.Equal(t, 2, moved)
			c1, err = s.ErrorsByCluster(ctx, []string{"c1"}, time.Time{}, time.Time{}, 0)
			require.NoError(t, err)
			assert.Len(t, c1, 5)
			for _, e := range c1 {
				assert.Equal(t, "c1", e.ClusterID)
			}
		})
	}
}

func TestClusterSignatureIndex(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.ClusterBySignature(ctx, "sig")
			assert.ErrorIs(t, err, models.ErrNotFound)

			first := models.Cluster{ID: "c1", Signature: "sig", LastSeen: base, ErrorIDs: []string{"e1"}, OccurrenceCount: 1}
			second := models.Cluster{ID: "c2", Signature: "sig", LastSeen: base.Add(time.Minute), ErrorIDs: []string{"e2"}, OccurrenceCount: 1}
			other := models.Cluster{ID: "c3", Signature: "other", LastSeen: base.Add(2 * time.Minute)}
			require.NoError(t, s.CreateCluster(ctx, first))
			require.NoError(t, s.CreateCluster(ctx, second))
			require.NoError(t, s.CreateCluster(ctx, other))

			got, err := s.ClusterBySignature(ctx, "sig")
			require.NoError(t, err)
			assert.Equal(t, "c1", got.ID, "oldest cluster wins")

			dupes, err := s.ClustersBySignature(ctx, "sig")
			require.NoError(t, err)
			require.Len(t, dupes, 2)
			assert.Equal(t, "c2", dupes[1].ID)

			sigs, err := s.DuplicateSignatures(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"sig"}, sigs)

			recent, err := s.RecentClusters(ctx, 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, "c3", recent[0].ID)

			require.NoError(t, s.DeleteCluster(ctx, "c2"))
			sigs, err = s.DuplicateSignatures(ctx)
			require.NoError(t, err)
			assert.Empty(t, sigs)

			first.PatternID = "p1"
			require.NoError(t, s.UpdateCluster(ctx, first))
			unassigned, err := s.ListClusters(ctx, models.ClusterFilter{Unassigned: true})
			require.NoError(t, err)
			require.Len(t, unassigned, 1)
			assert.Equal(t, "c3", unassigned[0].ID)

			assert.ErrorIs(t, s.UpdateCluster(ctx, models.Cluster{ID: "missing"}), models.ErrNotFound)
		})
	}
}

func TestMemoryStoreCopiesRecords(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := models.Cluster{ID: "c1", Signature: "sig", ErrorIDs: []string{"e1"}}
	require.NoError(t, s.CreateCluster(ctx, c))
	c.ErrorIDs[0] = "mutated"

	got, err := s.GetCluster(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "e1", got.ErrorIDs[0])
}

func TestPatternsAndAnalyses(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreatePattern(ctx, models.Pattern{ID: "p1", Status: models.PatternActive, Severity: models.SeverityHigh, LastSeen: base}))
			require.NoError(t, s.CreatePattern(ctx, models.Pattern{ID: "p2", Status: models.PatternResolved, Severity: models.SeverityLow, LastSeen: base}))

			active, err := s.ListPatterns(ctx, models.PatternFilter{Statuses: []models.PatternStatus{models.PatternActive}})
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, "p1", active[0].ID)

			severe, err := s.ListPatterns(ctx, models.PatternFilter{MinSeverity: models.SeverityMedium})
			require.NoError(t, err)
			require.Len(t, severe, 1)

			p, err := s.GetPattern(ctx, "p2")
			require.NoError(t, err)
			p.Status = models.PatternActive
			require.NoError(t, s.UpdatePattern(ctx, p))
			active, err = s.ListPatterns(ctx, models.PatternFilter{Statuses: []models.PatternStatus{models.PatternActive}})
			require.NoError(t, err)
			assert.Len(t, active, 2)

			_, err = s.GetAnalysis(ctx, "p1")
			assert.ErrorIs(t, err, models.ErrNotFound)
			analysis := models.RootCauseAnalysis{ID: "a1", PatternID: "p1", AnalyzedAt: base, ConfidenceScores: map[string]float64{"database": 0.8}}
			require.NoError(t, s.SaveAnalysis(ctx, analysis))
			analysis.ID = "a2"
			require.NoError(t, s.SaveAnalysis(ctx, analysis))
			got, err := s.GetAnalysis(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, "a2", got.ID)
			assert.InDelta(t, 0.8, got.ConfidenceScores["database"], 1e-9)

			require.NoError(t, s.CreateResolution(ctx, models.PatternResolution{ID: "r1", PatternID: "p1", AppliedSolution: "first"}))
			require.NoError(t, s.CreateResolution(ctx, models.PatternResolution{ID: "r2", PatternID: "p1", AppliedSolution: "second"}))
			res, err := s.ListResolutions(ctx, 1)
			require.NoError(t, err)
			require.Len(t, res, 1)
			assert.Equal(t, "r2", res[0].ID)
		})
	}
}

func TestRules(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			past := base.Add(-time.Hour)
			future := base.Add(time.Hour)
			require.NoError(t, s.CreateRule(ctx, models.SuppressionRule{ID: "r1", IsActive: true}))
			require.NoError(t, s.CreateRule(ctx, models.SuppressionRule{ID: "r2", IsActive: true, ExpiresAt: &past}))
			require.NoError(t, s.CreateRule(ctx, models.SuppressionRule{ID: "r3", IsActive: true, ExpiresAt: &future}))
			require.NoError(t, s.CreateRule(ctx, models.SuppressionRule{ID: "r4", IsActive: false}))

			active, err := s.ActiveRules(ctx, base)
			require.NoError(t, err)
			ids := make([]string, 0, len(active))
			for _, r := range active {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, []string{"r1", "r3"}, ids)

			require.NoError(t, s.IncrementRuleTrigger(ctx, "r1", base))
			require.NoError(t, s.IncrementRuleTrigger(ctx, "r1", base.Add(time.Minute)))
			r, err := s.GetRule(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, 2, r.TimesTriggered)
			require.NotNil(t, r.LastTriggeredAt)
			assert.True(t, r.LastTriggeredAt.Equal(base.Add(time.Minute)))

			assert.ErrorIs(t, s.IncrementRuleTrigger(ctx, "missing", base), models.ErrNotFound)
		})
	}
}
