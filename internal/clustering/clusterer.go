package clustering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/miradorstack/error-intel/internal/embedding"
	"github.com/miradorstack/error-intel/internal/metrics"
	"github.com/miradorstack/error-intel/internal/models"
	"github.com/miradorstack/error-intel/internal/normalize"
)

const (
	defaultSimilarityThreshold = 0.85
	maxCandidates              = 100
	memberSetCacheSize         = 256
)

// Store is the persistence the clusterer depends on.
type Store interface {
	GetCluster(ctx context.Context, id string) (models.Cluster, error)
	CreateCluster(ctx context.Context, c models.Cluster) error
	UpdateCluster(ctx context.Context, c models.Cluster) error
	DeleteCluster(ctx context.Context, id string) error
	ClusterBySignature(ctx context.Context, signature string) (models.Cluster, error)
	ClustersBySignature(ctx context.Context, signature string) ([]models.Cluster, error)
	DuplicateSignatures(ctx context.Context) ([]string, error)
	RecentClusters(ctx context.Context, limit int) ([]models.Cluster, error)
	SaveError(ctx context.Context, e models.RawError) error
	ReassignErrors(ctx context.Context, fromID, toID string) (int, error)
	GetPattern(ctx context.Context, id string) (models.Pattern, error)
	UpdatePattern(ctx context.Context, p models.Pattern) error
}

// Options tunes the clusterer.
type Options struct {
	SimilarityThreshold float64
	// CandidateLimit caps the approximate search set; values above 100 are clamped.
	CandidateLimit int
}

// Clusterer assigns errors to clusters by exact signature, then by embedding
// similarity against the most recently active clusters.
type Clusterer struct {
	store      Store
	normalizer *normalize.Normalizer
	embedder   embedding.Embedder
	opts       Options
	logger     *slog.Logger
	now        func() time.Time

	seedMu     sync.Mutex
	seeded     bool
	candidates *lru.Cache[string, models.Cluster]
	members    *lru.Cache[string, *memberSet]
}

// memberSet indexes a cluster's error ids for constant-time duplicate checks.
type memberSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// New constructs a Clusterer. embedder may be nil to disable approximate matching.
func New(store Store, normalizer *normalize.Normalizer, embedder embedding.Embedder, opts Options, logger *slog.Logger) (*Clusterer, error) {
	if store == nil {
		return nil, fmt.Errorf("clusterer requires a store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if normalizer == nil {
		normalizer = normalize.New(normalize.Options{}, logger)
	}
	if opts.SimilarityThreshold <= 0 || opts.SimilarityThreshold > 1 {
		opts.SimilarityThreshold = defaultSimilarityThreshold
	}
	if opts.CandidateLimit <= 0 || opts.CandidateLimit > maxCandidates {
		opts.CandidateLimit = maxCandidates
	}
	candidates, err := lru.New[string, models.Cluster](opts.CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("create candidate cache: %w", err)
	}
	members, err := lru.New[string, *memberSet](memberSetCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create member cache: %w", err)
	}
	return &Clusterer{
		store:      store,
		normalizer: normalizer,
		embedder:   embedder,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
		candidates: candidates,
		members:    members,
	}, nil
}

// SetClock overrides the clock used for UpdatedAt stamps and missing timestamps.
func (c *Clusterer) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// Assign places one error into a cluster and persists the link. Lookup
// failures degrade to "no match"; write failures are returned.
func (c *Clusterer) Assign(ctx context.Context, e *models.RawError) (models.Assignment, error) {
	if e == nil {
		return models.Assignment{}, fmt.Errorf("assign: error record is nil")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now().UTC()
	}

	text := c.normalizer.Normalize(e.Message, e.StackTrace)
	signature := normalize.Signature(text)

	existing, err := c.store.ClusterBySignature(ctx, signature)
	switch {
	case err == nil:
		return c.attach(ctx, existing, e, models.Assignment{Exact: true, Similarity: 1})
	case !errors.Is(err, models.ErrNotFound):
		c.logger.Warn("signature lookup failed, treating as no match", slog.String("signature", signature), slog.Any("error", err))
	}

	if match, score, ok := c.similar(ctx, text, e); ok {
		return c.attach(ctx, match, e, models.Assignment{Similarity: score})
	}

	return c.create(ctx, text, signature, e)
}

func (c *Clusterer) attach(ctx context.Context, cluster models.Cluster, e *models.RawError, result models.Assignment) (models.Assignment, error) {
	set := c.membersOf(cluster)
	set.mu.Lock()
	defer set.mu.Unlock()
	_, member := set.ids[e.ID]
	if member {
		e.ClusterID = cluster.ID
	} else {
		cluster.AddMember(e)
	}
	cluster.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateCluster(ctx, cluster); err != nil {
		return models.Assignment{}, fmt.Errorf("update cluster %s: %w", cluster.ID, err)
	}
	set.ids[e.ID] = struct{}{}
	if err := c.store.SaveError(ctx, *e); err != nil {
		return models.Assignment{}, fmt.Errorf("save error %s: %w", e.ID, err)
	}
	c.candidates.Add(cluster.ID, cluster)

	result.Cluster = cluster
	result.Outcome = models.OutcomeAttachedExisting
	metrics.ObserveAssignment(string(result.Outcome), result.Exact)
	return result, nil
}

// membersOf returns the cached id index for cluster, rebuilding it when its
// size no longer matches the stored member list.
func (c *Clusterer) membersOf(cluster models.Cluster) *memberSet {
	if set, ok := c.members.Get(cluster.ID); ok {
		set.mu.Lock()
		fresh := len(set.ids) == len(cluster.ErrorIDs)
		set.mu.Unlock()
		if fresh {
			return set
		}
	}
	set := &memberSet{ids: make(map[string]struct{}, len(cluster.ErrorIDs))}
	for _, id := range cluster.ErrorIDs {
		set.ids[id] = struct{}{}
	}
	c.members.Add(cluster.ID, set)
	return set
}

func (c *Clusterer) create(ctx context.Context, text models.NormalizedText, signature string, e *models.RawError) (models.Assignment, error) {
	now := c.now().UTC()
	cluster := models.Cluster{
		ID:                 uuid.NewString(),
		Signature:          signature,
		RepresentativeText: e.Message,
		NormalizedText:     text.Text,
		KeyFrames:          text.KeyFrames,
		ExceptionType:      e.ExceptionType,
		Source:             e.Source,
		StatusCode:         e.StatusCode,
		Severity:           e.Severity,
		Status:             models.ClusterIdentified,
		Confidence:         1.0,
		UpdatedAt:          now,
	}
	if cluster.Severity == "" {
		cluster.Severity = models.SeverityMedium
	}
	cluster.Attach(e)

	if err := c.store.CreateCluster(ctx, cluster); err != nil {
		return models.Assignment{}, fmt.Errorf("create cluster: %w", err)
	}
	if err := c.store.SaveError(ctx, *e); err != nil {
		return models.Assignment{}, fmt.Errorf("save error %s: %w", e.ID, err)
	}
	c.candidates.Add(cluster.ID, cluster)

	result := models.Assignment{Cluster: cluster, Outcome: models.OutcomeCreatedNew, Exact: true, Similarity: 1}
	if merged, ok := c.mergeIfDuplicate(ctx, cluster, e); ok {
		result.Cluster = merged
		result.Outcome = models.OutcomeMergedDuplicate
	}
	metrics.ObserveAssignment(string(result.Outcome), result.Exact)
	return result, nil
}

// mergeIfDuplicate folds a freshly created cluster into an older sibling that
// won a concurrent race for the same signature. Failures are left for Reconcile.
func (c *Clusterer) mergeIfDuplicate(ctx context.Context, created models.Cluster, e *models.RawError) (models.Cluster, bool) {
	siblings, err := c.store.ClustersBySignature(ctx, created.Signature)
	if err != nil || len(siblings) < 2 || siblings[0].ID == created.ID {
		return models.Cluster{}, false
	}
	oldest, err := c.mergeInto(ctx, siblings[0], []models.Cluster{created})
	if err != nil {
		c.logger.Warn("duplicate cluster merge deferred to reconciliation",
			slog.String("cluster_id", created.ID), slog.Any("error", err))
		return models.Cluster{}, false
	}
	e.ClusterID = oldest.ID
	return oldest, true
}

func (c *Clusterer) mergeInto(ctx context.Context, keep models.Cluster, dupes []models.Cluster) (models.Cluster, error) {
	for _, dupe := range dupes {
		keep.Absorb(dupe)
	}
	keep.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateCluster(ctx, keep); err != nil {
		return models.Cluster{}, fmt.Errorf("update cluster %s: %w", keep.ID, err)
	}
	for _, dupe := range dupes {
		if _, err := c.store.ReassignErrors(ctx, dupe.ID, keep.ID); err != nil {
			return models.Cluster{}, fmt.Errorf("reassign errors of %s: %w", dupe.ID, err)
		}
		if err := c.store.DeleteCluster(ctx, dupe.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
			return models.Cluster{}, fmt.Errorf("delete cluster %s: %w", dupe.ID, err)
		}
		c.candidates.Remove(dupe.ID)
		c.members.Remove(dupe.ID)
		if dupe.PatternID != "" {
			if err := c.relinkPattern(ctx, dupe.PatternID, dupe.ID, keep); err != nil {
				return models.Cluster{}, err
			}
		}
	}
	c.candidates.Add(keep.ID, keep)
	c.members.Remove(keep.ID)
	metrics.ObserveMerged(len(dupes))
	return keep, nil
}

// relinkPattern points a pattern that referenced a merged-away cluster at the
// surviving one. When the survivor already belongs to another pattern the
// reference is dropped, and a pattern left without clusters is archived.
func (c *Clusterer) relinkPattern(ctx context.Context, patternID, fromID string, keep models.Cluster) error {
	p, err := c.store.GetPattern(ctx, patternID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load pattern %s: %w", patternID, err)
	}
	ids := make([]string, 0, len(p.ClusterIDs))
	for _, id := range p.ClusterIDs {
		if id != fromID {
			ids = append(ids, id)
		}
	}
	if keep.PatternID == patternID {
		ids = models.AppendUnique(ids, keep.ID)
	}
	p.ClusterIDs = ids
	p.UpdatedAt = c.now().UTC()
	if len(ids) == 0 {
		c.logger.Info("pattern folded into another by cluster merge",
			slog.String("pattern_id", patternID), slog.String("into", keep.PatternID))
		p.Status = models.PatternArchived
	}
	if err := c.store.UpdatePattern(ctx, p); err != nil {
		return fmt.Errorf("relink pattern %s: %w", patternID, err)
	}
	return nil
}

// similar returns the best candidate scoring at or above the threshold.
// Ties go to the most recently seen cluster.
func (c *Clusterer) similar(ctx context.Context, text models.NormalizedText, e *models.RawError) (models.Cluster, float64, bool) {
	if c.embedder == nil || !c.embedder.Trained() {
		return models.Cluster{}, 0, false
	}
	vec, ok := c.embedder.Embed(embedding.Document{
		Text:          text.Canonical(),
		ExceptionType: e.ExceptionType,
		Source:        e.Source,
		StatusCode:    e.StatusCode,
	})
	if !ok {
		return models.Cluster{}, 0, false
	}

	c.seed(ctx)

	var (
		best      models.Cluster
		bestScore float64
		found     bool
	)
	for _, candidate := range c.candidates.Values() {
		cvec, ok := c.embedder.Embed(documentFor(candidate))
		if !ok {
			return models.Cluster{}, 0, false
		}
		score := embedding.Cosine(vec, cvec)
		if score < c.opts.SimilarityThreshold {
			continue
		}
		if !found || score > bestScore || (score == bestScore && candidate.LastSeen.After(best.LastSeen)) {
			best, bestScore, found = candidate, score, true
		}
	}
	if !found {
		return models.Cluster{}, 0, false
	}

	// The cached copy may be stale; attach to the stored record.
	fresh, err := c.store.GetCluster(ctx, best.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.candidates.Remove(best.ID)
		} else {
			c.logger.Warn("candidate reload failed, treating as no match", slog.String("cluster_id", best.ID), slog.Any("error", err))
		}
		return models.Cluster{}, 0, false
	}
	return fresh, bestScore, true
}

// seed loads the most recently active clusters into the candidate set once.
func (c *Clusterer) seed(ctx context.Context) {
	c.seedMu.Lock()
	defer c.seedMu.Unlock()
	if c.seeded {
		return
	}
	recent, err := c.store.RecentClusters(ctx, c.opts.CandidateLimit)
	if err != nil {
		c.logger.Warn("candidate seed failed", slog.Any("error", err))
		return
	}
	// Add oldest first so the most recent end up most recently used.
	for i := len(recent) - 1; i >= 0; i-- {
		if _, ok := c.candidates.Peek(recent[i].ID); !ok {
			c.candidates.Add(recent[i].ID, recent[i])
		}
	}
	c.seeded = true
}

func documentFor(cluster models.Cluster) embedding.Document {
	return embedding.Document{
		Text:          models.NormalizedText{Text: cluster.NormalizedText, KeyFrames: cluster.KeyFrames}.Canonical(),
		ExceptionType: cluster.ExceptionType,
		Source:        cluster.Source,
		StatusCode:    cluster.StatusCode,
	}
}
