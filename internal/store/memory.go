package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/error-intel/internal/models"
)

// MemoryStore is a process-local store used for tests and single-node runs.
// Records are deep-copied on the way in and out so callers never share state.
type MemoryStore struct {
	mu sync.RWMutex

	seq          uint64
	errors       map[string]models.RawError
	errorOrder   []string
	clusters     map[string]clusterEntry
	bySignature  map[string][]string
	patterns     map[string]patternEntry
	analyses     map[string]models.RootCauseAnalysis
	resolutions  []models.PatternResolution
	rules        map[string]ruleEntry
}

type clusterEntry struct {
	seq     uint64
	cluster models.Cluster
}

type patternEntry struct {
	seq     uint64
	pattern models.Pattern
}

type ruleEntry struct {
	seq  uint64
	rule models.SuppressionRule
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		errors:      make(map[string]models.RawError),
		clusters:    make(map[string]clusterEntry),
		bySignature: make(map[string][]string),
		patterns:    make(map[string]patternEntry),
		analyses:    make(map[string]models.RootCauseAnalysis),
		rules:       make(map[string]ruleEntry),
	}
}

func (m *MemoryStore) next() uint64 {
	m.seq++
	return m.seq
}

// SaveError inserts or replaces an error record.
func (m *MemoryStore) SaveError(_ context.Context, e models.RawError) error {
	if e.ID == "" {
		return fmt.Errorf("save error: id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.errors[e.ID]; !ok {
		m.errorOrder = append(m.errorOrder, e.ID)
	}
	m.errors[e.ID] = e
	return nil
}

// ErrorsInRange returns errors with start <= timestamp < end ordered by time.
// A zero bound is open; limit <= 0 means unbounded.
func (m *MemoryStore) ErrorsInRange(_ context.Context, start, end time.Time, limit int) ([]models.RawError, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RawError, 0)
	for _, id := range m.errorOrder {
		e := m.errors[id]
		if inRange(e.Timestamp, start, end) {
			out = append(out, e)
		}
	}
	return sortAndLimit(out, limit), nil
}

// ErrorsByCluster returns members of the given clusters within the range.
func (m *MemoryStore) ErrorsByCluster(_ context.Context, clusterIDs []string, start, end time.Time, limit int) ([]models.RawError, error) {
	want := make(map[string]struct{}, len(clusterIDs))
	for _, id := range clusterIDs {
		want[id] = struct{}{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RawError, 0)
	for _, id := range m.errorOrder {
		e := m.errors[id]
		if _, ok := want[e.ClusterID]; ok && inRange(e.Timestamp, start, end) {
			out = append(out, e)
		}
	}
	return sortAndLimit(out, limit), nil
}

// ReassignErrors moves every error of one cluster to another.
func (m *MemoryStore) ReassignErrors(_ context.Context, fromID, toID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	moved := 0
	for id, e := range m.errors {
		if e.ClusterID == fromID {
			e.ClusterID = toID
			m.errors[id] = e
			moved++
		}
	}
	return moved, nil
}

// GetCluster returns a cluster by id or models.ErrNotFound.
func (m *MemoryStore) GetCluster(_ context.Context, id string) (models.Cluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.clusters[id]
	if !ok {
		return models.Cluster{}, models.ErrNotFound
	}
	return copyCluster(entry.cluster), nil
}

// CreateCluster stores a new cluster and indexes its signature.
func (m *MemoryStore) CreateCluster(_ context.Context, c models.Cluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clusters[c.ID]; ok {
		return fmt.Errorf("create cluster %s: already exists", c.ID)
	}
	m.clusters[c.ID] = clusterEntry{seq: m.next(), cluster: copyCluster(c)}
	m.bySignature[c.Signature] = append(m.bySignature[c.Signature], c.ID)
	return nil
}

// UpdateCluster replaces an existing cluster.
func (m *MemoryStore) UpdateCluster(_ context.Context, c models.Cluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.clusters[c.ID]
	if !ok {
		return models.ErrNotFound
	}
	if entry.cluster.Signature != c.Signature {
		m.unindex(entry.cluster.Signature, c.ID)
		m.bySignature[c.Signature] = append(m.bySignature[c.Signature], c.ID)
	}
	entry.cluster = copyCluster(c)
	m.clusters[c.ID] = entry
	return nil
}

// DeleteCluster removes a cluster and its signature index entry.
func (m *MemoryStore) DeleteCluster(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.clusters[id]
	if !ok {
		return models.ErrNotFound
	}
	m.unindex(entry.cluster.Signature, id)
	delete(m.clusters, id)
	return nil
}

func (m *MemoryStore) unindex(signature, id string) {
	ids := m.bySignature[signature]
	for i, existing := range ids {
		if existing == id {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(m.bySignature, signature)
		return
	}
	m.bySignature[signature] = ids
}

// ClusterBySignature returns the oldest cluster carrying signature.
func (m *MemoryStore) ClusterBySignature(_ context.Context, signature string) (models.Cluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.bySignature[signature]
	if len(ids) == 0 {
		return models.Cluster{}, models.ErrNotFound
	}
	return copyCluster(m.clusters[ids[0]].cluster), nil
}

// ClustersBySignature returns every cluster carrying signature, oldest first.
func (m *MemoryStore) ClustersBySignature(_ context.Context, signature string) ([]models.Cluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.bySignature[signature]
	out := make([]models.Cluster, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyCluster(m.clusters[id].cluster))
	}
	return out, nil
}

// DuplicateSignatures lists signatures shared by more than one cluster.
func (m *MemoryStore) DuplicateSignatures(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0)
	for sig, ids := range m.bySignature {
		if len(ids) > 1 {
			out = append(out, sig)
		}
	}
	sort.Strings(out)
	return out, nil
}

// RecentClusters returns up to limit clusters, most recently seen first.
func (m *MemoryStore) RecentClusters(ctx context.Context, limit int) ([]models.Cluster, error) {
	return m.ListClusters(ctx, models.ClusterFilter{Limit: limit})
}

// ListClusters returns clusters matching filter, most recently seen first.
func (m *MemoryStore) ListClusters(_ context.Context, filter models.ClusterFilter) ([]models.Cluster, error) {
	m.mu.RLock()
	entries := make([]clusterEntry, 0, len(m.clusters))
	for _, entry := range m.clusters {
		c := entry.cluster
		if filter.Unassigned && c.PatternID != "" {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && c.LastSeen.Before(filter.Since) {
			continue
		}
		entries = append(entries, entry)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].cluster.LastSeen, entries[j].cluster.LastSeen
		if a.Equal(b) {
			return entries[i].seq > entries[j].seq
		}
		return a.After(b)
	})
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	out := make([]models.Cluster, 0, len(entries))
	for _, entry := range entries {
		out = append(out, copyCluster(entry.cluster))
	}
	return out, nil
}

// GetPattern returns a pattern by id or models.ErrNotFound.
func (m *MemoryStore) GetPattern(_ context.Context, id string) (models.Pattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.patterns[id]
	if !ok {
		return models.Pattern{}, models.ErrNotFound
	}
	return copyPattern(entry.pattern), nil
}

// CreatePattern stores a new pattern.
func (m *MemoryStore) CreatePattern(_ context.Context, p models.Pattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patterns[p.ID]; ok {
		return fmt.Errorf("create pattern %s: already exists", p.ID)
	}
	m.patterns[p.ID] = patternEntry{seq: m.next(), pattern: copyPattern(p)}
	return nil
}

// UpdatePattern replaces an existing pattern.
func (m *MemoryStore) UpdatePattern(_ context.Context, p models.Pattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.patterns[p.ID]
	if !ok {
		return models.ErrNotFound
	}
	entry.pattern = copyPattern(p)
	m.patterns[p.ID] = entry
	return nil
}

// ListPatterns returns patterns matching filter in creation order.
func (m *MemoryStore) ListPatterns(_ context.Context, filter models.PatternFilter) ([]models.Pattern, error) {
	m.mu.RLock()
	entries := make([]patternEntry, 0, len(m.patterns))
	for _, entry := range m.patterns {
		if MatchPattern(entry.pattern, filter) {
			entries = append(entries, entry)
		}
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	out := make([]models.Pattern, 0, len(entries))
	for _, entry := range entries {
		out = append(out, copyPattern(entry.pattern))
	}
	return out, nil
}

// GetAnalysis returns the analysis for a pattern or models.ErrNotFound.
func (m *MemoryStore) GetAnalysis(_ context.Context, patternID string) (models.RootCauseAnalysis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.analyses[patternID]
	if !ok {
		return models.RootCauseAnalysis{}, models.ErrNotFound
	}
	return copyAnalysis(a), nil
}

// SaveAnalysis upserts the analysis for its pattern.
func (m *MemoryStore) SaveAnalysis(_ context.Context, a models.RootCauseAnalysis) error {
	if a.PatternID == "" {
		return fmt.Errorf("save analysis: pattern id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyses[a.PatternID] = copyAnalysis(a)
	return nil
}

// CreateResolution appends a resolution record.
func (m *MemoryStore) CreateResolution(_ context.Context, r models.PatternResolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolutions = append(m.resolutions, r)
	return nil
}

// ListResolutions returns the newest resolutions first.
func (m *MemoryStore) ListResolutions(_ context.Context, limit int) ([]models.PatternResolution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PatternResolution, 0, len(m.resolutions))
	for i := len(m.resolutions) - 1; i >= 0; i-- {
		out = append(out, m.resolutions[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// CreateRule stores a suppression rule.
func (m *MemoryStore) CreateRule(_ context.Context, r models.SuppressionRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.ID]; ok {
		return fmt.Errorf("create rule %s: already exists", r.ID)
	}
	m.rules[r.ID] = ruleEntry{seq: m.next(), rule: copyRule(r)}
	return nil
}

// GetRule returns a rule by id or models.ErrNotFound.
func (m *MemoryStore) GetRule(_ context.Context, id string) (models.SuppressionRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.rules[id]
	if !ok {
		return models.SuppressionRule{}, models.ErrNotFound
	}
	return copyRule(entry.rule), nil
}

// UpdateRule replaces an existing rule.
func (m *MemoryStore) UpdateRule(_ context.Context, r models.SuppressionRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.rules[r.ID]
	if !ok {
		return models.ErrNotFound
	}
	entry.rule = copyRule(r)
	m.rules[r.ID] = entry
	return nil
}

// DeleteRule removes a rule.
func (m *MemoryStore) DeleteRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return models.ErrNotFound
	}
	delete(m.rules, id)
	return nil
}

// ListRules returns every rule in creation order.
func (m *MemoryStore) ListRules(_ context.Context) ([]models.SuppressionRule, error) {
	return m.rulesWhere(func(models.SuppressionRule) bool { return true }), nil
}

// ActiveRules returns active rules that have not expired at now, in creation order.
func (m *MemoryStore) ActiveRules(_ context.Context, now time.Time) ([]models.SuppressionRule, error) {
	return m.rulesWhere(func(r models.SuppressionRule) bool {
		return r.IsActive && !r.Expired(now)
	}), nil
}

func (m *MemoryStore) rulesWhere(keep func(models.SuppressionRule) bool) []models.SuppressionRule {
	m.mu.RLock()
	entries := make([]ruleEntry, 0, len(m.rules))
	for _, entry := range m.rules {
		if keep(entry.rule) {
			entries = append(entries, entry)
		}
	}
	m.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]models.SuppressionRule, 0, len(entries))
	for _, entry := range entries {
		out = append(out, copyRule(entry.rule))
	}
	return out
}

// IncrementRuleTrigger bumps the trigger counter of a rule.
func (m *MemoryStore) IncrementRuleTrigger(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.rules[id]
	if !ok {
		return models.ErrNotFound
	}
	entry.rule.TimesTriggered++
	ts := at
	entry.rule.LastTriggeredAt = &ts
	m.rules[id] = entry
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func inRange(ts, start, end time.Time) bool {
	if !start.IsZero() && ts.Before(start) {
		return false
	}
	if !end.IsZero() && !ts.Before(end) {
		return false
	}
	return true
}

func sortAndLimit(errs []models.RawError, limit int) []models.RawError {
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Timestamp.Before(errs[j].Timestamp) })
	if limit > 0 && len(errs) > limit {
		errs = errs[len(errs)-limit:]
	}
	return errs
}
