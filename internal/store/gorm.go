package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/miradorstack/error-intel/internal/models"
)

// Each row keeps the indexed columns the queries need plus the full record as
// JSON in Data. Seq preserves insertion order.

type errorRow struct {
	Seq       uint   `gorm:"primaryKey"`
	ID        string `gorm:"uniqueIndex;size:64"`
	ClusterID string `gorm:"index;size:64"`
	TS        int64  `gorm:"index"`
	Data      string `gorm:"type:text"`
}

func (errorRow) TableName() string { return "errors" }

type clusterRow struct {
	Seq        uint   `gorm:"primaryKey"`
	ID         string `gorm:"uniqueIndex;size:64"`
	Signature  string `gorm:"index;size:64"`
	PatternID  string `gorm:"index;size:64"`
	Status     string `gorm:"index;size:16"`
	LastSeenNs int64  `gorm:"index"`
	Data       string `gorm:"type:text"`
}

func (clusterRow) TableName() string { return "clusters" }

type patternRow struct {
	Seq        uint   `gorm:"primaryKey"`
	ID         string `gorm:"uniqueIndex;size:64"`
	Status     string `gorm:"index;size:32"`
	LastSeenNs int64  `gorm:"index"`
	Data       string `gorm:"type:text"`
}

func (patternRow) TableName() string { return "patterns" }

type analysisRow struct {
	PatternID    string `gorm:"primaryKey;size:64"`
	AnalyzedAtNs int64
	Data         string `gorm:"type:text"`
}

func (analysisRow) TableName() string { return "root_cause_analyses" }

type resolutionRow struct {
	Seq       uint   `gorm:"primaryKey"`
	ID        string `gorm:"uniqueIndex;size:64"`
	PatternID string `gorm:"index;size:64"`
	Data      string `gorm:"type:text"`
}

func (resolutionRow) TableName() string { return "pattern_resolutions" }

type ruleRow struct {
	Seq         uint   `gorm:"primaryKey"`
	ID          string `gorm:"uniqueIndex;size:64"`
	IsActive    bool   `gorm:"index"`
	ExpiresAtNs int64  `gorm:"index"`
	Data        string `gorm:"type:text"`
}

func (ruleRow) TableName() string { return "suppression_rules" }

// GormStore persists records in SQLite through gorm.
type GormStore struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) the database at path and migrates the schema.
func OpenSQLite(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return NewGormStore(db)
}

// NewGormStore wraps an open gorm handle and migrates the schema.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&errorRow{}, &clusterRow{}, &patternRow{}, &analysisRow{}, &resolutionRow{}, &ruleRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveError inserts or replaces an error record.
func (s *GormStore) SaveError(ctx context.Context, e models.RawError) error {
	if e.ID == "" {
		return fmt.Errorf("save error: id is required")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode error %s: %w", e.ID, err)
	}
	row := errorRow{ID: e.ID, ClusterID: e.ClusterID, TS: e.Timestamp.UnixNano(), Data: string(data)}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"cluster_id", "ts", "data"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save error %s: %w", e.ID, err)
	}
	return nil
}

// ErrorsInRange returns errors with start <= timestamp < end ordered by time,
// keeping the newest limit records when limit > 0.
func (s *GormStore) ErrorsInRange(ctx context.Context, start, end time.Time, limit int) ([]models.RawError, error) {
	return s.queryErrors(s.db.WithContext(ctx), start, end, limit)
}

// ErrorsByCluster returns members of the given clusters within the range.
func (s *GormStore) ErrorsByCluster(ctx context.Context, clusterIDs []string, start, end time.Time, limit int) ([]models.RawError, error) {
	if len(clusterIDs) == 0 {
		return []models.RawError{}, nil
	}
	return s.queryErrors(s.db.WithContext(ctx).Where("cluster_id IN ?", clusterIDs), start, end, limit)
}

func (s *GormStore) queryErrors(q *gorm.DB, start, end time.Time, limit int) ([]models.RawError, error) {
	if !start.IsZero() {
		q = q.Where("ts >= ?", start.UnixNano())
	}
	if !end.IsZero() {
		q = q.Where("ts < ?", end.UnixNano())
	}
	q = q.Order("ts desc, seq desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []errorRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query errors: %w", err)
	}
	out := make([]models.RawError, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		var e models.RawError
		if err := json.Unmarshal([]byte(rows[i].Data), &e); err != nil {
			return nil, fmt.Errorf("decode error %s: %w", rows[i].ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// ReassignErrors moves every error of one cluster to another.
func (s *GormStore) ReassignErrors(ctx context.Context, fromID, toID string) (int, error) {
	moved := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []errorRow
		if err := tx.Where("cluster_id = ?", fromID).Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			var e models.RawError
			if err := json.Unmarshal([]byte(row.Data), &e); err != nil {
				return fmt.Errorf("decode error %s: %w", row.ID, err)
			}
			e.ClusterID = toID
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := tx.Model(&errorRow{}).Where("seq = ?", row.Seq).
				Updates(map[string]any{"cluster_id": toID, "data": string(data)}).Error; err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reassign errors %s -> %s: %w", fromID, toID, err)
	}
	return moved, nil
}

// GetCluster returns a cluster by id or models.ErrNotFound.
func (s *GormStore) GetCluster(ctx context.Context, id string) (models.Cluster, error) {
	var row clusterRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return models.Cluster{}, notFound(err)
	}
	return decodeCluster(row)
}

// CreateCluster stores a new cluster.
func (s *GormStore) CreateCluster(ctx context.Context, c models.Cluster) error {
	row, err := encodeCluster(c)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create cluster %s: %w", c.ID, err)
	}
	return nil
}

// UpdateCluster replaces an existing cluster.
func (s *GormStore) UpdateCluster(ctx context.Context, c models.Cluster) error {
	row, err := encodeCluster(c)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&clusterRow{}).Where("id = ?", c.ID).Updates(map[string]any{
		"signature":    row.Signature,
		"pattern_id":   row.PatternID,
		"status":       row.Status,
		"last_seen_ns": row.LastSeenNs,
		"data":         row.Data,
	})
	if res.Error != nil {
		return fmt.Errorf("update cluster %s: %w", c.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteCluster removes a cluster.
func (s *GormStore) DeleteCluster(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&clusterRow{})
	if res.Error != nil {
		return fmt.Errorf("delete cluster %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ClusterBySignature returns the oldest cluster carrying signature.
func (s *GormStore) ClusterBySignature(ctx context.Context, signature string) (models.Cluster, error) {
	var row clusterRow
	if err := s.db.WithContext(ctx).Where("signature = ?", signature).Order("seq asc").First(&row).Error; err != nil {
		return models.Cluster{}, notFound(err)
	}
	return decodeCluster(row)
}

// ClustersBySignature returns every cluster carrying signature, oldest first.
func (s *GormStore) ClustersBySignature(ctx context.Context, signature string) ([]models.Cluster, error) {
	var rows []clusterRow
	if err := s.db.WithContext(ctx).Where("signature = ?", signature).Order("seq asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("clusters by signature: %w", err)
	}
	return decodeClusters(rows)
}

// DuplicateSignatures lists signatures shared by more than one cluster.
func (s *GormStore) DuplicateSignatures(ctx context.Context) ([]string, error) {
	var sigs []string
	err := s.db.WithContext(ctx).Model(&clusterRow{}).
		Group("signature").Having("COUNT(*) > 1").Order("signature").
		Pluck("signature", &sigs).Error
	if err != nil {
		return nil, fmt.Errorf("duplicate signatures: %w", err)
	}
	return sigs, nil
}

// RecentClusters returns up to limit clusters, most recently seen first.
func (s *GormStore) RecentClusters(ctx context.Context, limit int) ([]models.Cluster, error) {
	return s.ListClusters(ctx, models.ClusterFilter{Limit: limit})
}

// ListClusters returns clusters matching filter, most recently seen first.
func (s *GormStore) ListClusters(ctx context.Context, filter models.ClusterFilter) ([]models.Cluster, error) {
	q := s.db.WithContext(ctx).Model(&clusterRow{})
	if filter.Unassigned {
		q = q.Where("pattern_id = ?", "")
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if !filter.Since.IsZero() {
		q = q.Where("last_seen_ns >= ?", filter.Since.UnixNano())
	}
	q = q.Order("last_seen_ns desc, seq desc")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var rows []clusterRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	return decodeClusters(rows)
}

// GetPattern returns a pattern by id or models.ErrNotFound.
func (s *GormStore) GetPattern(ctx context.Context, id string) (models.Pattern, error) {
	var row patternRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return models.Pattern{}, notFound(err)
	}
	var p models.Pattern
	if err := json.Unmarshal([]byte(row.Data), &p); err != nil {
		return models.Pattern{}, fmt.Errorf("decode pattern %s: %w", id, err)
	}
	return p, nil
}

// CreatePattern stores a new pattern.
func (s *GormStore) CreatePattern(ctx context.Context, p models.Pattern) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pattern %s: %w", p.ID, err)
	}
	row := patternRow{ID: p.ID, Status: string(p.Status), LastSeenNs: p.LastSeen.UnixNano(), Data: string(data)}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create pattern %s: %w", p.ID, err)
	}
	return nil
}

// UpdatePattern replaces an existing pattern.
func (s *GormStore) UpdatePattern(ctx context.Context, p models.Pattern) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pattern %s: %w", p.ID, err)
	}
	res := s.db.WithContext(ctx).Model(&patternRow{}).Where("id = ?", p.ID).Updates(map[string]any{
		"status":       string(p.Status),
		"last_seen_ns": p.LastSeen.UnixNano(),
		"data":         string(data),
	})
	if res.Error != nil {
		return fmt.Errorf("update pattern %s: %w", p.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListPatterns returns patterns matching filter in creation order.
func (s *GormStore) ListPatterns(ctx context.Context, filter models.PatternFilter) ([]models.Pattern, error) {
	q := s.db.WithContext(ctx).Model(&patternRow{})
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		q = q.Where("status IN ?", statuses)
	}
	if !filter.Since.IsZero() {
		q = q.Where("last_seen_ns >= ?", filter.Since.UnixNano())
	}
	var rows []patternRow
	if err := q.Order("seq asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	out := make([]models.Pattern, 0, len(rows))
	for _, row := range rows {
		var p models.Pattern
		if err := json.Unmarshal([]byte(row.Data), &p); err != nil {
			return nil, fmt.Errorf("decode pattern %s: %w", row.ID, err)
		}
		// Severity and type live only in Data.
		if !MatchPattern(p, filter) {
			continue
		}
		out = append(out, p)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// GetAnalysis returns the analysis for a pattern or models.ErrNotFound.
func (s *GormStore) GetAnalysis(ctx context.Context, patternID string) (models.RootCauseAnalysis, error) {
	var row analysisRow
	if err := s.db.WithContext(ctx).Where("pattern_id = ?", patternID).First(&row).Error; err != nil {
		return models.RootCauseAnalysis{}, notFound(err)
	}
	var a models.RootCauseAnalysis
	if err := json.Unmarshal([]byte(row.Data), &a); err != nil {
		return models.RootCauseAnalysis{}, fmt.Errorf("decode analysis %s: %w", patternID, err)
	}
	return a, nil
}

// SaveAnalysis upserts the analysis for its pattern.
func (s *GormStore) SaveAnalysis(ctx context.Context, a models.RootCauseAnalysis) error {
	if a.PatternID == "" {
		return fmt.Errorf("save analysis: pattern id is required")
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode analysis %s: %w", a.PatternID, err)
	}
	row := analysisRow{PatternID: a.PatternID, AnalyzedAtNs: a.AnalyzedAt.UnixNano(), Data: string(data)}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pattern_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"analyzed_at_ns", "data"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save analysis %s: %w", a.PatternID, err)
	}
	return nil
}

// CreateResolution appends a resolution record.
func (s *GormStore) CreateResolution(ctx context.Context, r models.PatternResolution) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode resolution %s: %w", r.ID, err)
	}
	row := resolutionRow{ID: r.ID, PatternID: r.PatternID, Data: string(data)}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create resolution %s: %w", r.ID, err)
	}
	return nil
}

// ListResolutions returns the newest resolutions first.
func (s *GormStore) ListResolutions(ctx context.Context, limit int) ([]models.PatternResolution, error) {
	q := s.db.WithContext(ctx).Order("seq desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []resolutionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list resolutions: %w", err)
	}
	out := make([]models.PatternResolution, 0, len(rows))
	for _, row := range rows {
		var r models.PatternResolution
		if err := json.Unmarshal([]byte(row.Data), &r); err != nil {
			return nil, fmt.Errorf("decode resolution %s: %w", row.ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// CreateRule stores a suppression rule.
func (s *GormStore) CreateRule(ctx context.Context, r models.SuppressionRule) error {
	row, err := encodeRule(r)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create rule %s: %w", r.ID, err)
	}
	return nil
}

// GetRule returns a rule by id or models.ErrNotFound.
func (s *GormStore) GetRule(ctx context.Context, id string) (models.SuppressionRule, error) {
	var row ruleRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return models.SuppressionRule{}, notFound(err)
	}
	return decodeRule(row)
}

// UpdateRule replaces an existing rule.
func (s *GormStore) UpdateRule(ctx context.Context, r models.SuppressionRule) error {
	return s.updateRule(s.db.WithContext(ctx), r)
}

func (s *GormStore) updateRule(tx *gorm.DB, r models.SuppressionRule) error {
	row, err := encodeRule(r)
	if err != nil {
		return err
	}
	res := tx.Model(&ruleRow{}).Where("id = ?", r.ID).Updates(map[string]any{
		"is_active":     row.IsActive,
		"expires_at_ns": row.ExpiresAtNs,
		"data":          row.Data,
	})
	if res.Error != nil {
		return fmt.Errorf("update rule %s: %w", r.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteRule removes a rule.
func (s *GormStore) DeleteRule(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&ruleRow{})
	if res.Error != nil {
		return fmt.Errorf("delete rule %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListRules returns every rule in creation order.
func (s *GormStore) ListRules(ctx context.Context) ([]models.SuppressionRule, error) {
	var rows []ruleRow
	if err := s.db.WithContext(ctx).Order("seq asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return decodeRules(rows, func(models.SuppressionRule) bool { return true })
}

// ActiveRules returns active rules that have not expired at now, in creation order.
func (s *GormStore) ActiveRules(ctx context.Context, now time.Time) ([]models.SuppressionRule, error) {
	var rows []ruleRow
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("expires_at_ns = 0 OR expires_at_ns >= ?", now.UnixNano()).
		Order("seq asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("active rules: %w", err)
	}
	return decodeRules(rows, func(r models.SuppressionRule) bool { return !r.Expired(now) })
}

// IncrementRuleTrigger bumps the trigger counter of a rule.
func (s *GormStore) IncrementRuleTrigger(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row ruleRow
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			return notFound(err)
		}
		rule, err := decodeRule(row)
		if err != nil {
			return err
		}
		rule.TimesTriggered++
		ts := at
		rule.LastTriggeredAt = &ts
		return s.updateRule(tx, rule)
	})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ErrNotFound
	}
	return err
}

func encodeCluster(c models.Cluster) (clusterRow, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return clusterRow{}, fmt.Errorf("encode cluster %s: %w", c.ID, err)
	}
	return clusterRow{
		ID:         c.ID,
		Signature:  c.Signature,
		PatternID:  c.PatternID,
		Status:     string(c.Status),
		LastSeenNs: c.LastSeen.UnixNano(),
		Data:       string(data),
	}, nil
}

func decodeCluster(row clusterRow) (models.Cluster, error) {
	var c models.Cluster
	if err := json.Unmarshal([]byte(row.Data), &c); err != nil {
		return models.Cluster{}, fmt.Errorf("decode cluster %s: %w", row.ID, err)
	}
	return c, nil
}

func decodeClusters(rows []clusterRow) ([]models.Cluster, error) {
	out := make([]models.Cluster, 0, len(rows))
	for _, row := range rows {
		c, err := decodeCluster(row)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func encodeRule(r models.SuppressionRule) (ruleRow, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return ruleRow{}, fmt.Errorf("encode rule %s: %w", r.ID, err)
	}
	row := ruleRow{ID: r.ID, IsActive: r.IsActive, Data: string(data)}
	if r.ExpiresAt != nil {
		row.ExpiresAtNs = r.ExpiresAt.UnixNano()
	}
	return row, nil
}

func decodeRule(row ruleRow) (models.SuppressionRule, error) {
	var r models.SuppressionRule
	if err := json.Unmarshal([]byte(row.Data), &r); err != nil {
		return models.SuppressionRule{}, fmt.Errorf("decode rule %s: %w", row.ID, err)
	}
	return r, nil
}

func decodeRules(rows []ruleRow, keep func(models.SuppressionRule) bool) ([]models.SuppressionRule, error) {
	out := make([]models.SuppressionRule, 0, len(rows))
	for _, row := range rows {
		r, err := decodeRule(row)
		if err != nil {
			return nil, err
		}
		if keep(r) {
			out = append(out, r)
		}
	}
	return out, nil
}
