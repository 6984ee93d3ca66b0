package models

import "time"

// PatternStatus is the operator-facing lifecycle state of a pattern.
type PatternStatus string

const (
	PatternActive               PatternStatus = "active"
	PatternInProgress           PatternStatus = "in_progress"
	PatternInvestigationPending PatternStatus = "investigation_pending"
	PatternResolved             PatternStatus = "resolved"
	PatternIgnored              PatternStatus = "ignored"
	PatternArchived             PatternStatus = "archived"
)

// Valid reports whether s is a known status.
func (s PatternStatus) Valid() bool {
	switch s {
	case PatternActive, PatternInProgress, PatternInvestigationPending, PatternResolved, PatternIgnored, PatternArchived:
		return true
	}
	return false
}

// Open reports whether the pattern still receives analysis and new clusters.
func (s PatternStatus) Open() bool {
	return s == PatternActive || s == PatternInProgress || s == PatternInvestigationPending
}

// TrendDirection classifies the slope of an occurrence series.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// Priority is set by operators.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// PatternType is a coarse category inferred from the error text.
type PatternType string

const (
	PatternTypeDatabase       PatternType = "database"
	PatternTypeNetwork        PatternType = "network"
	PatternTypeTimeout        PatternType = "timeout"
	PatternTypeAuthentication PatternType = "authentication"
	PatternTypeValidation     PatternType = "validation"
	PatternTypeNullReference  PatternType = "null_reference"
	PatternTypeResource       PatternType = "resource"
	PatternTypeConfiguration  PatternType = "configuration"
	PatternTypeUnknown        PatternType = "unknown"
)

// Pattern is a promoted cluster (or group of clusters) tracked for operators.
type Pattern struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Description        string         `json:"description"`
	Signature          string         `json:"signature"`
	Type               PatternType    `json:"type"`
	RepresentativeText string         `json:"representative_text"`
	NormalizedText     string         `json:"normalized_text"`
	ExceptionType      string         `json:"exception_type,omitempty"`
	ClusterIDs         []string       `json:"cluster_ids"`
	OccurrenceCount    int            `json:"occurrence_count"`
	OccurrenceRate     float64        `json:"occurrence_rate"`
	TrendDirection     TrendDirection `json:"trend_direction"`
	ChangeRate         float64        `json:"change_rate"`
	IsAccelerating     bool           `json:"is_accelerating"`
	Forecast           *Forecast      `json:"forecast,omitempty"`
	Severity           Severity       `json:"severity"`
	Priority           Priority       `json:"priority"`
	Status             PatternStatus  `json:"status"`
	Confidence         float64        `json:"confidence"`
	ImpactScore        float64        `json:"impact_score"`
	AffectedUsers      []string       `json:"affected_users,omitempty"`
	AffectedServices   []string       `json:"affected_services,omitempty"`
	FirstSeen          time.Time      `json:"first_seen"`
	LastSeen           time.Time      `json:"last_seen"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	LastAnalyzedAt     time.Time      `json:"last_analyzed_at,omitempty"`
	ResolvedAt         *time.Time     `json:"resolved_at,omitempty"`
}

// TrendDataPoint is one bucket of an occurrence series.
type TrendDataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
	UserCount int       `json:"user_count"`
}

// Forecast is a short-horizon projection of the occurrence count per bucket.
type Forecast struct {
	Predicted  float64       `json:"predicted"`
	Confidence float64       `json:"confidence"`
	Horizon    time.Duration `json:"horizon"`
}

// Distribution is a fixed-bin histogram, e.g. hour of day or day of week.
type Distribution struct {
	Bins     []int         `json:"bins"`
	Lookback time.Duration `json:"lookback"`
	Total    int           `json:"total"`
}

// PatternFilter narrows pattern listings.
type PatternFilter struct {
	Statuses    []PatternStatus `json:"statuses,omitempty"`
	MinSeverity Severity        `json:"min_severity,omitempty"`
	Type        PatternType     `json:"type,omitempty"`
	Since       time.Time       `json:"since,omitempty"`
	Limit       int             `json:"limit,omitempty"`
}

// PatternUpdate carries the operator-editable fields; nil means unchanged.
type PatternUpdate struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
}

// PatternSummary is a compact reference used in statistics.
type PatternSummary struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	OccurrenceCount int      `json:"occurrence_count"`
	ImpactScore     float64  `json:"impact_score"`
	Severity        Severity `json:"severity"`
}

// PatternStatistics aggregates the pattern population over a timeframe.
type PatternStatistics struct {
	Timeframe         time.Duration         `json:"timeframe"`
	TotalPatterns     int                   `json:"total_patterns"`
	ActivePatterns    int                   `json:"active_patterns"`
	ByType            map[PatternType]int   `json:"by_type"`
	ByPriority        map[Priority]int      `json:"by_priority"`
	BySeverity        map[Severity]int      `json:"by_severity"`
	ByStatus          map[PatternStatus]int `json:"by_status"`
	AverageConfidence float64               `json:"average_confidence"`
	TopByOccurrence   *PatternSummary       `json:"top_by_occurrence,omitempty"`
	TopByImpact       *PatternSummary       `json:"top_by_impact,omitempty"`
	GeneratedAt       time.Time             `json:"generated_at"`
}

// CorrelationPair reports two patterns whose series move together.
type CorrelationPair struct {
	PatternA    string  `json:"pattern_a"`
	PatternB    string  `json:"pattern_b"`
	Coefficient float64 `json:"coefficient"`
}

// CorrelationReport is the result of a correlation pass.
type CorrelationReport struct {
	Pairs      []CorrelationPair `json:"pairs"`
	Compared   int               `json:"compared"`
	Incomplete bool              `json:"incomplete"`
}
