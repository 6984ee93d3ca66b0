package models

import "time"

// SuppressionCondition is one clause of a rule; all clauses of a rule must match.
type SuppressionCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// SuppressionRule silences alerts whose fields match every condition.
type SuppressionRule struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description,omitempty"`
	Conditions      []SuppressionCondition `json:"conditions"`
	IsActive        bool                   `json:"is_active"`
	ExpiresAt       *time.Time             `json:"expires_at,omitempty"`
	TimesTriggered  int                    `json:"times_triggered"`
	LastTriggeredAt *time.Time             `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Expired reports whether the rule's expiry lies before now.
func (r SuppressionRule) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// Alert is a candidate notification produced by the alerting collaborator.
type Alert struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Message         string            `json:"message"`
	Severity        Severity          `json:"severity"`
	Source          string            `json:"source"`
	PatternID       string            `json:"pattern_id,omitempty"`
	ClusterID       string            `json:"cluster_id,omitempty"`
	ExceptionType   string            `json:"exception_type,omitempty"`
	Endpoint        string            `json:"endpoint,omitempty"`
	StatusCode      int               `json:"status_code,omitempty"`
	OccurrenceCount int               `json:"occurrence_count,omitempty"`
	OccurrenceRate  float64           `json:"occurrence_rate,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// SuppressionDecision is the evaluator's verdict for one alert.
type SuppressionDecision struct {
	Suppressed bool   `json:"suppressed"`
	RuleID     string `json:"rule_id,omitempty"`
	RuleName   string `json:"rule_name,omitempty"`
}
