package models

import "time"

// Risk grades how disruptive a suggested fix is.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Rank orders risks low to high; unknown values sort last.
func (r Risk) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 3
	}
}

// SolutionSuggestion is a candidate remediation attached to a hypothesis.
type SolutionSuggestion struct {
	Description  string `json:"description" yaml:"description"`
	Category     string `json:"category,omitempty" yaml:"category"`
	Risk         Risk   `json:"risk" yaml:"risk"`
	SuccessCount int    `json:"success_count" yaml:"-"`
}

// RootCauseHypothesis is a confidence-scored candidate explanation.
type RootCauseHypothesis struct {
	Description        string               `json:"description"`
	Category           string               `json:"category"`
	Confidence         float64              `json:"confidence"`
	Severity           Severity             `json:"severity"`
	SupportingEvidence []string             `json:"supporting_evidence,omitempty"`
	Suggestions        []SolutionSuggestion `json:"suggestions,omitempty"`
	Analyzer           string               `json:"analyzer"`
}

// RootCauseAnalysis is the per-pattern analysis result, refreshed when stale.
type RootCauseAnalysis struct {
	ID                   string                `json:"id"`
	PatternID            string                `json:"pattern_id"`
	Hypotheses           []RootCauseHypothesis `json:"hypotheses"`
	AffectedComponents   []string              `json:"affected_components,omitempty"`
	AffectedDependencies []string              `json:"affected_dependencies,omitempty"`
	ConfidenceScores     map[string]float64    `json:"confidence_scores,omitempty"`
	CodeLocations        []string              `json:"code_locations,omitempty"`
	Solutions            []SolutionSuggestion  `json:"solutions,omitempty"`
	ErrorsExamined       int                   `json:"errors_examined"`
	Incomplete           bool                  `json:"incomplete"`
	AnalyzedAt           time.Time             `json:"analyzed_at"`
}

// PatternResolution records how an operator resolved a pattern.
type PatternResolution struct {
	ID              string    `json:"id"`
	PatternID       string    `json:"pattern_id"`
	Signature       string    `json:"signature,omitempty"`
	ExceptionType   string    `json:"exception_type,omitempty"`
	RootCause       string    `json:"root_cause"`
	AppliedSolution string    `json:"applied_solution"`
	ResolvedBy      string    `json:"resolved_by,omitempty"`
	Successful      bool      `json:"successful"`
	ResolvedAt      time.Time `json:"resolved_at"`
}
