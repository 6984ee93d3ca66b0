package store

import (
	"maps"
	"slices"

	"github.com/miradorstack/error-intel/internal/models"
)

// MatchPattern applies a PatternFilter to a single pattern.
func MatchPattern(p models.Pattern, filter models.PatternFilter) bool {
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, p.Status) {
		return false
	}
	if filter.MinSeverity != "" && p.Severity.Rank() < filter.MinSeverity.Rank() {
		return false
	}
	if filter.Type != "" && p.Type != filter.Type {
		return false
	}
	if !filter.Since.IsZero() && p.LastSeen.Before(filter.Since) {
		return false
	}
	return true
}

func copyCluster(c models.Cluster) models.Cluster {
	c.KeyFrames = slices.Clone(c.KeyFrames)
	c.ErrorIDs = slices.Clone(c.ErrorIDs)
	c.AffectedUsers = slices.Clone(c.AffectedUsers)
	c.AffectedEndpoints = slices.Clone(c.AffectedEndpoints)
	return c
}

func copyPattern(p models.Pattern) models.Pattern {
	p.ClusterIDs = slices.Clone(p.ClusterIDs)
	p.AffectedUsers = slices.Clone(p.AffectedUsers)
	p.AffectedServices = slices.Clone(p.AffectedServices)
	if p.Forecast != nil {
		f := *p.Forecast
		p.Forecast = &f
	}
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		p.ResolvedAt = &t
	}
	return p
}

func copyAnalysis(a models.RootCauseAnalysis) models.RootCauseAnalysis {
	hyps := make([]models.RootCauseHypothesis, len(a.Hypotheses))
	for i, h := range a.Hypotheses {
		h.SupportingEvidence = slices.Clone(h.SupportingEvidence)
		h.Suggestions = slices.Clone(h.Suggestions)
		hyps[i] = h
	}
	a.Hypotheses = hyps
	a.AffectedComponents = slices.Clone(a.AffectedComponents)
	a.AffectedDependencies = slices.Clone(a.AffectedDependencies)
	a.ConfidenceScores = maps.Clone(a.ConfidenceScores)
	a.CodeLocations = slices.Clone(a.CodeLocations)
	a.Solutions = slices.Clone(a.Solutions)
	return a
}

func copyRule(r models.SuppressionRule) models.SuppressionRule {
	r.Conditions = slices.Clone(r.Conditions)
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		r.ExpiresAt = &t
	}
	if r.LastTriggeredAt != nil {
		t := *r.LastTriggeredAt
		r.LastTriggeredAt = &t
	}
	return r
}
