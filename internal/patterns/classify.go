package patterns

import (
	"math"
	"strings"

	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/miradorstack/error-intel/internal/models"
)

// Severity maps an occurrence rate (per hour) and normalised trend slope to a level.
func Severity(rate, trend float64, accelerating bool) models.Severity {
	switch {
	case rate > 10 || (trend > 0.5 && accelerating):
		return models.SeverityCritical
	case rate > 2 || trend > 0.2:
		return models.SeverityHigh
	case rate > 0.5 || trend > 0:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func defaultPriority(sev models.Severity) models.Priority {
	switch sev {
	case models.SeverityCritical:
		return models.PriorityUrgent
	case models.SeverityHigh:
		return models.PriorityHigh
	case models.SeverityMedium:
		return models.PriorityNormal
	default:
		return models.PriorityLow
	}
}

var typeKeywords = []struct {
	typ      models.PatternType
	keywords []string
}{
	{models.PatternTypeNullReference, []string{"nullpointer", "null reference", "nullreference", "nil pointer", "nonetype", "undefined is not", "cannot read propert"}},
	{models.PatternTypeTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{models.PatternTypeDatabase, []string{"sql", "database", "deadlock", "constraint", "postgres", "mysql", "mongo", "jdbc", "orm"}},
	{models.PatternTypeAuthentication, []string{"unauthorized", "forbidden", "authentication", "auth", "token", "credential", "permission denied"}},
	{models.PatternTypeNetwork, []string{"connection refused", "connection reset", "unreachable", "dns", "socket", "network", "econnrefused", "broken pipe"}},
	{models.PatternTypeResource, []string{"out of memory", "outofmemory", "heap", "disk full", "no space left", "too many open files", "quota", "resource exhausted"}},
	{models.PatternTypeValidation, []string{"validation", "invalid", "illegalargument", "malformed", "bad request", "parse"}},
	{models.PatternTypeConfiguration, []string{"config", "missing property", "environment variable", "not configured", "setting"}},
}

// Classify infers a coarse pattern type from the exception type and text.
func Classify(exceptionType, text string) models.PatternType {
	haystack := strings.ToLower(exceptionType + " " + text)
	for _, entry := range typeKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(haystack, kw) {
				return entry.typ
			}
		}
	}
	return models.PatternTypeUnknown
}

// TextSimilarity returns the Levenshtein ratio of a and b in [0,1].
func TextSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	return levenshtein.RatioForStrings([]rune(a), []rune(b), levenshtein.DefaultOptions)
}

// ImpactScore weighs severity by user reach and volume.
func ImpactScore(sev models.Severity, users int, rate float64) float64 {
	score := float64(sev.Rank()) * (1 + math.Log1p(float64(users))) * (1 + math.Log10(1+rate))
	return math.Round(score*100) / 100
}

func confidenceFor(count, minSize int) float64 {
	if count <= 0 {
		return 0
	}
	return float64(count) / float64(count+max(minSize, 1))
}

func patternName(typ models.PatternType, exceptionType, text string) string {
	label := exceptionType
	if label == "" {
		label = string(typ)
	}
	summary := text
	if r := []rune(summary); len(r) > 60 {
		summary = string(r[:60]) + "..."
	}
	return label + ": " + summary
}
