package suppression

import (
	"strconv"
	"strings"

	"github.com/miradorstack/error-intel/internal/models"
)

const labelPrefix = "label."

type accessor func(a models.Alert) string

var fields = map[string]accessor{
	"title":            func(a models.Alert) string { return a.Title },
	"message":          func(a models.Alert) string { return a.Message },
	"severity":         func(a models.Alert) string { return string(a.Severity) },
	"source":           func(a models.Alert) string { return a.Source },
	"pattern_id":       func(a models.Alert) string { return a.PatternID },
	"cluster_id":       func(a models.Alert) string { return a.ClusterID },
	"exception_type":   func(a models.Alert) string { return a.ExceptionType },
	"endpoint":         func(a models.Alert) string { return a.Endpoint },
	"status_code":      func(a models.Alert) string { return strconv.Itoa(a.StatusCode) },
	"occurrence_count": func(a models.Alert) string { return strconv.Itoa(a.OccurrenceCount) },
	"occurrence_rate":  func(a models.Alert) string { return strconv.FormatFloat(a.OccurrenceRate, 'f', -1, 64) },
}

// Fields lists the alert fields a condition may reference, excluding labels.
func Fields() []string {
	out := make([]string, 0, len(fields))
	for name := range fields {
		out = append(out, name)
	}
	return out
}

func knownField(name string) bool {
	if key, ok := strings.CutPrefix(name, labelPrefix); ok {
		return key != ""
	}
	_, ok := fields[name]
	return ok
}

// fieldValue resolves a field on an alert; ok is false for unknown fields.
func fieldValue(a models.Alert, name string) (string, bool) {
	if key, ok := strings.CutPrefix(name, labelPrefix); ok {
		if key == "" {
			return "", false
		}
		return a.Labels[key], true
	}
	get, ok := fields[name]
	if !ok {
		return "", false
	}
	return get(a), true
}
