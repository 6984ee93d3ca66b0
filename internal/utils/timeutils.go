package utils

import (
	"fmt"
	"strings"
	"time"
)

// ParseTimestamp accepts RFC3339 with or without fractional seconds.
func ParseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t.UTC(), nil
}

// ParseWindow parses a Go duration such as "24h" or "90m". Empty input
// yields def; non-positive durations are rejected.
func ParseWindow(value string, def time.Duration) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse window: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("window %s must be positive", value)
	}
	return d, nil
}

// HoursBetween returns the span between two timestamps in hours, order-insensitive.
func HoursBetween(start, end time.Time) float64 {
	if end.Before(start) {
		start, end = end, start
	}
	return end.Sub(start).Hours()
}
