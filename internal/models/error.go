package models

import (
	"errors"
	"time"
)

// ErrNotFound reports that a requested record does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrInvalidArgument reports a request that fails validation.
var ErrInvalidArgument = errors.New("invalid argument")

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so they can be compared; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// RawError is a single application error record handed over by an ingestion source.
type RawError struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Message       string    `json:"message"`
	StackTrace    string    `json:"stack_trace,omitempty"`
	ExceptionType string    `json:"exception_type,omitempty"`
	Source        string    `json:"source"`
	Endpoint      string    `json:"endpoint,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	StatusCode    int       `json:"status_code,omitempty"`
	Severity      Severity  `json:"severity,omitempty"`
	ClusterID     string    `json:"cluster_id,omitempty"`
}

// NormalizedText is the canonical form of an error used for comparison and hashing.
type NormalizedText struct {
	Text      string   `json:"text"`
	KeyFrames []string `json:"key_frames,omitempty"`
}

// Canonical joins the text and key frames into the string that gets signed.
func (n NormalizedText) Canonical() string {
	if len(n.KeyFrames) == 0 {
		return n.Text
	}
	out := n.Text
	for _, frame := range n.KeyFrames {
		out += "\n" + frame
	}
	return out
}

// TimeRange bounds a query window.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the window length, never negative.
func (r TimeRange) Duration() time.Duration {
	if r.End.Before(r.Start) {
		return 0
	}
	return r.End.Sub(r.Start)
}
