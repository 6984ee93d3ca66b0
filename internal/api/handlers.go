package api

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/error-intel/internal/clustering"
	"github.com/miradorstack/error-intel/internal/models"
)

// Request and response envelopes carried inside structpb.Struct payloads.

// IDRequest addresses a single pattern.
type IDRequest struct {
	ID string `json:"id"`
}

// IngestRequest carries a batch of raw errors.
type IngestRequest struct {
	Errors []models.RawError `json:"errors"`
}

// IngestResponse reports cluster assignments.
type IngestResponse struct {
	clustering.BatchResult
	Error string `json:"error,omitempty"`
}

// PatternsResponse lists patterns.
type PatternsResponse struct {
	Patterns []models.Pattern `json:"patterns"`
}

// StatisticsRequest selects a timeframe such as "24h".
type StatisticsRequest struct {
	Timeframe string `json:"timeframe,omitempty"`
}

// TimeSeriesRequest selects a pattern and trailing window.
type TimeSeriesRequest struct {
	ID            string `json:"id"`
	Window        string `json:"window,omitempty"`
	Distributions bool   `json:"distributions,omitempty"`
}

// TimeSeriesResponse carries the series and, on request, its histograms.
type TimeSeriesResponse struct {
	Series []models.TrendDataPoint `json:"series"`
	Hourly *models.Distribution    `json:"hourly,omitempty"`
	Weekly *models.Distribution    `json:"weekly,omitempty"`
}

// RootCauseRequest selects a pattern and optionally forces recomputation.
type RootCauseRequest struct {
	ID      string `json:"id"`
	Refresh bool   `json:"refresh,omitempty"`
}

// SolutionsResponse lists ranked solutions.
type SolutionsResponse struct {
	Solutions []models.SolutionSuggestion `json:"solutions"`
}

// ResolveRequest records an operator resolution.
type ResolveRequest struct {
	ID         string                   `json:"id"`
	Resolution models.PatternResolution `json:"resolution"`
}

// ResolveResponse reports the resolved pattern and learning outcome.
type ResolveResponse struct {
	Pattern  models.Pattern `json:"pattern"`
	Credited int            `json:"credited"`
}

// UpdateRequest carries operator edits.
type UpdateRequest struct {
	ID     string               `json:"id"`
	Update models.PatternUpdate `json:"update"`
}

// UpdateResponse reports the stored pattern and whether it changed.
type UpdateResponse struct {
	Pattern models.Pattern `json:"pattern"`
	Changed bool           `json:"changed"`
}

// StatusRequest moves a pattern to an operator-chosen status.
type StatusRequest struct {
	ID     string               `json:"id"`
	Status models.PatternStatus `json:"status"`
}

// ToStruct converts any JSON-serialisable value into a structpb.Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	if v == nil {
		return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	return out, nil
}

// FromStruct decodes a structpb.Struct into dst. A nil Struct decodes as an
// empty object.
func FromStruct(in *structpb.Struct, dst any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode struct: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
