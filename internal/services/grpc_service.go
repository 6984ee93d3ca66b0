package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/error-intel/internal/api"
	"github.com/miradorstack/error-intel/internal/models"
	"github.com/miradorstack/error-intel/internal/utils"
)

// GRPCService implements api.ErrorIntelligenceServer on top of Intelligence.
type GRPCService struct {
	svc    *Intelligence
	logger *slog.Logger
}

var _ api.ErrorIntelligenceServer = (*GRPCService)(nil)

// NewGRPCService constructs the transport adapter.
func NewGRPCService(svc *Intelligence, logger *slog.Logger) *GRPCService {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCService{svc: svc, logger: logger}
}

// Ingest clusters a batch. A partially failed batch still reports its
// assignments, with the joined failure text in the error field.
func (s *GRPCService) Ingest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.IngestRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	result, err := s.svc.Ingest(ctx, req.Errors)
	if err != nil && len(result.Assignments) == 0 {
		return nil, s.toStatus("Ingest", err)
	}
	resp := api.IngestResponse{BatchResult: result}
	if err != nil {
		s.logger.Warn("ingest partially failed", slog.Int("failed", result.Failed), slog.Any("error", err))
		resp.Error = err.Error()
	}
	return encode(resp)
}

func (s *GRPCService) DetectNewPatterns(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	created, err := s.svc.DetectNewPatterns(ctx)
	if err != nil {
		return nil, s.toStatus("DetectNewPatterns", err)
	}
	return encode(api.PatternsResponse{Patterns: created})
}

func (s *GRPCService) AnalyzePattern(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeID(in)
	if err != nil {
		return nil, err
	}
	p, err := s.svc.AnalyzePattern(ctx, id)
	if err != nil {
		return nil, s.toStatus("AnalyzePattern", err)
	}
	return encode(p)
}

func (s *GRPCService) GetPatterns(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var filter models.PatternFilter
	if err := decode(in, &filter); err != nil {
		return nil, err
	}
	ps, err := s.svc.GetPatterns(ctx, filter)
	if err != nil {
		return nil, s.toStatus("GetPatterns", err)
	}
	return encode(api.PatternsResponse{Patterns: ps})
}

func (s *GRPCService) GetPattern(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeID(in)
	if err != nil {
		return nil, err
	}
	p, err := s.svc.GetPattern(ctx, id)
	if err != nil {
		return nil, s.toStatus("GetPattern", err)
	}
	return encode(p)
}

func (s *GRPCService) GetStatistics(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.StatisticsRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	timeframe, err := utils.ParseWindow(req.Timeframe, 24*time.Hour)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return encode(s.svc.GetStatistics(ctx, timeframe))
}

func (s *GRPCService) GetTimeSeries(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.TimeSeriesRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	window, err := utils.ParseWindow(req.Window, 0)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	series, err := s.svc.GetTimeSeries(ctx, req.ID, window)
	if err != nil {
		return nil, s.toStatus("GetTimeSeries", err)
	}
	resp := api.TimeSeriesResponse{Series: series}
	if req.Distributions {
		hourly, weekly, err := s.svc.GetDistributions(ctx, req.ID)
		if err != nil {
			return nil, s.toStatus("GetTimeSeries", err)
		}
		resp.Hourly, resp.Weekly = &hourly, &weekly
	}
	return encode(resp)
}

func (s *GRPCService) CorrelatePatterns(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	report, err := s.svc.CorrelatePatterns(ctx)
	if err != nil {
		return nil, s.toStatus("CorrelatePatterns", err)
	}
	return encode(report)
}

func (s *GRPCService) AnalyzeRootCause(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.RootCauseRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	a, err := s.svc.AnalyzeRootCause(ctx, req.ID, req.Refresh)
	if err != nil {
		return nil, s.toStatus("AnalyzeRootCause", err)
	}
	return encode(a)
}

func (s *GRPCService) GenerateSolutions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeID(in)
	if err != nil {
		return nil, err
	}
	solutions, err := s.svc.GenerateSolutions(ctx, id)
	if err != nil {
		return nil, s.toStatus("GenerateSolutions", err)
	}
	return encode(api.SolutionsResponse{Solutions: solutions})
}

func (s *GRPCService) ResolvePattern(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.ResolveRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	p, credited, err := s.svc.ResolvePattern(ctx, req.ID, req.Resolution)
	if err != nil {
		return nil, s.toStatus("ResolvePattern", err)
	}
	return encode(api.ResolveResponse{Pattern: p, Credited: credited})
}

func (s *GRPCService) UpdatePattern(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.UpdateRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	p, changed, err := s.svc.UpdatePattern(ctx, req.ID, req.Update)
	if err != nil {
		return nil, s.toStatus("UpdatePattern", err)
	}
	return encode(api.UpdateResponse{Pattern: p, Changed: changed})
}

// UpdatePatternStatus applies an operator transition such as archive or ignore.
func (s *GRPCService) UpdatePatternStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.StatusRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	p, err := s.svc.SetPatternStatus(ctx, req.ID, req.Status)
	if err != nil {
		return nil, s.toStatus("UpdatePatternStatus", err)
	}
	return encode(p)
}

func (s *GRPCService) ShouldSuppress(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var alert models.Alert
	if err := decode(in, &alert); err != nil {
		return nil, err
	}
	return encode(s.svc.ShouldSuppress(ctx, alert))
}

func (s *GRPCService) CreateSuppressionRule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var rule models.SuppressionRule
	if err := decode(in, &rule); err != nil {
		return nil, err
	}
	created, err := s.svc.CreateSuppressionRule(ctx, rule)
	if err != nil {
		return nil, s.toStatus("CreateSuppressionRule", err)
	}
	return encode(created)
}

// Scan triggers an out-of-band maintenance pass.
func (s *GRPCService) Scan(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	report, err := s.svc.Scan(ctx)
	if err != nil {
		s.logger.Warn("manual scan completed with errors", slog.Any("error", err))
	}
	return encode(report)
}

// toStatus maps domain sentinels onto gRPC codes. Internal failures are
// logged and reported without their cause.
func (s *GRPCService) toStatus(op string, err error) error {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, models.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	s.logger.Error("request failed", slog.String("op", op), slog.Any("error", err))
	return status.Errorf(codes.Internal, "%s failed", op)
}

func decode(in *structpb.Struct, dst any) error {
	if err := api.FromStruct(in, dst); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func decodeID(in *structpb.Struct) (string, error) {
	var req api.IDRequest
	if err := decode(in, &req); err != nil {
		return "", err
	}
	if req.ID == "" {
		return "", status.Error(codes.InvalidArgument, "id is required")
	}
	return req.ID, nil
}

func encode(v any) (*structpb.Struct, error) {
	out, err := api.ToStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
