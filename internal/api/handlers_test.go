package api

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/error-intel/internal/config"
	"github.com/miradorstack/error-intel/internal/models"
)

func TestStructRoundTripKeepsDomainFields(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	in := models.Pattern{
		ID:              "p1",
		Severity:        models.SeverityCritical,
		OccurrenceCount: 50,
		OccurrenceRate:  25,
		FirstSeen:       now,
		Forecast:        &models.Forecast{Predicted: 30, Confidence: 0.6, Horizon: 24 * time.Hour},
	}
	s, err := ToStruct(in)
	if err != nil {
		t.Fatalf("to struct: %v", err)
	}
	if s.Fields["severity"].GetStringValue() != "critical" {
		t.Fatalf("unexpected severity field %v", s.Fields["severity"])
	}

	var out models.Pattern
	if err := FromStruct(s, &out); err != nil {
		t.Fatalf("from struct: %v", err)
	}
	if out.ID != "p1" || out.OccurrenceCount != 50 || !out.FirstSeen.Equal(now) {
		t.Fatalf("unexpected pattern %+v", out)
	}
	if out.Forecast == nil || out.Forecast.Horizon != 24*time.Hour {
		t.Fatalf("unexpected forecast %+v", out.Forecast)
	}
}

func TestToStructRejectsNonObjects(t *testing.T) {
	if _, err := ToStruct([]string{"a"}); err == nil {
		t.Fatalf("expected error for array payload")
	}
	var req IDRequest
	if err := FromStruct(nil, &req); err != nil || req.ID != "" {
		t.Fatalf("nil struct must decode as empty: %v %+v", err, req)
	}
}

// echoServer answers GetPattern and fails everything else.
type echoServer struct {
	ErrorIntelligenceServer
}

func (echoServer) GetPattern(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req IDRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	return ToStruct(models.Pattern{ID: req.ID, Name: "echo"})
}

func TestServerOverBufconn(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := NewServerWithListener(config.ServerConfig{GracefulTimeout: time.Second}, lis, echoServer{})
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := NewClient(conn)
	var p models.Pattern
	if err := client.Call(ctx, "GetPattern", IDRequest{ID: "p42"}, &p); err != nil {
		t.Fatalf("call: %v", err)
	}
	if p.ID != "p42" || p.Name != "echo" {
		t.Fatalf("unexpected reply %+v", p)
	}

	err = client.Call(ctx, "GetPattern", IDRequest{}, &p)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}

	health, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected health status %v", health.GetStatus())
	}
}

func TestServiceDescCoversEveryMethod(t *testing.T) {
	if len(ServiceDesc.Methods) != len(unaryMethods) {
		t.Fatalf("expected %d methods, got %d", len(unaryMethods), len(ServiceDesc.Methods))
	}
	if FullMethod("Ingest") != "/errorintel.v1.ErrorIntelligence/Ingest" {
		t.Fatalf("unexpected method path %s", FullMethod("Ingest"))
	}
}
