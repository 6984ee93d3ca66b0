package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "errorintel.v1.ErrorIntelligence"

// ErrorIntelligenceServer is the server API for errorintel.v1.ErrorIntelligence.
// Every method is unary and exchanges JSON-shaped structpb.Struct messages.
type ErrorIntelligenceServer interface {
	Ingest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DetectNewPatterns(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AnalyzePattern(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPatterns(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPattern(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatistics(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetTimeSeries(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CorrelatePatterns(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AnalyzeRootCause(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GenerateSolutions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolvePattern(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdatePattern(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdatePatternStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ShouldSuppress(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateSuppressionRule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Scan(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(ErrorIntelligenceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

var unaryMethods = []struct {
	name string
	call unaryCall
}{
	{"Ingest", ErrorIntelligenceServer.Ingest},
	{"DetectNewPatterns", ErrorIntelligenceServer.DetectNewPatterns},
	{"AnalyzePattern", ErrorIntelligenceServer.AnalyzePattern},
	{"GetPatterns", ErrorIntelligenceServer.GetPatterns},
	{"GetPattern", ErrorIntelligenceServer.GetPattern},
	{"GetStatistics", ErrorIntelligenceServer.GetStatistics},
	{"GetTimeSeries", ErrorIntelligenceServer.GetTimeSeries},
	{"CorrelatePatterns", ErrorIntelligenceServer.CorrelatePatterns},
	{"AnalyzeRootCause", ErrorIntelligenceServer.AnalyzeRootCause},
	{"GenerateSolutions", ErrorIntelligenceServer.GenerateSolutions},
	{"ResolvePattern", ErrorIntelligenceServer.ResolvePattern},
	{"UpdatePattern", ErrorIntelligenceServer.UpdatePattern},
	{"UpdatePatternStatus", ErrorIntelligenceServer.UpdatePatternStatus},
	{"ShouldSuppress", ErrorIntelligenceServer.ShouldSuppress},
	{"CreateSuppressionRule", ErrorIntelligenceServer.CreateSuppressionRule},
	{"Scan", ErrorIntelligenceServer.Scan},
}

// ServiceDesc describes errorintel.v1.ErrorIntelligence for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ErrorIntelligenceServer)(nil),
	Methods:     methodDescs(),
	Streams:     []grpc.StreamDesc{},
}

// RegisterErrorIntelligenceServer attaches srv to s.
func RegisterErrorIntelligenceServer(s grpc.ServiceRegistrar, srv ErrorIntelligenceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// FullMethod returns the wire path of a method, e.g. "/errorintel.v1.ErrorIntelligence/Ingest".
func FullMethod(name string) string {
	return fmt.Sprintf("/%s/%s", ServiceName, name)
}

func methodDescs() []grpc.MethodDesc {
	descs := make([]grpc.MethodDesc, 0, len(unaryMethods))
	for _, m := range unaryMethods {
		descs = append(descs, grpc.MethodDesc{MethodName: m.name, Handler: unaryHandler(m.name, m.call)})
	}
	return descs
}

// handlerFunc matches grpc.MethodDesc.Handler.
type handlerFunc = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

func unaryHandler(name string, call unaryCall) handlerFunc {
	fullMethod := FullMethod(name)
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ErrorIntelligenceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ErrorIntelligenceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Client is a thin caller for errorintel.v1.ErrorIntelligence.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Call invokes method with req encoded as a Struct and decodes the reply into resp.
func (c *Client) Call(ctx context.Context, method string, req, resp any, opts ...grpc.CallOption) error {
	in, err := ToStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return FromStruct(out, resp)
}
