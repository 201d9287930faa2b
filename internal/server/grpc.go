package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	focusServiceName = "driftfocus.v1.FocusService"
	startSearchPath  = "/" + focusServiceName + "/StartSearch"
	getSearchPath    = "/" + focusServiceName + "/GetSearch"
)

// FocusServer is the gRPC face of a Server. Messages are
// google.protobuf.Struct carrying the same JSON documents as the HTTP API.
type FocusServer interface {
	StartSearch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetSearch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var focusServiceDesc = grpc.ServiceDesc{
	ServiceName: focusServiceName,
	HandlerType: (*FocusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartSearch", Handler: startSearchHandler},
		{MethodName: "GetSearch", Handler: getSearchHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "driftfocus/focus.proto",
}

func startSearchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FocusServer).StartSearch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: startSearchPath}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FocusServer).StartSearch(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getSearchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FocusServer).GetSearch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getSearchPath}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FocusServer).GetSearch(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type focusService struct {
	s *Server
}

func (f focusService) StartSearch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req StartRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	started, err := f.s.Submit(ctx, "grpc", req)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(started)
}

func (f focusService) GetSearch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := in.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	detail, err := f.s.detail(id)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(detail)
}

// NewGRPCServer returns a gRPC server carrying the focus service and the
// standard health service.
func (s *Server) NewGRPCServer() *grpc.Server {
	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)
	gs.RegisterService(&focusServiceDesc, focusService{s: s})

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(focusServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs
}

// ServeGRPC listens on addr until ctx is cancelled.
func (s *Server) ServeGRPC(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	gs := s.NewGRPCServer()
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	s.log.Info("gRPC server starting", "addr", addr)
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func grpcError(err error) error {
	switch httpStatus(err) {
	case http.StatusBadRequest:
		return status.Error(codes.InvalidArgument, err.Error())
	case http.StatusNotFound:
		return status.Error(codes.NotFound, err.Error())
	case http.StatusConflict, http.StatusServiceUnavailable:
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, v any) error {
	data, err := in.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
