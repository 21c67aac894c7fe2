package grpc

import (
    "context"
    "net"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    obsmetrics "github.com/amirimatin/go-vr/pkg/observability/metrics"
    "github.com/amirimatin/go-vr/pkg/observability/tracing"
    "github.com/amirimatin/go-vr/pkg/transport"
)

const serviceName = "vr.v1.Management"

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
    bind string
    lis  net.Listener
    srv  *grpc.Server
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// internal request/response types used over gRPC JSON codec
type empty struct{}
type statusBlob struct{ Data []byte `json:"data"` }

// managementServer defines the methods we expose.
type managementServer interface {
    GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
    Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error)
    Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error)
    ReplicaState(ctx context.Context, in *transport.ReplicaStateRequest) (*transport.ReplicaStateResponse, error)
    Namespace(ctx context.Context, in *transport.NamespaceRequest) (*transport.NamespaceResponse, error)
}

type mgmtImpl struct{ h transport.Handlers }

func observe(method string, failed bool) {
    result := "ok"
    if failed { result = "error" }
    obsmetrics.MgmtRequests.WithLabelValues(method, result).Inc()
}

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
    ctx, end := tracing.StartSpan(ctx, "grpc.status")
    defer end()
    if m.h.Status == nil { return &statusBlob{}, nil }
    b, err := m.h.Status(ctx)
    observe("status", err != nil)
    if err != nil { return nil, err }
    return &statusBlob{Data: b}, nil
}

func (m *mgmtImpl) Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error) {
    if in == nil { in = &transport.JoinRequest{} }
    if m.h.Join == nil { return &transport.JoinResponse{Error: "join not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.join")
    defer end()
    out, err := m.h.Join(ctx, *in)
    observe("join", err != nil)
    if err != nil {
        if out.Error == "" { out.Error = err.Error() }
        out.Accepted = false
    }
    return &out, nil
}

func (m *mgmtImpl) Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error) {
    if in == nil { in = &transport.LeaveRequest{} }
    if m.h.Leave == nil { return &transport.LeaveResponse{Error: "leave not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.leave")
    defer end()
    out, err := m.h.Leave(ctx, *in)
    observe("leave", err != nil)
    if err != nil { return &transport.LeaveResponse{Error: err.Error()}, nil }
    return &out, nil
}

func (m *mgmtImpl) ReplicaState(ctx context.Context, in *transport.ReplicaStateRequest) (*transport.ReplicaStateResponse, error) {
    if in == nil { in = &transport.ReplicaStateRequest{} }
    if m.h.ReplicaState == nil { return &transport.ReplicaStateResponse{Error: "replica state not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.replica_state", tracing.PidAttr(in.Pid))
    defer end()
    out, err := m.h.ReplicaState(ctx, *in)
    observe("replica_state", err != nil)
    if err != nil && out.Error == "" { out.Error = err.Error() }
    return &out, nil
}

func (m *mgmtImpl) Namespace(ctx context.Context, in *transport.NamespaceRequest) (*transport.NamespaceResponse, error) {
    if in == nil { in = &transport.NamespaceRequest{} }
    if m.h.Namespace == nil { return &transport.NamespaceResponse{Error: "namespaces not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.namespace", tracing.NamespaceAttr(in.Namespace))
    defer end()
    out, err := m.h.Namespace(ctx, *in)
    observe("namespace_"+in.Op, err != nil)
    if err != nil && out.Error == "" { out.Error = err.Error() }
    return &out, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Management_serviceDesc = grpc.ServiceDesc{
    ServiceName: serviceName,
    HandlerType: (*managementServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "GetStatus", Handler: unary("GetStatus", func() interface{} { return new(empty) },
            func(s managementServer, ctx context.Context, in interface{}) (interface{}, error) { return s.GetStatus(ctx, in.(*empty)) })},
        {MethodName: "Join", Handler: unary("Join", func() interface{} { return new(transport.JoinRequest) },
            func(s managementServer, ctx context.Context, in interface{}) (interface{}, error) { return s.Join(ctx, in.(*transport.JoinRequest)) })},
        {MethodName: "Leave", Handler: unary("Leave", func() interface{} { return new(transport.LeaveRequest) },
            func(s managementServer, ctx context.Context, in interface{}) (interface{}, error) { return s.Leave(ctx, in.(*transport.LeaveRequest)) })},
        {MethodName: "ReplicaState", Handler: unary("ReplicaState", func() interface{} { return new(transport.ReplicaStateRequest) },
            func(s managementServer, ctx context.Context, in interface{}) (interface{}, error) { return s.ReplicaState(ctx, in.(*transport.ReplicaStateRequest)) })},
        {MethodName: "Namespace", Handler: unary("Namespace", func() interface{} { return new(transport.NamespaceRequest) },
            func(s managementServer, ctx context.Context, in interface{}) (interface{}, error) { return s.Namespace(ctx, in.(*transport.NamespaceRequest)) })},
    },
}

// unary builds a grpc.MethodDesc handler: decode into a fresh request,
// then call through the interceptor when one is installed.
func unary(method string, newIn func() interface{}, call func(managementServer, context.Context, interface{}) (interface{}, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
    full := "/" + serviceName + "/" + method
    return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
        in := newIn()
        if err := dec(in); err != nil { return nil, err }
        if interceptor == nil { return call(srv.(managementServer), ctx, in) }
        info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
        handler := func(ctx context.Context, req interface{}) (interface{}, error) {
            return call(srv.(managementServer), ctx, req)
        }
        return interceptor(ctx, in, info, handler)
    }
}

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.lis = lis
    // Force JSON codec to avoid requiring protobuf types
    opts := []grpc.ServerOption{
        grpc.ForceServerCodec(jsonCodec{}),
        grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
        grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
    }
    srv := grpc.NewServer(opts...)
    s.srv = srv
    healthSrv := health.NewServer()
    healthSrv.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
    healthpb.RegisterHealthServer(srv, healthSrv)
    srv.RegisterService(&_Management_serviceDesc, &mgmtImpl{h: h})

    go func() {
        <-ctx.Done()
        // Graceful stop with a small timeout fallback
        ch := make(chan struct{})
        go func() { srv.GracefulStop(); close(ch) }()
        select {
        case <-ch:
        case <-time.After(2 * time.Second):
            srv.Stop()
        }
    }()
    go func() { _ = srv.Serve(lis) }()
    return nil
}

// Addr returns the bound address, which differs from the configured one
// when binding to port 0.
func (s *Server) Addr() string {
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil { return nil }
    ch := make(chan struct{})
    go func() { s.srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        s.srv.Stop()
    }
    s.srv = nil
    if s.lis != nil { _ = s.lis.Close(); s.lis = nil }
    return nil
}

var _ transport.RPCServer = (*Server)(nil)
