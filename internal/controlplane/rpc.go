package controlplane

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// This deployment has no protoc/buf code-generation step, so the RPC
// surface is wired by hand against a JSON wire codec instead of generated
// protobuf stubs — the message types below are plain structs, and
// jsonCodec implements encoding.Codec so grpc.Server can (de)serialize
// them without a .proto file.
const jsonCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return jsonCodecName }

func init() { encoding.RegisterCodec(jsonCodec{}) }

// RegisterRequest is the wire shape of Worker.Register.
type RegisterRequest struct {
	WorkerID      string   `json:"worker_id"`
	Capabilities  []string `json:"capabilities"`
	MaxConcurrent int      `json:"max_concurrent"`
}

// RegisterResponse acknowledges a registration.
type RegisterResponse struct {
	Registered bool `json:"registered"`
}

// HeartbeatRequest is the wire shape of Worker.Heartbeat.
type HeartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// Server adapts a ControlPlane to the gRPC service surface workers call
// into for registration and liveness.
type Server struct {
	cp *ControlPlane
}

// NewServer wraps cp for RPC dispatch.
func NewServer(cp *ControlPlane) *Server { return &Server{cp: cp} }

// Register handles a worker's registration/re-registration call.
func (s *Server) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	s.cp.Register(req.WorkerID, req.Capabilities, req.MaxConcurrent)
	return &RegisterResponse{Registered: true}, nil
}

// Heartbeat handles a worker's liveness ping.
func (s *Server) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	if err := s.cp.Heartbeat(req.WorkerID); err != nil {
		return nil, fmt.Errorf("controlplane: %w", err)
	}
	return &HeartbeatResponse{Acknowledged: true}, nil
}

// ServiceDesc is the hand-written grpc.ServiceDesc binding Server's methods
// into the generic unary-RPC dispatch shape grpc.Server expects.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "controlplane.ControlPlane",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Register",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				req := new(RegisterRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(*Server).Register(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/controlplane.ControlPlane/Register"}
				handler := func(ctx context.Context, in interface{}) (interface{}, error) {
					return srv.(*Server).Register(ctx, in.(*RegisterRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
		{
			MethodName: "Heartbeat",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				req := new(HeartbeatRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(*Server).Heartbeat(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/controlplane.ControlPlane/Heartbeat"}
				handler := func(ctx context.Context, in interface{}) (interface{}, error) {
					return srv.(*Server).Heartbeat(ctx, in.(*HeartbeatRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "controlplane.proto",
}

// NewGRPCServer builds a *grpc.Server with the JSON codec forced and the
// Control Plane service registered.
func NewGRPCServer(cp *ControlPlane) *grpc.Server {
	srv := grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	srv.RegisterService(&ServiceDesc, NewServer(cp))
	return srv
}
