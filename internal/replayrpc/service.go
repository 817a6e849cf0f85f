// Package replayrpc serves the replay engine over gRPC.
//
// Each call to the bidirectional Session method owns one replay.Engine.
// Commands and events travel as google.protobuf.Struct values shaped
// {"type": string, "data": any}, so no generated code is required.
package replayrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "telemetry.replay.v1.ReplayService"

// SessionMethod is the full method path of the Session stream.
const SessionMethod = "/" + ServiceName + "/Session"

// ReplayServiceServer is the server API for ReplayService.
type ReplayServiceServer interface {
	Session(ReplayService_SessionServer) error
}

// ReplayService_SessionServer is the server side of a Session stream.
type ReplayService_SessionServer interface {
	Send(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
	grpc.ServerStream
}

// ReplayService_SessionClient is the client side of a Session stream.
type ReplayService_SessionClient interface {
	Send(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

// ServiceDesc describes ReplayService for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReplayServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// RegisterReplayServiceServer registers srv on s.
func RegisterReplayServiceServer(s grpc.ServiceRegistrar, srv ReplayServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func sessionHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ReplayServiceServer).Session(&sessionServer{stream})
}

type sessionServer struct {
	grpc.ServerStream
}

func (x *sessionServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func (x *sessionServer) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NewReplayServiceSession opens a Session stream on cc.
func NewReplayServiceSession(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (ReplayService_SessionClient, error) {
	stream, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], SessionMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &sessionClient{stream}, nil
}

type sessionClient struct {
	grpc.ClientStream
}

func (x *sessionClient) Send(m *structpb.Struct) error {
	return x.ClientStream.SendMsg(m)
}

func (x *sessionClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
