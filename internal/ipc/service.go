// Package ipc exposes the running discovery service to local clients over a
// Unix-socket gRPC API. Messages are protobuf well-known types, so no
// generated code is needed on either side.
package ipc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "bitalk.v1.Agent"

	nearbyMethod  = "/" + ServiceName + "/Nearby"
	statusMethod  = "/" + ServiceName + "/Status"
	profileMethod = "/" + ServiceName + "/Profile"
)

// agentServer is the server side of bitalk.v1.Agent.
type agentServer interface {
	Nearby(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Profile(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var agentServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*agentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Nearby", Handler: unaryHandler(nearbyMethod, agentServer.Nearby)},
		{MethodName: "Status", Handler: unaryHandler(statusMethod, agentServer.Status)},
		{MethodName: "Profile", Handler: unaryHandler(profileMethod, agentServer.Profile)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bitalk/v1/agent.proto",
}

type unaryMethod func(agentServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(agentServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(agentServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}
