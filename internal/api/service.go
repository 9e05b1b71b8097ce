package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"volharvest/pkg/volharvest"
)

// BacktestServer is the server API of the volharvest.v1.Backtest service.
type BacktestServer interface {
	Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Sweep(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error
	ListRuns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: volharvest.ServiceName,
	HandlerType: (*BacktestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: unaryHandler(volharvest.RunMethod, BacktestServer.Run)},
		{MethodName: "ListRuns", Handler: unaryHandler(volharvest.ListRunsMethod, BacktestServer.ListRuns)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Sweep", Handler: sweepHandler, ServerStreams: true},
	},
	Metadata: "volharvest/v1/backtest.proto",
}

type unaryMethod func(BacktestServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BacktestServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BacktestServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func sweepHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BacktestServer).Sweep(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}
