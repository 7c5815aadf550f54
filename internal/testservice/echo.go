// Package testservice provides a small service for exercising rpcmux
// servers and clients in tests and test programs.
package testservice

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "rpcmux.test.EchoService"

// Full method names.
const (
	EchoMethod  = "/" + serviceName + "/Echo"
	FailMethod  = "/" + serviceName + "/Fail"
	SleepMethod = "/" + serviceName + "/Sleep"
	PanicMethod = "/" + serviceName + "/Panic"
	WatchMethod = "/" + serviceName + "/Watch"
)

// SuffixHeader is the request header whose values Echo appends to its reply.
const SuffixHeader = "x-echo-suffix"

// EchoServer is the server API for the echo service.
type EchoServer interface {
	// Echo replies with the request's value, followed by any values of the
	// SuffixHeader request header.
	Echo(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	// Fail fails with the requested status code.
	Fail(context.Context, *wrapperspb.Int32Value) (*emptypb.Empty, error)
	// Sleep waits for the requested duration, or until the request's
	// context is done.
	Sleep(context.Context, *durationpb.Duration) (*emptypb.Empty, error)
	// Panic panics.
	Panic(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// Server is the standard implementation of EchoServer.
type Server struct{}

var _ EchoServer = Server{}

func (Server) Echo(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	return wrapperspb.String(req.GetValue() + strings.Join(md.Get(SuffixHeader), "")), nil
}

func (Server) Fail(_ context.Context, req *wrapperspb.Int32Value) (*emptypb.Empty, error) {
	return nil, status.Errorf(codes.Code(req.GetValue()), "failed as requested")
}

func (Server) Sleep(ctx context.Context, req *durationpb.Duration) (*emptypb.Empty, error) {
	timer := time.NewTimer(req.AsDuration())
	defer timer.Stop()
	select {
	case <-timer.C:
		return &emptypb.Empty{}, nil
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

func (Server) Panic(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	panic("panicking as requested")
}

// RegisterEchoServer registers srv with reg.
func RegisterEchoServer(reg grpc.ServiceRegistrar, srv EchoServer) {
	reg.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*EchoServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Echo",
			Handler: unaryHandler(EchoMethod, func(srv EchoServer, ctx context.Context, req *wrapperspb.StringValue) (interface{}, error) {
				return srv.Echo(ctx, req)
			}),
		},
		{
			MethodName: "Fail",
			Handler: unaryHandler(FailMethod, func(srv EchoServer, ctx context.Context, req *wrapperspb.Int32Value) (interface{}, error) {
				return srv.Fail(ctx, req)
			}),
		},
		{
			MethodName: "Sleep",
			Handler: unaryHandler(SleepMethod, func(srv EchoServer, ctx context.Context, req *durationpb.Duration) (interface{}, error) {
				return srv.Sleep(ctx, req)
			}),
		},
		{
			MethodName: "Panic",
			Handler: unaryHandler(PanicMethod, func(srv EchoServer, ctx context.Context, req *emptypb.Empty) (interface{}, error) {
				return srv.Panic(ctx, req)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			// Watch exists so that servers have a streaming method to refuse.
			StreamName:    "Watch",
			ServerStreams: true,
			Handler: func(interface{}, grpc.ServerStream) error {
				return status.Error(codes.Unimplemented, "not implemented")
			},
		},
	},
}

func unaryHandler[Req any, PReq interface {
	*Req
}](fullMethod string, call func(EchoServer, context.Context, PReq) (interface{}, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EchoServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(EchoServer), ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// EchoClient is the client API for the echo service.
type EchoClient interface {
	Echo(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	Fail(ctx context.Context, in *wrapperspb.Int32Value, opts ...grpc.CallOption) (*emptypb.Empty, error)
	Sleep(ctx context.Context, in *durationpb.Duration, opts ...grpc.CallOption) (*emptypb.Empty, error)
	Panic(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type echoClient struct {
	cc grpc.ClientConnInterface
}

// NewEchoClient returns a client that issues RPCs over cc.
func NewEchoClient(cc grpc.ClientConnInterface) EchoClient {
	return echoClient{cc: cc}
}

func (c echoClient) Echo(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, EchoMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c echoClient) Fail(ctx context.Context, in *wrapperspb.Int32Value, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, FailMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c echoClient) Sleep(ctx context.Context, in *durationpb.Duration, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, SleepMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c echoClient) Panic(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, PanicMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
