package rpcmux

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Channel adapts a ClientConnection to grpc.ClientConnInterface, so that
// generated gRPC stubs can issue unary RPCs over it. Request and response
// messages must be protobuf messages.
type Channel struct {
	conn *ClientConnection
}

var _ grpc.ClientConnInterface = (*Channel)(nil)

// NewChannel returns a channel that sends every RPC over conn.
func NewChannel(conn *ClientConnection) *Channel {
	return &Channel{conn: conn}
}

// Connection returns the connection that RPCs are sent over.
func (c *Channel) Connection() *ClientConnection {
	return c.conn
}

func (c *Channel) Invoke(ctx context.Context, methodName string, req, resp interface{}, opts ...grpc.CallOption) error {
	reqMsg, ok := req.(proto.Message)
	if !ok {
		return status.Errorf(codes.Internal, "request type %T is not a protobuf message", req)
	}
	respMsg, ok := resp.(proto.Message)
	if !ok {
		return status.Errorf(codes.Internal, "response type %T is not a protobuf message", resp)
	}
	body, err := anypb.New(reqMsg)
	if err != nil {
		return status.Errorf(codes.Internal, "failed to marshal request: %v", err)
	}
	md, _ := metadata.FromOutgoingContext(ctx)
	r := &Request{
		Method: methodName,
		Header: md,
		Body:   body,
	}
	for _, opt := range opts {
		switch opt := opt.(type) {
		case mandatoryCallOption:
			r.Mandatory = true
		case *connectionCallOption:
			*opt.conn = c.conn
		case grpc.HeaderCallOption:
			*opt.HeaderAddr = metadata.MD{}
		case grpc.TrailerCallOption:
			*opt.TrailerAddr = metadata.MD{}
		}
	}

	result, err := c.conn.Call(ctx, r)
	if err != nil {
		return toRPCError(err)
	}
	if result.Body == nil {
		return status.Errorf(codes.Internal, "response to %s has no body", methodName)
	}
	if err := result.Body.UnmarshalTo(respMsg); err != nil {
		return status.Errorf(codes.Internal, "failed to unmarshal response: %v", err)
	}
	return nil
}

func (c *Channel) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, status.Error(codes.Unimplemented, "streaming RPCs are not supported")
}

// toRPCError makes sure err carries a gRPC status. Errors that already do
// are returned as is, so errors.Is and errors.As keep working on them.
func toRPCError(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch err {
	case context.DeadlineExceeded:
		return status.Error(codes.DeadlineExceeded, err.Error())
	case context.Canceled:
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}
