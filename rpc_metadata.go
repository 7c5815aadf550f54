package rpcmux

import (
	"context"

	"google.golang.org/grpc"
)

type serverConnectionContextKey struct{}

// ServerConnectionFromContext returns the ServerConnection that is handling
// the given request context. If the given context is not a server-side
// request context, or the request did not arrive over an rpcmux connection,
// this returns nil.
func ServerConnectionFromContext(ctx context.Context) *ServerConnection {
	sc, _ := ctx.Value(serverConnectionContextKey{}).(*ServerConnection)
	return sc
}

// WithMandatory marks an RPC issued through a Channel as mandatory: it is
// sent even while the connection is overloaded, instead of failing fast with
// a ResourceExhausted error.
func WithMandatory() grpc.CallOption {
	return mandatoryCallOption{}
}

type mandatoryCallOption struct {
	grpc.EmptyCallOption
}

// WithConnection provides the caller access to the ClientConnection that was
// used to send an RPC. The given location is updated with that connection
// when the RPC is issued, before it is sent. If the RPC did not go through a
// Channel, the location is left unchanged.
//
// The pointer must point to an allocated location. Passing a nil pointer will
// result in a panic when an RPC is invoked with the returned option.
func WithConnection(conn **ClientConnection) grpc.CallOption {
	return &connectionCallOption{conn: conn}
}

type connectionCallOption struct {
	conn **ClientConnection
	grpc.EmptyCallOption
}
