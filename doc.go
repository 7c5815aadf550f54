// Package rpcmux provides a binary RPC protocol that multiplexes many
// concurrent requests over a single ordered byte stream, such as a TCP
// connection.
//
// Each request is assigned an index, unique to its connection, and the
// response carries the same index back, so responses may arrive in any order.
// Every request has its own timeout. A connection that is falling behind
// reports itself overloaded, and requests that are not mandatory fail fast
// instead of piling up. A client may ping the server to detect a peer that
// has stopped responding, and a server may ask a client to close the
// connection gracefully, letting outstanding requests finish first.
//
// All state of a connection is confined to a Loop, a single goroutine that
// runs tasks and timers for it. Handlers on the server side run on their own
// goroutines.
//
// Services are described and registered the same way as for gRPC: a Server is
// a [grpc.ServiceRegistrar], and a Channel is a [grpc.ClientConnInterface], so
// generated gRPC stubs can be used for unary methods. Streaming methods are
// not supported.
package rpcmux
