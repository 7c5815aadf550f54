package rpcmux

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrOverloaded is delivered, synchronously, to a non-mandatory request
	// issued while the connection's outbound side is suspended. The request
	// was never sent.
	ErrOverloaded = status.Error(codes.ResourceExhausted, "rpc connection is overloaded")
	// ErrTimeout is delivered to a request whose timeout elapsed before a
	// response arrived.
	ErrTimeout = status.Error(codes.DeadlineExceeded, "rpc request has timed out")
	// ErrUnresponsive is the close cause when the peer stops answering
	// keep-alive pings.
	ErrUnresponsive = status.Error(codes.Unavailable, "unresponsive connection")
	// ErrConnectionClosed matches (via errors.Is) every *ClosedError.
	ErrConnectionClosed = status.Error(codes.Unavailable, "connection closed")
	// ErrIndexesExhausted is delivered when a connection has used up its
	// whole index space.
	ErrIndexesExhausted = status.Error(codes.ResourceExhausted, "all request indexes exhausted (must create a new connection)")
)

// ClosedError is delivered to every request still pending when its
// connection closes. Cause, if not nil, is the fatal error that closed it.
type ClosedError struct {
	Cause error
}

func (e *ClosedError) Error() string {
	if e.Cause == nil {
		return "connection closed"
	}
	return fmt.Sprintf("connection closed: %v", e.Cause)
}

func (e *ClosedError) Unwrap() error {
	return e.Cause
}

func (e *ClosedError) Is(target error) bool {
	return target == ErrConnectionClosed
}

func (e *ClosedError) GRPCStatus() *status.Status {
	return status.New(codes.Unavailable, e.Error())
}

// SerializationError is delivered to a request whose envelope could not be
// encoded. Only that request fails; the connection stays open.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("failed to serialize message: %v", e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

func (e *SerializationError) GRPCStatus() *status.Status {
	return status.New(codes.Internal, e.Error())
}

func protocolViolation(format string, args ...interface{}) error {
	return status.Errorf(codes.Internal, "protocol violation: "+format, args...)
}
