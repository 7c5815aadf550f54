package rpcmux

import (
	"fmt"
	"time"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
)

// ControlIndex is the index carried by control messages. Request indexes
// start at one, so no request is ever assigned this index.
const ControlIndex uint64 = 0

// Envelope is the unit sent over a stream: a payload plus the index that
// correlates a response (or remote error) with its request.
type Envelope struct {
	Index   uint64
	Payload Payload
}

// Payload is the closed set of things an envelope can carry: *Request,
// *Response, *RemoteError or ControlMessage.
type Payload interface {
	isPayload()
}

// Request is an application request. Method names the handler, in the
// "/package.Service/Method" form used by gRPC.
type Request struct {
	Method string
	Header metadata.MD
	// Timeout is informational for the server: it bounds the handler's
	// context. The client enforces its own timeout independently.
	Timeout time.Duration
	// Mandatory requests are sent even while the connection is overloaded.
	Mandatory bool
	Body      *anypb.Any
}

// Response is the successful reply to a request.
type Response struct {
	Body *anypb.Any
}

// RemoteError is an error reported by the peer for one request. It is both a
// payload and the error delivered to that request's callback.
type RemoteError struct {
	st *status.Status
}

// NewRemoteError returns a remote error carrying the given status.
func NewRemoteError(st *status.Status) *RemoteError {
	return &RemoteError{st: st}
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error: code = %s desc = %s", e.st.Code(), e.st.Message())
}

// GRPCStatus returns the status reported by the peer.
func (e *RemoteError) GRPCStatus() *status.Status {
	return e.st
}

// ControlMessage is a connection lifecycle signal.
type ControlMessage int32

const (
	ControlPing  ControlMessage = 0
	ControlPong  ControlMessage = 1
	ControlClose ControlMessage = 2
)

func (m ControlMessage) String() string {
	switch m {
	case ControlPing:
		return "PING"
	case ControlPong:
		return "PONG"
	case ControlClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("ControlMessage(%d)", int32(m))
	}
}

func (*Request) isPayload()       {}
func (*Response) isPayload()      {}
func (*RemoteError) isPayload()   {}
func (ControlMessage) isPayload() {}
