package rpcmux

import "time"

// Observer receives statistics about requests and connections. Its methods
// are called on connection loops, so they must be quick and must not block.
// Nothing an observer does affects protocol behavior.
type Observer interface {
	// RequestStarted is called when a request is handed to the stream.
	RequestStarted(method string)
	// RequestRejected is called when a request is refused because the
	// connection is overloaded.
	RequestRejected(method string)
	// RequestExpired is called when a request times out.
	RequestExpired(method string)
	// RequestFailed is called when a request completes with an error other
	// than a timeout, including a remote error reported by the peer.
	RequestFailed(method string, err error)
	// RequestCompleted is called when a response arrives. The overdue
	// duration is how far past its deadline the response arrived, or zero if
	// it was on time.
	RequestCompleted(method string, responseTime, overdue time.Duration)
	// ProtocolError is called when a connection to addr fails because of an
	// I/O error or a peer that violates the protocol.
	ProtocolError(addr string, err error)
}

type nopObserver struct{}

func (nopObserver) RequestStarted(string)                                 {}
func (nopObserver) RequestRejected(string)                                {}
func (nopObserver) RequestExpired(string)                                 {}
func (nopObserver) RequestFailed(string, error)                           {}
func (nopObserver) RequestCompleted(string, time.Duration, time.Duration) {}
func (nopObserver) ProtocolError(string, error)                           {}
