package rpcmux

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/status"
)

// Callback receives the outcome of a request: a response, or an error. It is
// called exactly once per request, on the connection's loop.
type Callback func(resp *Response, err error)

// ConnectionPool is told when a connection should no longer be used for new
// requests: when the peer announces that it is closing, or when the
// connection closes. It is told at most once per connection, on the
// connection's loop.
type ConnectionPool interface {
	OnClosedConnection(addr string)
}

type pendingRequest struct {
	index    uint64
	method   string
	callback Callback
	timer    *ScheduledTask
	start    time.Time
	due      time.Time
}

// ClientConnection issues requests over a Transport and matches responses to
// them by index. Many requests may be outstanding at once, each with its own
// timeout.
//
// A connection is confined to its loop: all methods except Call, Address,
// Done, Err and String must be called from tasks running on that loop.
type ClientConnection struct {
	loop      *Loop
	addr      string
	id        string
	transport Transport
	pool      ConnectionPool
	logger    *zap.Logger
	observer  Observer
	keepAlive time.Duration

	lastIndex    uint64
	requests     map[uint64]*pendingRequest
	acceptor     Acceptor
	initial      []Envelope
	overloaded   bool
	closed       bool
	peerClosing  bool
	shutdownSent bool
	poolNotified bool
	pongReceived bool
	pingTask     *ScheduledTask

	cause error
	done  chan struct{}
}

var _ StreamListener = (*ClientConnection)(nil)

// NewClientConnection creates a connection to the peer at addr that talks
// over t, and installs itself as t's listener. The pool, if not nil, is told
// when the connection stops being usable. The WithLogger, WithObserver and
// WithKeepAlive options are honored.
func NewClientConnection(loop *Loop, addr string, t Transport, pool ConnectionPool, opts ...Option) *ClientConnection {
	o := newOptions(opts)
	id := uuid.NewString()
	c := &ClientConnection{
		loop:      loop,
		addr:      addr,
		id:        id,
		transport: t,
		pool:      pool,
		logger:    o.logger.With(zap.String("addr", addr), zap.String("conn", id)),
		observer:  o.observer,
		keepAlive: o.keepAlive,
		requests:  map[uint64]*pendingRequest{},
		done:      make(chan struct{}),
	}
	t.SetListener(c)
	return c
}

// SendRequest issues req. The callback is invoked once, with the response or
// with an error. If timeout is positive and no response has arrived by then,
// the request fails with ErrTimeout. If the connection is overloaded and the
// request is not mandatory, the callback is invoked immediately with
// ErrOverloaded and nothing is sent.
func (c *ClientConnection) SendRequest(req *Request, timeout time.Duration, cb Callback) {
	c.issue(req, timeout, cb)
}

// issue is SendRequest, but reports the index assigned to the request, or
// zero if it was not sent.
func (c *ClientConnection) issue(req *Request, timeout time.Duration, cb Callback) uint64 {
	if c.closed {
		cb(nil, &ClosedError{Cause: c.cause})
		return 0
	}
	if c.shutdownSent && c.acceptor != nil {
		// the outbound side has already finished
		cb(nil, &ClosedError{})
		return 0
	}
	if c.overloaded && !req.Mandatory {
		c.observer.RequestRejected(req.Method)
		cb(nil, ErrOverloaded)
		return 0
	}
	if c.lastIndex == math.MaxUint64 {
		cb(nil, ErrIndexesExhausted)
		return 0
	}
	c.lastIndex++
	index := c.lastIndex
	now := c.loop.Now()
	pr := &pendingRequest{
		index:    index,
		method:   req.Method,
		callback: cb,
		start:    now,
	}
	if timeout > 0 {
		pr.due = now.Add(timeout)
		pr.timer = c.loop.Schedule(pr.due, func() {
			c.expire(index)
		})
	}
	c.requests[index] = pr
	c.observer.RequestStarted(req.Method)
	c.send(Envelope{Index: index, Payload: req})
	return index
}

func (c *ClientConnection) send(env Envelope) {
	if c.acceptor == nil {
		c.initial = append(c.initial, env)
		return
	}
	c.acceptor(env)
}

// Call issues req and waits for its outcome. Unlike the other methods, it
// may be called from any goroutine except the connection's loop. The
// context's deadline, if any, becomes the request's timeout. If the context
// is cancelled first, the request is abandoned and a late response is
// discarded.
func (c *ClientConnection) Call(ctx context.Context, req *Request) (*Response, error) {
	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, status.FromContextError(context.DeadlineExceeded).Err()
		}
		if req.Timeout == 0 {
			r := *req
			r.Timeout = timeout
			req = &r
		}
	}

	type result struct {
		resp *Response
		err  error
	}
	results := make(chan result, 1)
	indexes := make(chan uint64, 1)
	if !c.loop.Post(func() {
		indexes <- c.issue(req, timeout, func(resp *Response, err error) {
			results <- result{resp: resp, err: err}
		})
	}) {
		return nil, &ClosedError{Cause: ErrLoopClosed}
	}

	select {
	case r := <-results:
		return r.resp, r.err
	case <-c.loop.Done():
		select {
		case r := <-results:
			return r.resp, r.err
		default:
			return nil, &ClosedError{Cause: ErrLoopClosed}
		}
	case <-ctx.Done():
		err := status.FromContextError(ctx.Err()).Err()
		c.loop.Post(func() {
			if index := <-indexes; index != 0 {
				c.abandon(index, err)
			}
		})
		return nil, err
	}
}

func (c *ClientConnection) abandon(index uint64, err error) {
	pr, ok := c.requests[index]
	if !ok {
		return
	}
	c.retire(pr)
	c.observer.RequestFailed(pr.method, err)
	pr.callback(nil, err)
	c.checkDrained()
}

// Accept handles an envelope received from the peer.
func (c *ClientConnection) Accept(env Envelope) {
	if c.closed {
		return
	}
	switch p := env.Payload.(type) {
	case *Response:
		c.complete(env.Index, p, nil)
	case *RemoteError:
		c.complete(env.Index, nil, p)
	case ControlMessage:
		switch p {
		case ControlClose:
			c.logger.Info("peer is closing the connection")
			c.peerClosing = true
			c.notifyPool()
			c.checkDrained()
		case ControlPong:
			c.pongReceived = true
		default:
			c.fail(protocolViolation("unexpected control message %v", p))
		}
	case *Request:
		c.fail(protocolViolation("client received a request for %q", p.Method))
	default:
		c.fail(protocolViolation("unexpected payload type %T", p))
	}
}

func (c *ClientConnection) complete(index uint64, resp *Response, err error) {
	pr, ok := c.requests[index]
	if !ok {
		c.logger.Debug("discarding response for unknown or retired request", zap.Uint64("index", index))
		return
	}
	c.retire(pr)
	if err != nil {
		c.observer.RequestFailed(pr.method, err)
	} else {
		now := c.loop.Now()
		var overdue time.Duration
		if !pr.due.IsZero() && now.After(pr.due) {
			overdue = now.Sub(pr.due)
		}
		c.observer.RequestCompleted(pr.method, now.Sub(pr.start), overdue)
	}
	pr.callback(resp, err)
	c.checkDrained()
}

func (c *ClientConnection) expire(index uint64) {
	pr, ok := c.requests[index]
	if !ok {
		return
	}
	delete(c.requests, index)
	c.observer.RequestExpired(pr.method)
	pr.callback(nil, ErrTimeout)
	c.checkDrained()
}

func (c *ClientConnection) retire(pr *pendingRequest) {
	delete(c.requests, pr.index)
	if pr.timer != nil {
		pr.timer.Cancel()
	}
}

func (c *ClientConnection) checkDrained() {
	if c.peerClosing && len(c.requests) == 0 {
		c.Shutdown()
	}
}

func (c *ClientConnection) OnSenderReady(acceptor Acceptor) {
	if c.closed {
		return
	}
	first := c.acceptor == nil
	c.acceptor = acceptor
	c.overloaded = false
	if !first {
		return
	}
	initial := c.initial
	c.initial = nil
	for _, env := range initial {
		acceptor(env)
	}
	if c.shutdownSent {
		c.transport.SendEndOfStream()
		return
	}
	if c.keepAlive > 0 {
		c.ping()
	}
}

func (c *ClientConnection) OnSenderSuspended() {
	c.overloaded = true
}

func (c *ClientConnection) OnReceiverEndOfStream() {
	c.logger.Info("peer finished sending", zap.Int("pending", len(c.requests)))
	c.doClose(nil)
}

func (c *ClientConnection) OnReceiverError(err error) {
	c.logger.Error("failed to receive from peer", zap.Error(err))
	c.fail(err)
}

func (c *ClientConnection) OnSenderError(err error) {
	c.logger.Error("failed to send to peer", zap.Error(err))
	c.fail(err)
}

func (c *ClientConnection) OnSerializationError(env Envelope, err error) {
	c.logger.Error("failed to serialize envelope", zap.Uint64("index", env.Index), zap.Error(err))
	if env.Index == ControlIndex {
		c.fail(fmt.Errorf("failed to serialize control message: %w", err))
		return
	}
	pr, ok := c.requests[env.Index]
	if !ok {
		return
	}
	c.retire(pr)
	serr := &SerializationError{Err: err}
	c.observer.RequestFailed(pr.method, serr)
	pr.callback(nil, serr)
	c.checkDrained()
}

func (c *ClientConnection) fail(err error) {
	if c.closed {
		return
	}
	c.observer.ProtocolError(c.addr, err)
	c.doClose(err)
}

func (c *ClientConnection) ping() {
	c.pongReceived = false
	c.send(Envelope{Index: ControlIndex, Payload: ControlPing})
	c.pingTask = c.loop.Delay(c.keepAlive, c.checkPong)
}

func (c *ClientConnection) checkPong() {
	c.pingTask = nil
	if c.closed || c.shutdownSent {
		return
	}
	if !c.pongReceived {
		c.logger.Warn("peer did not answer keep-alive ping", zap.Duration("interval", c.keepAlive))
		c.fail(ErrUnresponsive)
		return
	}
	c.ping()
}

// Shutdown starts a graceful close: the connection finishes its outbound
// side, so the peer sees end of stream once everything already sent has been
// written. Responses to outstanding requests are still delivered. Requests
// issued afterwards fail with a *ClosedError.
func (c *ClientConnection) Shutdown() {
	if c.closed || c.shutdownSent {
		return
	}
	c.shutdownSent = true
	if c.pingTask != nil {
		c.pingTask.Cancel()
		c.pingTask = nil
	}
	if c.acceptor != nil {
		c.transport.SendEndOfStream()
	}
}

// ForceShutdown closes the connection immediately. Every outstanding request
// fails with a *ClosedError.
func (c *ClientConnection) ForceShutdown() {
	c.doClose(nil)
}

func (c *ClientConnection) doClose(cause error) {
	if c.closed {
		return
	}
	c.closed = true
	c.cause = cause
	if c.pingTask != nil {
		c.pingTask.Cancel()
		c.pingTask = nil
	}
	c.transport.Close()
	c.notifyPool()

	pending := make([]*pendingRequest, 0, len(c.requests))
	for _, pr := range c.requests {
		pending = append(pending, pr)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].index < pending[j].index
	})
	for _, pr := range pending {
		c.retire(pr)
		err := &ClosedError{Cause: cause}
		c.observer.RequestFailed(pr.method, err)
		pr.callback(nil, err)
	}
	c.initial = nil
	c.acceptor = nil

	if cause != nil {
		c.logger.Info("connection closed", zap.Error(cause), zap.Int("failed", len(pending)))
	} else {
		c.logger.Info("connection closed", zap.Int("failed", len(pending)))
	}
	close(c.done)
}

func (c *ClientConnection) notifyPool() {
	if c.poolNotified || c.pool == nil {
		return
	}
	c.poolNotified = true
	c.pool.OnClosedConnection(c.addr)
}

// Address returns the address of the peer.
func (c *ClientConnection) Address() string {
	return c.addr
}

// Done returns a channel that is closed once the connection has closed and
// every outstanding request has been completed.
func (c *ClientConnection) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that caused the connection to close, or nil if it
// closed normally or is still open.
func (c *ClientConnection) Err() error {
	select {
	case <-c.done:
		return c.cause
	default:
		return nil
	}
}

// ActiveRequests returns the number of requests awaiting a response.
func (c *ClientConnection) ActiveRequests() int {
	return len(c.requests)
}

// IsClosed reports whether the connection has closed.
func (c *ClientConnection) IsClosed() bool {
	return c.closed
}

func (c *ClientConnection) String() string {
	return fmt.Sprintf("ClientConnection{addr=%s, id=%s}", c.addr, c.id)
}
