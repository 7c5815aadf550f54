package rpcmux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fullstorydev/grpchan"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

type inflightRequest struct {
	method string
	start  time.Time
	cancel context.CancelFunc
}

// ServerConnection serves requests that arrive over a Transport, using the
// unary handlers in a grpchan.HandlerMap. Handlers run on their own
// goroutines; everything else happens on the connection's loop.
//
// Request headers are available to handlers as incoming metadata. Headers
// and trailers set by handlers are not sent back to the client.
type ServerConnection struct {
	loop      *Loop
	peerAddr  net.Addr
	id        string
	transport Transport
	handlers  grpchan.HandlerMap
	logger    *zap.Logger
	observer  Observer
	onClose   func(*ServerConnection)

	ctx    context.Context
	cancel context.CancelFunc

	lastIndex    uint64
	inflight     map[uint64]*inflightRequest
	acceptor     Acceptor
	initial      []Envelope
	closeSent    bool
	peerFinished bool
	eosSent      bool
	closed       bool

	cause error
	done  chan struct{}
}

var _ StreamListener = (*ServerConnection)(nil)

// NewServerConnection creates a connection that serves requests arriving over
// t from the peer at peerAddr, and installs itself as t's listener. The
// WithLogger and WithObserver options are honored.
func NewServerConnection(loop *Loop, peerAddr net.Addr, t Transport, handlers grpchan.HandlerMap, opts ...Option) *ServerConnection {
	return newServerConnection(loop, peerAddr, t, handlers, nil, opts...)
}

func newServerConnection(loop *Loop, peerAddr net.Addr, t Transport, handlers grpchan.HandlerMap, onClose func(*ServerConnection), opts ...Option) *ServerConnection {
	o := newOptions(opts)
	if peerAddr == nil {
		peerAddr = unknownAddr{}
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	c := &ServerConnection{
		loop:      loop,
		peerAddr:  peerAddr,
		id:        id,
		transport: t,
		handlers:  handlers,
		logger:    o.logger.With(zap.Stringer("addr", peerAddr), zap.String("conn", id)),
		observer:  o.observer,
		onClose:   onClose,
		ctx:       ctx,
		cancel:    cancel,
		inflight:  map[uint64]*inflightRequest{},
		done:      make(chan struct{}),
	}
	t.SetListener(c)
	return c
}

// Accept handles an envelope received from the client.
func (c *ServerConnection) Accept(env Envelope) {
	if c.closed {
		return
	}
	switch p := env.Payload.(type) {
	case *Request:
		c.dispatch(env.Index, p)
	case ControlMessage:
		if p != ControlPing {
			c.fail(protocolViolation("unexpected control message %v", p))
			return
		}
		c.send(Envelope{Index: ControlIndex, Payload: ControlPong})
	default:
		c.fail(protocolViolation("server received unexpected payload type %T", p))
	}
}

func (c *ServerConnection) dispatch(index uint64, req *Request) {
	if index == ControlIndex {
		c.fail(protocolViolation("request for %q uses the control index", req.Method))
		return
	}
	if index <= c.lastIndex {
		c.fail(protocolViolation("request index %d has already been used", index))
		return
	}
	c.lastIndex = index

	methodName := strings.TrimPrefix(req.Method, "/")
	parts := strings.SplitN(methodName, "/", 2)
	if len(parts) != 2 {
		c.reply(index, nil, status.Errorf(codes.InvalidArgument, "%s is not a well-formed method name", req.Method))
		return
	}
	var md interface{}
	sd, svc := c.handlers.QueryService(parts[0])
	if sd != nil {
		md = findMethod(sd, parts[1])
	}
	methodDesc, ok := md.(*grpc.MethodDesc)
	if !ok {
		if md != nil {
			c.reply(index, nil, status.Errorf(codes.Unimplemented, "%s is a streaming method, which is not supported", methodName))
		} else {
			c.reply(index, nil, status.Errorf(codes.Unimplemented, "%s not implemented", methodName))
		}
		return
	}

	hdrs := req.Header
	if hdrs == nil {
		hdrs = metadata.MD{}
	}
	ctx := metadata.NewIncomingContext(c.ctx, hdrs)
	ctx = peer.NewContext(ctx, &peer.Peer{Addr: c.peerAddr})
	ctx = context.WithValue(ctx, serverConnectionContextKey{}, c)
	ctx = grpc.NewContextWithServerTransportStream(ctx, serverTransportStream(req.Method))
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	c.inflight[index] = &inflightRequest{
		method: req.Method,
		start:  c.loop.Now(),
		cancel: cancel,
	}
	c.observer.RequestStarted(req.Method)
	go c.serve(ctx, index, methodDesc, svc, req.Body)
}

func findMethod(sd *grpc.ServiceDesc, method string) interface{} {
	for i, md := range sd.Methods {
		if md.MethodName == method {
			return &sd.Methods[i]
		}
	}
	for i, md := range sd.Streams {
		if md.StreamName == method {
			return &sd.Streams[i]
		}
	}
	return nil
}

func (c *ServerConnection) serve(ctx context.Context, index uint64, md *grpc.MethodDesc, srv interface{}, body *anypb.Any) {
	var resp interface{}
	var err error
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("handler panicked", zap.String("method", md.MethodName), zap.String("panic", fmt.Sprint(p)), zap.Stack("stack"))
			resp, err = nil, status.Errorf(codes.Internal, "panic: %v", p)
		}
		c.loop.Post(func() {
			c.finish(index, resp, err)
		})
	}()

	dec := func(m interface{}) error {
		msg, ok := m.(proto.Message)
		if !ok {
			return status.Errorf(codes.Internal, "request type %T is not a protobuf message", m)
		}
		if body == nil {
			return status.Errorf(codes.InvalidArgument, "request has no body")
		}
		if err := body.UnmarshalTo(msg); err != nil {
			return status.Errorf(codes.InvalidArgument, "failed to unmarshal request: %v", err)
		}
		return nil
	}
	resp, err = md.Handler(srv, ctx, dec, nil)
}

func (c *ServerConnection) finish(index uint64, resp interface{}, err error) {
	req, ok := c.inflight[index]
	if !ok {
		return
	}
	delete(c.inflight, index)
	req.cancel()
	c.reply(index, resp, err)
	if err != nil {
		c.observer.RequestFailed(req.method, err)
	} else {
		c.observer.RequestCompleted(req.method, c.loop.Now().Sub(req.start), 0)
	}
	c.checkFinished()
}

func (c *ServerConnection) reply(index uint64, resp interface{}, err error) {
	if err == nil {
		msg, ok := resp.(proto.Message)
		if !ok {
			err = status.Errorf(codes.Internal, "response type %T is not a protobuf message", resp)
		} else if body, aerr := anypb.New(msg); aerr != nil {
			err = status.Errorf(codes.Internal, "failed to marshal response: %v", aerr)
		} else {
			c.send(Envelope{Index: index, Payload: &Response{Body: body}})
			return
		}
	}
	c.send(Envelope{Index: index, Payload: NewRemoteError(toStatus(err))})
}

func toStatus(err error) *status.Status {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if _, ok := status.FromError(err); !ok {
			return status.FromContextError(err)
		}
	}
	st, _ := status.FromError(err)
	return st
}

func (c *ServerConnection) send(env Envelope) {
	if c.acceptor == nil {
		c.initial = append(c.initial, env)
		return
	}
	c.acceptor(env)
}

// checkFinished ends the outbound side once the client has finished sending
// and every request it sent has been answered.
func (c *ServerConnection) checkFinished() {
	if !c.peerFinished || len(c.inflight) > 0 || c.eosSent || c.closed {
		return
	}
	if c.acceptor == nil {
		return
	}
	c.eosSent = true
	c.transport.SendEndOfStream()
	if d, ok := c.transport.(interface{ Done() <-chan struct{} }); ok {
		go func() {
			<-d.Done()
			c.loop.Post(func() {
				c.doClose(nil)
			})
		}()
		return
	}
	c.doClose(nil)
}

func (c *ServerConnection) OnSenderReady(acceptor Acceptor) {
	if c.closed {
		return
	}
	first := c.acceptor == nil
	c.acceptor = acceptor
	c.transport.ReceiverResume()
	if !first {
		return
	}
	initial := c.initial
	c.initial = nil
	for _, env := range initial {
		acceptor(env)
	}
	c.checkFinished()
}

func (c *ServerConnection) OnSenderSuspended() {
	c.logger.Debug("responses are backing up; pausing requests")
	c.transport.ReceiverSuspend()
}

func (c *ServerConnection) OnReceiverEndOfStream() {
	c.logger.Info("client finished sending", zap.Int("inflight", len(c.inflight)))
	c.peerFinished = true
	c.checkFinished()
}

func (c *ServerConnection) OnReceiverError(err error) {
	c.logger.Error("failed to receive from client", zap.Error(err))
	c.fail(err)
}

func (c *ServerConnection) OnSenderError(err error) {
	c.logger.Error("failed to send to client", zap.Error(err))
	c.fail(err)
}

func (c *ServerConnection) OnSerializationError(env Envelope, err error) {
	c.logger.Error("failed to serialize envelope", zap.Uint64("index", env.Index), zap.Error(err))
	switch p := env.Payload.(type) {
	case *Response:
		st := status.Newf(codes.Internal, "failed to serialize response: %v", err)
		c.send(Envelope{Index: env.Index, Payload: NewRemoteError(st)})
	case *RemoteError:
		if isSerializationFallback(p) {
			c.fail(fmt.Errorf("failed to serialize error for request %d: %w", env.Index, err))
			return
		}
		c.send(Envelope{Index: env.Index, Payload: NewRemoteError(status.New(codes.Internal, serializationFallbackMessage))})
	default:
		c.fail(fmt.Errorf("failed to serialize control message: %w", err))
	}
}

const serializationFallbackMessage = "failed to serialize error"

// isSerializationFallback reports whether rerr is the error sent in place of
// one that could not be serialized.
func isSerializationFallback(rerr *RemoteError) bool {
	st := rerr.GRPCStatus()
	return st.Code() == codes.Internal && st.Message() == serializationFallbackMessage && len(st.Details()) == 0
}

func (c *ServerConnection) fail(err error) {
	if c.closed {
		return
	}
	c.observer.ProtocolError(c.peerAddr.String(), err)
	c.doClose(err)
}

// Shutdown asks the client to stop sending requests by sending it a CLOSE
// message. The connection keeps serving until the client finishes its side
// of the stream and every outstanding request has been answered.
func (c *ServerConnection) Shutdown() {
	if c.closed || c.closeSent {
		return
	}
	c.closeSent = true
	c.logger.Info("asking client to close the connection", zap.Int("inflight", len(c.inflight)))
	c.send(Envelope{Index: ControlIndex, Payload: ControlClose})
}

// Close closes the connection immediately. Contexts of running handlers are
// cancelled and their results are dropped.
func (c *ServerConnection) Close() {
	c.doClose(nil)
}

func (c *ServerConnection) doClose(cause error) {
	if c.closed {
		return
	}
	c.closed = true
	c.cause = cause
	c.cancel()
	c.transport.Close()
	if len(c.inflight) > 0 {
		c.logger.Info("connection closed with requests still running", zap.Int("inflight", len(c.inflight)))
	}
	c.inflight = map[uint64]*inflightRequest{}
	c.initial = nil
	c.acceptor = nil
	if c.onClose != nil {
		c.onClose(c)
	}
	close(c.done)
}

// PeerAddr returns the address of the client.
func (c *ServerConnection) PeerAddr() net.Addr {
	return c.peerAddr
}

// Done returns a channel that is closed once the connection has closed.
func (c *ServerConnection) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that caused the connection to close, or nil if it
// closed normally or is still open.
func (c *ServerConnection) Err() error {
	select {
	case <-c.done:
		return c.cause
	default:
		return nil
	}
}

// ActiveRequests returns the number of requests being handled. It must be
// called on the connection's loop.
func (c *ServerConnection) ActiveRequests() int {
	return len(c.inflight)
}

func (c *ServerConnection) String() string {
	return fmt.Sprintf("ServerConnection{addr=%s, id=%s}", c.peerAddr, c.id)
}

type unknownAddr struct{}

func (unknownAddr) Network() string { return "unknown" }
func (unknownAddr) String() string  { return "<unknown>" }

// serverTransportStream lets handlers call grpc.Method. Headers and trailers
// are accepted and discarded.
type serverTransportStream string

func (s serverTransportStream) Method() string {
	return string(s)
}

func (serverTransportStream) SetHeader(metadata.MD) error {
	return nil
}

func (serverTransportStream) SendHeader(metadata.MD) error {
	return nil
}

func (serverTransportStream) SetTrailer(metadata.MD) error {
	return nil
}
