package rpcmux

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fullstorydev/grpchan"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrServerStopped is returned by Serve and ServeConn once the server has
// begun shutting down.
var ErrServerStopped = status.Error(codes.Unavailable, "server is stopped")

// Server accepts connections and serves requests on them using the services
// registered with it. It is a [grpc.ServiceRegistrar], so generated
// registration functions can be used with it. To add interceptors, wrap it
// with grpchan.WithInterceptor before registering services.
//
// Connections are spread across a fixed set of loops, chosen round-robin as
// connections arrive. A connection never moves to another loop.
//
// See NewServer.
type Server struct {
	handlers grpchan.HandlerMap
	opts     []Option
	logger   *zap.Logger
	loops    []*Loop
	next     atomic.Uint32

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*ServerConnection]struct{}
	stopping  bool
	stopped   bool
}

var _ grpc.ServiceRegistrar = (*Server)(nil)

// NewServer creates a server. The WithLoops option controls how many loops
// it uses; every other option is passed on to the streams and connections it
// creates.
func NewServer(opts ...Option) *Server {
	o := newOptions(opts)
	s := &Server{
		handlers:  grpchan.HandlerMap{},
		opts:      opts,
		logger:    o.logger,
		loops:     make([]*Loop, o.loops),
		listeners: map[net.Listener]struct{}{},
		conns:     map[*ServerConnection]struct{}{},
	}
	for i := range s.loops {
		s.loops[i] = NewLoop(opts...)
	}
	return s
}

// RegisterService registers a service and its implementation. It must be
// called before the server starts serving.
func (s *Server) RegisterService(desc *grpc.ServiceDesc, srv interface{}) {
	s.handlers.RegisterService(desc, srv)
}

// Serve accepts connections from lis until lis fails or the server is shut
// down. It returns nil if it stopped because of a shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		_ = lis.Close()
		return ErrServerStopped
	}
	s.listeners[lis] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, lis)
		s.mu.Unlock()
	}()

	s.logger.Info("serving", zap.Stringer("listen_addr", lis.Addr()))
	var delay time.Duration
	for {
		conn, err := lis.Accept()
		if err != nil {
			if s.isStopping() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else if delay *= 2; delay > time.Second {
					delay = time.Second
				}
				s.logger.Warn("failed to accept connection; retrying", zap.Error(err), zap.Duration("delay", delay))
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0
		if _, err := s.ServeConn(conn); err != nil {
			_ = conn.Close()
		}
	}
}

// ServeConn serves requests arriving over conn.
func (s *Server) ServeConn(conn net.Conn) (*ServerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrServerStopped
	}
	loop := s.loops[int(s.next.Add(1)-1)%len(s.loops)]
	stream := NewStream(loop, conn, s.opts...)
	sc := newServerConnection(loop, conn.RemoteAddr(), stream, s.handlers, s.remove, s.opts...)
	s.conns[sc] = struct{}{}
	if s.stopping {
		loop.Post(sc.Shutdown)
	}
	return sc, nil
}

func (s *Server) remove(sc *ServerConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, sc)
}

func (s *Server) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Connections returns the connections currently being served.
func (s *Server) Connections() []*ServerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*ServerConnection, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	return conns
}

// InitiateShutdown starts the graceful shutdown process and returns
// immediately. Every connection is sent a CLOSE message, telling the client
// to stop issuing requests on it, and connections that arrive later are sent
// one right away. Requests already in flight are still answered.
func (s *Server) InitiateShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}
	s.stopping = true
	for sc := range s.conns {
		sc.loop.Post(sc.Shutdown)
	}
}

// Shutdown stops accepting connections, initiates a graceful shutdown and
// waits for every connection to drain and close. If ctx ends first, the
// remaining connections are closed forcibly and ctx's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.InitiateShutdown()
	s.closeListeners()

	grp, grpCtx := errgroup.WithContext(ctx)
	for _, sc := range s.Connections() {
		sc := sc
		grp.Go(func() error {
			select {
			case <-sc.Done():
				return nil
			case <-grpCtx.Done():
				return grpCtx.Err()
			}
		})
	}
	err := grp.Wait()
	s.Stop()
	return err
}

// Stop closes all listeners and connections immediately.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.closeListeners()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	conns := make([]*ServerConnection, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	for _, sc := range conns {
		if sc.loop.Post(sc.Close) {
			<-sc.Done()
		}
	}
	for _, l := range s.loops {
		l.Close()
	}
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for lis := range s.listeners {
		_ = lis.Close()
	}
}
