package rpcmux

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jhump/rpcmux/internal"
)

// ErrClientClosed is returned by Client methods once the client has been
// shut down.
var ErrClientClosed = status.Error(codes.Unavailable, "client is closed")

// Client dials and keeps track of connections, one per address. All of its
// connections share a single loop. A connection is forgotten as soon as it
// stops being usable for new requests, so the next Dial to the same address
// creates a fresh one.
type Client struct {
	loop   *Loop
	opts   []Option
	logger *zap.Logger

	// loop-confined
	conns  map[string]*ClientConnection
	closed bool
}

var _ ConnectionPool = (*Client)(nil)

// NewClient creates a client. The options are used for the client's loop and
// for every stream and connection it creates.
func NewClient(opts ...Option) *Client {
	o := newOptions(opts)
	return &Client{
		loop:   NewLoop(opts...),
		opts:   opts,
		logger: o.logger,
		conns:  map[string]*ClientConnection{},
	}
}

// Loop returns the loop shared by the client's connections.
func (c *Client) Loop() *Loop {
	return c.loop
}

// Dial returns the connection to addr, establishing one if there is no usable
// connection yet.
func (c *Client) Dial(ctx context.Context, addr string) (*ClientConnection, error) {
	if cc, err := c.Connection(ctx, addr); err != nil || cc != nil {
		return cc, err
	}
	conn, err := internal.DialTCP(ctx, addr)
	if err != nil {
		return nil, err
	}
	var cc *ClientConnection
	var created bool
	err = c.loop.Call(context.Background(), func() {
		if c.closed {
			return
		}
		if existing := c.conns[addr]; existing != nil {
			// lost a race with a concurrent Dial
			cc = existing
			return
		}
		stream := NewStream(c.loop, conn, c.opts...)
		cc = NewClientConnection(c.loop, addr, stream, c, c.opts...)
		c.conns[addr] = cc
		created = true
		c.logger.Debug("connected", zap.String("addr", addr))
	})
	if !created {
		_ = conn.Close()
	}
	if err != nil {
		return nil, err
	}
	if cc == nil {
		return nil, ErrClientClosed
	}
	return cc, nil
}

// Connection returns the current connection to addr, or nil if there is none.
func (c *Client) Connection(ctx context.Context, addr string) (*ClientConnection, error) {
	var cc *ClientConnection
	var closed bool
	err := c.loop.Call(ctx, func() {
		closed = c.closed
		cc = c.conns[addr]
	})
	if err != nil {
		return nil, err
	}
	if closed {
		return nil, ErrClientClosed
	}
	return cc, nil
}

// OnClosedConnection is called by the client's connections. The address is
// forgotten on the client's loop, but only if the connection mapped to it is
// the one that is going away.
func (c *Client) OnClosedConnection(addr string) {
	c.loop.Post(func() {
		if cc := c.conns[addr]; cc != nil && cc.poolNotified {
			delete(c.conns, addr)
			c.logger.Debug("forgetting connection", zap.String("addr", addr))
		}
	})
}

// Shutdown gracefully shuts down every connection, waiting for outstanding
// requests to complete. If ctx ends first, the remaining connections are
// closed forcibly. The client cannot be used afterwards.
func (c *Client) Shutdown(ctx context.Context) error {
	var conns []*ClientConnection
	if err := c.loop.Call(ctx, func() {
		c.closed = true
		for _, cc := range c.conns {
			conns = append(conns, cc)
			cc.Shutdown()
		}
	}); err != nil {
		c.Close()
		return err
	}
	var err error
	for _, cc := range conns {
		select {
		case <-cc.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
	}
	c.Close()
	return err
}

// Close closes every connection immediately and stops the client's loop.
func (c *Client) Close() {
	_ = c.loop.Call(context.Background(), func() {
		c.closed = true
		for _, cc := range c.conns {
			cc.ForceShutdown()
		}
		c.conns = map[string]*ClientConnection{}
	})
	c.loop.Close()
}
