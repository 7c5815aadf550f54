package internal

import (
	"context"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	initialRetryDelay = 10 * time.Millisecond
	maxRetryDelay     = time.Second
)

// DialTCP dials the given address, with TCP keepalives enabled. It keeps
// retrying, with backoff, while dial errors look temporary. If the given
// context finishes first, it returns the most recent error returned by the
// underlying dial operations, or the context error if there was none.
func DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{
		// Setting a negative value here prevents the Go stdlib from overriding
		// the values of TCP keepalive time and interval. Keepalives are turned
		// on in Control below, so the OS defaults apply.
		KeepAlive: time.Duration(-1),
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
			})
		},
	}
	delay := initialRetryDelay
	var dialErr error
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			if dialErr != nil {
				return nil, dialErr
			}
			return nil, err
		}
		if !isTemporary(err) {
			return nil, err
		}
		dialErr = err
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, dialErr
		case <-timer.C:
		}
		if delay *= 2; delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

// copied from grpc-go
func isTemporary(err error) bool {
	switch err := err.(type) {
	case interface {
		Temporary() bool
	}:
		return err.Temporary()
	case interface {
		Timeout() bool
	}:
		// Timeouts may be resolved upon retry, and are thus treated as
		// temporary.
		return err.Timeout()
	}
	return true
}
