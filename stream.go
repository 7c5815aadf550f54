package rpcmux

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	frameHeaderSize = 4
	// read buffers that grew beyond this are not kept for the next frame
	maxRetainedBuffer = 1 << 20
)

// Acceptor queues an envelope for sending. Acceptors are handed to a
// StreamListener along with each readiness signal and must only be called
// from the stream's loop.
type Acceptor func(Envelope)

// StreamListener consumes the events of a Transport. All methods are called
// on the transport's loop.
type StreamListener interface {
	// Accept delivers a received envelope. Envelopes are delivered in the
	// order they were received.
	Accept(env Envelope)
	// OnReceiverEndOfStream is called when the peer has finished sending.
	OnReceiverEndOfStream()
	// OnReceiverError is called when the inbound side fails. No more
	// envelopes will be delivered.
	OnReceiverError(err error)
	// OnSenderError is called when the outbound side fails. Nothing more
	// will be sent.
	OnSenderError(err error)
	// OnSerializationError is called when env could not be encoded. It was
	// not sent, but the stream remains usable.
	OnSerializationError(env Envelope, err error)
	// OnSenderReady is called when envelopes may be sent through the given
	// acceptor: once initially, and again each time the outbound side
	// recovers from being suspended.
	OnSenderReady(acceptor Acceptor)
	// OnSenderSuspended is called when the outbound queue has reached its
	// high watermark. Sending is still possible, but callers should hold off
	// on optional work until the next OnSenderReady.
	OnSenderSuspended()
}

// Transport is the envelope-level view of a connection that client and
// server connections are built on. Stream is the standard implementation.
type Transport interface {
	// SetListener installs the listener and starts the transport. It must be
	// called exactly once.
	SetListener(listener StreamListener)
	// SendEndOfStream finishes the outbound side once everything already
	// queued has been written.
	SendEndOfStream()
	ReceiverSuspend()
	ReceiverResume()
	// Close releases the transport immediately. Queued envelopes are
	// dropped and no more error callbacks are made.
	Close()
}

// Stream is a Transport over an ordered byte stream, such as a TCP
// connection. Each envelope travels as one frame: a four byte big-endian
// length followed by that many bytes of encoded envelope. A zero length
// marks the end of the stream.
type Stream struct {
	loop    *Loop
	conn    io.ReadWriteCloser
	codec   Codec
	format  FrameFormat
	maxSize int
	logger  *zap.Logger

	queue *sendQueue
	gate  *recvGate

	listener StreamListener

	mu      sync.Mutex
	started bool

	closed    atomic.Bool
	halves    atomic.Int32
	closeConn sync.Once
	done      chan struct{}
}

var _ Transport = (*Stream)(nil)

// NewStream creates a stream over conn whose events are delivered on loop.
// The WithCodec, WithFrameFormat, WithMaxMessageSize, WithSendWatermarks and
// WithLogger options are honored. Nothing is read or written until
// SetListener is called.
func NewStream(loop *Loop, conn io.ReadWriteCloser, opts ...Option) *Stream {
	o := newOptions(opts)
	s := &Stream{
		loop:    loop,
		conn:    conn,
		codec:   o.codec,
		format:  o.frameFormat,
		maxSize: o.maxMessageSize,
		logger:  o.logger,
		queue:   newSendQueue(o.lowWatermark, o.highWatermark),
		gate:    newRecvGate(),
		done:    make(chan struct{}),
	}
	s.halves.Store(2)
	return s
}

func (s *Stream) SetListener(listener StreamListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("rpcmux: SetListener called more than once")
	}
	s.started = true
	s.listener = listener
	if s.closed.Load() {
		return
	}
	go s.readLoop()
	go s.writeLoop()
	s.loop.Post(s.notifyReady)
}

func (s *Stream) SendEndOfStream() {
	s.queue.endOfStream()
}

func (s *Stream) ReceiverSuspend() {
	s.gate.suspend()
}

func (s *Stream) ReceiverResume() {
	s.gate.resume()
}

func (s *Stream) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.queue.close()
	s.gate.close()
	s.release()
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		close(s.done)
	}
}

// Done returns a channel that is closed once the underlying connection has
// been released and the stream's goroutines have exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) release() {
	s.closeConn.Do(func() {
		_ = s.conn.Close()
	})
}

func (s *Stream) halfDone() {
	if s.halves.Add(-1) == 0 {
		s.release()
		close(s.done)
	}
}

func (s *Stream) accept(env Envelope) {
	suspend, ok := s.queue.push(env)
	if !ok {
		s.logger.Debug("dropping envelope queued after stream finished", zap.Uint64("index", env.Index))
		return
	}
	if suspend {
		s.listener.OnSenderSuspended()
	}
}

func (s *Stream) notifyReady() {
	if s.closed.Load() || s.queue.isSuspended() {
		return
	}
	s.listener.OnSenderReady(s.accept)
}

// post runs fn on the loop unless the stream has been closed by then.
func (s *Stream) post(fn func()) {
	s.loop.Post(func() {
		if s.closed.Load() {
			return
		}
		fn()
	})
}

func (s *Stream) writeLoop() {
	defer s.halfDone()
	w := bufio.NewWriter(s.conn)
	enc := frameEncoder{codec: s.codec, format: s.format, maxSize: s.maxSize}
	for {
		batch, eos, ok := s.queue.dequeue()
		if !ok {
			return
		}
		if eos {
			var marker [frameHeaderSize]byte
			if _, err := w.Write(marker[:]); err != nil {
				s.failSender(err)
				return
			}
			if err := w.Flush(); err != nil {
				s.failSender(err)
				return
			}
			if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
				if err := cw.CloseWrite(); err != nil {
					s.logger.Debug("failed to half-close connection", zap.Error(err))
				}
			}
			return
		}
		for _, env := range batch {
			env := env
			frame, err := enc.encode(env)
			if err != nil {
				s.post(func() {
					s.listener.OnSerializationError(env, err)
				})
				continue
			}
			if _, err := w.Write(frame); err != nil {
				s.failSender(err)
				return
			}
		}
		if err := w.Flush(); err != nil {
			s.failSender(err)
			return
		}
		if s.queue.done(len(batch)) {
			s.loop.Post(s.notifyReady)
		}
	}
}

// frameEncoder turns envelopes into complete frames, header included. It
// reuses its buffers, so a frame is only valid until the next call.
type frameEncoder struct {
	codec   Codec
	format  FrameFormat
	maxSize int

	buf, fmtBuf []byte
}

func (e *frameEncoder) encode(env Envelope) ([]byte, error) {
	var header [frameHeaderSize]byte
	frame, err := e.codec.Encode(append(e.buf[:0], header[:]...), env)
	if err != nil {
		return nil, err
	}
	e.buf = frame
	if e.format != nil {
		frame, err = e.format.Encode(append(e.fmtBuf[:0], header[:]...), frame[frameHeaderSize:])
		if err != nil {
			return nil, err
		}
		e.fmtBuf = frame
	}
	size := len(frame) - frameHeaderSize
	if size == 0 {
		return nil, errors.New("envelope encoded to an empty frame")
	}
	if size > e.maxSize {
		return nil, status.Errorf(codes.ResourceExhausted, "message is too large: %d bytes > maximum %d bytes", size, e.maxSize)
	}
	binary.BigEndian.PutUint32(frame, uint32(size))
	return frame, nil
}

func (s *Stream) failSender(err error) {
	s.queue.close()
	s.post(func() {
		s.listener.OnSenderError(err)
	})
}

func (s *Stream) readLoop() {
	defer s.halfDone()
	r := bufio.NewReader(s.conn)
	var header [frameHeaderSize]byte
	var buf, plain []byte
	for {
		if !s.gate.wait() {
			return
		}
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if err == io.EOF {
				s.post(s.listener.OnReceiverEndOfStream)
			} else {
				s.failReceiver(err)
			}
			return
		}
		size := binary.BigEndian.Uint32(header[:])
		if size == 0 {
			s.post(s.listener.OnReceiverEndOfStream)
			return
		}
		if uint64(size) > uint64(s.maxSize) {
			s.failReceiver(status.Errorf(codes.ResourceExhausted, "received message is too large: %d bytes > maximum %d bytes", size, s.maxSize))
			return
		}
		if cap(buf) < int(size) {
			buf = make([]byte, size)
		}
		buf = buf[:size]
		if _, err := io.ReadFull(r, buf); err != nil {
			s.failReceiver(err)
			return
		}
		data := buf
		if s.format != nil {
			var err error
			plain, err = s.format.Decode(plain[:0], buf)
			if err != nil {
				s.failReceiver(err)
				return
			}
			data = plain
		}
		env, err := s.codec.Decode(data)
		if err != nil {
			s.failReceiver(fmt.Errorf("failed to decode envelope: %w", err))
			return
		}
		s.post(func() {
			s.listener.Accept(env)
		})
		if cap(buf) > maxRetainedBuffer {
			buf = nil
		}
		if cap(plain) > maxRetainedBuffer {
			plain = nil
		}
	}
}

func (s *Stream) failReceiver(err error) {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = fmt.Errorf("connection ended mid-frame: %w", err)
	}
	s.post(func() {
		s.listener.OnReceiverError(err)
	})
}
