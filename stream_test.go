package rpcmux

import (
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type streamEvent struct {
	kind string
	env  Envelope
	err  error
}

// recordingListener reports every callback it gets on a channel.
type recordingListener struct {
	events   chan streamEvent
	acceptor Acceptor // loop-confined
}

func newRecordingListener() *recordingListener {
	return &recordingListener{events: make(chan streamEvent, 1000)}
}

func (l *recordingListener) Accept(env Envelope) {
	l.events <- streamEvent{kind: "accept", env: env}
}

func (l *recordingListener) OnReceiverEndOfStream() {
	l.events <- streamEvent{kind: "eos"}
}

func (l *recordingListener) OnReceiverError(err error) {
	l.events <- streamEvent{kind: "receiver-error", err: err}
}

func (l *recordingListener) OnSenderError(err error) {
	l.events <- streamEvent{kind: "sender-error", err: err}
}

func (l *recordingListener) OnSerializationError(env Envelope, err error) {
	l.events <- streamEvent{kind: "serialization-error", env: env, err: err}
}

func (l *recordingListener) OnSenderReady(acceptor Acceptor) {
	l.acceptor = acceptor
	l.events <- streamEvent{kind: "ready"}
}

func (l *recordingListener) OnSenderSuspended() {
	l.events <- streamEvent{kind: "suspended"}
}

func (l *recordingListener) next(t *testing.T) streamEvent {
	t.Helper()
	select {
	case ev := <-l.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream event")
		return streamEvent{}
	}
}

func (l *recordingListener) expect(t *testing.T, kind string) streamEvent {
	t.Helper()
	ev := l.next(t)
	require.Equal(t, kind, ev.kind, "unexpected event: %+v", ev)
	return ev
}

func (l *recordingListener) send(t *testing.T, loop *Loop, envs ...Envelope) {
	t.Helper()
	onLoop(t, loop, func() {
		for _, env := range envs {
			l.acceptor(env)
		}
	})
}

func startStream(t *testing.T, loop *Loop, conn net.Conn, opts ...Option) (*Stream, *recordingListener) {
	t.Helper()
	s := NewStream(loop, conn, opts...)
	l := newRecordingListener()
	s.SetListener(l)
	t.Cleanup(s.Close)
	l.expect(t, "ready")
	return s, l
}

func newLoop(t *testing.T) *Loop {
	t.Helper()
	loop := NewLoop()
	t.Cleanup(loop.Close)
	return loop
}

func writeRawFrame(t *testing.T, w io.Writer, payload []byte) {
	t.Helper()
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	_, err := w.Write(append(header[:], payload...))
	require.NoError(t, err)
}

func TestStream_RoundTrip(t *testing.T) {
	zstdFormat, err := ZstdFrames()
	require.NoError(t, err)
	formats := map[string]FrameFormat{
		"none":   nil,
		"snappy": SnappyFrames(),
		"zstd":   zstdFormat,
	}
	for name, format := range formats {
		t.Run(name, func(t *testing.T) {
			loop := newLoop(t)
			c1, c2 := net.Pipe()
			a, aEvents := startStream(t, loop, c1, WithFrameFormat(format))
			_, bEvents := startStream(t, loop, c2, WithFrameFormat(format))

			body := mustAny(t, wrapperspb.String(strings.Repeat("abc", 1000)))
			var sent []Envelope
			for i := uint64(1); i <= 20; i++ {
				sent = append(sent, Envelope{Index: i, Payload: &Request{Method: "/a.B/C", Body: body}})
			}
			sent = append(sent, Envelope{Index: ControlIndex, Payload: ControlPing})
			aEvents.send(t, loop, sent...)

			for _, want := range sent {
				ev := bEvents.expect(t, "accept")
				assert.Equal(t, want.Index, ev.env.Index)
				if req, ok := want.Payload.(*Request); ok {
					got, ok := ev.env.Payload.(*Request)
					require.True(t, ok)
					assert.Equal(t, req.Method, got.Method)
				} else {
					assert.Equal(t, want.Payload, ev.env.Payload)
				}
			}

			a.SendEndOfStream()
			bEvents.expect(t, "eos")
		})
	}
}

func TestStream_EndOfStreamWritesMarker(t *testing.T) {
	loop := newLoop(t)
	c1, c2 := net.Pipe()
	s, l := startStream(t, loop, c1)
	l.send(t, loop, Envelope{Index: ControlIndex, Payload: ControlPong})
	s.SendEndOfStream()

	var header [frameHeaderSize]byte
	_, err := io.ReadFull(c2, header[:])
	require.NoError(t, err)
	size := binary.BigEndian.Uint32(header[:])
	require.NotZero(t, size)
	_, err = io.ReadFull(c2, make([]byte, size))
	require.NoError(t, err)
	_, err = io.ReadFull(c2, header[:])
	require.NoError(t, err)
	assert.Zero(t, binary.BigEndian.Uint32(header[:]))

	// envelopes offered after the end of the stream are dropped
	l.send(t, loop, Envelope{Index: ControlIndex, Payload: ControlPong})
	// a peer closing without a marker is also a clean end of stream
	require.NoError(t, c2.Close())
	l.expect(t, "eos")
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
	}
}

func TestStream_Backpressure(t *testing.T) {
	loop := newLoop(t)
	c1, c2 := net.Pipe()
	_, l := startStream(t, loop, c1, WithSendWatermarks(1, 3))

	// nobody reads c2 yet, so writes pile up
	l.send(t, loop,
		Envelope{Index: 1, Payload: &Request{Method: "/a.B/C"}},
		Envelope{Index: 2, Payload: &Request{Method: "/a.B/C"}},
		Envelope{Index: 3, Payload: &Request{Method: "/a.B/C"}},
	)
	l.expect(t, "suspended")

	// still accepted while suspended
	l.send(t, loop, Envelope{Index: 4, Payload: &Request{Method: "/a.B/C"}})

	codec := ProtoCodec()
	var header [frameHeaderSize]byte
	for i := uint64(1); i <= 4; i++ {
		_, err := io.ReadFull(c2, header[:])
		require.NoError(t, err)
		buf := make([]byte, binary.BigEndian.Uint32(header[:]))
		_, err = io.ReadFull(c2, buf)
		require.NoError(t, err)
		env, err := codec.Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, i, env.Index)
	}
	l.expect(t, "ready")
}

func TestStream_OversizedEnvelopeFailsAlone(t *testing.T) {
	loop := newLoop(t)
	c1, c2 := net.Pipe()
	_, aEvents := startStream(t, loop, c1, WithMaxMessageSize(1024))
	_, bEvents := startStream(t, loop, c2, WithMaxMessageSize(1024))

	big := &Request{Method: "/a.B/C", Body: mustAny(t, wrapperspb.String(strings.Repeat("x", 2048)))}
	aEvents.send(t, loop,
		Envelope{Index: 1, Payload: big},
		Envelope{Index: 2, Payload: &Request{Method: "/a.B/C"}},
	)
	ev := aEvents.expect(t, "serialization-error")
	assert.Equal(t, uint64(1), ev.env.Index)
	assert.Equal(t, codes.ResourceExhausted, status.Code(ev.err))

	ev = bEvents.expect(t, "accept")
	assert.Equal(t, uint64(2), ev.env.Index)
}

func TestStream_ReceiveErrors(t *testing.T) {
	testCases := map[string]struct {
		write func(t *testing.T, w net.Conn)
		check func(t *testing.T, err error)
	}{
		"garbage": {
			write: func(t *testing.T, w net.Conn) {
				writeRawFrame(t, w, []byte{0xff, 0xff, 0xff})
			},
		},
		"too large": {
			write: func(t *testing.T, w net.Conn) {
				var header [frameHeaderSize]byte
				binary.BigEndian.PutUint32(header[:], 1<<20)
				_, err := w.Write(header[:])
				require.NoError(t, err)
			},
			check: func(t *testing.T, err error) {
				assert.Equal(t, codes.ResourceExhausted, status.Code(err))
			},
		},
		"truncated": {
			write: func(t *testing.T, w net.Conn) {
				var header [frameHeaderSize]byte
				binary.BigEndian.PutUint32(header[:], 100)
				_, err := w.Write(append(header[:], 1, 2, 3))
				require.NoError(t, err)
				require.NoError(t, w.Close())
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
			},
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			loop := newLoop(t)
			c1, c2 := net.Pipe()
			_, l := startStream(t, loop, c1, WithMaxMessageSize(1024))
			tc.write(t, c2)
			ev := l.expect(t, "receiver-error")
			if tc.check != nil {
				tc.check(t, ev.err)
			}
			_ = c2.Close()
		})
	}
}

func TestStream_ReceiverSuspend(t *testing.T) {
	loop := newLoop(t)
	c1, c2 := net.Pipe()
	s, l := startStream(t, loop, c1)

	codec := ProtoCodec()
	frame, err := codec.Encode(nil, Envelope{Index: ControlIndex, Payload: ControlPing})
	require.NoError(t, err)
	writeRawFrame(t, c2, frame)
	l.expect(t, "accept")

	s.ReceiverSuspend()
	var frames []byte
	for i := 0; i < 3; i++ {
		var header [frameHeaderSize]byte
		binary.BigEndian.PutUint32(header[:], uint32(len(frame)))
		frames = append(frames, header[:]...)
		frames = append(frames, frame...)
	}
	written := make(chan error, 1)
	go func() {
		_, err := c2.Write(frames)
		written <- err
	}()

	// the reader may already have been past the gate when it was suspended,
	// so at most one more frame gets through
	accepted := 0
	timeout := time.After(100 * time.Millisecond)
wait:
	for {
		select {
		case ev := <-l.events:
			require.Equal(t, "accept", ev.kind)
			accepted++
		case <-timeout:
			break wait
		}
	}
	assert.LessOrEqual(t, accepted, 1)

	s.ReceiverResume()
	for ; accepted < 3; accepted++ {
		l.expect(t, "accept")
	}
	require.NoError(t, <-written)
}

func TestStream_CloseSuppressesCallbacks(t *testing.T) {
	loop := newLoop(t)
	c1, c2 := net.Pipe()
	s, l := startStream(t, loop, c1)
	s.Close()
	s.Close()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
	}
	_, err := c2.Write([]byte{0})
	assert.Error(t, err)
	onLoop(t, loop, func() {})
	select {
	case ev := <-l.events:
		t.Fatalf("unexpected event after close: %+v", ev)
	default:
	}
}

func TestStream_CloseBeforeStart(t *testing.T) {
	loop := newLoop(t)
	c1, _ := net.Pipe()
	s := NewStream(loop, c1)
	s.Close()
	select {
	case <-s.Done():
	default:
		t.Fatal("unstarted stream should be done once closed")
	}
}
