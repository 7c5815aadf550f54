package rpcmux

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	// DefaultMaxMessageSize is the largest encoded envelope a stream will
	// send or accept unless configured otherwise.
	DefaultMaxMessageSize = 64 << 20

	defaultLowWatermark  = 256
	defaultHighWatermark = 1024
)

// Option configures loops, streams, connections, servers and clients. Each
// constructor only looks at the settings that concern it, so the same set of
// options can be passed to all of them.
type Option interface {
	apply(*options)
}

// WithLogger returns an option that sets the logger. By default nothing is
// logged.
func WithLogger(logger *zap.Logger) Option {
	return optFunc(func(opts *options) {
		opts.logger = logger
	})
}

// WithObserver returns an option that installs an observer which is told
// about request outcomes and protocol errors.
func WithObserver(observer Observer) Option {
	return optFunc(func(opts *options) {
		opts.observer = observer
	})
}

// WithClock returns an option that sets the clock used by a Loop for its
// notion of "now" and for waking up scheduled tasks. This is mainly useful
// in tests, with a mock clock.
func WithClock(clk clock.Clock) Option {
	return optFunc(func(opts *options) {
		opts.clock = clk
	})
}

// WithKeepAlive returns an option that makes client connections send a PING
// every interval and close the connection if no PONG arrives before the next
// one is due. Zero (the default) disables keep-alive.
func WithKeepAlive(interval time.Duration) Option {
	return optFunc(func(opts *options) {
		opts.keepAlive = interval
	})
}

// WithCodec returns an option that sets the codec used to serialize
// envelopes. The default is ProtoCodec.
func WithCodec(codec Codec) Option {
	return optFunc(func(opts *options) {
		opts.codec = codec
	})
}

// WithFrameFormat returns an option that inserts the given transform between
// the codec and the connection. Both peers must use the same format.
func WithFrameFormat(format FrameFormat) Option {
	return optFunc(func(opts *options) {
		opts.frameFormat = format
	})
}

// WithMaxMessageSize returns an option that limits the size of a single
// frame, in bytes, after the frame format has been applied.
func WithMaxMessageSize(size int) Option {
	return optFunc(func(opts *options) {
		opts.maxMessageSize = size
	})
}

// WithSendWatermarks returns an option that controls outbound backpressure.
// When the number of envelopes queued or being written reaches high, the
// stream reports itself suspended; once it drains down to low, it reports
// itself ready again.
func WithSendWatermarks(low, high int) Option {
	return optFunc(func(opts *options) {
		opts.lowWatermark = low
		opts.highWatermark = high
		opts.watermarksSet = true
	})
}

// WithLoops returns an option that sets how many loops a Server spreads its
// connections across. The default is one.
func WithLoops(n int) Option {
	return optFunc(func(opts *options) {
		opts.loops = n
	})
}

type options struct {
	logger         *zap.Logger
	observer       Observer
	clock          clock.Clock
	keepAlive      time.Duration
	codec          Codec
	frameFormat    FrameFormat
	maxMessageSize int
	lowWatermark   int
	highWatermark  int
	watermarksSet  bool
	loops          int
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt.apply(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.codec == nil {
		o.codec = ProtoCodec()
	}
	if o.maxMessageSize <= 0 {
		o.maxMessageSize = DefaultMaxMessageSize
	}
	if !o.watermarksSet || o.highWatermark <= 0 {
		o.lowWatermark, o.highWatermark = defaultLowWatermark, defaultHighWatermark
	} else if o.lowWatermark < 0 || o.lowWatermark >= o.highWatermark {
		o.lowWatermark = o.highWatermark / 4
	}
	if o.loops <= 0 {
		o.loops = 1
	}
	return o
}

type optFunc func(*options)

func (f optFunc) apply(opts *options) {
	f(opts)
}
