package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/die-net/divert/internal/capture"
	"github.com/die-net/divert/internal/conntrack"
)

type options struct {
	opener          capture.Opener
	sink            LogSink
	registerer      prometheus.Registerer
	lockTimeout     time.Duration
	queueLength     int
	queueTime       time.Duration
	queueNum        uint16
	mark            uint32
	excludeLoopback bool
	shutdownTimeout time.Duration
	newTable        func(lockTimeout time.Duration) connTable
}

func defaultOptions() options {
	return options{
		opener:          capture.Open,
		sink:            SlogSink{},
		lockTimeout:     conntrack.DefaultLockTimeout,
		queueLength:     capture.DefaultQueueLength,
		queueTime:       capture.DefaultQueueTime,
		mark:            capture.DefaultMark,
		excludeLoopback: true,
		shutdownTimeout: 5 * time.Second,
		newTable:        newConnTable,
	}
}

// Option configures an Engine.
type Option func(*options)

// WithOpener sets how the capture facility is opened. The default is
// capture.Open.
func WithOpener(o capture.Opener) Option {
	return func(opts *options) {
		opts.opener = o
	}
}

// WithLogSink sets where log lines go. The default writes through
// slog.Default.
func WithLogSink(s LogSink) Option {
	return func(opts *options) {
		opts.sink = s
	}
}

// WithRegisterer registers the engine's metrics on r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(opts *options) {
		opts.registerer = r
	}
}

func WithLockTimeout(d time.Duration) Option {
	return func(opts *options) {
		opts.lockTimeout = d
	}
}

// WithQueueParams sets the capture queue length and the maximum time a
// packet may wait in it.
func WithQueueParams(length int, maxAge time.Duration) Option {
	return func(opts *options) {
		opts.queueLength = length
		opts.queueTime = maxAge
	}
}

func WithQueueNum(n uint16) Option {
	return func(opts *options) {
		opts.queueNum = n
	}
}

// WithMark sets the packet mark that exempts traffic from capture.
func WithMark(mark uint32) Option {
	return func(opts *options) {
		opts.mark = mark
	}
}

// WithExcludeLoopback leaves loopback traffic that is not from the
// listener uncaptured. It is on by default.
func WithExcludeLoopback(exclude bool) Option {
	return func(opts *options) {
		opts.excludeLoopback = exclude
	}
}

// WithShutdownTimeout bounds how long Shutdown waits for workers to drain
// the queue before cancelling them.
func WithShutdownTimeout(d time.Duration) Option {
	return func(opts *options) {
		opts.shutdownTimeout = d
	}
}
