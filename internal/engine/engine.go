// Package engine is the redirector's data plane.
//
// An Engine opens the capture facility, runs a fixed pool of dispatch
// workers over it and owns the connection table they share. Locally
// originated TCP packets are pointed at the redirect listener; the
// listener's replies are rewritten to look like they came from the
// application's original peer. QueryConnection lets the listener find
// each redirected connection's original destination.
package engine

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/divert/internal/capture"
	"github.com/die-net/divert/internal/conntrack"
	"github.com/die-net/divert/internal/errors"
)

// MaxWorkers is the largest accepted worker count.
const MaxWorkers = 8

var (
	ErrInvalidParameters   = errors.New(errors.KindValidation, "engine: invalid parameters")
	ErrFacilityUnavailable = errors.New(errors.KindUnavailable, "engine: capture facility unavailable")
	// ErrWorkerStartFailed is reserved for worker startup failures. Starting
	// a goroutine cannot fail, so Initialize does not currently return it.
	ErrWorkerStartFailed  = errors.New(errors.KindInternal, "engine: worker start failed")
	ErrAlreadyInitialized = errors.New(errors.KindConflict, "engine: already initialized")
	ErrNotInitialized     = errors.New(errors.KindConflict, "engine: not initialized")
	ErrShutdownFailed     = errors.New(errors.KindInternal, "engine: shutdown failed")
	ErrNotOpen            = errors.New(errors.KindNotFound, "engine: no connection on port")
	ErrInvalidPort        = errors.New(errors.KindValidation, "engine: invalid port")
	ErrTableBusy          = errors.New(errors.KindUnavailable, "engine: connection table busy")
)

type lifecycle int

const (
	uninitialized lifecycle = iota
	running
	stopped
)

// Snapshot is a tracked connection's original endpoint, as issued by the
// local application.
type Snapshot struct {
	Family  conntrack.Family
	State   conntrack.State
	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16
}

// OriginalDst returns the address the application was connecting to.
func (s Snapshot) OriginalDst() netip.AddrPort {
	return netip.AddrPortFrom(s.DstAddr, s.DstPort)
}

// connTable is the part of conntrack.Table the data plane uses.
type connTable interface {
	Get(port uint16) (conntrack.Record, error)
	Begin(port uint16, ep conntrack.Endpoint) error
	CompareAndSetState(port uint16, old, next conntrack.State) error
	Active() (int, error)
}

func newConnTable(lockTimeout time.Duration) connTable {
	return conntrack.New(conntrack.WithLockTimeout(lockTimeout))
}

// instance is the state of one Initialize..Shutdown cycle.
type instance struct {
	table   connTable
	handle  capture.Handle
	listen  netip.AddrPort
	workers int
	group   *errgroup.Group
	cancel  context.CancelFunc
}

// Engine is the redirect data plane. The zero value is not usable; call New.
type Engine struct {
	opts    options
	metrics *metrics

	// mu serializes Initialize and Shutdown.
	mu    sync.Mutex
	state lifecycle

	cur         atomic.Pointer[instance]
	diagnostics atomic.Bool
}

// New returns an uninitialized Engine.
func New(opts ...Option) *Engine {
	e := &Engine{opts: defaultOptions()}
	for _, o := range opts {
		o(&e.opts)
	}

	e.metrics = newMetrics(e.activeConnections)
	if e.opts.registerer != nil {
		if err := e.opts.registerer.Register(e.metrics); err != nil {
			e.logf(0, "registering metrics: %v", err)
		}
	}
	return e
}

// Initialize opens the capture facility and starts workers dispatch
// workers. Packets are redirected to listenAddress:listenPort; traffic to
// proxyAddress:proxyPort is never captured.
func (e *Engine) Initialize(listenAddress string, listenPort int, proxyAddress string, proxyPort int, workers int) error {
	listen, gateway, err := validate(listenAddress, listenPort, proxyAddress, proxyPort, workers)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == running {
		return ErrAlreadyInitialized
	}

	handle, err := e.opts.opener(capture.Config{
		ListenAddr:      listen.Addr(),
		ListenPort:      listen.Port(),
		Gateway:         gateway,
		QueueNum:        e.opts.queueNum,
		Mark:            e.opts.mark,
		ExcludeLoopback: e.opts.excludeLoopback,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFacilityUnavailable, err)
	}
	if err := handle.SetQueueParams(e.opts.queueLength, e.opts.queueTime); err != nil {
		_ = handle.Close()
		return fmt.Errorf("%w: %w", ErrFacilityUnavailable, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	inst := &instance{
		table:   e.opts.newTable(e.opts.lockTimeout),
		handle:  handle,
		listen:  listen,
		workers: workers,
		group:   g,
		cancel:  cancel,
	}
	e.cur.Store(inst)

	for id := 1; id <= workers; id++ {
		g.Go(func() error {
			return e.work(ctx, inst, id)
		})
	}
	e.metrics.workers.Set(float64(workers))

	e.state = running
	e.logf(0, "initialized: listen %s, gateway %s, %d workers", listen, gateway, workers)
	return nil
}

func validate(listenAddress string, listenPort int, proxyAddress string, proxyPort int, workers int) (listen, gateway netip.AddrPort, err error) {
	if listenPort < 1 || listenPort > 65535 {
		return listen, gateway, fmt.Errorf("%w: listen port %d", ErrInvalidParameters, listenPort)
	}
	if proxyPort < 1 || proxyPort > 65535 {
		return listen, gateway, fmt.Errorf("%w: proxy port %d", ErrInvalidParameters, proxyPort)
	}
	if workers < 1 || workers > MaxWorkers {
		return listen, gateway, fmt.Errorf("%w: worker count %d", ErrInvalidParameters, workers)
	}

	la, err := netip.ParseAddr(listenAddress)
	if err != nil {
		return listen, gateway, fmt.Errorf("%w: listen address %q", ErrInvalidParameters, listenAddress)
	}
	pa, err := netip.ParseAddr(proxyAddress)
	if err != nil {
		return listen, gateway, fmt.Errorf("%w: proxy address %q", ErrInvalidParameters, proxyAddress)
	}

	return netip.AddrPortFrom(la.Unmap(), uint16(listenPort)), netip.AddrPortFrom(pa.Unmap(), uint16(proxyPort)), nil
}

// Shutdown stops capture, waits for the workers to drain the queue and
// closes the facility. The engine is stopped afterwards even when an error
// is returned.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != running {
		return ErrNotInitialized
	}
	inst := e.cur.Load()

	var errs []error
	if err := inst.handle.ShutdownRecv(); err != nil {
		errs = append(errs, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- inst.group.Wait()
	}()

	var werr error
	select {
	case werr = <-done:
	case <-time.After(e.opts.shutdownTimeout):
		e.logf(0, "workers did not drain within %s, cancelling", e.opts.shutdownTimeout)
		inst.cancel()
		werr = <-done
	}
	inst.cancel()
	if werr != nil {
		errs = append(errs, werr)
	}
	if err := inst.handle.Close(); err != nil {
		errs = append(errs, err)
	}

	e.cur.Store(nil)
	e.state = stopped
	e.metrics.workers.Set(0)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrShutdownFailed, errors.Join(errs...))
	}
	e.logf(0, "shut down")
	return nil
}

// QueryConnection returns the original endpoint of the connection using
// local port port.
func (e *Engine) QueryConnection(port int) (Snapshot, error) {
	inst := e.cur.Load()
	if inst == nil {
		return Snapshot{}, ErrNotInitialized
	}
	if port < 1 || port > 65535 {
		return Snapshot{}, ErrInvalidPort
	}

	rec, err := inst.table.Get(uint16(port))
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrTableBusy, err)
	}
	if rec.State == conntrack.StateClosed {
		return Snapshot{}, ErrNotOpen
	}

	return Snapshot{
		Family:  rec.Original.Family,
		State:   rec.State,
		SrcAddr: rec.Original.SrcAddr,
		DstAddr: rec.Original.DstAddr,
		SrcPort: rec.Original.SrcPort,
		DstPort: rec.Original.DstPort,
	}, nil
}

// SetDiagnosticsEnabled turns per-packet logging on or off.
func (e *Engine) SetDiagnosticsEnabled(enabled bool) {
	e.diagnostics.Store(enabled)
}

// Running reports whether the engine is between Initialize and Shutdown.
func (e *Engine) Running() bool {
	return e.cur.Load() != nil
}

// Collector returns the engine's metrics, for callers that register them
// themselves.
func (e *Engine) Collector() prometheus.Collector {
	return e.metrics
}

func (e *Engine) activeConnections() float64 {
	inst := e.cur.Load()
	if inst == nil {
		return 0
	}
	n, err := inst.table.Active()
	if err != nil {
		return 0
	}
	return float64(n)
}

func (e *Engine) logf(worker int, format string, args ...any) {
	e.opts.sink.LogMessage(worker, fmt.Sprintf(format, args...))
}
