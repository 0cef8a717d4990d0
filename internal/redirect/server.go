package redirect

import (
	"context"
	"log/slog"
	"maps"
	"net"
	"net/netip"
	"slices"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/die-net/divert/internal/dialer"
	"github.com/die-net/divert/internal/engine"
	"github.com/die-net/divert/internal/errors"
	"github.com/die-net/divert/internal/proxy"
)

// ErrLoop is returned when a connection's original destination is the
// listener itself.
var ErrLoop = errors.New(errors.KindValidation, "redirect: original destination is the listener")

// Querier resolves a redirected connection's original endpoint by the
// application's local port.
type Querier interface {
	QueryConnection(port int) (engine.Snapshot, error)
}

type Config struct {
	Querier Querier
	Dialer  dialer.Dialer
	Logger  *slog.Logger

	// Verbose logs per-connection failures.
	Verbose bool

	// Registerer receives the listener's counters. Nil disables metrics.
	Registerer prometheus.Registerer
}

type Server struct {
	ctx     context.Context
	querier Querier
	dialer  dialer.Dialer
	logger  *slog.Logger
	verbose bool

	accepted prometheus.Counter
	failed   *prometheus.CounterVec
}

func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Querier == nil || cfg.Dialer == nil {
		return nil, errors.New(errors.KindValidation, "redirect: querier and dialer are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		ctx:     ctx,
		querier: cfg.Querier,
		dialer:  cfg.Dialer,
		logger:  logger,
		verbose: cfg.Verbose,
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "divert_redirect_connections_total",
			Help: "Connections accepted by the redirect listener.",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "divert_redirect_failures_total",
			Help: "Redirected connections that could not be forwarded, by stage.",
		}, []string{"stage"}),
	}
	if cfg.Registerer != nil {
		if err := cfg.Registerer.Register(s.accepted); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "redirect: register metrics")
		}
		if err := cfg.Registerer.Register(s.failed); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "redirect: register metrics")
		}
	}
	return s, nil
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, errors.KindUnavailable, "redirect: accept")
		}
		s.accepted.Inc()
		go func() {
			if err := s.handle(c); err != nil && s.verbose {
				s.logger.Warn("redirect: connection error", logArgs(c, err)...)
			}
		}()
	}
}

func (s *Server) handle(conn net.Conn) error {
	defer conn.Close()
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	dst, err := s.originalDst(conn)
	if err != nil {
		s.failed.WithLabelValues("lookup").Inc()
		return err
	}

	up, err := s.dialer.DialContext(ctx, "tcp", dst.String())
	if err != nil {
		s.failed.WithLabelValues("dial").Inc()
		return errors.Attr(err, "dst", dst.String())
	}
	defer up.Close()

	if err := proxy.CopyBidirectional(ctx, conn, up); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "redirect: copy %s", dst)
	}
	return nil
}

// logArgs lists the client, the error and any attributes the error carries,
// in a stable order.
func logArgs(c net.Conn, err error) []any {
	args := []any{"client", c.RemoteAddr().String(), "error", err}
	attrs := errors.GetAttributes(err)
	for _, k := range slices.Sorted(maps.Keys(attrs)) {
		args = append(args, k, attrs[k])
	}
	return args
}

func (s *Server) originalDst(conn net.Conn) (netip.AddrPort, error) {
	remote, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.AddrPort{}, errors.Wrap(err, errors.KindValidation, "redirect: client address")
	}

	snap, err := s.querier.QueryConnection(int(remote.Port()))
	if err != nil {
		return netip.AddrPort{}, errors.Attr(errors.Wrap(err, errors.KindNotFound, "redirect: original destination unavailable"), "port", remote.Port())
	}

	dst := snap.OriginalDst()
	local, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err == nil && dst.Port() == local.Port() && dst.Addr().Unmap() == local.Addr().Unmap() {
		return netip.AddrPort{}, errors.Attr(ErrLoop, "dst", dst.String())
	}
	return dst, nil
}
