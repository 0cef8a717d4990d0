package engine

import (
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/divert/internal/capture"
	"github.com/die-net/divert/internal/conntrack"
	"github.com/die-net/divert/internal/errors"
	"github.com/die-net/divert/internal/handshake"
	"github.com/die-net/divert/internal/packet"
)

var (
	app      = netip.MustParseAddrPort("192.168.1.10:54731")
	remote   = netip.MustParseAddrPort("93.184.216.34:443")
	listener = netip.MustParseAddrPort("127.0.0.1:9443")
)

var (
	syn    = handshake.Flags{SYN: true}
	synAck = handshake.Flags{SYN: true, ACK: true}
	ack    = handshake.Flags{ACK: true}
	finAck = handshake.Flags{FIN: true, ACK: true}
	rst    = handshake.Flags{RST: true}
	rstAck = handshake.Flags{RST: true, ACK: true}
)

func tcpPacket(t *testing.T, src, dst netip.AddrPort, f handshake.Flags) []byte {
	t.Helper()

	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port()),
		DstPort: layers.TCPPort(dst.Port()),
		Seq:     1000,
		SYN:     f.SYN,
		ACK:     f.ACK,
		FIN:     f.FIN,
		RST:     f.RST,
		PSH:     f.PSH,
		Window:  65535,
	}

	var network gopacket.SerializableLayer
	if src.Addr().Is4() {
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: net.IP(src.Addr().AsSlice()), DstIP: net.IP(dst.Addr().AsSlice())}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		network = ip
	} else {
		ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolTCP, SrcIP: net.IP(src.Addr().AsSlice()), DstIP: net.IP(dst.Addr().AsSlice())}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		network = ip
	}

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, network, tcp))
	return append([]byte(nil), buf.Bytes()...)
}

type harness struct {
	t   *testing.T
	sim *capture.Sim
	e   *Engine
	reg *prometheus.Registry
}

func newHarness(t *testing.T, workers int, opts ...Option) *harness {
	t.Helper()

	h := &harness{t: t, sim: capture.NewSim(), reg: prometheus.NewRegistry()}
	opts = append([]Option{
		WithOpener(h.sim.Open),
		WithRegisterer(h.reg),
		WithLogSink(LogSinkFunc(func(int, string) {})),
	}, opts...)
	h.e = New(opts...)
	require.NoError(t, h.e.Initialize("127.0.0.1", 9443, "10.0.0.1", 3128, workers))
	t.Cleanup(func() {
		if h.e.Running() {
			_ = h.e.Shutdown()
		}
	})
	return h
}

func (h *harness) deliver(src, dst netip.AddrPort, f handshake.Flags) {
	h.t.Helper()
	require.NoError(h.t, h.sim.Deliver(tcpPacket(h.t, src, dst, f), packet.Address{Outbound: true}))
}

func (h *harness) injected() packet.Header {
	h.t.Helper()
	select {
	case pkt := <-h.sim.Injected():
		hdr, err := packet.Parse(pkt.Data)
		require.NoError(h.t, err)
		return hdr
	case <-time.After(2 * time.Second):
		h.t.Fatal("no packet injected")
	}
	return packet.Header{}
}

func (h *harness) discarded() {
	h.t.Helper()
	select {
	case <-h.sim.Discarded():
	case <-time.After(2 * time.Second):
		h.t.Fatal("no packet discarded")
	}
}

func (h *harness) state(port uint16) conntrack.State {
	h.t.Helper()
	snap, err := h.e.QueryConnection(int(port))
	if errors.Is(err, ErrNotOpen) {
		return conntrack.StateClosed
	}
	require.NoError(h.t, err)
	return snap.State
}

func TestConnectionLifecycle(t *testing.T) {
	h := newHarness(t, 1)
	reply := netip.AddrPortFrom(listener.Addr(), app.Port())

	h.deliver(app, remote, syn)
	out := h.injected()
	assert.Equal(t, app, out.Src())
	assert.Equal(t, listener, out.Dst())
	assert.Equal(t, conntrack.StateSynSeen, h.state(app.Port()))

	snap, err := h.e.QueryConnection(int(app.Port()))
	require.NoError(t, err)
	assert.Equal(t, remote, snap.OriginalDst())
	assert.Equal(t, app.Addr(), snap.SrcAddr)
	assert.Equal(t, app.Port(), snap.SrcPort)
	assert.Equal(t, conntrack.FamilyIPv4, snap.Family)

	h.deliver(listener, reply, synAck)
	in := h.injected()
	assert.Equal(t, remote, in.Src())
	assert.Equal(t, app, in.Dst())
	assert.Equal(t, synAck, in.Flags)
	assert.Equal(t, conntrack.StateSynAckSeen, h.state(app.Port()))

	h.deliver(app, remote, ack)
	assert.Equal(t, listener, h.injected().Dst())
	assert.Equal(t, conntrack.StateOpen, h.state(app.Port()))

	h.deliver(app, remote, finAck)
	assert.Equal(t, listener, h.injected().Dst())
	assert.Equal(t, conntrack.StateClosing, h.state(app.Port()))

	h.deliver(listener, reply, ack)
	in = h.injected()
	assert.Equal(t, remote, in.Src())
	assert.Equal(t, app, in.Dst())

	_, err = h.e.QueryConnection(int(app.Port()))
	assert.True(t, errors.Is(err, ErrNotOpen))

	assert.Equal(t, 5.0, testutil.ToFloat64(h.e.metrics.received))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.e.metrics.redirected.WithLabelValues("outbound")))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.e.metrics.redirected.WithLabelValues("inbound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.e.metrics.transitions.WithLabelValues("closing", "closed")))

	// The port is reusable once closed.
	h.deliver(app, remote, syn)
	h.injected()
	assert.Equal(t, conntrack.StateSynSeen, h.state(app.Port()))
}

func TestDrops(t *testing.T) {
	h := newHarness(t, 1)
	reply := netip.AddrPortFrom(listener.Addr(), app.Port())

	// The listener cannot open a connection.
	h.deliver(listener, reply, synAck)
	h.discarded()
	assert.Equal(t, conntrack.StateClosed, h.state(app.Port()))

	// Data before a SYN is out of sequence.
	h.deliver(app, remote, ack)
	h.discarded()
	assert.Equal(t, conntrack.StateClosed, h.state(app.Port()))

	h.deliver(app, remote, syn)
	h.injected()

	// A second SYN on a tracked port does not disturb it.
	h.deliver(app, remote, syn)
	h.discarded()
	assert.Equal(t, conntrack.StateSynSeen, h.state(app.Port()))

	// Captured inbound packets are never rewritten.
	require.NoError(t, h.sim.Deliver(tcpPacket(t, app, remote, ack), packet.Address{Outbound: false}))
	h.discarded()

	// Neither are packets that are not TCP.
	require.NoError(t, h.sim.Deliver([]byte{0x45, 0, 0, 20}, packet.Address{Outbound: true}))
	h.discarded()

	assert.Equal(t, 1.0, testutil.ToFloat64(h.e.metrics.dropped.WithLabelValues(handshake.ReasonInboundOpen)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.e.metrics.dropped.WithLabelValues(handshake.ReasonReopen)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.e.metrics.dropped.WithLabelValues(reasonInbound)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.e.metrics.dropped.WithLabelValues(reasonParse)))
}

func TestIPv6AgainstIPv4ListenerDrops(t *testing.T) {
	h := newHarness(t, 1)

	h.deliver(netip.MustParseAddrPort("[2001:db8::10]:40000"), netip.MustParseAddrPort("[2001:db8::1]:443"), syn)
	h.discarded()
	assert.Equal(t, conntrack.StateClosed, h.state(40000))
}

func TestConcurrentWorkersDistinctPorts(t *testing.T) {
	const conns = 64
	h := newHarness(t, MaxWorkers)

	for i := range conns {
		src := netip.AddrPortFrom(app.Addr(), uint16(20000+i))
		h.deliver(src, remote, syn)
	}
	for range conns {
		h.injected()
	}
	for i := range conns {
		assert.Equal(t, conntrack.StateSynSeen, h.state(uint16(20000+i)))
	}

	for i := range conns {
		h.deliver(listener, netip.AddrPortFrom(listener.Addr(), uint16(20000+i)), synAck)
	}
	seen := make(map[uint16]bool)
	for range conns {
		in := h.injected()
		assert.Equal(t, remote, in.Src())
		seen[in.DstPort] = true
	}
	assert.Len(t, seen, conns)

	for i := range conns {
		port := uint16(20000 + i)
		assert.Equal(t, conntrack.StateSynAckSeen, h.state(port))
		snap, err := h.e.QueryConnection(int(port))
		require.NoError(t, err)
		assert.Equal(t, port, snap.SrcPort)
		assert.Equal(t, remote, snap.OriginalDst())
	}
	assert.Equal(t, float64(conns), testutil.ToFloat64(h.e.metrics.active))
}

func TestInitializeValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		listenAddr string
		listenPort int
		proxyAddr  string
		proxyPort  int
		workers    int
	}{
		{"listen port zero", "127.0.0.1", 0, "10.0.0.1", 3128, 1},
		{"listen port too large", "127.0.0.1", 65536, "10.0.0.1", 3128, 1},
		{"proxy port zero", "127.0.0.1", 9443, "10.0.0.1", 0, 1},
		{"proxy port too large", "127.0.0.1", 9443, "10.0.0.1", 65536, 1},
		{"no workers", "127.0.0.1", 9443, "10.0.0.1", 3128, 0},
		{"too many workers", "127.0.0.1", 9443, "10.0.0.1", 3128, MaxWorkers + 1},
		{"empty listen address", "", 9443, "10.0.0.1", 3128, 1},
		{"bad proxy address", "127.0.0.1", 9443, "proxy.example", 3128, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opened := false
			e := New(WithOpener(func(capture.Config) (capture.Handle, error) {
				opened = true
				return capture.NewSim(), nil
			}), WithLogSink(LogSinkFunc(func(int, string) {})))

			err := e.Initialize(tt.listenAddr, tt.listenPort, tt.proxyAddr, tt.proxyPort, tt.workers)
			assert.True(t, errors.Is(err, ErrInvalidParameters))
			assert.Equal(t, errors.KindValidation, errors.GetKind(err))
			assert.False(t, opened)
			assert.False(t, e.Running())
		})
	}
}

func TestInitializeBoundariesAccepted(t *testing.T) {
	t.Parallel()

	for _, workers := range []int{1, MaxWorkers} {
		sim := capture.NewSim()
		e := New(WithOpener(sim.Open), WithLogSink(LogSinkFunc(func(int, string) {})))
		require.NoError(t, e.Initialize("::1", 65535, "10.0.0.1", 1, workers))

		cfg := sim.Config()
		assert.Equal(t, uint16(65535), cfg.ListenPort)
		assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:1"), cfg.Gateway)
		assert.True(t, cfg.ExcludeLoopback)
		require.NoError(t, e.Shutdown())
	}
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	sim := capture.NewSim()
	e := New(WithOpener(sim.Open), WithLogSink(LogSinkFunc(func(int, string) {})))

	_, err := e.QueryConnection(54731)
	assert.True(t, errors.Is(err, ErrNotInitialized))
	assert.True(t, errors.Is(e.Shutdown(), ErrNotInitialized))

	require.NoError(t, e.Initialize("127.0.0.1", 9443, "10.0.0.1", 3128, 2))
	assert.True(t, errors.Is(e.Initialize("127.0.0.1", 9443, "10.0.0.1", 3128, 2), ErrAlreadyInitialized))

	for _, port := range []int{0, -1, 65536} {
		_, err = e.QueryConnection(port)
		assert.True(t, errors.Is(err, ErrInvalidPort), "port %d", port)
	}
	_, err = e.QueryConnection(1)
	assert.True(t, errors.Is(err, ErrNotOpen))

	require.NoError(t, e.Shutdown())
	assert.False(t, e.Running())
	assert.True(t, errors.Is(e.Shutdown(), ErrNotInitialized))
	_, err = e.QueryConnection(54731)
	assert.True(t, errors.Is(err, ErrNotInitialized))

	// The simulated facility does not reopen once closed.
	err = e.Initialize("127.0.0.1", 9443, "10.0.0.1", 3128, 2)
	assert.True(t, errors.Is(err, ErrFacilityUnavailable))
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(err))

	e.opts.opener = capture.NewSim().Open
	require.NoError(t, e.Initialize("127.0.0.1", 9443, "10.0.0.1", 3128, 2))
	require.NoError(t, e.Shutdown())
}

func TestInitializeFacilityError(t *testing.T) {
	t.Parallel()

	e := New(WithOpener(func(capture.Config) (capture.Handle, error) {
		return nil, capture.ErrUnsupported
	}), WithLogSink(LogSinkFunc(func(int, string) {})))

	err := e.Initialize("127.0.0.1", 9443, "10.0.0.1", 3128, 1)
	assert.True(t, errors.Is(err, ErrFacilityUnavailable))
	assert.True(t, errors.Is(err, capture.ErrUnsupported))
	assert.False(t, e.Running())
}

func TestShutdownDrainsQueue(t *testing.T) {
	h := newHarness(t, 2)

	for i := range 10 {
		h.deliver(netip.AddrPortFrom(app.Addr(), uint16(30000+i)), remote, syn)
	}
	require.NoError(t, h.e.Shutdown())

	assert.Len(t, h.sim.Injected(), 10)
	assert.Equal(t, 0.0, testutil.ToFloat64(h.e.metrics.workers))
}

func TestDiagnosticsLogging(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
	)
	sink := LogSinkFunc(func(worker int, msg string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, msg)
	})
	h := newHarness(t, 1, WithLogSink(sink))

	h.deliver(app, remote, syn)
	h.injected()

	mu.Lock()
	quiet := len(lines)
	mu.Unlock()

	h.e.SetDiagnosticsEnabled(true)
	h.deliver(netip.AddrPortFrom(app.Addr(), 40001), remote, syn)
	h.injected()

	mu.Lock()
	defer mu.Unlock()
	verbose := strings.Join(lines[quiet:], "\n")
	assert.Contains(t, verbose, "received outbound packet")
	assert.Contains(t, verbose, "port 40001: closed -> syn")
	assert.Contains(t, verbose, "redirected outbound packet")
	assert.Contains(t, verbose, "TCP")
}

func TestMetricsRegistered(t *testing.T) {
	h := newHarness(t, 1)

	h.deliver(app, remote, syn)
	h.injected()

	n, err := testutil.GatherAndCount(h.reg, "divert_packets_received_total", "divert_connections_active")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestResetReleasesPort(t *testing.T) {
	h := newHarness(t, 1)

	h.deliver(app, remote, syn)
	h.injected()
	assert.Equal(t, conntrack.StateSynSeen, h.state(app.Port()))

	h.deliver(app, remote, rstAck)
	out := h.injected()
	assert.Equal(t, listener, out.Dst())
	assert.Equal(t, rstAck, out.Flags)
	assert.Equal(t, conntrack.StateClosed, h.state(app.Port()))

	// The next connection on the same port starts over; its retransmitted
	// SYNs are the only ones refused.
	h.deliver(app, remote, syn)
	assert.Equal(t, listener, h.injected().Dst())
	assert.Equal(t, conntrack.StateSynSeen, h.state(app.Port()))

	h.deliver(app, remote, syn)
	h.discarded()
	h.deliver(app, remote, syn)
	h.discarded()
	assert.Equal(t, conntrack.StateSynSeen, h.state(app.Port()))

	assert.Equal(t, 1.0, testutil.ToFloat64(h.e.metrics.transitions.WithLabelValues("syn", "closed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.e.metrics.dropped.WithLabelValues(handshake.ReasonReopen)))
}

func TestResetAtEachState(t *testing.T) {
	reply := netip.AddrPortFrom(listener.Addr(), app.Port())

	// Packets that bring a fresh port to each tracked state.
	type step struct {
		outbound bool
		flags    handshake.Flags
	}
	setup := []struct {
		state conntrack.State
		steps []step
	}{
		{conntrack.StateSynSeen, []step{{true, syn}}},
		{conntrack.StateSynAckSeen, []step{{true, syn}, {false, synAck}}},
		{conntrack.StateOpen, []step{{true, syn}, {false, synAck}, {true, ack}}},
		{conntrack.StateClosing, []step{{true, syn}, {false, synAck}, {true, ack}, {true, finAck}}},
	}

	for _, tt := range setup {
		for _, outbound := range []bool{true, false} {
			for _, f := range []handshake.Flags{rst, rstAck} {
				name := tt.state.String() + " inbound " + f.String()
				if outbound {
					name = tt.state.String() + " outbound " + f.String()
				}
				t.Run(name, func(t *testing.T) {
					h := newHarness(t, 1)
					for _, st := range tt.steps {
						if st.outbound {
							h.deliver(app, remote, st.flags)
						} else {
							h.deliver(listener, reply, st.flags)
						}
						h.injected()
					}
					require.Equal(t, tt.state, h.state(app.Port()))

					var got packet.Header
					if outbound {
						h.deliver(app, remote, f)
						got = h.injected()
						assert.Equal(t, app, got.Src())
						assert.Equal(t, listener, got.Dst())
					} else {
						h.deliver(listener, reply, f)
						got = h.injected()
						assert.Equal(t, remote, got.Src())
						assert.Equal(t, app, got.Dst())
					}
					assert.Equal(t, f, got.Flags)
					assert.Equal(t, conntrack.StateClosed, h.state(app.Port()))
					assert.Equal(t, 1.0, testutil.ToFloat64(h.e.metrics.transitions.WithLabelValues(tt.state.String(), "closed")))
				})
			}
		}
	}
}

// busyTable is a connection table whose lock can be made to time out.
type busyTable struct {
	*conntrack.Table
	readBusy  atomic.Bool
	writeBusy atomic.Bool
}

func (b *busyTable) Get(port uint16) (conntrack.Record, error) {
	if b.readBusy.Load() {
		return conntrack.Record{}, conntrack.ErrLockTimeout
	}
	return b.Table.Get(port)
}

func (b *busyTable) Begin(port uint16, ep conntrack.Endpoint) error {
	if b.writeBusy.Load() {
		return conntrack.ErrLockTimeout
	}
	return b.Table.Begin(port, ep)
}

func (b *busyTable) CompareAndSetState(port uint16, old, next conntrack.State) error {
	if b.writeBusy.Load() {
		return conntrack.ErrLockTimeout
	}
	return b.Table.CompareAndSetState(port, old, next)
}

func withTable(tbl *busyTable) Option {
	return func(opts *options) {
		opts.newTable = func(lockTimeout time.Duration) connTable {
			tbl.Table = conntrack.New(conntrack.WithLockTimeout(lockTimeout))
			return tbl
		}
	}
}

func TestLockTimeoutDrops(t *testing.T) {
	tbl := &busyTable{}
	h := newHarness(t, 1, WithLockTimeout(time.Millisecond), withTable(tbl))
	reply := netip.AddrPortFrom(listener.Addr(), app.Port())

	// Reading the record times out.
	tbl.readBusy.Store(true)
	h.deliver(app, remote, syn)
	h.discarded()
	tbl.readBusy.Store(false)
	assert.Equal(t, conntrack.StateClosed, h.state(app.Port()))

	// Opening the record times out.
	tbl.writeBusy.Store(true)
	h.deliver(app, remote, syn)
	h.discarded()
	tbl.writeBusy.Store(false)
	assert.Equal(t, conntrack.StateClosed, h.state(app.Port()))

	h.deliver(app, remote, syn)
	h.injected()

	// Advancing the record times out.
	tbl.writeBusy.Store(true)
	h.deliver(listener, reply, synAck)
	h.discarded()
	tbl.writeBusy.Store(false)
	assert.Equal(t, conntrack.StateSynSeen, h.state(app.Port()))

	// The retransmission goes through once the lock is free.
	h.deliver(listener, reply, synAck)
	assert.Equal(t, app, h.injected().Dst())
	assert.Equal(t, conntrack.StateSynAckSeen, h.state(app.Port()))

	assert.Equal(t, 3.0, testutil.ToFloat64(h.e.metrics.dropped.WithLabelValues(reasonLock)))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.e.metrics.dropped.WithLabelValues(reasonRace)))
}

func TestInjectFailureKeepsDispatching(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
	)
	sink := LogSinkFunc(func(worker int, msg string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, msg)
	})
	h := newHarness(t, 1, WithLogSink(sink))
	reply := netip.AddrPortFrom(listener.Addr(), app.Port())
	refused := errors.New(errors.KindUnavailable, "injection refused")

	h.sim.FailSend(refused)
	h.deliver(app, remote, syn)
	h.discarded()
	assert.Equal(t, conntrack.StateClosed, h.state(app.Port()))

	h.sim.FailSend(nil)
	h.deliver(app, remote, syn)
	h.injected()
	assert.Equal(t, conntrack.StateSynSeen, h.state(app.Port()))

	h.sim.FailSend(refused)
	h.deliver(listener, reply, synAck)
	h.discarded()
	assert.Equal(t, conntrack.StateSynSeen, h.state(app.Port()))

	h.sim.FailSend(nil)
	h.deliver(listener, reply, synAck)
	assert.Equal(t, app, h.injected().Dst())
	assert.Equal(t, conntrack.StateSynAckSeen, h.state(app.Port()))

	assert.Equal(t, 2.0, testutil.ToFloat64(h.e.metrics.injectErrors))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.e.metrics.dropped.WithLabelValues(reasonInject)))
	assert.True(t, h.e.Running())

	mu.Lock()
	defer mu.Unlock()
	logged := strings.Join(lines, "\n")
	assert.Contains(t, logged, "inject outbound packet on port 54731: injection refused")
	assert.Contains(t, logged, "inject inbound packet on port 54731: injection refused")
}
