package engine

import "github.com/prometheus/client_golang/prometheus"

// Drop reasons used as the "reason" label, alongside handshake's reasons.
const (
	reasonParse       = "not an IPv4/IPv6 TCP packet"
	reasonInbound     = "captured inbound"
	reasonPort        = "invalid port"
	reasonLock        = "table lock timeout"
	reasonRace        = "state changed concurrently"
	reasonFamily      = "address family mismatch"
	reasonNotCaptured = "no original endpoint"
	reasonInject      = "injection failed"
)

type metrics struct {
	received     prometheus.Counter
	redirected   *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	recvErrors   prometheus.Counter
	injectErrors prometheus.Counter
	active       prometheus.GaugeFunc
	workers      prometheus.Gauge
}

func newMetrics(active func() float64) *metrics {
	return &metrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "divert_packets_received_total",
			Help: "Total number of packets received from the capture facility",
		}),
		redirected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "divert_packets_redirected_total",
			Help: "Total number of packets rewritten and re-injected",
		}, []string{"direction"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "divert_packets_dropped_total",
			Help: "Total number of packets dropped",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "divert_state_transitions_total",
			Help: "Total number of connection state transitions",
		}, []string{"from", "to"}),
		recvErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "divert_receive_errors_total",
			Help: "Total number of capture receive errors",
		}),
		injectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "divert_inject_errors_total",
			Help: "Total number of packet injection errors",
		}),
		active: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "divert_connections_active",
			Help: "Number of local ports with a tracked connection",
		}, active),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "divert_workers",
			Help: "Number of running dispatch workers",
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *metrics) Describe(ch chan<- *prometheus.Desc) {
	m.received.Describe(ch)
	m.redirected.Describe(ch)
	m.dropped.Describe(ch)
	m.transitions.Describe(ch)
	m.recvErrors.Describe(ch)
	m.injectErrors.Describe(ch)
	m.active.Describe(ch)
	m.workers.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *metrics) Collect(ch chan<- prometheus.Metric) {
	m.received.Collect(ch)
	m.redirected.Collect(ch)
	m.dropped.Collect(ch)
	m.transitions.Collect(ch)
	m.recvErrors.Collect(ch)
	m.injectErrors.Collect(ch)
	m.active.Collect(ch)
	m.workers.Collect(ch)
}
