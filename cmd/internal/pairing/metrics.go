package pairing

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pairlink/cmd/internal/transport"
)

// Metrics instruments sessions. A nil *Metrics records nothing.
type Metrics struct {
	// Transport is handed to every transport the session builds.
	Transport *transport.Metrics

	transitions *prometheus.CounterVec
	handshakes  prometheus.Counter
	rpcLatency  prometheus.Histogram
	rpcTimeouts prometheus.Counter
}

// NewMetrics builds and registers session and transport collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transport: transport.NewMetrics(reg),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairlink",
			Subsystem: "session",
			Name:      "status_transitions_total",
			Help:      "Session status changes by target status.",
		}, []string{"to"}),
		handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pairlink",
			Subsystem: "session",
			Name:      "key_exchanges_total",
			Help:      "Completed key exchanges.",
		}),
		rpcLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pairlink",
			Subsystem: "session",
			Name:      "rpc_duration_seconds",
			Help:      "Time from sending an RPC call to its reply.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		}),
		rpcTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pairlink",
			Subsystem: "session",
			Name:      "rpc_timeouts_total",
			Help:      "RPC calls that got no reply in time.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.handshakes, m.rpcLatency, m.rpcTimeouts)
	}
	return m
}

func (m *Metrics) transport() *transport.Metrics {
	if m == nil {
		return nil
	}
	return m.Transport
}

func (m *Metrics) statusChanged(to Status) {
	if m != nil {
		m.transitions.WithLabelValues(to.String()).Inc()
	}
}

func (m *Metrics) keysExchanged() {
	if m != nil {
		m.handshakes.Inc()
	}
}

func (m *Metrics) rpcDone(d time.Duration) {
	if m != nil {
		m.rpcLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) rpcTimeout() {
	if m != nil {
		m.rpcTimeouts.Inc()
	}
}
