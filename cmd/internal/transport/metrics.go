package transport

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts transport-level trouble. A nil *Metrics records nothing.
type Metrics struct {
	reconnects     prometheus.Counter
	reconnectFails prometheus.Counter
	undecryptable  prometheus.Counter
}

// NewMetrics builds and registers the transport collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pairlink",
			Subsystem: "transport",
			Name:      "reconnect_attempts_total",
			Help:      "Relay reconnection attempts.",
		}),
		reconnectFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pairlink",
			Subsystem: "transport",
			Name:      "reconnect_exhausted_total",
			Help:      "Reconnection loops that gave up.",
		}),
		undecryptable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pairlink",
			Subsystem: "transport",
			Name:      "messages_undecryptable_total",
			Help:      "Inbound messages dropped because they could not be decrypted.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.reconnects, m.reconnectFails, m.undecryptable)
	}
	return m
}

func (m *Metrics) reconnectAttempt() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) reconnectExhausted() {
	if m != nil {
		m.reconnectFails.Inc()
	}
}

func (m *Metrics) dropUndecryptable() {
	if m != nil {
		m.undecryptable.Inc()
	}
}
