package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the relay's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	connections prometheus.Gauge
	channels    prometheus.Gauge
	joins       *prometheus.CounterVec
	frames      *prometheus.CounterVec
	relayed     prometheus.Counter
	dropped     prometheus.Counter
}

// Join outcomes.
const (
	joinPlain     = "plain"
	joinPersisted = "persisted"
	joinRejected  = "rejected"
	joinInvalid   = "invalid"
)

// NewMetrics builds and registers the relay collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairlink",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Currently connected relay clients.",
		}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairlink",
			Subsystem: "relay",
			Name:      "channels",
			Help:      "Channels with at least one connected member.",
		}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairlink",
			Subsystem: "relay",
			Name:      "joins_total",
			Help:      "Channel joins by outcome.",
		}, []string{"outcome"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairlink",
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Inbound frames by type.",
		}, []string{"type"}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pairlink",
			Subsystem: "relay",
			Name:      "messages_relayed_total",
			Help:      "Channel messages forwarded to a peer.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pairlink",
			Subsystem: "relay",
			Name:      "frames_dropped_total",
			Help:      "Outbound frames dropped under backpressure.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.channels, m.joins, m.frames, m.relayed, m.dropped)
	}
	return m
}

func (m *Metrics) connected(delta float64) {
	if m != nil {
		m.connections.Add(delta)
	}
}

func (m *Metrics) liveChannels(n int) {
	if m != nil {
		m.channels.Set(float64(n))
	}
}

func (m *Metrics) join(outcome string) {
	if m != nil {
		m.joins.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) frame(typ string) {
	if m != nil {
		m.frames.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) relay(dropped int) {
	if m == nil {
		return
	}
	m.relayed.Inc()
	if dropped > 0 {
		m.dropped.Add(float64(dropped))
	}
}

func (m *Metrics) drop(n int) {
	if m != nil && n > 0 {
		m.dropped.Add(float64(n))
	}
}
