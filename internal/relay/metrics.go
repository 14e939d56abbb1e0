package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics is nil-safe; a nil *Metrics records nothing.
type Metrics struct {
	publishes  *prometheus.CounterVec
	inbound    prometheus.Counter
	reconnects prometheus.Counter
	queued     prometheus.Gauge
	connected  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wc",
			Subsystem: "relay",
			Name:      "publishes_total",
			Help:      "Relay publishes by outcome.",
		}, []string{"result"}),
		inbound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wc",
			Subsystem: "relay",
			Name:      "inbound_messages_total",
			Help:      "Messages delivered by the relay.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wc",
			Subsystem: "relay",
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wc",
			Subsystem: "relay",
			Name:      "queued_publishes",
			Help:      "Publishes waiting for a connection.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wc",
			Subsystem: "relay",
			Name:      "connected",
			Help:      "1 while the relay connection is up.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.publishes, m.inbound, m.reconnects, m.queued, m.connected)
	}
	return m
}

func (m *Metrics) publish(result string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(result).Inc()
}

func (m *Metrics) received() {
	if m == nil {
		return
	}
	m.inbound.Inc()
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) setQueued(n int) {
	if m == nil {
		return
	}
	m.queued.Set(float64(n))
}

func (m *Metrics) setConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}
