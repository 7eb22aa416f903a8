package chat

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the chat-layer instrumentation.
type Metrics struct {
	EventsTotal     *prometheus.CounterVec
	BroadcastsTotal *prometheus.CounterVec
	StoreFailures   prometheus.Counter
	Connections     prometheus.Gauge
}

// NewMetrics constructs and registers the chat metrics on reg.
// A nil registerer yields inert metrics (handy for tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "chat",
			Name:      "events_total",
			Help:      "Inbound socket events by type.",
		}, []string{"type"}),
		BroadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "chat",
			Name:      "broadcasts_total",
			Help:      "Outbound fan-out emissions by scope.",
		}, []string{"scope"}),
		StoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "chat",
			Name:      "store_failures_total",
			Help:      "Persistence operations that returned an error.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "parley",
			Subsystem: "chat",
			Name:      "connections",
			Help:      "Currently open websocket sessions.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.EventsTotal, m.BroadcastsTotal, m.StoreFailures, m.Connections)
	}
	return m
}

func (m *Metrics) event(typ string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(typ).Inc()
}

func (m *Metrics) broadcast(scope string) {
	if m == nil {
		return
	}
	m.BroadcastsTotal.WithLabelValues(scope).Inc()
}

func (m *Metrics) storeFailure() {
	if m == nil {
		return
	}
	m.StoreFailures.Inc()
}

func (m *Metrics) connOpen() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) connClose() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}
