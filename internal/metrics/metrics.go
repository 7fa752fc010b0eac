package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the chat relay.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ActiveConnections prometheus.Gauge
	ActiveRooms       prometheus.Gauge
	EventsTotal       *prometheus.CounterVec
	AppendFailures    prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates metrics against a specific registerer. Tests use a
// fresh registry to avoid duplicate-registration panics.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_connections_total",
			Help: "Total websocket connections handled",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_active_connections",
			Help: "Current active websocket connections",
		}),
		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_active_rooms",
			Help: "Rooms with at least one subscriber",
		}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_events_total",
			Help: "Protocol events processed",
		}, []string{"event"}),
		AppendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_history_append_failures_total",
			Help: "Message persistence failures",
		}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_errors_total",
			Help: "Total errors",
		}, []string{"type"}),
	}
}
