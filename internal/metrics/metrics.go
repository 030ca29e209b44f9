package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the realtime bridge collectors. Each instance owns its own
// registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	PublishTotal       *prometheus.CounterVec // event_type, result
	TopicWrites        *prometheus.CounterVec // family
	RoutedTotal        *prometheus.CounterVec // family
	DroppedTotal       *prometheus.CounterVec // reason
	ListenerErrors     prometheus.Counter
	Connections        *prometheus.GaugeVec // transport
	Rooms              prometheus.Gauge
	RegistrationsTotal *prometheus.CounterVec // transport, result
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pbs_realtime",
			Name:      "publish_total",
			Help:      "Publish calls by event type and result.",
		}, []string{"event_type", "result"}),
		TopicWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pbs_realtime",
			Name:      "topic_writes_total",
			Help:      "Envelopes written to the broker by topic family.",
		}, []string{"family"}),
		RoutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pbs_realtime",
			Name:      "routed_total",
			Help:      "Envelopes delivered to the transport by topic family.",
		}, []string{"family"}),
		DroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pbs_realtime",
			Name:      "dropped_total",
			Help:      "Envelopes dropped by the router.",
		}, []string{"reason"}),
		ListenerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pbs_realtime",
			Name:      "listener_broker_errors_total",
			Help:      "Broker errors observed by the listener loop.",
		}),
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pbs_realtime",
			Name:      "connections",
			Help:      "Live client connections.",
		}, []string{"transport"}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pbs_realtime",
			Name:      "rooms",
			Help:      "Non-empty websocket rooms.",
		}),
		RegistrationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pbs_realtime",
			Name:      "registrations_total",
			Help:      "register_user messages by transport and result.",
		}, []string{"transport", "result"}),
	}

	reg.MustRegister(
		m.PublishTotal,
		m.TopicWrites,
		m.RoutedTotal,
		m.DroppedTotal,
		m.ListenerErrors,
		m.Connections,
		m.Rooms,
		m.RegistrationsTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
