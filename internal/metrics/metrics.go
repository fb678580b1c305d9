package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's Prometheus counters on a private registry
// so tests can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	DecodeFailures   prometheus.Counter
	Reconnects       prometheus.Counter
	PushesShown      prometheus.Counter
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "pigeon_messages_sent_total",
			Help: "Outbound messages handed to the broker.",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "pigeon_messages_received_total",
			Help: "Inbound messages decoded from the broker.",
		}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "pigeon_decode_failures_total",
			Help: "Inbound frames dropped because they could not be decoded.",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "pigeon_reconnects_total",
			Help: "Transport reconnect attempts.",
		}),
		PushesShown: factory.NewCounter(prometheus.CounterOpts{
			Name: "pigeon_pushes_shown_total",
			Help: "Notifications shown for push events.",
		}),
	}
}

// Handler returns an HTTP handler exposing the registry in Prometheus
// text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
