package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the broker's Prometheus collectors, bound to a private
// registry so tests can build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	ConnectionsEvicted prometheus.Counter
	ConnectionsDenied  prometheus.Counter

	MessagesReceived *prometheus.CounterVec
	MessagesSent     prometheus.Counter
	MessagesDropped  prometheus.Counter

	RetainedMessages    prometheus.Gauge
	SubscriptionsActive prometheus.Gauge

	ClusterForwards prometheus.Counter
	ClusterReceived prometheus.Counter
	Retransmissions prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dynamq",
			Name:      "connections_active",
			Help:      "Currently open client connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dynamq",
			Name:      "connections_total",
			Help:      "Accepted client connections since start.",
		}),
		ConnectionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dynamq",
			Name:      "connections_evicted_total",
			Help:      "Connections closed because a duplicate client id connected.",
		}),
		ConnectionsDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dynamq",
			Name:      "connections_denied_total",
			Help:      "Connections rejected by admission control.",
		}),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dynamq",
			Name:      "messages_received_total",
			Help:      "PUBLISH packets received from clients, by QoS.",
		}, []string{"qos"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dynamq",
			Name:      "messages_sent_total",
			Help:      "PUBLISH packets delivered to subscribers.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dynamq",
			Name:      "messages_dropped_total",
			Help:      "In-flight messages dropped after exhausting retries.",
		}),

		RetainedMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dynamq",
			Name:      "retained_messages",
			Help:      "Retained messages currently stored.",
		}),
		SubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dynamq",
			Name:      "subscriptions_active",
			Help:      "Active subscriptions on this node.",
		}),

		ClusterForwards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dynamq",
			Name:      "cluster_forwards_total",
			Help:      "Publishes broadcast to peer nodes.",
		}),
		ClusterReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dynamq",
			Name:      "cluster_received_total",
			Help:      "Publishes received from peer nodes.",
		}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dynamq",
			Name:      "retransmissions_total",
			Help:      "DUP retransmissions of unacknowledged messages.",
		}),
	}

	m.registry.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.ConnectionsEvicted,
		m.ConnectionsDenied,
		m.MessagesReceived,
		m.MessagesSent,
		m.MessagesDropped,
		m.RetainedMessages,
		m.SubscriptionsActive,
		m.ClusterForwards,
		m.ClusterReceived,
		m.Retransmissions,
	)

	return m
}

// ObserveReceived counts one inbound PUBLISH at the given QoS.
func (m *Metrics) ObserveReceived(qos byte) {
	m.MessagesReceived.WithLabelValues(strconv.Itoa(int(qos))).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
