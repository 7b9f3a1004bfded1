// Package metrics provides Prometheus collectors for the fanout service.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "fanout"

// Connection outcomes.
const (
	ConnAccepted     = "accepted"
	ConnUnauthorized = "unauthorized"
	ConnCapacity     = "capacity"
	ConnError        = "error"
)

// Webhook outcomes.
const (
	WebhookProcessed = "processed"
	WebhookFailed    = "failed"
	WebhookRejected  = "rejected"
)

// Metrics holds every collector the service exports.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	Connections       *prometheus.CounterVec
	MessagesSent      prometheus.Counter
	MessagesReceived  prometheus.Counter
	BrokerPublishes   *prometheus.CounterVec
	Webhooks          *prometheus.CounterVec
	WebhookQueueDepth prometheus.Gauge
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of active WebSocket connections on this instance.",
		}),
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_total",
			Help:      "WebSocket connection attempts by result.",
		}, []string{"result"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_sent_total",
			Help:      "Frames written to local WebSocket connections.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_received_total",
			Help:      "Frames read from local WebSocket connections.",
		}),
		BrokerPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "publishes_total",
			Help:      "Broker publish calls by channel scope and status.",
		}, []string{"scope", "status"}),
		Webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Inbound webhook events by provider and outcome.",
		}, []string{"provider", "outcome"}),
		WebhookQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "queue_depth",
			Help:      "Accepted webhook events waiting for fanout.",
		}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.Connections,
		m.MessagesSent,
		m.MessagesReceived,
		m.BrokerPublishes,
		m.Webhooks,
		m.WebhookQueueDepth,
	)
	return m
}

// RecordPublish records one broker publish.
func (m *Metrics) RecordPublish(scope string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.BrokerPublishes.WithLabelValues(scope, status).Inc()
}

// RecordWebhook records one webhook outcome.
func (m *Metrics) RecordWebhook(provider, outcome string) {
	m.Webhooks.WithLabelValues(provider, outcome).Inc()
}
