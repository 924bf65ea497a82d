package metrics

import "github.com/prometheus/client_golang/prometheus"

// RealtimeMetrics holds Prometheus metrics for connections, groups and fan-out.
type RealtimeMetrics struct {
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	Groups            prometheus.Gauge
	Subscriptions     prometheus.Gauge

	Broadcasts        *prometheus.CounterVec
	MessagesEnqueued  prometheus.Counter
	MessagesDropped   prometheus.Counter
	MessagesDelivered prometheus.Counter
	WriteDuration     prometheus.Histogram
	WriteFailures     prometheus.Counter

	Actions          *prometheus.CounterVec
	IdentityClosures prometheus.Counter

	RelayPublished     prometheus.Counter
	RelayReceived      prometheus.Counter
	RelayPublishErrors prometheus.Counter
	RelayBreakerState  prometheus.Gauge
	InboundRateLimited prometheus.Counter
	MalformedMessages  prometheus.Counter
	HandlerPanics      prometheus.Counter
}

// NewRealtimeMetrics creates and registers realtime metrics on the given registry.
func NewRealtimeMetrics(reg prometheus.Registerer) *RealtimeMetrics {
	m := &RealtimeMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of open WebSocket connections.",
		}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_total",
			Help:      "Total WebSocket connection attempts by result.",
		}, []string{"result"}),
		Groups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "groups",
			Help:      "Number of groups with at least one member.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "subscriptions",
			Help:      "Number of connection to group edges.",
		}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "events_total",
			Help:      "Total change events broadcast by origin.",
		}, []string{"origin"}),
		MessagesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "messages_enqueued_total",
			Help:      "Total messages accepted into connection queues.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "messages_dropped_total",
			Help:      "Total messages dropped because a connection queue was full.",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "messages_delivered_total",
			Help:      "Total messages written to transports.",
		}),
		WriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "write_duration_seconds",
			Help:      "Time spent writing a single message to a transport.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		WriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "write_failures_total",
			Help:      "Total transport write failures.",
		}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "actions_total",
			Help:      "Total dispatched actions by stream, action and reply status.",
		}, []string{"stream", "action", "status"}),
		IdentityClosures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "identity_closures_total",
			Help:      "Total connections closed because their identity changed.",
		}),
		RelayPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "published_total",
			Help:      "Total events published to other nodes.",
		}),
		RelayReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "received_total",
			Help:      "Total events received from other nodes.",
		}),
		RelayPublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "publish_errors_total",
			Help:      "Total failed or short-circuited relay publishes.",
		}),
		RelayBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "circuit_breaker_state",
			Help:      "Relay circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		InboundRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "rate_limited_messages_total",
			Help:      "Total inbound messages rejected by the per-connection rate limit.",
		}),
		MalformedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "malformed_messages_total",
			Help:      "Total inbound messages that could not be parsed.",
		}),
		HandlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "handler_panics_total",
			Help:      "Total panics recovered while handling inbound messages.",
		}),
	}

	reg.MustRegister(
		m.ActiveConnections, m.ConnectionsTotal, m.Groups, m.Subscriptions,
		m.Broadcasts, m.MessagesEnqueued, m.MessagesDropped, m.MessagesDelivered,
		m.WriteDuration, m.WriteFailures, m.Actions, m.IdentityClosures,
		m.RelayPublished, m.RelayReceived, m.RelayPublishErrors, m.RelayBreakerState,
		m.InboundRateLimited, m.MalformedMessages, m.HandlerPanics,
	)
	return m
}
