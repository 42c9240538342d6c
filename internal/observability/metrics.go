package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce           sync.Once
	chatRequestsTotal      *prometheus.CounterVec
	chatLatencySeconds     *prometheus.HistogramVec
	chatErrorsTotal        *prometheus.CounterVec
	chatMessageOpsTotal    *prometheus.CounterVec
	chatSubscriptions      prometheus.Gauge
	chatEventsDelivered    *prometheus.CounterVec
	chatSubscribersDropped prometheus.Counter
	chatJoinAttemptsTotal  *prometheus.CounterVec
	chatSessionsActive     prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used by the chat core.
func RegisterMetrics() {
	registerOnce.Do(func() {
		chatRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of chat API requests served.",
		}, []string{"method", "route", "status"})

		chatLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_http_latency_seconds",
			Help:    "Latency distribution for chat API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		chatErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_http_errors_total",
			Help: "Total number of error responses returned by chat endpoints.",
		}, []string{"method", "route", "status"})

		chatMessageOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_message_operations_total",
			Help: "Message store operations by kind and outcome.",
		}, []string{"op", "outcome"})

		chatSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_subscriptions_active",
			Help: "Channel subscriptions currently attached on this node.",
		})

		chatEventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_events_delivered_total",
			Help: "Channel events delivered to local subscribers.",
		}, []string{"kind"})

		chatSubscribersDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_subscribers_dropped_total",
			Help: "Subscribers disconnected because their event buffer overflowed.",
		})

		chatJoinAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_join_attempts_total",
			Help: "Session join attempts by outcome.",
		}, []string{"outcome"})

		chatSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_sessions_active",
			Help: "Chat sessions currently open.",
		})

		prometheus.MustRegister(
			chatRequestsTotal,
			chatLatencySeconds,
			chatErrorsTotal,
			chatMessageOpsTotal,
			chatSubscriptions,
			chatEventsDelivered,
			chatSubscribersDropped,
			chatJoinAttemptsTotal,
			chatSessionsActive,
		)
	})
}

// ChatRequests exposes the counter for chat HTTP requests.
func ChatRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return chatRequestsTotal
}

// ChatLatency exposes the latency histogram for chat HTTP requests.
func ChatLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return chatLatencySeconds
}

// ChatErrors exposes the counter for chat HTTP error responses.
func ChatErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return chatErrorsTotal
}

// ChatMessageOps counts message store operations.
func ChatMessageOps() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessageOpsTotal
}

// ChatSubscriptionsActive tracks attached channel subscriptions.
func ChatSubscriptionsActive() prometheus.Gauge {
	RegisterMetrics()
	return chatSubscriptions
}

// ChatEventsDelivered counts events handed to local subscribers.
func ChatEventsDelivered() *prometheus.CounterVec {
	RegisterMetrics()
	return chatEventsDelivered
}

// ChatSubscribersDropped counts slow consumers evicted from a channel.
func ChatSubscribersDropped() prometheus.Counter {
	RegisterMetrics()
	return chatSubscribersDropped
}

// ChatJoinAttempts counts session join attempts.
func ChatJoinAttempts() *prometheus.CounterVec {
	RegisterMetrics()
	return chatJoinAttemptsTotal
}

// ChatSessionsActive tracks open chat sessions.
func ChatSessionsActive() prometheus.Gauge {
	RegisterMetrics()
	return chatSessionsActive
}
