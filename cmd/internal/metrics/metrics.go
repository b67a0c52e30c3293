// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inbox_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// WSConnectionsActive tracks open realtime connections on this node.
	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inbox_ws_connections_active",
			Help: "Number of active realtime connections",
		},
	)

	// RealtimeEventsTotal counts inbound realtime events by type and outcome.
	RealtimeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_realtime_events_total",
			Help: "Inbound realtime events",
		},
		[]string{"type", "result"},
	)

	// MessagesSentTotal counts persisted messages by type.
	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_messages_sent_total",
			Help: "Total messages persisted",
		},
		[]string{"type"},
	)

	// MessagesReadTotal counts unread to read transitions.
	MessagesReadTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inbox_messages_read_total",
			Help: "Total messages marked read",
		},
	)

	// SummaryStaleTotal counts writes whose conversation summary could not be updated.
	SummaryStaleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_summary_stale_total",
			Help: "Writes that left a conversation summary stale",
		},
		[]string{"op"},
	)

	// FanoutPublishFailures counts cross-node delivery publish errors.
	FanoutPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_fanout_publish_failures_total",
			Help: "Cross-node fanout publish failures",
		},
		[]string{"backend"},
	)

	// DeliveriesDropped counts room deliveries lost to a full session queue.
	DeliveriesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inbox_realtime_deliveries_dropped_total",
			Help: "Realtime deliveries dropped because a session queue was full",
		},
	)

	// EventPublishFailures counts domain event publish errors.
	EventPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_event_publish_failures_total",
			Help: "Domain event publish failures",
		},
		[]string{"type"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, route, status string, duration float64) {
	RequestDuration.WithLabelValues(method, route, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, route, status).Inc()
}

// RecordRealtimeEvent records the outcome of one inbound realtime event.
func RecordRealtimeEvent(eventType, result string) {
	RealtimeEventsTotal.WithLabelValues(eventType, result).Inc()
}

// RecordMessageSent records one persisted message.
func RecordMessageSent(messageType string) {
	MessagesSentTotal.WithLabelValues(messageType).Inc()
}

// RecordMessagesRead records n read transitions.
func RecordMessagesRead(n int) {
	if n > 0 {
		MessagesReadTotal.Add(float64(n))
	}
}

// RecordSummaryStale records a stale conversation summary.
func RecordSummaryStale(op string) {
	SummaryStaleTotal.WithLabelValues(op).Inc()
}

// RecordFanoutFailure records a failed cross-node publish.
func RecordFanoutFailure(backend string) {
	FanoutPublishFailures.WithLabelValues(backend).Inc()
}

// RecordDeliveryDropped records one delivery dropped by backpressure.
func RecordDeliveryDropped() {
	DeliveriesDropped.Inc()
}

// IncrementWSConnections increments the active connection count.
func IncrementWSConnections() {
	WSConnectionsActive.Inc()
}

// DecrementWSConnections decrements the active connection count.
func DecrementWSConnections() {
	WSConnectionsActive.Dec()
}
