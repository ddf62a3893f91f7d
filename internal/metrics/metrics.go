package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_booking_transitions_total",
			Help: "Booking lifecycle transitions by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_webhook_events_total",
			Help: "Gateway webhook events by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	jobResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_job_items_total",
			Help: "Items handled by reconciliation jobs",
		},
		[]string{"job", "outcome"},
	)

	notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_notifications_total",
			Help: "Notification attempts by template and outcome",
		},
		[]string{"template", "outcome"},
	)

	gatewayCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "studio_gateway_call_duration_seconds",
			Help:    "Duration of payment gateway calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"operation"},
	)
)

func RecordTransition(action string, err error) {
	bookingTransitions.WithLabelValues(action, outcome(err)).Inc()
}

func RecordWebhookEvent(eventType string, result string) {
	webhookEvents.WithLabelValues(eventType, result).Inc()
}

func RecordJobItems(job string, result string, count int) {
	if count <= 0 {
		return
	}
	jobResults.WithLabelValues(job, result).Add(float64(count))
}

func RecordNotification(template string, err error) {
	notifications.WithLabelValues(template, outcome(err)).Inc()
}

func ObserveGatewayCall(operation string, seconds float64) {
	gatewayCallDuration.WithLabelValues(operation).Observe(seconds)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
