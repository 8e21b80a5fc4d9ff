package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bugbay_tasks_processed_total",
			Help: "Total number of tasks processed by terminal outcome.",
		},
		[]string{"task_type", "status"}, // status: completed, retried, failed
	)

	TaskRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bugbay_task_retries_total",
			Help: "Total number of task retries scheduled, by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, handler_error
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bugbay_webhook_deliveries_total",
			Help: "Total number of outbound webhook deliveries by outcome.",
		},
		[]string{"status"}, // delivered, rejected_4xx, failed, blocked
	)

	WebhookBlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bugbay_webhook_blocked_total",
			Help: "Total number of webhook destinations rejected by the URL safety check.",
		},
		[]string{"reason"}, // scheme, local_literal, dns, blocked_range
	)

	WebhookDeliverySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bugbay_webhook_delivery_seconds",
			Help:    "Latency of outbound webhook delivery attempts.",
			Buckets: prometheus.DefBuckets,
		},
	)

	BillingEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bugbay_billing_events_total",
			Help: "Total number of inbound billing events by outcome.",
		},
		[]string{"outcome"}, // accepted, duplicate, invalid, failed
	)

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bugbay_tasks_enqueued_total",
			Help: "Total number of tasks enqueued.",
		},
		[]string{"task_type"},
	)

	DLQTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bugbay_dlq_total",
			Help: "Total number of terminal task failures published to the dead letter topic.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		TasksProcessedTotal,
		TaskRetriesTotal,
		WebhookDeliveriesTotal,
		WebhookBlockedTotal,
		WebhookDeliverySeconds,
		BillingEventsTotal,
		TasksEnqueuedTotal,
		DLQTotal,
	)
}

// RecordTaskProcessed increments the processed counter for a task outcome.
func RecordTaskProcessed(taskType, status string) {
	TasksProcessedTotal.WithLabelValues(taskType, status).Inc()
}

// RecordRetry increments the retry counter for a failure reason.
func RecordRetry(reason string) {
	TaskRetriesTotal.WithLabelValues(reason).Inc()
}

// RecordWebhookDelivery records an outbound delivery outcome and latency.
func RecordWebhookDelivery(status string, latency time.Duration) {
	WebhookDeliveriesTotal.WithLabelValues(status).Inc()
	if latency > 0 {
		WebhookDeliverySeconds.Observe(latency.Seconds())
	}
}

// RecordWebhookBlocked increments the SSRF rejection counter.
func RecordWebhookBlocked(reason string) {
	WebhookBlockedTotal.WithLabelValues(reason).Inc()
}

// RecordBillingEvent increments the inbound event counter for an outcome.
func RecordBillingEvent(outcome string) {
	BillingEventsTotal.WithLabelValues(outcome).Inc()
}

// RecordTaskEnqueued increments the enqueue counter for a task type.
func RecordTaskEnqueued(taskType string) {
	TasksEnqueuedTotal.WithLabelValues(taskType).Inc()
}

// RecordDLQ increments the dead letter counter.
func RecordDLQ() {
	DLQTotal.Inc()
}
