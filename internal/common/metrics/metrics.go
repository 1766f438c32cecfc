// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rules_events_received_total",
			Help: "Total number of domain events accepted for dispatch",
		},
		[]string{"event_type"},
	)

	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rules_events_dispatched_total",
			Help: "Total number of events that finished dispatch, by final state",
		},
		[]string{"event_type", "state"},
	)

	TriggerOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rules_trigger_outcomes_total",
			Help: "Per-trigger outcomes: fired, skipped, empty, failed",
		},
		[]string{"trigger_id", "outcome"},
	)

	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rules_notifications_created_total",
			Help: "Total number of notifications persisted",
		},
		[]string{"category"},
	)

	StoreRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rules_notification_store_retries_total",
			Help: "Total number of retried notification store writes",
		},
	)

	StoreAlerts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rules_notification_store_exhausted_total",
			Help: "Notification writes dropped after exhausting the retry budget",
		},
	)

	ConsentDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rules_consent_decisions_total",
			Help: "Consent gate decisions by category",
		},
		[]string{"category", "decision"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rules_channel_deliveries_total",
			Help: "External channel deliveries by channel and status",
		},
		[]string{"channel", "status"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "rules_dispatch_duration_seconds",
			Help: "Duration of event dispatch in seconds",
		},
		[]string{"event_type"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rules_queue_depth",
			Help: "Number of queued items per pool",
		},
		[]string{"pool"},
	)

	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)
)
