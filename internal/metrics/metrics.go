package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	TasksEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_tasks_enqueued_total",
			Help: "Enqueue calls by job type and whether they were deduplicated",
		},
		[]string{"job_type", "deduplicated"},
	)

	TasksCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_tasks_completed_total",
			Help: "Tasks reaching a terminal state",
		},
		[]string{"job_type", "status"}, // success, failed
	)

	TaskRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_task_retries_total",
			Help: "Failed attempts that were rescheduled",
		},
		[]string{"job_type"},
	)

	RecoveryEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_recovery_events_total",
			Help: "Recovery actions taken by the dispatcher",
		},
		[]string{"kind"}, // requeued, requeued_stale, lease_expired, inconsistent, promoted, orphan_retry
	)

	LoopFaultsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcore_dispatcher_loop_faults_total",
			Help: "Unexpected errors caught at the dispatcher loop top level",
		},
	)

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_alerts_total",
			Help: "Alerts emitted by component and severity",
		},
		[]string{"component", "severity"},
	)

	CronFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_cron_fired_total",
			Help: "Cron trigger executions by action type and result",
		},
		[]string{"action_type", "success"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_notifications_total",
			Help: "Envelopes pushed to the notification sink",
		},
		[]string{"type", "live"},
	)

	// Gauges
	QueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskcore_queue_length",
			Help: "Current number of ids in each transport structure",
		},
		[]string{"queue"}, // ready, processing, retry
	)

	CronTriggers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskcore_cron_triggers",
			Help: "Registered in-memory cron triggers including system triggers",
		},
	)

	TaskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskcore_task_duration_seconds",
			Help:    "Handler execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to ~163s
		},
		[]string{"job_type", "outcome"},
	)
)
