package observer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsEnabled = true // Flag to control metric collection

	realtimeEventLabels = []string{"event_type", "site_id", "outcome"}

	RealtimeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_realtime_events_total",
			Help: "Total number of inbound realtime events, labeled by outcome (ok or error code).",
		},
		realtimeEventLabels,
	)
	RealtimeEventDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livechat_realtime_event_duration_seconds",
			Help:    "Histogram of inbound realtime event handling durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livechat_active_connections",
			Help: "Number of websocket connections currently attached to this instance.",
		},
		[]string{"role"},
	)
	RelayMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_relay_messages_total",
			Help: "Room emits relayed between instances, labeled by direction.",
		},
		[]string{"direction"},
	)
)

// Automation and delayed-job metrics
var (
	AutomationDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_automation_decisions_total",
			Help: "Automation engine decisions, labeled by trigger and decision.",
		},
		[]string{"site_id", "trigger", "decision"},
	)
	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_jobs_enqueued_total",
			Help: "Total number of delayed auto-reply jobs enqueued.",
		},
		[]string{"site_id", "trigger"},
	)
	JobsCancelledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_jobs_cancelled_total",
			Help: "Total number of pending jobs cancelled before firing.",
		},
		[]string{"site_id"},
	)
	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_jobs_finished_total",
			Help: "Jobs finished by the reply worker, labeled by final status.",
		},
		[]string{"site_id", "trigger", "status"},
	)
	JobRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_job_retries_total",
			Help: "Total number of job executions rescheduled after a transient failure.",
		},
		[]string{"site_id"},
	)
	JobProcessingDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livechat_job_processing_duration_seconds",
			Help:    "Histogram of reply worker job processing durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"site_id"},
	)
	JobFireLagSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "livechat_job_fire_lag_seconds",
		Help:    "Delay between a job's fire-at time and the moment the worker picked it up.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	})
	WorkerBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livechat_reply_worker_busy",
		Help: "Number of reply worker goroutines currently executing a job.",
	})
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_notifications_total",
			Help: "Outbound lead notifications, labeled by outcome.",
		},
		[]string{"outcome"},
	)
)

// Labels for database operations
var (
	dbOperationLabels = []string{"operation", "entity", "site_id", "status"}

	DatabaseOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livechat_db_operation_duration_seconds",
			Help:    "Histogram of database operation durations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		dbOperationLabels,
	)
)

// InitMetrics toggles metric collection. Collectors are registered by promauto at init.
func InitMetrics(enabled bool) {
	metricsEnabled = enabled
}

// sanitizeTenant ensures the tenant label is valid or returns a default value.
func sanitizeTenant(tenant string) string {
	if tenant == "" {
		return "unknown"
	}
	return tenant
}

// IncRealtimeEvent counts one handled inbound event.
func IncRealtimeEvent(eventType, siteID, outcome string) {
	if !metricsEnabled {
		return
	}
	RealtimeEventsTotal.WithLabelValues(eventType, sanitizeTenant(siteID), outcome).Inc()
}

// ObserveRealtimeEventDuration records the handling time of an inbound event.
func ObserveRealtimeEventDuration(eventType string, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	RealtimeEventDurationSeconds.WithLabelValues(eventType).Observe(duration.Seconds())
}

// AddActiveConnections adjusts the active connection gauge for a role.
func AddActiveConnections(role string, delta int) {
	if !metricsEnabled {
		return
	}
	ActiveConnections.WithLabelValues(role).Add(float64(delta))
}

// IncRelayMessages counts relay traffic ("in" or "out").
func IncRelayMessages(direction string) {
	if !metricsEnabled {
		return
	}
	RelayMessagesTotal.WithLabelValues(direction).Inc()
}

// IncAutomationDecision records what the engine decided for a trigger.
func IncAutomationDecision(siteID, trigger, decision string) {
	if !metricsEnabled {
		return
	}
	AutomationDecisionsTotal.WithLabelValues(sanitizeTenant(siteID), trigger, decision).Inc()
}

// IncJobsEnqueued counts an enqueued job.
func IncJobsEnqueued(siteID, trigger string) {
	if !metricsEnabled {
		return
	}
	JobsEnqueuedTotal.WithLabelValues(sanitizeTenant(siteID), trigger).Inc()
}

// AddJobsCancelled counts cancelled jobs.
func AddJobsCancelled(siteID string, n int64) {
	if !metricsEnabled || n <= 0 {
		return
	}
	JobsCancelledTotal.WithLabelValues(sanitizeTenant(siteID)).Add(float64(n))
}

// IncJobsFinished counts a job reaching a final status.
func IncJobsFinished(siteID, trigger, status string) {
	if !metricsEnabled {
		return
	}
	JobsFinishedTotal.WithLabelValues(sanitizeTenant(siteID), trigger, status).Inc()
}

// IncJobRetry counts a rescheduled job.
func IncJobRetry(siteID string) {
	if !metricsEnabled {
		return
	}
	JobRetriesTotal.WithLabelValues(sanitizeTenant(siteID)).Inc()
}

// ObserveJobProcessingDuration records how long one job execution took.
func ObserveJobProcessingDuration(siteID string, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	JobProcessingDurationSeconds.WithLabelValues(sanitizeTenant(siteID)).Observe(duration.Seconds())
}

// ObserveJobFireLag records how late a job was picked up.
func ObserveJobFireLag(lag time.Duration) {
	if !metricsEnabled {
		return
	}
	if lag < 0 {
		lag = 0
	}
	JobFireLagSeconds.Observe(lag.Seconds())
}

// SetWorkerBusy sets the number of running reply worker goroutines.
func SetWorkerBusy(n int) {
	if !metricsEnabled {
		return
	}
	WorkerBusy.Set(float64(n))
}

// IncNotifications counts an outbound notification attempt.
func IncNotifications(outcome string) {
	if !metricsEnabled {
		return
	}
	NotificationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDbOperationDuration records the duration for a database operation.
func ObserveDbOperationDuration(operation, entity, siteID string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseOperationDurationSeconds.WithLabelValues(operation, entity, sanitizeTenant(siteID), status).Observe(duration.Seconds())
}
