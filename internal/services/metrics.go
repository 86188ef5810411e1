package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// waybillsCreated counts persisted waybills; client_created tells whether
	// the client was registered on the fly.
	waybillsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waybills_created_total",
			Help: "Waybills created, by whether the client was auto-registered.",
		},
		[]string{"client_created"},
	)

	// notifications counts logged SMS attempts by template and outcome.
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waybill_notifications_total",
			Help: "SMS notification attempts by template key and logged status.",
		},
		[]string{"template", "status"},
	)

	// notificationLogFailures counts SMS attempts that could not be written
	// to sms_logs.
	notificationLogFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waybill_notification_log_failures_total",
			Help: "SMS attempts whose sms_logs insert failed, by template key.",
		},
		[]string{"template"},
	)

	// numberCollisions counts waybill-number retries after a unique violation.
	numberCollisions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "waybill_number_collisions_total",
			Help: "Waybill number candidates rejected by the unique index.",
		},
	)

	// quotaRejections counts requests refused by the per-user action limiter.
	quotaRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "action_quota_rejections_total",
			Help: "Requests rejected by the per-user sliding-window limiter.",
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(waybillsCreated, notifications, notificationLogFailures, numberCollisions, quotaRejections)
}
