package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ConnectedDevices   *prometheus.GaugeVec
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	WSWriteErrors      *prometheus.CounterVec
	Notifications      *prometheus.CounterVec
	PresenceEvents     *prometheus.CounterVec
	RouterDecisions    *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec
	BreakerFailures    *prometheus.CounterVec
	UpstreamErrors     *prometheus.CounterVec
	AudioBufferBytes   prometheus.Histogram
	DeliveryLatency    prometheus.Histogram
	RemindersFired     prometheus.Counter
	ScheduledJobRuns   *prometheus.CounterVec
	WakewordSyncStatus *prometheus.GaugeVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ConnectedDevices: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_devices",
			Help:      "Connected devices by device type.",
		}, []string{"device_type"}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active voice sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by site.",
		}, []string{"site"}),
		Notifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification pipeline outcomes by source and outcome.",
		}, []string{"source", "outcome"}),
		PresenceEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_events_total",
			Help:      "Presence transitions by event type.",
		}, []string{"event"}),
		RouterDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_decisions_total",
			Help:      "Output router decisions by target type and availability.",
		}, []string{"target_type", "availability"}),
		BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"name"}),
		BreakerFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_failures_total",
			Help:      "Failures recorded per breaker.",
		}, []string{"name"}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Adapter errors by upstream and code.",
		}, []string{"upstream", "code"}),
		AudioBufferBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_audio_buffer_bytes",
			Help:      "Final audio buffer size per session in bytes.",
			Buckets:   prometheus.ExponentialBuckets(16*1024, 2, 10),
		}),
		DeliveryLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_delivery_ms",
			Help:      "Latency from event intake to delivery in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
		RemindersFired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_fired_total",
			Help:      "Reminders fired through the notification pipeline.",
		}),
		ScheduledJobRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_job_runs_total",
			Help:      "Scheduled job executions by job type and result.",
		}, []string{"job_type", "result"}),
		WakewordSyncStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wakeword_sync_devices",
			Help:      "Devices by wake-word sync state.",
		}, []string{"state"}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
