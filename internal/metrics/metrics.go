// Package metrics exposes Prometheus metrics for Herald
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for Herald
type Metrics struct {
	// Delivery counters
	NotificationsSentTotal     *prometheus.CounterVec
	NotificationsFailedTotal   *prometheus.CounterVec
	NotificationsDeferredTotal *prometheus.CounterVec
	NotificationsEnqueuedTotal *prometheus.CounterVec
	DeliveryDelaySeconds       *prometheus.HistogramVec

	// Rule engine
	EventsReceivedTotal       *prometheus.CounterVec
	RulesMatchedTotal         *prometheus.CounterVec
	EscalationsScheduledTotal *prometheus.CounterVec
	EscalationsCancelledTotal prometheus.Counter
	IngestMessagesTotal       *prometheus.CounterVec

	// Queue gauges
	QueuePending prometheus.Gauge
	QueueLeased  prometheus.Gauge
	QueueDue     prometheus.Gauge
	QueueFailed  prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Rate limiting
	RateLimitExceededTotal *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
	counters map[string]*prometheus.CounterVec
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		NotificationsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_notifications_sent_total",
				Help: "Total number of delivered notifications",
			},
			[]string{"channel"},
		),
		NotificationsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_notifications_failed_total",
				Help: "Total number of notifications that exhausted retries or failed permanently",
			},
			[]string{"channel", "error_type"},
		),
		NotificationsDeferredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_notifications_deferred_total",
				Help: "Total number of delivery attempts rescheduled",
			},
			[]string{"channel", "reason"},
		),
		NotificationsEnqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_notifications_enqueued_total",
				Help: "Total number of queue items created",
			},
			[]string{"channel", "kind"},
		),
		DeliveryDelaySeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "herald_delivery_delay_seconds",
				Help:    "Time between scheduled and actual delivery",
				Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 300, 900, 3600},
			},
			[]string{"channel"},
		),

		EventsReceivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_events_received_total",
				Help: "Total number of entity events evaluated",
			},
			[]string{"source", "trigger_type"},
		),
		RulesMatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_rules_matched_total",
				Help: "Total number of rule matches",
			},
			[]string{"kind"},
		),
		EscalationsScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_escalations_scheduled_total",
				Help: "Total number of escalation chains scheduled",
			},
			[]string{"trigger"},
		),
		EscalationsCancelledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "herald_escalation_steps_cancelled_total",
				Help: "Total number of escalation steps cancelled before delivery",
			},
		),
		IngestMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_ingest_messages_total",
				Help: "Total number of broker messages consumed",
			},
			[]string{"source", "result"},
		),

		QueuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "herald_queue_pending",
				Help: "Number of pending queue items",
			},
		),
		QueueLeased: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "herald_queue_leased",
				Help: "Number of items currently being delivered",
			},
		),
		QueueDue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "herald_queue_due",
				Help: "Number of pending items whose scheduled time has passed",
			},
		),
		QueueFailed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "herald_queue_failed",
				Help: "Number of failed queue items",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "family", "route", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "herald_api_request_duration_seconds",
				Help:    "API request duration in seconds, websocket streams excluded",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "family"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"family", "error_type"},
		),

		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_ratelimit_exceeded_total",
				Help: "Total number of rate limit exceeded events",
			},
			[]string{"level"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "herald_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "herald_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "herald_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.NotificationsSentTotal,
		m.NotificationsFailedTotal,
		m.NotificationsDeferredTotal,
		m.NotificationsEnqueuedTotal,
		m.DeliveryDelaySeconds,
		m.EventsReceivedTotal,
		m.RulesMatchedTotal,
		m.EscalationsScheduledTotal,
		m.EscalationsCancelledTotal,
		m.IngestMessagesTotal,
		m.QueuePending,
		m.QueueLeased,
		m.QueueDue,
		m.QueueFailed,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	// Labelled counters restored by the collector after a restart
	m.counters = map[string]*prometheus.CounterVec{
		"herald_notifications_sent_total":     m.NotificationsSentTotal,
		"herald_notifications_failed_total":   m.NotificationsFailedTotal,
		"herald_notifications_deferred_total": m.NotificationsDeferredTotal,
		"herald_notifications_enqueued_total": m.NotificationsEnqueuedTotal,
		"herald_events_received_total":        m.EventsReceivedTotal,
		"herald_rules_matched_total":          m.RulesMatchedTotal,
		"herald_escalations_scheduled_total":  m.EscalationsScheduledTotal,
		"herald_ratelimit_exceeded_total":     m.RateLimitExceededTotal,
	}

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncNotificationsSent increments the sent counter
func IncNotificationsSent(channel string) {
	if m := Global(); m != nil {
		m.NotificationsSentTotal.WithLabelValues(channel).Inc()
	}
}

// IncNotificationsFailed increments the failed counter
func IncNotificationsFailed(channel, errorType string) {
	if m := Global(); m != nil {
		m.NotificationsFailedTotal.WithLabelValues(channel, errorType).Inc()
	}
}

// IncNotificationsDeferred increments the deferred counter
func IncNotificationsDeferred(channel, reason string) {
	if m := Global(); m != nil {
		m.NotificationsDeferredTotal.WithLabelValues(channel, reason).Inc()
	}
}

// AddNotificationsEnqueued adds n created queue items
func AddNotificationsEnqueued(channel, kind string, n int) {
	if m := Global(); m != nil && n > 0 {
		m.NotificationsEnqueuedTotal.WithLabelValues(channel, kind).Add(float64(n))
	}
}

// ObserveDeliveryDelay records how late an item was delivered
func ObserveDeliveryDelay(channel string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	if m := Global(); m != nil {
		m.DeliveryDelaySeconds.WithLabelValues(channel).Observe(d.Seconds())
	}
}

// IncEventsReceived increments the evaluated events counter
func IncEventsReceived(source, triggerType string) {
	if m := Global(); m != nil {
		m.EventsReceivedTotal.WithLabelValues(source, triggerType).Inc()
	}
}

// AddRulesMatched adds n matches of the given rule kind
func AddRulesMatched(kind string, n int) {
	if m := Global(); m != nil && n > 0 {
		m.RulesMatchedTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// IncEscalationsScheduled increments the scheduled chains counter
func IncEscalationsScheduled(trigger string) {
	if m := Global(); m != nil {
		m.EscalationsScheduledTotal.WithLabelValues(trigger).Inc()
	}
}

// AddEscalationsCancelled adds n cancelled escalation steps
func AddEscalationsCancelled(n int) {
	if m := Global(); m != nil && n > 0 {
		m.EscalationsCancelledTotal.Add(float64(n))
	}
}

// IncIngestMessages increments the consumed broker messages counter
func IncIngestMessages(source, result string) {
	if m := Global(); m != nil {
		m.IngestMessagesTotal.WithLabelValues(source, result).Inc()
	}
}

// IncRateLimitExceeded increments rate limit exceeded counter
func IncRateLimitExceeded(level string) {
	if m := Global(); m != nil {
		m.RateLimitExceededTotal.WithLabelValues(level).Inc()
	}
}
