package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Event publishing metrics
	EventPublishTotal    *prometheus.CounterVec
	EventPublishDuration *prometheus.HistogramVec

	// Request body validation metrics
	SchemaValidationTotal *prometheus.CounterVec

	// Approval workflow metrics
	ApprovalsTotal          *prometheus.CounterVec
	ApprovalDuration        *prometheus.HistogramVec
	RelocationFailuresTotal *prometheus.CounterVec

	// Download and billing metrics
	DownloadsTotal     *prometheus.CounterVec
	BillingEventsTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics returns the process-wide Metrics, creating and registering it on first use.
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		EventPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "event_publish_duration_seconds",
			Help:    "Event publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type", "status"}),

		SchemaValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schema_validation_total",
			Help: "Total number of request body validations",
		}, []string{"schema", "status"}),

		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_total",
			Help: "Approval workflow calls by operation and outcome",
		}, []string{"operation", "outcome"}),

		ApprovalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approval_duration_seconds",
			Help:    "Approval workflow duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation", "outcome"}),

		RelocationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relocation_failures_total",
			Help: "Object moves that failed, by object kind",
		}, []string{"kind"}),

		DownloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "downloads_total",
			Help: "Download attempts by outcome",
		}, []string{"outcome"}),

		BillingEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_events_total",
			Help: "Billing webhook events by type and outcome",
		}, []string{"type", "outcome"}),
	}

	registerMetrics(m)
	globalMetrics = m
	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.EventPublishTotal)
	registerOrGet(m.EventPublishDuration)
	registerOrGet(m.SchemaValidationTotal)
	registerOrGet(m.ApprovalsTotal)
	registerOrGet(m.ApprovalDuration)
	registerOrGet(m.RelocationFailuresTotal)
	registerOrGet(m.DownloadsTotal)
	registerOrGet(m.BillingEventsTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

// status maps an error to a "success"/"error" label.
func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveApproval records one approval workflow call.
func (m *Metrics) ObserveApproval(operation, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.ApprovalsTotal.WithLabelValues(operation, outcome).Inc()
	m.ApprovalDuration.WithLabelValues(operation, outcome).Observe(time.Since(started).Seconds())
}

// ObserveEventPublish records one event publish.
func (m *Metrics) ObserveEventPublish(eventType string, err error, started time.Time) {
	if m == nil {
		return
	}
	s := status(err)
	m.EventPublishTotal.WithLabelValues(eventType, s).Inc()
	m.EventPublishDuration.WithLabelValues(eventType, s).Observe(time.Since(started).Seconds())
}

// IncRelocationFailure counts a failed object move.
func (m *Metrics) IncRelocationFailure(kind string) {
	if m == nil {
		return
	}
	m.RelocationFailuresTotal.WithLabelValues(kind).Inc()
}

// IncDownload counts a download attempt.
func (m *Metrics) IncDownload(outcome string) {
	if m == nil {
		return
	}
	m.DownloadsTotal.WithLabelValues(outcome).Inc()
}

// IncBillingEvent counts a billing webhook delivery.
func (m *Metrics) IncBillingEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.BillingEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// IncSchemaValidation counts a request body validation.
func (m *Metrics) IncSchemaValidation(schema string, err error) {
	if m == nil {
		return
	}
	m.SchemaValidationTotal.WithLabelValues(schema, status(err)).Inc()
}
