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

	// Storage operation metrics
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Domain outcomes
	IngestEventsTotal          *prometheus.CounterVec
	DownloadAuthorizationTotal *prometheus.CounterVec
	EntitlementLookupTotal     *prometheus.CounterVec

	// Event publishing metrics
	EventPublishTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics returns the process-wide Metrics, registering it on first use.
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ent_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ent_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),

		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ent_storage_operations_total",
			Help: "Total number of entitlement store operations",
		}, []string{"operation", "status"}),

		StorageOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ent_storage_operation_duration_seconds",
			Help:    "Entitlement store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		IngestEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ent_ingest_events_total",
			Help: "Payment notifications by ingestion result",
		}, []string{"result"}),

		DownloadAuthorizationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ent_download_authorizations_total",
			Help: "Download authorization decisions by outcome",
		}, []string{"outcome"}),

		EntitlementLookupTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ent_entitlement_lookups_total",
			Help: "Entitlement lookups by path and result",
		}, []string{"path", "result"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ent_event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),
	}

	registerMetrics(m)
	globalMetrics = m
	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.StorageOperationTotal)
	registerOrGet(m.StorageOperationDuration)
	registerOrGet(m.IngestEventsTotal)
	registerOrGet(m.DownloadAuthorizationTotal)
	registerOrGet(m.EntitlementLookupTotal)
	registerOrGet(m.EventPublishTotal)
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

// ObserveStorage records one store call. status is "ok" or "error".
func (m *Metrics) ObserveStorage(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StorageOperationTotal.WithLabelValues(operation, status).Inc()
	m.StorageOperationDuration.WithLabelValues(operation, status).Observe(time.Since(started).Seconds())
}
