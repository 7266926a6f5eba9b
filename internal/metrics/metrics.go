// Package metrics provides Prometheus metrics for the media storage subsystem.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics, labelled by route pattern
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "code"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediastore_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// Backend operation metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediastore_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"kind", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_storage_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"kind", "operation", "status"},
	)

	storageBytesUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_storage_bytes_uploaded_total",
			Help: "Total bytes uploaded to storage backends",
		},
		[]string{"kind"},
	)

	uploadsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_uploads_rejected_total",
			Help: "Uploads rejected by admission control",
		},
		[]string{"reason"},
	)

	// Quota cache
	quotaCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_quota_cache_lookups_total",
			Help: "Quota cache lookups by result",
		},
		[]string{"result"},
	)

	// Per-storage gauges
	storageUsagePercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mediastore_storage_usage_percent",
			Help: "Used capacity of a storage backend in percent",
		},
		[]string{"storage"},
	)

	storageHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mediastore_storage_healthy",
			Help: "1 if the last connection test to the storage succeeded",
		},
		[]string{"storage"},
	)

	// Migration metrics
	migrationFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_migration_files_total",
			Help: "Files processed by batch migrations",
		},
		[]string{"status"},
	)

	migrationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediastore_migrations_active",
			Help: "Number of migration reports still in progress",
		},
	)

	// Signed URLs
	signedURLVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_signed_url_verifications_total",
			Help: "Signed URL verification attempts",
		},
		[]string{"result"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediastore_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediastore_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediastore_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)

	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_auth_attempts_total",
			Help: "Total admin authentication attempts",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordStorageOperation records one adapter call.
func RecordStorageOperation(kind, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(kind, operation).Observe(duration.Seconds())
	storageOperationsTotal.WithLabelValues(kind, operation, status(success)).Inc()
}

// RecordUploadBytes adds bytes successfully written to a backend.
func RecordUploadBytes(kind string, bytes int64) {
	storageBytesUploaded.WithLabelValues(kind).Add(float64(bytes))
}

// RecordUploadRejected records an upload refused before any I/O.
func RecordUploadRejected(reason string) {
	uploadsRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordQuotaCacheLookup records a quota cache hit or miss.
func RecordQuotaCacheLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	quotaCacheLookups.WithLabelValues(result).Inc()
}

// SetStorageUsage sets the usage and health gauges for a storage.
func SetStorageUsage(storage string, usagePercent float64, healthy bool) {
	storageUsagePercent.WithLabelValues(storage).Set(usagePercent)
	h := 0.0
	if healthy {
		h = 1
	}
	storageHealthy.WithLabelValues(storage).Set(h)
}

// RecordMigrationFile records the outcome of one migrated file.
func RecordMigrationFile(success bool) {
	migrationFilesTotal.WithLabelValues(status(success)).Inc()
}

// SetMigrationsActive sets the number of in-progress migrations.
func SetMigrationsActive(count int) {
	migrationsActive.Set(float64(count))
}

// RecordSignedURLVerification records a signed URL check.
func RecordSignedURLVerification(valid bool) {
	result := "valid"
	if !valid {
		result = "invalid"
	}
	signedURLVerifications.WithLabelValues(result).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// InstrumentRoute wraps h so its requests are counted and timed under
// route, which should be the mux pattern h is registered with.
func InstrumentRoute(route string, h http.Handler) http.Handler {
	labels := prometheus.Labels{"route": route}
	return promhttp.InstrumentHandlerDuration(
		httpRequestDuration.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(httpRequestsTotal.MustCurryWith(labels), h),
	)
}
