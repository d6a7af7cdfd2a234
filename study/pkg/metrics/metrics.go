package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "study_importer_build_info",
			Help: "Build information of the study importer",
		},
		[]string{"version", "commit", "date"},
	)

	// Import metrics
	ImportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "study_importer_imports_total",
			Help: "Total number of dataset imports",
		},
		[]string{"dataset", "status"}, // status: "success", "invalid", "error"
	)

	ImportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "study_importer_import_duration_seconds",
			Help:    "Duration of dataset imports in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~82s
		},
		[]string{"dataset"},
	)

	RowsImportedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "study_importer_rows_imported_total",
			Help: "Total number of dataset rows written",
		},
		[]string{"dataset"},
	)

	RowErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "study_importer_row_errors_total",
			Help: "Total number of validation errors reported by imports",
		},
		[]string{"dataset"},
	)

	DuplicateConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "study_importer_duplicate_conflicts_total",
			Help: "Total number of duplicate key conflicts detected",
		},
		[]string{"dataset", "source"}, // source: "input", "database"
	)

	RowsReplacedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "study_importer_rows_replaced_total",
			Help: "Total number of stored rows deleted to be replaced",
		},
		[]string{"dataset"},
	)

	KeyLockWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "study_importer_key_lock_wait_seconds",
			Help:    "Time spent waiting for a managed-key dataset lock",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
	)

	AuditErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "study_importer_audit_errors_total",
			Help: "Total number of audit events that failed to record",
		},
	)

	MetadataCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "study_importer_metadata_cache_total",
			Help: "Metadata cache lookups",
		},
		[]string{"kind", "result"}, // result: "hit", "miss"
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "study_importer_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "study_importer_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "study_importer_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordImport records the outcome of one import.
func RecordImport(dataset string, duration time.Duration, rows, rowErrors int, err error) {
	status := "success"
	switch {
	case err != nil && rowErrors > 0:
		status = "invalid"
	case err != nil:
		status = "error"
	}
	ImportsTotal.WithLabelValues(dataset, status).Inc()
	ImportDuration.WithLabelValues(dataset).Observe(duration.Seconds())
	if rows > 0 {
		RowsImportedTotal.WithLabelValues(dataset).Add(float64(rows))
	}
	if rowErrors > 0 {
		RowErrorsTotal.WithLabelValues(dataset).Add(float64(rowErrors))
	}
}
