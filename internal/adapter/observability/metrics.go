// Package observability provides logging, metrics, and tracing.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "index_jobs_enqueued_total",
			Help: "Total number of indexing jobs enqueued",
		},
	)
	JobsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "index_jobs_processing",
			Help: "Number of indexing jobs currently processing",
		},
	)
	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "index_jobs_completed_total",
			Help: "Total number of indexing jobs completed",
		},
	)
	JobsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "index_jobs_failed_total",
			Help: "Total number of indexing jobs failed",
		},
	)
	QueuePendingDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_pending_depth",
			Help: "Length of the pending job list at last stats scan",
		},
	)
	SyncFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "index_sync_fallbacks_total",
			Help: "Submissions processed synchronously because the store was unreachable",
		},
	)

	EmbeddingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "embedding_duration_seconds",
			Help:    "Image embedding call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)
	VectorUpsertDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vector_upsert_duration_seconds",
			Help:    "Vector store upsert duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)
)

// InitMetrics registers all collectors with the default registry. Call once
// per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(QueuePendingDepth)
	prometheus.MustRegister(SyncFallbacksTotal)
	prometheus.MustRegister(EmbeddingDuration)
	prometheus.MustRegister(VectorUpsertDuration)
}

// EnqueueJob records a job entering the queue.
func EnqueueJob() { JobsEnqueuedTotal.Inc() }

// StartProcessingJob records a job moving to the processing state.
func StartProcessingJob() { JobsProcessing.Inc() }

// CompleteJob records a successful terminal transition.
func CompleteJob() {
	JobsProcessing.Dec()
	JobsCompletedTotal.Inc()
}

// FailJob records a failed terminal transition.
func FailJob() {
	JobsProcessing.Dec()
	JobsFailedTotal.Inc()
}

// SetQueueDepth publishes the pending list length.
func SetQueueDepth(n int64) { QueuePendingDepth.Set(float64(n)) }

// SyncFallback records a submission that bypassed the queue.
func SyncFallback() { SyncFallbacksTotal.Inc() }

// ObserveEmbedding records the duration of one embedding call.
func ObserveEmbedding(d time.Duration) { EmbeddingDuration.Observe(d.Seconds()) }

// ObserveVectorUpsert records the duration of one vector store upsert.
func ObserveVectorUpsert(d time.Duration) { VectorUpsertDuration.Observe(d.Seconds()) }

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside the chi router; guard nil.
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
