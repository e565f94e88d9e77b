package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tryon_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tryon_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	generationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tryon_generations_total",
		Help: "Generation outcomes by status (success, cached, failed)",
	}, []string{"status"})

	generationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tryon_generation_duration_seconds",
		Help:    "End-to-end generation latency",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
	}, []string{"status"})

	providerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tryon_provider_duration_seconds",
		Help:    "Duration of image provider calls",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
	}, []string{"result"})

	rateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tryon_ratelimit_decisions_total",
		Help: "Rate limiter decisions (allowed, rejected, fail_open)",
	}, []string{"result"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tryon_cache_lookups_total",
		Help: "Result cache lookups (hit, miss, error)",
	}, []string{"result"})

	admissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tryon_admission_rejections_total",
		Help: "Requests rejected by the admission pipeline, by error kind",
	}, []string{"kind"})

	queueJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tryon_queue_jobs_total",
		Help: "Queued generation jobs by outcome (enqueued, completed, retried, requeued, failed)",
	}, []string{"result"})

	sweptRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tryon_retention_swept_total",
		Help: "Rows removed by the retention sweeper",
	}, []string{"table"})
)

// ObserveHTTPRequest records an HTTP request metric
func ObserveHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

func ObserveGeneration(status string, duration time.Duration) {
	generationsTotal.WithLabelValues(status).Inc()
	generationDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func ObserveProvider(result string, duration time.Duration) {
	providerDuration.WithLabelValues(result).Observe(duration.Seconds())
}

func ObserveRateLimit(result string) {
	rateLimitDecisions.WithLabelValues(result).Inc()
}

func ObserveCache(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}

func ObserveRejection(kind string) {
	admissionRejections.WithLabelValues(kind).Inc()
}

func ObserveQueueJob(result string) {
	queueJobs.WithLabelValues(result).Inc()
}

func ObserveSweep(table string, rows int64) {
	sweptRows.WithLabelValues(table).Add(float64(rows))
}
