package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation and provides
// lightweight snapshots for API consumption.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	jobsTotal       *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	uploadsTotal    prometheus.Counter
	uploadBytes     prometheus.Counter
	rateLimited     prometheus.Counter

	requestCount         uint64
	requestDurationTotal uint64
	jobCount             uint64
	jobFailureCount      uint64
	uploadCount          uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	jobsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_processed_total",
		Help: "Processing jobs reaching a terminal status",
	}, []string{"tool", "status"})

	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_duration_seconds",
		Help:    "Wall-clock duration of job execution",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"tool"})

	uploadsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uploads_total",
		Help: "Accepted file uploads",
	})

	uploadBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upload_bytes_total",
		Help: "Accepted upload payload bytes",
	})

	rateLimited := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, jobsTotal, jobDuration, uploadsTotal, uploadBytes, rateLimited, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		jobsTotal:       jobsTotal,
		jobDuration:     jobDuration,
		uploadsTotal:    uploadsTotal,
		uploadBytes:     uploadBytes,
		rateLimited:     rateLimited,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// RegisterQueueDepth exposes a live dispatcher depth gauge per queue.
func (m *MetricsService) RegisterQueueDepth(queue string, depth func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "queue_depth",
		Help:        "Tokens waiting in the in-process dispatcher",
		ConstLabels: prometheus.Labels{"queue": queue},
	}, func() float64 {
		return float64(depth())
	}))
}

// ObserveHTTPRequest records request metrics and aggregates simple stats for
// snapshots.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// ObserveJob records one terminal job outcome.
func (m *MetricsService) ObserveJob(tool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(tool, status).Inc()
	m.jobDuration.WithLabelValues(tool).Observe(duration.Seconds())
	atomic.AddUint64(&m.jobCount, 1)
	if status != "COMPLETED" {
		atomic.AddUint64(&m.jobFailureCount, 1)
	}
}

// ObserveUpload records an accepted upload.
func (m *MetricsService) ObserveUpload(sizeBytes int64) {
	if m == nil {
		return
	}
	m.uploadsTotal.Inc()
	m.uploadBytes.Add(float64(sizeBytes))
	atomic.AddUint64(&m.uploadCount, 1)
}

// ObserveRateLimited counts a 429 rejection.
func (m *MetricsService) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// SystemMetrics is an aggregated snapshot for the admin surface.
type SystemMetrics struct {
	RequestsTotal            uint64    `json:"requests_total"`
	AverageRequestDurationMs float64   `json:"average_request_duration_ms"`
	JobsProcessed            uint64    `json:"jobs_processed"`
	JobFailures              uint64    `json:"job_failures"`
	Uploads                  uint64    `json:"uploads"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generated_at"`
}

// Snapshot returns aggregated metrics suitable for the stats endpoints.
func (m *MetricsService) Snapshot() SystemMetrics {
	if m == nil {
		return SystemMetrics{}
	}
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	return SystemMetrics{
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		JobsProcessed:            atomic.LoadUint64(&m.jobCount),
		JobFailures:              atomic.LoadUint64(&m.jobFailureCount),
		Uploads:                  atomic.LoadUint64(&m.uploadCount),
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
