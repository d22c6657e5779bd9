package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsSink receives request and rate-limit events from the pipeline.
// Implementations must be fire-and-forget: failures are logged by the
// implementation, never returned to the caller.
type MetricsSink interface {
	// RecordRequest records one completed request. It is called exactly
	// once per request, on every path including aborts and panics.
	RecordRequest(method, path string, status int, duration time.Duration)

	// RecordRateLimit records one rate-limit admission decision.
	RecordRateLimit(resource string, allowed bool)
}

// RequestMetrics is the Prometheus-backed MetricsSink.
type RequestMetrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimitDecision *prometheus.CounterVec
}

var (
	requestMetrics     *RequestMetrics
	requestMetricsOnce sync.Once
)

// GetRequestMetrics returns the singleton request metrics instance.
func GetRequestMetrics() *RequestMetrics {
	requestMetricsOnce.Do(func() {
		requestMetrics = newRequestMetrics()
	})
	return requestMetrics
}

func newRequestMetrics() *RequestMetrics {
	return &RequestMetrics{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "pipeline",
				Name:      "requests_total",
				Help:      "Total number of requests processed by the pipeline",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Subsystem: "pipeline",
				Name:      "request_duration_seconds",
				Help:      "Request processing duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		rateLimitDecision: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "pipeline",
				Name:      "rate_limit_decisions_total",
				Help:      "Total number of rate limit admission decisions",
			},
			[]string{"resource", "decision"},
		),
	}
}

// RecordRequest implements MetricsSink.
func (m *RequestMetrics) RecordRequest(method, path string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRateLimit implements MetricsSink.
func (m *RequestMetrics) RecordRateLimit(resource string, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "rejected"
	}
	m.rateLimitDecision.WithLabelValues(resource, decision).Inc()
}

// NopMetricsSink is a MetricsSink that discards everything.
type NopMetricsSink struct{}

// RecordRequest implements MetricsSink.
func (NopMetricsSink) RecordRequest(string, string, int, time.Duration) {}

// RecordRateLimit implements MetricsSink.
func (NopMetricsSink) RecordRateLimit(string, bool) {}
