package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
	httpErrorsTotal    *prometheus.CounterVec

	violationsTotal        *prometheus.CounterVec
	integrityPenalty       prometheus.Histogram
	concurrentRetriesTotal prometheus.Counter
	gradingDuration        *prometheus.HistogramVec
	gradedResponsesTotal   *prometheus.CounterVec
	overridesTotal         prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used by the API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proctor",
			Name:      "http_requests_total",
			Help:      "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "proctor",
			Name:      "http_latency_seconds",
			Help:      "Latency distribution for API requests.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proctor",
			Name:      "http_errors_total",
			Help:      "Total number of error responses returned by API endpoints.",
		}, []string{"method", "route", "status"})

		violationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proctor",
			Name:      "violations_total",
			Help:      "Violations recorded by type.",
		}, []string{"type"})

		integrityPenalty = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "proctor",
			Name:      "integrity_penalty",
			Help:      "Integrity points deducted per violation.",
			Buckets:   []float64{0, 1, 5, 10, 20, 30, 40},
		})

		concurrentRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proctor",
			Name:      "integrity_version_retries_total",
			Help:      "Integrity writes retried after a version conflict.",
		})

		gradingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "proctor",
			Name:      "grading_duration_seconds",
			Help:      "Time spent grading a session.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"outcome"})

		gradedResponsesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proctor",
			Name:      "grading_responses_total",
			Help:      "Responses graded by question type and resulting state.",
		}, []string{"type", "state"})

		overridesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proctor",
			Name:      "grading_overrides_total",
			Help:      "Manual score overrides applied.",
		})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			violationsTotal, integrityPenalty, concurrentRetriesTotal,
			gradingDuration, gradedResponsesTotal, overridesTotal,
		)
	})
}

// HTTPRequests exposes the request counter.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the request latency histogram.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the error response counter.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// Violations counts recorded violations.
func Violations() *prometheus.CounterVec {
	RegisterMetrics()
	return violationsTotal
}

// IntegrityPenalty observes deducted points.
func IntegrityPenalty() prometheus.Histogram {
	RegisterMetrics()
	return integrityPenalty
}

// VersionRetries counts optimistic concurrency retries.
func VersionRetries() prometheus.Counter {
	RegisterMetrics()
	return concurrentRetriesTotal
}

// GradingDuration observes session grading time.
func GradingDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return gradingDuration
}

// GradedResponses counts graded responses.
func GradedResponses() *prometheus.CounterVec {
	RegisterMetrics()
	return gradedResponsesTotal
}

// Overrides counts manual overrides.
func Overrides() prometheus.Counter {
	RegisterMetrics()
	return overridesTotal
}
