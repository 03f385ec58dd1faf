// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	remoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_remote_requests_total",
			Help: "Total number of remote API requests, labeled by endpoint and outcome.",
		},
		[]string{"endpoint", "outcome"},
	)

	remoteRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_remote_request_duration_seconds",
			Help:    "Histogram of remote API request latencies, labeled by endpoint.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"endpoint"},
	)

	rateLimitRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_rate_limit_retries_total",
			Help: "Total number of HTTP 412 cool-down retries, labeled by endpoint.",
		},
		[]string{"endpoint"},
	)

	rateLimitExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_rate_limit_exhausted_total",
			Help: "Total number of requests that exhausted the 412 retry budget.",
		},
	)

	pacingDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawler_pacing_delay_seconds",
			Help:    "Histogram of request pacing wait durations.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
	)

	chainsWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_chains_written_total",
			Help: "Total number of dialogue chains persisted.",
		},
	)

	rootCommentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_root_comments_total",
			Help: "Total number of root comments handled, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_tasks_total",
			Help: "Total number of tasks processed, labeled by status.",
		},
		[]string{"status"},
	)

	activeFetches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_pool_active_tasks",
			Help: "Number of pool tasks currently executing.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests served, labeled by method and code.",
		},
		[]string{"method", "code"},
	)
)

// Root comment outcomes.
const (
	OutcomeSaved   = "saved"
	OutcomeSkipped = "skipped"
	OutcomeEmpty   = "empty"
)

// SanitizeEndpoint reduces a URL to its path so label cardinality stays bounded.
// It returns "unknown" if the URL is invalid.
func SanitizeEndpoint(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "unknown"
	}
	path := strings.ToLower(strings.TrimRight(u.Path, "/"))
	if path == "" {
		return "unknown"
	}
	return path
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one remote request attempt.
func ObserveRequest(rawURL string, outcome string, duration time.Duration) {
	endpoint := SanitizeEndpoint(rawURL)
	remoteRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	remoteRequestDurationSeconds.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveRateLimitRetry records a 412 cool-down.
func ObserveRateLimitRetry(rawURL string) {
	rateLimitRetriesTotal.WithLabelValues(SanitizeEndpoint(rawURL)).Inc()
}

// ObserveRateLimitExhausted records a request that gave up on 412s.
func ObserveRateLimitExhausted() {
	rateLimitExhaustedTotal.Inc()
}

// ObservePacingDelay records time spent waiting on the request pacer.
func ObservePacingDelay(duration time.Duration) {
	pacingDelaySeconds.Observe(duration.Seconds())
}

// ObserveChains adds persisted chains.
func ObserveChains(n int) {
	if n > 0 {
		chainsWrittenTotal.Add(float64(n))
	}
}

// ObserveRootComment records how a root comment was handled.
func ObserveRootComment(outcome string) {
	rootCommentsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTask increments the task counter for the given status.
func ObserveTask(status string) {
	tasksTotal.WithLabelValues(status).Inc()
}

// IncActiveFetches increments the pool gauge.
func IncActiveFetches() {
	activeFetches.Inc()
}

// DecActiveFetches decrements the pool gauge.
func DecActiveFetches() {
	activeFetches.Dec()
}

// ObserveHTTPRequest records a request served by the API.
func ObserveHTTPRequest(method string, code int) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
}
