// Package metrics exposes Prometheus collectors for the review harvester.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesTotal                 *prometheus.CounterVec
	fetchAttemptsTotal         *prometheus.CounterVec
	recordsTotal               *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitWaitSeconds       *prometheus.HistogramVec
	cacheRequestsTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_harvester_pages_total",
				Help: "Source pages processed, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_harvester_fetch_attempts_total",
				Help: "Fetch attempts including retries, labeled by strategy.",
			},
			[]string{"strategy"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_harvester_records_total",
				Help: "Review records offered to the store, labeled by result.",
			},
			[]string{"result"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_harvester_jobs_total",
				Help: "Jobs reaching a terminal state, labeled by strategy and state.",
			},
			[]string{"strategy", "state"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "review_harvester_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "review_harvester_rate_limit_wait_seconds",
				Help:    "Histogram of rate limiter admission waits.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"limiter"},
		)

		cacheRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_harvester_cache_requests_total",
				Help: "Read-through cache lookups, labeled by query kind and result.",
			},
			[]string{"kind", "result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObservePage counts one processed source page.
func ObservePage(strategy, outcome string) {
	Init()
	pagesTotal.WithLabelValues(strategy, outcome).Inc()
}

// ObserveFetchAttempt counts one fetch attempt.
func ObserveFetchAttempt(strategy string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(strategy).Inc()
}

// ObserveRecords adds accepted and rejected record counts.
func ObserveRecords(accepted, rejected int) {
	Init()
	if accepted > 0 {
		recordsTotal.WithLabelValues("accepted").Add(float64(accepted))
	}
	if rejected > 0 {
		recordsTotal.WithLabelValues("rejected").Add(float64(rejected))
	}
}

// ObserveJob increments the job counter for the given terminal state.
func ObserveJob(strategy, state string) {
	Init()
	jobsTotal.WithLabelValues(strategy, state).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitWait records the duration of a limiter admission.
func ObserveRateLimitWait(limiter string, d time.Duration) {
	Init()
	rateLimitWaitSeconds.WithLabelValues(limiter).Observe(d.Seconds())
}

// ObserveCache records a cache lookup.
func ObserveCache(kind string, hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheRequestsTotal.WithLabelValues(kind, result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
