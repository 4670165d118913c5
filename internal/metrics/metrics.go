// Package metrics exposes Prometheus collectors for the register crawler.
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

// Record status label values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

var (
	crawlerPagesTotal               prometheus.Counter
	crawlerIdentifiersEnqueuedTotal prometheus.Counter
	crawlerRecordsTotal             *prometheus.CounterVec
	crawlerFetchDurationSeconds     *prometheus.HistogramVec
	crawlerJobsTotal                *prometheus.CounterVec
	crawlerActiveWorkers            prometheus.Gauge
	crawlerRateLimitDelaysSeconds   prometheus.Histogram
	httpRequestsTotal               *prometheus.CounterVec
	httpRequestDurationSeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of search result pages scraped.",
			},
		)

		crawlerIdentifiersEnqueuedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_identifiers_enqueued_total",
				Help: "Total number of registrant identifiers placed on the work queue.",
			},
		)

		crawlerRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_records_total",
				Help: "Total number of detail records produced, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of page render durations, labeled by page kind.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"kind"},
		)

		crawlerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_total",
				Help: "Total number of crawl jobs finished, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of detail workers currently running.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
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
	return promhttp.Handler()
}

// ObservePage increments the scraped results page counter.
func ObservePage() {
	Init()
	crawlerPagesTotal.Inc()
}

// ObserveEnqueued adds n to the enqueued identifiers counter.
func ObserveEnqueued(n int) {
	if n <= 0 {
		return
	}
	Init()
	crawlerIdentifiersEnqueuedTotal.Add(float64(n))
}

// ObserveRecord increments the record counter for the given outcome.
func ObserveRecord(failed bool) {
	Init()
	status := StatusOK
	if failed {
		status = StatusError
	}
	crawlerRecordsTotal.WithLabelValues(status).Inc()
}

// ObserveFetch records how long a render of the given page kind took.
func ObserveFetch(kind string, duration time.Duration) {
	Init()
	crawlerFetchDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	crawlerJobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
