// Package metrics exposes Prometheus collectors for the bookwatch service.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	crawlPagesTotal        *prometheus.CounterVec
	crawlItemsTotal        *prometheus.CounterVec
	crawlRetriesTotal      prometheus.Counter
	changeEventsTotal      *prometheus.CounterVec
	crawlRunsTotal         *prometheus.CounterVec
	crawlRunDuration       prometheus.Histogram
	crawlInFlightFetches   prometheus.Gauge
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDurationSec *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call multiple
// times.
func Init() {
	once.Do(func() {
		crawlPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookwatch_crawl_pages_total",
				Help: "Total pages fetched, labeled by kind (listing/item) and status code.",
			},
			[]string{"kind", "status"},
		)

		crawlItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookwatch_crawl_items_total",
				Help: "Total items processed, labeled by outcome (new/updated/unchanged/failed).",
			},
			[]string{"outcome"},
		)

		crawlRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bookwatch_fetch_retries_total",
				Help: "Total fetch retry attempts.",
			},
		)

		changeEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookwatch_change_events_total",
				Help: "Total change events appended, labeled by kind.",
			},
			[]string{"kind"},
		)

		crawlRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookwatch_crawl_runs_total",
				Help: "Total crawl runs, labeled by result (succeeded/failed/canceled).",
			},
			[]string{"result"},
		)

		crawlRunDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bookwatch_crawl_run_duration_seconds",
				Help:    "Histogram of full crawl run durations.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
		)

		crawlInFlightFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bookwatch_fetches_in_flight",
				Help: "Number of fetches currently in flight.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSec = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// ObservePage records one fetched page.
func ObservePage(kind string, status int) {
	Init()
	crawlPagesTotal.WithLabelValues(kind, strconv.Itoa(status)).Inc()
}

// ObserveItem records one processed item outcome.
func ObserveItem(outcome string) {
	Init()
	crawlItemsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRetry records one fetch retry attempt.
func ObserveRetry() {
	Init()
	crawlRetriesTotal.Inc()
}

// ObserveChangeEvent records one appended change event.
func ObserveChangeEvent(kind string) {
	Init()
	changeEventsTotal.WithLabelValues(kind).Inc()
}

// ObserveRun records a finished crawl run.
func ObserveRun(result string, duration time.Duration) {
	Init()
	crawlRunsTotal.WithLabelValues(result).Inc()
	crawlRunDuration.Observe(duration.Seconds())
}

// FetchStarted increments the in-flight fetch gauge.
func FetchStarted() {
	Init()
	crawlInFlightFetches.Inc()
}

// FetchFinished decrements the in-flight fetch gauge.
func FetchFinished() {
	Init()
	crawlInFlightFetches.Dec()
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDurationSec.WithLabelValues(method, route).Observe(duration.Seconds())
}
