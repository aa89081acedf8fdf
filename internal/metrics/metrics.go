// Package metrics exposes Prometheus collectors for the crawler and its API.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesFetchedTotal                    *prometheus.CounterVec
	recordUpsertsTotal                   *prometheus.CounterVec
	itemOutcomesTotal                    *prometheus.CounterVec
	extractionWarningsTotal              *prometheus.CounterVec
	fetchDurationSeconds                 *prometheus.HistogramVec
	fetchRetriesTotal                    *prometheus.CounterVec
	httpRequestsTotal                    *prometheus.CounterVec
	httpRequestDurationSeconds           *prometheus.HistogramVec
	crawlerProbeTLSHandshakeTimeoutTotal prometheus.Counter
	crawlerRateLimitDelaysSeconds        *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trf5_pages_fetched_total",
				Help: "Pages fetched and archived, labeled by page kind and search mode.",
			},
			[]string{"tipo", "busca"},
		)

		recordUpsertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trf5_record_upserts_total",
				Help: "Case record upserts, labeled by action.",
			},
			[]string{"action"},
		)

		itemOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trf5_item_outcomes_total",
				Help: "Per-item crawl outcomes (inserted, updated, skipped, fatal, failed).",
			},
			[]string{"outcome"},
		)

		extractionWarningsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trf5_extraction_warnings_total",
				Help: "Non-fatal extraction findings, labeled by field.",
			},
			[]string{"field"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trf5_fetch_duration_seconds",
				Help:    "Portal request latency including retries, labeled by method and status code.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "code"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trf5_fetch_retries_total",
				Help: "Portal request retries, labeled by reason.",
			},
			[]string{"reason"},
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

		crawlerProbeTLSHandshakeTimeoutTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_probe_tls_handshake_timeout_total",
				Help: "Total TLS handshake timeouts encountered while probing robots.txt.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of politeness delay waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts an archived page.
func ObservePage(kind, search string) {
	Init()
	if search == "" {
		search = "none"
	}
	pagesFetchedTotal.WithLabelValues(kind, search).Inc()
}

// ObserveUpsert counts a record write.
func ObserveUpsert(action string) {
	Init()
	recordUpsertsTotal.WithLabelValues(action).Inc()
}

// ObserveOutcome counts a per-item outcome.
func ObserveOutcome(outcome string) {
	Init()
	itemOutcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveWarning counts an extraction warning for field.
func ObserveWarning(field string) {
	Init()
	if field == "" {
		field = "unknown"
	}
	extractionWarningsTotal.WithLabelValues(field).Inc()
}

// ObserveFetch records the latency of one portal request. code is 0 for transport failures.
func ObserveFetch(method string, code int, duration time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(method, strconv.Itoa(code)).Observe(duration.Seconds())
}

// ObserveFetchRetry counts a retried portal request.
func ObserveFetchRetry(reason string) {
	Init()
	fetchRetriesTotal.WithLabelValues(reason).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveProbeTLSHandshakeTimeout increments the probe-specific handshake timeout counter.
func ObserveProbeTLSHandshakeTimeout() {
	Init()
	crawlerProbeTLSHandshakeTimeoutTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
