// Package metrics exposes Prometheus collectors for the crawler.
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
	crawlerPagesTotal          *prometheus.CounterVec
	crawlerBytesTotal          *prometheus.CounterVec
	crawlerLaneTotal           *prometheus.CounterVec
	crawlerEscalationsTotal    *prometheus.CounterVec
	crawlerResultsTotal        prometheus.Counter
	crawlerRunsTotal           *prometheus.CounterVec
	crawlerInFlight            prometheus.Gauge
	crawlerPolitenessDelay     *prometheus.HistogramVec
	proxyPoolSize              *prometheus.GaugeVec
	proxyRevivalsTotal         *prometheus.CounterVec
	isolationTasksTotal        *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages processed, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)
		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)
		crawlerLaneTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_lane_total",
				Help: "Fetches served per lane.",
			},
			[]string{"lane"},
		)
		crawlerEscalationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_lane_escalations_total",
				Help: "Fast Lane results escalated to the Power Lane, labeled by reason.",
			},
			[]string{"reason"},
		)
		crawlerResultsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_results_total",
				Help: "Result records appended to the result log.",
			},
		)
		crawlerRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_runs_total",
				Help: "Crawl runs finished, labeled by terminal phase.",
			},
			[]string{"phase"},
		)
		crawlerInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_in_flight_pages",
				Help: "Pages currently being fetched or evaluated.",
			},
		)
		crawlerPolitenessDelay = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_politeness_delay_seconds",
				Help:    "Histogram of per-host crawl delay waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)
		proxyPoolSize = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_pool_proxies",
				Help: "Proxies in the pool, labeled by status.",
			},
			[]string{"status"},
		)
		proxyRevivalsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_revivals_total",
				Help: "Revival passes over dead proxies, labeled by whether any proxy came back.",
			},
			[]string{"result"},
		)
		isolationTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "isolation_tasks_total",
				Help: "Tasks executed by the isolated runner, labeled by task and outcome.",
			},
			[]string{"task", "outcome"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
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

// ObservePage records a processed page.
func ObservePage(site, outcome string, bytesFetched int) {
	Init()
	sanitized := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitized, outcome).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveLane records which lane served a fetch.
func ObserveLane(lane string) {
	Init()
	crawlerLaneTotal.WithLabelValues(lane).Inc()
}

// ObserveEscalation records a Fast Lane to Power Lane switch.
func ObserveEscalation(reason string) {
	Init()
	crawlerEscalationsTotal.WithLabelValues(reason).Inc()
}

// ObserveResult records an appended result record.
func ObserveResult() {
	Init()
	crawlerResultsTotal.Inc()
}

// ObserveRun records a finished run.
func ObserveRun(phase string) {
	Init()
	crawlerRunsTotal.WithLabelValues(phase).Inc()
}

// IncInFlight increments the in-flight pages gauge.
func IncInFlight() {
	Init()
	crawlerInFlight.Inc()
}

// DecInFlight decrements the in-flight pages gauge.
func DecInFlight() {
	Init()
	crawlerInFlight.Dec()
}

// ObservePolitenessDelay records a per-host crawl delay wait.
func ObservePolitenessDelay(site string, d time.Duration) {
	Init()
	crawlerPolitenessDelay.WithLabelValues(site).Observe(d.Seconds())
}

// SetProxyPool publishes the pool composition.
func SetProxyPool(counts map[string]int) {
	Init()
	for status, n := range counts {
		proxyPoolSize.WithLabelValues(status).Set(float64(n))
	}
}

// ObserveRevival records a revival pass.
func ObserveRevival(revived int) {
	Init()
	result := "empty"
	if revived > 0 {
		result = "revived"
	}
	proxyRevivalsTotal.WithLabelValues(result).Inc()
}

// ObserveIsolatedTask records a task run by the isolated runner.
func ObserveIsolatedTask(task, outcome string) {
	Init()
	isolationTasksTotal.WithLabelValues(task, outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
