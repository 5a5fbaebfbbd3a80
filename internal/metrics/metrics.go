// Package metrics exposes Prometheus collectors for the scraper service.
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
	scraperJobsTotal             *prometheus.CounterVec
	scraperActiveJobs            prometheus.Gauge
	scraperTablesTotal           *prometheus.CounterVec
	scraperRowsTotal             *prometheus.CounterVec
	scraperRowDurationSeconds    prometheus.Histogram
	scraperArtifactBytesTotal    prometheus.Counter
	scraperSentinelMatchesTotal  *prometheus.CounterVec
	scraperLogObservers          prometheus.Gauge
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec
	scraperRowPacingDelaySeconds prometheus.Histogram

	once sync.Once
)

// Init registers the Prometheus collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scraperJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_jobs_total",
				Help: "Total number of scraping jobs finished, labeled by status.",
			},
			[]string{"status"},
		)

		scraperActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_active_jobs",
				Help: "Number of scraping jobs currently holding the job slot.",
			},
		)

		scraperTablesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_tables_total",
				Help: "Total number of tables visited, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		scraperRowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_rows_total",
				Help: "Total number of rows processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		scraperRowDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scraper_row_duration_seconds",
				Help:    "Histogram of per-row processing time including settle delays.",
				Buckets: []float64{1, 2, 5, 10, 20, 40, 80},
			},
		)

		scraperArtifactBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_artifact_bytes_total",
				Help: "Total number of artifact bytes stored.",
			},
		)

		scraperSentinelMatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_sentinel_matches_total",
				Help: "Total number of fatal page detections, labeled by keyword.",
			},
			[]string{"keyword"},
		)

		scraperLogObservers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_log_observers",
				Help: "Number of connected log stream observers.",
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

		scraperRowPacingDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scraper_row_pacing_delay_seconds",
				Help:    "Histogram of row pacing limiter waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
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
	Init()
	return promhttp.Handler()
}

// ObserveJob counts a finished job.
func ObserveJob(status string) {
	Init()
	scraperJobsTotal.WithLabelValues(status).Inc()
}

// IncActiveJobs marks the job slot taken.
func IncActiveJobs() {
	Init()
	scraperActiveJobs.Inc()
}

// DecActiveJobs marks the job slot released.
func DecActiveJobs() {
	Init()
	scraperActiveJobs.Dec()
}

// ObserveTable counts a visited table by host.
func ObserveTable(tableURL, outcome string) {
	Init()
	scraperTablesTotal.WithLabelValues(SanitizeSite(tableURL), outcome).Inc()
}

// ObserveRow counts one processed row and its duration.
func ObserveRow(outcome string, bytesStored int, duration time.Duration) {
	Init()
	scraperRowsTotal.WithLabelValues(outcome).Inc()
	scraperRowDurationSeconds.Observe(duration.Seconds())
	if bytesStored > 0 {
		scraperArtifactBytesTotal.Add(float64(bytesStored))
	}
}

// ObserveSentinelMatch counts a fatal page detection.
func ObserveSentinelMatch(keyword string) {
	Init()
	scraperSentinelMatchesTotal.WithLabelValues(keyword).Inc()
}

// SetLogObservers records the number of stream observers.
func SetLogObservers(n int) {
	Init()
	scraperLogObservers.Set(float64(n))
}

// ObserveRowPacingDelay records the duration of a pacing wait.
func ObserveRowPacingDelay(duration time.Duration) {
	Init()
	scraperRowPacingDelaySeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
