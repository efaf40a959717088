// Package telemetry exposes Prometheus metrics for the scraping engine.
package telemetry

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_jobs_total",
			Help: "Total number of jobs finalized, labeled by status.",
		},
		[]string{"status"},
	)

	targetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_targets_total",
			Help: "Total number of targets settled, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	extractionAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_extraction_attempts_total",
			Help: "Total extraction attempts, labeled by site.",
		},
		[]string{"site"},
	)

	inFlightExtractions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_inflight_extractions",
			Help: "Number of extractions currently admitted through the gate.",
		},
	)

	dispatchDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvester_dispatch_delay_seconds",
			Help:    "Histogram of time spent waiting for a gate slot and pacing.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	jobDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvester_job_duration_seconds",
			Help:    "Histogram of end-to-end job execution durations.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_http_requests_total",
			Help: "Total number of API requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeSite extracts the hostname from a URL for use as a metric label.
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

// ObserveJob records a finalized job status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveTarget records a settled target outcome ("success" or "failure").
func ObserveTarget(outcome string) {
	targetsTotal.WithLabelValues(outcome).Inc()
}

// ObserveExtractionAttempt records one extractor invocation.
func ObserveExtractionAttempt(site string) {
	extractionAttemptsTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// IncInFlight increments the admitted-extraction gauge.
func IncInFlight() {
	inFlightExtractions.Inc()
}

// DecInFlight decrements the admitted-extraction gauge.
func DecInFlight() {
	inFlightExtractions.Dec()
}

// ObserveDispatchDelay records time spent waiting on admission.
func ObserveDispatchDelay(d time.Duration) {
	if d > time.Millisecond {
		dispatchDelaySeconds.Observe(d.Seconds())
	}
}

// ObserveJobDuration records an end-to-end job duration.
func ObserveJobDuration(d time.Duration) {
	jobDurationSeconds.Observe(d.Seconds())
}

// ObserveHTTPRequest records an API request.
func ObserveHTTPRequest(method, code string) {
	httpRequestsTotal.WithLabelValues(method, code).Inc()
}
