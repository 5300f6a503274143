package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for API server
var (
	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts the total number of HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Metering engine metrics
var (
	// RunsTotal counts metering runs by result
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_runs_total",
			Help: "Total number of metering runs by result (completed, rejected)",
		},
		[]string{"result"},
	)

	// RunDuration tracks how long a full metering run takes
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "metering_run_duration_seconds",
			Help:    "Duration of full metering runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
		},
	)

	// ClustersProcessed counts per-cluster processing outcomes
	ClustersProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_clusters_processed_total",
			Help: "Total number of clusters processed by outcome (ok, failed)",
		},
		[]string{"outcome"},
	)

	// NamespacesProcessed counts namespace outcomes per run
	NamespacesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_namespaces_processed_total",
			Help: "Total number of namespaces processed by outcome (billed, skipped, unresolved, failed)",
		},
		[]string{"outcome"},
	)

	// AnomaliesSanitized counts negative raw metrics clamped to zero
	AnomaliesSanitized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_anomalies_sanitized_total",
			Help: "Total number of negative raw measurements clamped to zero, by metric",
		},
		[]string{"metric"},
	)

	// MappingsCreated counts new ownership mappings persisted
	MappingsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metering_mappings_created_total",
			Help: "Total number of ownership mappings created via registry resolution",
		},
	)

	// MappingsExpired counts mappings deactivated by the stale reaper
	MappingsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metering_mappings_expired_total",
			Help: "Total number of ownership mappings deactivated as stale",
		},
	)

	// CreditsAccrued tracks total credits folded into daily aggregates
	CreditsAccrued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metering_credits_accrued_total",
			Help: "Total credits accrued across all users",
		},
	)

	// VersionConflicts counts optimistic-concurrency retries on daily usage rows
	VersionConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metering_usage_version_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts on daily usage writes",
		},
	)

	// BillingEventsEmitted counts metered-usage events handed downstream
	BillingEventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_billing_events_emitted_total",
			Help: "Total number of metered-usage events emitted downstream, by metric",
		},
		[]string{"metric"},
	)
)

// RecordHTTPRequest records metrics for one HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordNamespaceOutcome records one namespace processing result
func RecordNamespaceOutcome(outcome string) {
	NamespacesProcessed.WithLabelValues(outcome).Inc()
}

// RecordAnomaly records a clamped negative measurement
func RecordAnomaly(metric string) {
	AnomaliesSanitized.WithLabelValues(metric).Inc()
}

// RecordCredits records credits folded into an aggregate
func RecordCredits(credits float64) {
	if credits > 0 {
		CreditsAccrued.Add(credits)
	}
}
