package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ipguard"

var (
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Inspected requests by decision.",
	}, []string{"result"})

	InspectDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "inspect_duration_seconds",
		Help:      "Time spent deciding on a request, enrichment included.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	RateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_denials_total",
		Help:      "Requests denied by a rate rule.",
	}, []string{"rule"})

	RateLimitBackendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_backend_errors_total",
		Help:      "Limiter failures; the request was let through.",
	})

	BlacklistEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "blacklist_entries",
		Help:      "Entries in the in-memory blacklist snapshot.",
	})

	BlacklistLookupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blacklist_lookup_failures_total",
		Help:      "Blacklist checks that failed and denied the request.",
	})

	GeoLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geo_lookups_total",
		Help:      "Geolocation lookups by answering tier and outcome.",
	}, []string{"tier", "outcome"})

	ScanRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scan_runs_total",
		Help:      "Anomaly scan cycles by outcome.",
	}, []string{"outcome"})

	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scan_duration_seconds",
		Help:      "Duration of anomaly scan cycles.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	SuspiciousFindings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "suspicious_findings_total",
		Help:      "Suspicious IP findings written by the scanner.",
	}, []string{"severity"})

	AutoBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auto_blocks_total",
		Help:      "Blocks created by the scanner.",
	})

	Alerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_total",
		Help:      "Alert deliveries by sink and outcome.",
	}, []string{"sink", "outcome"})

	RequestLogDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "request_log_dropped_total",
		Help:      "Request records dropped because the writer queue was full or the insert failed.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
