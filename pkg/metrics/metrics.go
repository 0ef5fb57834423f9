// Package metrics defines the Prometheus metric collectors used across the
// enrichment pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	LookupsTotal        *prometheus.CounterVec
	LookupDuration      prometheus.Histogram
	LookupsInFlight     prometheus.Gauge
	BackoffRetriesTotal *prometheus.CounterVec
	FallbackLevelTotal  *prometheus.CounterVec
	LedgerAppendsTotal  *prometheus.CounterVec
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	MergeBucketSize     prometheus.Histogram
	CanonicalRecords    prometheus.Counter
	UpsertsTotal        *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		LookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lookups_total",
				Help: "Total external API lookups by outcome (success, not_found, throttled, timeout, server_error, malformed).",
			},
			[]string{"outcome"},
		),
		LookupDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lookup_duration_seconds",
				Help:    "External API lookup latency in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		LookupsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lookups_in_flight",
				Help: "Number of lookup tasks currently admitted by the scheduler.",
			},
		),
		BackoffRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backoff_retries_total",
				Help: "Total backoff retries by cause (throttled, timeout, server_error).",
			},
			[]string{"cause"},
		),
		FallbackLevelTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fallback_level_total",
				Help: "Queries issued per fallback level (0=title+author, 1=short title, 2=title only).",
			},
			[]string{"level"},
		),
		LedgerAppendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_appends_total",
				Help: "Ledger entries appended by terminal status.",
			},
			[]string{"status"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lookup_cache_hits_total",
				Help: "Total lookup-cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lookup_cache_misses_total",
				Help: "Total lookup-cache misses.",
			},
		),
		MergeBucketSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "merge_bucket_size",
				Help:    "Number of candidate records per identity bucket.",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
			},
		),
		CanonicalRecords: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "canonical_records_total",
				Help: "Canonical records produced by the merge engine.",
			},
		),
		UpsertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_upserts_total",
				Help: "Canonical-record upserts by status (ok, error).",
			},
			[]string{"status"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	prometheus.MustRegister(
		m.LookupsTotal,
		m.LookupDuration,
		m.LookupsInFlight,
		m.BackoffRetriesTotal,
		m.FallbackLevelTotal,
		m.LedgerAppendsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.MergeBucketSize,
		m.CanonicalRecords,
		m.UpsertsTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
