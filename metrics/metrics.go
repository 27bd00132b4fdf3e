// Package metrics bundles the Prometheus collectors shared by the crawler,
// the ingestion writer and the health-check sweep.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all collectors on a dedicated registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry         *prometheus.Registry
	FetchesTotal     *prometheus.CounterVec
	FetchDuration    *prometheus.HistogramVec
	RetriesTotal     prometheus.Counter
	ErrorsTotal      *prometheus.CounterVec
	ListingsTotal    *prometheus.CounterVec
	PriceChanges     prometheus.Counter
	MatchesTotal     prometheus.Counter
	HealthChecks     *prometheus.CounterVec
	RunsTotal        *prometheus.CounterVec
	ThrottleWaitTime prometheus.Histogram
}

// New constructs and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	fetches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realty_fetches_total",
			Help: "Fetches issued, by source and outcome.",
		},
		[]string{"source", "outcome"},
	)
	fetchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "realty_fetch_duration_seconds",
			Help:    "Fetch latency by source.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realty_retries_total",
			Help: "Page fetch retries scheduled by the crawler.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realty_errors_total",
			Help: "Errors by type.",
		},
		[]string{"error_type"},
	)
	listings := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realty_listings_ingested_total",
			Help: "Listings passed through the ingestion writer, by outcome.",
		},
		[]string{"outcome"},
	)
	priceChanges := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realty_price_changes_total",
			Help: "Price history entries appended after a price change.",
		},
	)
	matches := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realty_matches_created_total",
			Help: "Identity match edges created.",
		},
	)
	health := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realty_health_checks_total",
			Help: "Health checks by outcome.",
		},
		[]string{"outcome"},
	)
	runs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realty_runs_total",
			Help: "Crawl runs by source and final status.",
		},
		[]string{"source", "status"},
	)
	throttleWait := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "realty_throttle_wait_seconds",
			Help:    "Time spent waiting on per-host throttles.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	registry.MustRegister(fetches, fetchDuration, retries, errorsTotal, listings, priceChanges, matches, health, runs, throttleWait)

	return &Metrics{
		Registry:         registry,
		FetchesTotal:     fetches,
		FetchDuration:    fetchDuration,
		RetriesTotal:     retries,
		ErrorsTotal:      errorsTotal,
		ListingsTotal:    listings,
		PriceChanges:     priceChanges,
		MatchesTotal:     matches,
		HealthChecks:     health,
		RunsTotal:        runs,
		ThrottleWaitTime: throttleWait,
	}
}

// IncFetch counts one fetch outcome for a source.
func (m *Metrics) IncFetch(source, outcome string) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveFetch records fetch latency.
func (m *Metrics) ObserveFetch(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.WithLabelValues(source).Observe(d.Seconds())
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncListing counts one ingestion outcome.
func (m *Metrics) IncListing(outcome string) {
	if m == nil {
		return
	}
	m.ListingsTotal.WithLabelValues(outcome).Inc()
}

// IncPriceChange counts one appended price history entry.
func (m *Metrics) IncPriceChange() {
	if m == nil {
		return
	}
	m.PriceChanges.Inc()
}

// IncMatch counts one created match edge.
func (m *Metrics) IncMatch() {
	if m == nil {
		return
	}
	m.MatchesTotal.Inc()
}

// IncHealth counts one health check outcome.
func (m *Metrics) IncHealth(outcome string) {
	if m == nil {
		return
	}
	m.HealthChecks.WithLabelValues(outcome).Inc()
}

// IncRun counts one finished crawl run.
func (m *Metrics) IncRun(source, status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(source, status).Inc()
}

// ObserveThrottle records time spent blocked on a throttle.
func (m *Metrics) ObserveThrottle(d time.Duration) {
	if m == nil {
		return
	}
	m.ThrottleWaitTime.Observe(d.Seconds())
}
