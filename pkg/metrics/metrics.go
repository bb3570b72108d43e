// Package metrics defines the Prometheus metric collectors used by the index
// services and exposes an HTTP handler for scraping.
//
// Every helper method is safe on a nil *Metrics so library code can be used
// without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the index services.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	SearchQueriesTotal   *prometheus.CounterVec
	SearchLatency        *prometheus.HistogramVec
	SearchResultsCount   prometheus.Histogram
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	ItemsIndexedTotal    prometheus.Counter
	IndexBatchesTotal    *prometheus.CounterVec
	PropagationFailures  *prometheus.CounterVec
	ACLLookupFailures    prometheus.Counter
	GlobalItemCount      prometheus.Gauge
	OrphansPurgedTotal   *prometheus.CounterVec
	SweepRunsTotal       *prometheus.CounterVec
	SweptMailboxesTotal  prometheus.Counter
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total global searches by result type (hit, zero_result, unsupported, error).",
			},
			[]string{"result_type"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_latency_seconds",
				Help:    "Global search latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		SearchResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "search_results_count",
				Help:    "Number of results returned per search query.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of search cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of search cache misses.",
			},
		),
		ItemsIndexedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailbox_items_indexed_total",
				Help: "Total items written to mailbox indexes.",
			},
		),
		IndexBatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailbox_index_batches_total",
				Help: "Total mailbox index batch commits by status.",
			},
			[]string{"status"},
		),
		PropagationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "global_propagation_failures_total",
				Help: "Global index propagation failures after a successful mailbox write, by operation.",
			},
			[]string{"op"},
		),
		ACLLookupFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "global_acl_lookup_failures_total",
				Help: "Items skipped during promotion because their folder ACL could not be resolved.",
			},
		),
		GlobalItemCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "global_indexed_items",
				Help: "Cached approximate number of items in the global index.",
			},
		),
		OrphansPurgedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orphan_postings_purged_total",
				Help: "Orphan postings deleted by scope (mailbox, global).",
			},
			[]string{"scope"},
		),
		SweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sweep_runs_total",
				Help: "Sweeper runs by outcome (cycle_complete, budget_exhausted, cancelled).",
			},
			[]string{"outcome"},
		),
		SweptMailboxesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "swept_mailboxes_total",
				Help: "Mailboxes processed by the sweeper.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.SearchResultsCount,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.ItemsIndexedTotal,
		m.IndexBatchesTotal,
		m.PropagationFailures,
		m.ACLLookupFailures,
		m.GlobalItemCount,
		m.OrphansPurgedTotal,
		m.SweepRunsTotal,
		m.SweptMailboxesTotal,
		m.CircuitBreakerState,
	)

	return m
}

func (m *Metrics) IndexBatch(status string, items int) {
	if m == nil {
		return
	}
	m.IndexBatchesTotal.WithLabelValues(status).Inc()
	if status == "success" {
		m.ItemsIndexedTotal.Add(float64(items))
	}
}

func (m *Metrics) PropagationFailed(op string) {
	if m == nil {
		return
	}
	m.PropagationFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) ACLLookupFailed() {
	if m == nil {
		return
	}
	m.ACLLookupFailures.Inc()
}

func (m *Metrics) SetGlobalItemCount(n int64) {
	if m == nil {
		return
	}
	m.GlobalItemCount.Set(float64(n))
}

func (m *Metrics) OrphansPurged(scope string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.OrphansPurgedTotal.WithLabelValues(scope).Add(float64(n))
}

func (m *Metrics) SweepRun(outcome string, mailboxes int) {
	if m == nil {
		return
	}
	m.SweepRunsTotal.WithLabelValues(outcome).Inc()
	m.SweptMailboxesTotal.Add(float64(mailboxes))
}

func (m *Metrics) Search(resultType, cacheStatus string, elapsed time.Duration, results int) {
	if m == nil {
		return
	}
	m.SearchQueriesTotal.WithLabelValues(resultType).Inc()
	m.SearchLatency.WithLabelValues(cacheStatus).Observe(elapsed.Seconds())
	m.SearchResultsCount.Observe(float64(results))
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
