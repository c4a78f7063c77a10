// Package metrics defines the Prometheus collectors of the fee engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "feeledger"

type Metrics struct {
	registry *prometheus.Registry

	reconcileRuns     *prometheus.CounterVec
	reconcileDuration prometheus.Histogram
	obligations       *prometheus.CounterVec
	pairingFailures   prometheus.Counter
	overThreshold     prometheus.Gauge
	paymentsRecorded  *prometheus.CounterVec
	statsCache        *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry together with the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation runs by outcome.",
		}, []string{"outcome"}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Wall time of reconciliation runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		obligations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "obligations_total",
			Help:      "Ledger rows written by reconciliation, by change.",
		}, []string{"change"}),
		pairingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_pairing_failures_total",
			Help:      "Household/fee pairings skipped during reconciliation.",
		}),
		overThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "households_over_threshold",
			Help:      "Households whose outstanding balance exceeded the alert threshold in the last run.",
		}),
		paymentsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_recorded_total",
			Help:      "Manual payments recorded, by collection method.",
		}, []string{"method"}),
		statsCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_cache_requests_total",
			Help:      "Statistics cache lookups by query and result.",
		}, []string{"query", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.reconcileRuns, m.reconcileDuration, m.obligations, m.pairingFailures,
		m.overThreshold, m.paymentsRecorded, m.statsCache, m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveReconcile records one finished run.
func (m *Metrics) ObserveReconcile(outcome string, d time.Duration, created, overdue, failures, overThreshold int) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(outcome).Inc()
	m.reconcileDuration.Observe(d.Seconds())
	m.obligations.WithLabelValues("created").Add(float64(created))
	m.obligations.WithLabelValues("overdue").Add(float64(overdue))
	m.pairingFailures.Add(float64(failures))
	m.overThreshold.Set(float64(overThreshold))
}

func (m *Metrics) PaymentRecorded(method string) {
	if m == nil {
		return
	}
	m.paymentsRecorded.WithLabelValues(method).Inc()
}

func (m *Metrics) CacheLookup(query string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.statsCache.WithLabelValues(query, result).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
