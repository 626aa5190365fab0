// Package metrics exposes the dispatcher's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector on a private registry so tests can
// create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	DispatchesTotal *prometheus.CounterVec
	AttemptsTotal   *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	CacheHitsTotal  prometheus.Counter
	UnitsTotal      *prometheus.CounterVec
	CostTotal       *prometheus.CounterVec
	BlacklistsTotal *prometheus.CounterVec
	BudgetWarnings  prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetmesh",
			Name:      "dispatches_total",
			Help:      "Dispatch outcomes by result and serving tier",
		},
		[]string{"outcome", "tier"},
	)
	m.AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetmesh",
			Name:      "attempts_total",
			Help:      "Provider attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	m.AttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleetmesh",
			Name:      "attempt_duration_seconds",
			Help:      "Provider call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)
	m.CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleetmesh",
			Name:      "cache_hits_total",
			Help:      "Dispatches served from the response cache",
		},
	)
	m.UnitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetmesh",
			Name:      "units_total",
			Help:      "Units processed by provider and direction",
		},
		[]string{"provider", "direction"},
	)
	m.CostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetmesh",
			Name:      "cost_total",
			Help:      "Spend in USD by provider",
		},
		[]string{"provider"},
	)
	m.BlacklistsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetmesh",
			Name:      "blacklists_total",
			Help:      "Blacklist transitions by provider",
		},
		[]string{"provider"},
	)
	m.BudgetWarnings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleetmesh",
			Name:      "budget_warnings_total",
			Help:      "Advisory budget warnings emitted",
		},
	)

	m.registry.MustRegister(
		m.DispatchesTotal,
		m.AttemptsTotal,
		m.AttemptDuration,
		m.CacheHitsTotal,
		m.UnitsTotal,
		m.CostTotal,
		m.BlacklistsTotal,
		m.BudgetWarnings,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
