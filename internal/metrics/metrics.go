// Package metrics exposes Prometheus counters for reconciliation, rate
// limiting, sessions and retries. A Metrics built without a registerer is a
// no-op, so packages can record unconditionally.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	enabled bool

	retriesTotal  *prometheus.CounterVec
	giveUpsTotal  *prometheus.CounterVec
	rateDecisions *prometheus.CounterVec

	inconsistencies  *prometheus.GaugeVec
	reconcileActions *prometheus.CounterVec

	sessionEvents *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec

	migrationRuns     *prometheus.CounterVec
	migrationDuration prometheus.Histogram
}

// New registers all collectors on reg. A nil reg yields a disabled instance.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{enabled: reg != nil}
	if !m.enabled {
		return m
	}

	f := promauto.With(reg)

	m.retriesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "gophsync_retries_total",
		Help: "Retries of transient remote failures",
	}, []string{"op"})

	m.giveUpsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "gophsync_retry_exhausted_total",
		Help: "Operations that failed after the last retry",
	}, []string{"op"})

	m.rateDecisions = f.NewCounterVec(prometheus.CounterOpts{
		Name: "gophsync_ratelimit_decisions_total",
		Help: "Rate limiter decisions by action and outcome",
	}, []string{"action", "outcome"})

	m.inconsistencies = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gophsync_inconsistencies",
		Help: "Inconsistencies found by the last consistency check",
	}, []string{"kind"})

	m.reconcileActions = f.NewCounterVec(prometheus.CounterOpts{
		Name: "gophsync_reconcile_actions_total",
		Help: "Reconciler actions by kind and result",
	}, []string{"kind", "result"})

	m.sessionEvents = f.NewCounterVec(prometheus.CounterOpts{
		Name: "gophsync_session_events_total",
		Help: "Session lifecycle transitions",
	}, []string{"event"})

	m.cacheLookups = f.NewCounterVec(prometheus.CounterOpts{
		Name: "gophsync_verification_cache_lookups_total",
		Help: "Verification status cache lookups",
	}, []string{"hit"})

	m.migrationRuns = f.NewCounterVec(prometheus.CounterOpts{
		Name: "gophsync_migration_runs_total",
		Help: "Migration runs by mode and final phase",
	}, []string{"mode", "phase"})

	m.migrationDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "gophsync_migration_duration_seconds",
		Help:    "Wall time of migration runs",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	return m
}

func (m *Metrics) ObserveRetry(op string) {
	if !m.enabled {
		return
	}
	m.retriesTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveGiveUp(op string) {
	if !m.enabled {
		return
	}
	m.giveUpsTotal.WithLabelValues(op).Inc()
}

// RateLimitDecision records one CheckLimit outcome ("allowed", "blocked",
// "locked", "fail_open").
func (m *Metrics) RateLimitDecision(action, outcome string) {
	if !m.enabled {
		return
	}
	m.rateDecisions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) SetInconsistencies(kind string, n int) {
	if !m.enabled {
		return
	}
	m.inconsistencies.WithLabelValues(kind).Set(float64(n))
}

func (m *Metrics) ReconcileAction(kind, result string) {
	if !m.enabled {
		return
	}
	m.reconcileActions.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SessionEvent(event string) {
	if !m.enabled {
		return
	}
	m.sessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if !m.enabled {
		return
	}
	m.cacheLookups.WithLabelValues(strconv.FormatBool(hit)).Inc()
}

func (m *Metrics) MigrationFinished(mode, phase string, seconds float64) {
	if !m.enabled {
		return
	}
	m.migrationRuns.WithLabelValues(mode, phase).Inc()
	m.migrationDuration.Observe(seconds)
}

// Handler serves the collectors gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
