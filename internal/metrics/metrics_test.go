package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledIsNoop(t *testing.T) {
	m := New(nil)

	m.ObserveRetry("x")
	m.ObserveGiveUp("x")
	m.RateLimitDecision("login", "allowed")
	m.SetInconsistencies("orphaned_profile", 3)
	m.ReconcileAction("orphaned_profile", "applied")
	m.SessionEvent("started")
	m.CacheLookup(true)
	m.MigrationFinished("DRY_RUN", "done", 1.5)
}

func TestMetrics_CountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRetry("profiles.get")
	m.ObserveRetry("profiles.get")
	m.RateLimitDecision("login", "fail_open")
	m.SetInconsistencies("duplicate_profile", 4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.retriesTotal.WithLabelValues("profiles.get")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateDecisions.WithLabelValues("login", "fail_open")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.inconsistencies.WithLabelValues("duplicate_profile")))
}

func TestHandler_ExposesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SessionEvent("expired")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `gophsync_session_events_total{event="expired"} 1`))
}
