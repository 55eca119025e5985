package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testrig/internal/api"
	"testrig/internal/events"
	"testrig/internal/flaky"
	"testrig/internal/resilience"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(reg), reg
}

func TestObserveRun(t *testing.T) {
	m, _ := newTestMetrics(t)
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	m.ObserveRun(events.ExecutionEvent{Reason: events.ReasonRunStarted, RunID: "r1", Framework: api.FrameworkJest, Status: api.RunRunning, Timestamp: start})
	m.ObserveRun(events.ExecutionEvent{Reason: events.ReasonRunStarted, RunID: "r2", Framework: api.FrameworkJest, Status: api.RunRunning, Timestamp: start})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveRuns.WithLabelValues("jest")))

	m.ObserveRun(events.ExecutionEvent{
		Reason:    events.ReasonRunCompleted,
		RunID:     "r1",
		Framework: api.FrameworkJest,
		Status:    api.RunCompleted,
		Results: []api.TestOutcome{
			{Status: api.StatusPassed},
			{Status: api.StatusPassed},
			{Status: api.StatusFailed},
		},
		Timestamp: start.Add(3 * time.Second),
	})
	m.ObserveRun(events.ExecutionEvent{Reason: events.ReasonRunTimedOut, RunID: "r2", Framework: api.FrameworkJest, Status: api.RunTimeout, Timestamp: start.Add(time.Minute)})

	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveRuns.WithLabelValues("jest")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("jest", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("jest", "timeout")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TestOutcomesTotal.WithLabelValues("jest", "passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TestOutcomesTotal.WithLabelValues("jest", "failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RunDurationSeconds))

	// A terminal event for an unknown run is ignored
	m.ObserveRun(events.ExecutionEvent{Reason: events.ReasonRunFailed, RunID: "ghost", Framework: api.FrameworkJest, Status: api.RunFailed, Timestamp: start})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("jest", "failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveRuns.WithLabelValues("jest")))
}

func TestObserveRun_ChunkOutcomesNotDoubleCounted(t *testing.T) {
	m, _ := newTestMetrics(t)
	now := time.Now()
	results := []api.TestOutcome{{Status: api.StatusPassed}}

	m.ObserveRun(events.ExecutionEvent{Reason: events.ReasonRunStarted, RunID: "child", ParentID: "parent", Framework: api.FrameworkGoTest, Timestamp: now})
	m.ObserveRun(events.ExecutionEvent{Reason: events.ReasonRunCompleted, RunID: "child", ParentID: "parent", Framework: api.FrameworkGoTest, Status: api.RunCompleted, Results: results, Timestamp: now})

	assert.Equal(t, 0.0, testutil.ToFloat64(m.TestOutcomesTotal.WithLabelValues("gotest", "passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("gotest", "completed")))
}

func TestObserveRun_ParseFailure(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.ObserveRun(events.ExecutionEvent{Reason: events.ReasonOutputParseFailed, RunID: "r", Framework: api.FrameworkVitest, Status: api.RunRunning})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ParseFailuresTotal.WithLabelValues("vitest")))
}

func TestObserveResilience(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ObserveCircuitChange("execute:jest", resilience.CircuitClosed, resilience.CircuitOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitState.WithLabelValues("execute:jest")))
	m.ObserveCircuitChange("execute:jest", resilience.CircuitOpen, resilience.CircuitHalfOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitState.WithLabelValues("execute:jest")))

	m.ObserveRejection("execute:jest")
	m.ObserveRejection("execute:jest")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitRejectionsTotal.WithLabelValues("execute:jest")))

	m.ObserveRetry(&api.ProcessError{Executable: "go"}, 1, time.Second)
	m.ObserveRetry(errors.New("connection reset"), 2, 2*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetriesTotal.WithLabelValues("process")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetriesTotal.WithLabelValues("unknown")))

	tests := []struct {
		status   resilience.FeatureStatus
		expected float64
	}{
		{resilience.FeatureDegraded, 1},
		{resilience.FeatureUnavailable, 2},
		{resilience.FeatureAvailable, 0},
	}
	for _, tt := range tests {
		m.ObserveDegradation(resilience.DegradationEvent{Feature: "coverage", Status: tt.status})
		assert.Equal(t, tt.expected, testutil.ToFloat64(m.FeatureStatus.WithLabelValues("coverage")))
	}
}

func TestObserveFlakyRecord(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ObserveFlakyRecord(flaky.Record{TestID: "a::x", IsFlaky: true, FailureRate: 0.3})
	m.ObserveFlakyRecord(flaky.Record{TestID: "a::y"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FlakyChecksTotal.WithLabelValues("flaky")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FlakyChecksTotal.WithLabelValues("stable")))
	assert.InDelta(t, 0.3, testutil.ToFloat64(m.FlakyFailureRate.WithLabelValues("a::x")), 1e-9)
}

func TestHandler(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.ObserveRejection("execute:gotest")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `testrig_resilience_circuit_rejections_total{circuit="execute:gotest"} 1`), body)
}
