package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"testrig/internal/api"
	"testrig/internal/events"
	"testrig/internal/flaky"
	"testrig/internal/resilience"
)

const namespace = "testrig"

// Metrics holds the Prometheus collectors of one testrig instance.
//
// Safe for concurrent use.
type Metrics struct {
	// RunsTotal counts terminal runs by framework and final status.
	RunsTotal *prometheus.CounterVec

	// RunDurationSeconds measures wall-clock time from start to terminal status.
	RunDurationSeconds *prometheus.HistogramVec

	// ActiveRuns is the number of runs that have not reached a terminal status.
	ActiveRuns *prometheus.GaugeVec

	// TestOutcomesTotal counts reported test outcomes by framework and status.
	TestOutcomesTotal *prometheus.CounterVec

	// ParseFailuresTotal counts runs whose output could not be parsed.
	ParseFailuresTotal *prometheus.CounterVec

	// CircuitState is 0 closed, 1 open, 2 half-open.
	CircuitState *prometheus.GaugeVec

	// CircuitRejectionsTotal counts calls rejected by an open circuit.
	CircuitRejectionsTotal *prometheus.CounterVec

	// RetriesTotal counts retry attempts by error kind.
	RetriesTotal *prometheus.CounterVec

	// FeatureStatus is 0 available, 1 degraded, 2 unavailable.
	FeatureStatus *prometheus.GaugeVec

	// FlakyChecksTotal counts flaky detection passes by verdict.
	FlakyChecksTotal *prometheus.CounterVec

	// FlakyFailureRate is the cumulative failure rate of each checked test.
	FlakyFailureRate *prometheus.GaugeVec

	mu     sync.Mutex
	starts map[string]time.Time
}

// New creates the collectors and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "execution",
				Name:      "runs_total",
				Help:      "Total finished runs by framework and status",
			},
			[]string{"framework", "status"},
		),

		RunDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "execution",
				Name:      "run_duration_seconds",
				Help:      "Run duration from spawn to terminal status",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"framework"},
		),

		ActiveRuns: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "execution",
				Name:      "active_runs",
				Help:      "Number of runs that have not finished",
			},
			[]string{"framework"},
		),

		TestOutcomesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "execution",
				Name:      "test_outcomes_total",
				Help:      "Total reported test outcomes by framework and status",
			},
			[]string{"framework", "status"},
		),

		ParseFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "execution",
				Name:      "parse_failures_total",
				Help:      "Total runs whose output could not be parsed",
			},
			[]string{"framework"},
		),

		CircuitState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "resilience",
				Name:      "circuit_state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"circuit"},
		),

		CircuitRejectionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "resilience",
				Name:      "circuit_rejections_total",
				Help:      "Total calls rejected by an open circuit",
			},
			[]string{"circuit"},
		),

		RetriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "resilience",
				Name:      "retries_total",
				Help:      "Total retry attempts by error kind",
			},
			[]string{"kind"},
		),

		FeatureStatus: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "resilience",
				Name:      "feature_status",
				Help:      "Feature availability (0 available, 1 degraded, 2 unavailable)",
			},
			[]string{"feature"},
		),

		FlakyChecksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "flaky",
				Name:      "checks_total",
				Help:      "Total flaky detection passes by verdict",
			},
			[]string{"verdict"},
		),

		FlakyFailureRate: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "flaky",
				Name:      "failure_rate",
				Help:      "Cumulative failure rate of a checked test",
			},
			[]string{"test"},
		),

		starts: make(map[string]time.Time),
	}
}

// Handler serves the collectors of g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveRun is an execution event listener.
func (m *Metrics) ObserveRun(e events.ExecutionEvent) {
	fw := string(e.Framework)

	switch e.Reason {
	case events.ReasonRunStarted:
		m.mu.Lock()
		m.starts[e.RunID] = e.Timestamp
		m.mu.Unlock()
		m.ActiveRuns.WithLabelValues(fw).Inc()
		return
	case events.ReasonOutputParseFailed:
		m.ParseFailuresTotal.WithLabelValues(fw).Inc()
		return
	}

	if !e.Status.IsTerminal() {
		return
	}

	m.mu.Lock()
	started, ok := m.starts[e.RunID]
	delete(m.starts, e.RunID)
	m.mu.Unlock()
	if !ok {
		return
	}

	m.ActiveRuns.WithLabelValues(fw).Dec()
	m.RunsTotal.WithLabelValues(fw, string(e.Status)).Inc()
	if d := e.Timestamp.Sub(started); d >= 0 {
		m.RunDurationSeconds.WithLabelValues(fw).Observe(d.Seconds())
	}
	// Chunk outcomes are counted again on the parent.
	if e.ParentID == "" {
		for _, o := range e.Results {
			m.TestOutcomesTotal.WithLabelValues(fw, string(o.Status)).Inc()
		}
	}
}

// ObserveCircuitChange matches resilience.CircuitBreakerConfig.OnStateChange.
func (m *Metrics) ObserveCircuitChange(name string, _, to resilience.CircuitState) {
	m.CircuitState.WithLabelValues(name).Set(float64(to))
}

// ObserveRejection matches resilience.CircuitBreakerConfig.OnReject.
func (m *Metrics) ObserveRejection(name string) {
	m.CircuitRejectionsTotal.WithLabelValues(name).Inc()
}

// ObserveRetry matches resilience.RetryConfig.OnRetry.
func (m *Metrics) ObserveRetry(err error, _ int, _ time.Duration) {
	m.RetriesTotal.WithLabelValues(string(api.KindOf(err))).Inc()
}

// ObserveDegradation is a degradation registry listener.
func (m *Metrics) ObserveDegradation(e resilience.DegradationEvent) {
	var v float64
	switch e.Status {
	case resilience.FeatureDegraded:
		v = 1
	case resilience.FeatureUnavailable:
		v = 2
	}
	m.FeatureStatus.WithLabelValues(e.Feature).Set(v)
}

// ObserveFlakyRecord matches flaky.Config.OnRecord.
func (m *Metrics) ObserveFlakyRecord(r flaky.Record) {
	verdict := "stable"
	if r.IsFlaky {
		verdict = "flaky"
	}
	m.FlakyChecksTotal.WithLabelValues(verdict).Inc()
	m.FlakyFailureRate.WithLabelValues(r.TestID).Set(r.FailureRate)
}
