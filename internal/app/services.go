package app

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"testrig/internal/config"
	"testrig/internal/execution"
	"testrig/internal/flaky"
	"testrig/internal/framework"
	"testrig/internal/metrics"
	"testrig/internal/resilience"
	"testrig/internal/security"
	"testrig/pkg/logging"
)

var _ execution.Executor = (*ResilientRunner)(nil)

// Services holds all initialized components of a testrig instance.
//
// The components are created in dependency order:
//  1. Metrics on a private Prometheus registry
//  2. Security validator from the security section
//  3. Execution engine, observed by the metrics
//  4. Degradation registry with the coverage and parallel features
//  5. Resilient runner (per-framework breakers and retry) around the engine
//  6. Flaky detector on top of the resilient runner
type Services struct {
	Config config.Config

	// Engine runs requests directly. Stop, GetStatus, ListRuns and Watch go here.
	Engine *execution.Engine

	// Runner runs requests through the breakers, retry and feature fallbacks.
	Runner *ResilientRunner

	Validator *security.DefaultValidator
	Features  *resilience.DegradationRegistry
	Detector  *flaky.Detector
	Metrics   *metrics.Metrics

	// Registry gathers the collectors of Metrics.
	Registry *prometheus.Registry

	unsubscribe []func()
}

// ServiceOptions carries optional overrides, mostly for tests.
type ServiceOptions struct {
	Registry   *prometheus.Registry
	Spawner    execution.Spawner
	Frameworks *framework.Registry
	Watcher    execution.WatcherFactory
}

// InitializeServices creates and wires all components for cfg.
func InitializeServices(cfg config.Config, opts ServiceOptions) (*Services, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(reg)

	validator := security.NewDefaultValidator(cfg.Security.Limits())

	engine := execution.NewEngine(execution.Config{
		DefaultTimeout:  cfg.Execution.DefaultTimeout.Std(),
		KillGracePeriod: cfg.Execution.KillGracePeriod.Std(),
		Retention:       cfg.Execution.Retention.Std(),
		MaxWorkers:      cfg.Execution.MaxWorkers,
		WatchDebounce:   cfg.Watch.Debounce.Std(),
	}, execution.Options{
		Registry:  opts.Frameworks,
		Validator: validator,
		Spawner:   opts.Spawner,
		Watcher:   opts.Watcher,
	})

	s := &Services{
		Config:    cfg,
		Engine:    engine,
		Validator: validator,
		Metrics:   m,
		Registry:  reg,
	}
	s.unsubscribe = append(s.unsubscribe, engine.Subscribe(m.ObserveRun))

	s.Features = resilience.NewDegradationRegistry(nil)
	s.unsubscribe = append(s.unsubscribe, s.Features.Subscribe(m.ObserveDegradation))
	s.Features.RegisterFeature(FeatureCoverage, nil)
	s.Features.RegisterFeature(FeatureParallel, nil)

	breaker := cfg.Resilience.Circuit.BreakerConfig("")
	// The breaker must never cut a run short that the engine would still allow.
	if floor := cfg.Security.MaxTestDuration.Std() + 2*cfg.Execution.KillGracePeriod.Std(); breaker.CallTimeout < floor {
		breaker.CallTimeout = floor
	}
	breaker.OnStateChange = m.ObserveCircuitChange
	breaker.OnReject = m.ObserveRejection

	retry := cfg.Resilience.Retry.RetrierConfig()
	retry.OnRetry = m.ObserveRetry

	s.Runner = NewResilientRunner(engine, s.Features, breaker, retry)
	s.Detector = flaky.NewDetector(s.Runner, flaky.Config{
		DefaultIterations: cfg.Flaky.DefaultIterations,
		OnRecord:          m.ObserveFlakyRecord,
	})

	logging.Debug("Services", "Initialized with frameworks %v", cfg.Security.AllowedFrameworks)
	return s, nil
}

// Close detaches the metrics listeners.
func (s *Services) Close() {
	for _, u := range s.unsubscribe {
		u()
	}
	s.unsubscribe = nil
}
