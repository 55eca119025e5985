package app

import (
	"context"
	"errors"
	"sort"
	"sync"

	"testrig/internal/api"
	"testrig/internal/resilience"
	"testrig/pkg/logging"
)

// Optional features that fall back to a plain run when they break.
const (
	FeatureCoverage = "coverage"
	FeatureParallel = "parallel"
)

// Executor runs a single request. The execution engine implements it.
type Executor interface {
	Execute(ctx context.Context, req api.RunRequest) ([]api.TestOutcome, error)
}

type runFunc func(ctx context.Context, req api.RunRequest) ([]api.TestOutcome, error)

// ResilientRunner wraps an Executor in a per-framework circuit breaker and a
// retry policy, and routes coverage and parallel requests through the
// degradation registry so that a broken optional feature falls back to a
// plain run instead of failing the request.
type ResilientRunner struct {
	exec     Executor
	features *resilience.DegradationRegistry
	retrier  *resilience.Retrier
	template resilience.CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[api.Framework]*resilience.CircuitBreaker
}

// NewResilientRunner creates a runner. breaker is the template for every
// per-framework breaker; its Name is replaced by "execute:<framework>".
func NewResilientRunner(exec Executor, features *resilience.DegradationRegistry, breaker resilience.CircuitBreakerConfig, retry resilience.RetryConfig) *ResilientRunner {
	if breaker.ShouldTrip == nil {
		breaker.ShouldTrip = tripsBreaker
	}
	if retry.Classifier == nil {
		retry.Classifier = retryableRun
	}
	if features == nil {
		features = resilience.NewDegradationRegistry(nil)
	}
	return &ResilientRunner{
		exec:     exec,
		features: features,
		retrier:  resilience.NewRetrier(retry),
		template: breaker,
		breakers: make(map[api.Framework]*resilience.CircuitBreaker),
	}
}

// tripsBreaker counts process failures and timeouts. Bad requests and
// callers giving up say nothing about the framework's health.
func tripsBreaker(err error) bool {
	switch api.KindOf(err) {
	case api.KindValidation, api.KindNotFound, api.KindCircuitOpen:
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// retryableRun retries process failures that look transient. Test timeouts
// are not retried: they carry partial results and would only time out again.
func retryableRun(err error) bool {
	return api.KindOf(err) == api.KindProcess && api.IsRetryable(err)
}

// Execute runs req with the full resilience stack.
func (r *ResilientRunner) Execute(ctx context.Context, req api.RunRequest) ([]api.TestOutcome, error) {
	run := r.protected
	if req.Coverage {
		run = r.withFeature(FeatureCoverage, run, func(req api.RunRequest) api.RunRequest {
			req.Coverage = false
			return req
		})
	}
	if req.Parallel {
		run = r.withFeature(FeatureParallel, run, func(req api.RunRequest) api.RunRequest {
			req.Parallel = false
			req.MaxWorkers = 0
			return req
		})
	}
	return run(ctx, req)
}

// withFeature runs next for the named feature. A process failure degrades
// the feature and re-runs the request without it.
func (r *ResilientRunner) withFeature(name string, next runFunc, strip func(api.RunRequest) api.RunRequest) runFunc {
	return func(ctx context.Context, req api.RunRequest) ([]api.TestOutcome, error) {
		return resilience.WithFallback(ctx, r.features, name,
			func(ctx context.Context) ([]api.TestOutcome, error) {
				out, err := next(ctx, req)
				if api.IsProcess(err) {
					return out, api.MarkDegrading(err)
				}
				return out, err
			},
			func(ctx context.Context) ([]api.TestOutcome, error) {
				logging.Info("Runner", "Running %s request without %s", req.Framework, name)
				return next(ctx, strip(req.Clone()))
			},
		)
	}
}

func (r *ResilientRunner) protected(ctx context.Context, req api.RunRequest) ([]api.TestOutcome, error) {
	cb := r.Breaker(req.Framework)
	return resilience.Retry(ctx, r.retrier, func(ctx context.Context) ([]api.TestOutcome, error) {
		return resilience.Call(ctx, cb, func(ctx context.Context) ([]api.TestOutcome, error) {
			return r.exec.Execute(ctx, req)
		})
	})
}

// Breaker returns the breaker guarding fw, creating it on first use.
func (r *ResilientRunner) Breaker(fw api.Framework) *resilience.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[fw]
	if !ok {
		config := r.template
		config.Name = "execute:" + string(fw)
		cb = resilience.NewCircuitBreaker(config)
		r.breakers[fw] = cb
	}
	return cb
}

// Breakers returns the statistics of every breaker created so far.
func (r *ResilientRunner) Breakers() []resilience.CircuitBreakerStats {
	r.mu.Lock()
	stats := make([]resilience.CircuitBreakerStats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.Stats())
	}
	r.mu.Unlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Features returns the degradation registry the runner consults.
func (r *ResilientRunner) Features() *resilience.DegradationRegistry {
	return r.features
}
