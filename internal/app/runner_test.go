package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testrig/internal/api"
	"testrig/internal/resilience"
)

type fakeExecutor struct {
	mu       sync.Mutex
	requests []api.RunRequest
	fn       func(req api.RunRequest) ([]api.TestOutcome, error)
}

func (f *fakeExecutor) Execute(_ context.Context, req api.RunRequest) ([]api.TestOutcome, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.fn(req)
}

func (f *fakeExecutor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

var onePassed = []api.TestOutcome{{ID: "a", Name: "a", Status: api.StatusPassed}}

func crash(stderr string) error {
	return &api.ProcessError{Executable: "npx", ExitCode: 1, Stderr: stderr}
}

func newTestRunner(exec Executor, failureThreshold, maxRetries int) *ResilientRunner {
	breaker := resilience.DefaultCircuitBreakerConfig("")
	breaker.FailureThreshold = failureThreshold
	breaker.ResetTimeout = time.Hour
	return NewResilientRunner(exec, nil, breaker, resilience.RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	})
}

func TestResilientRunner_PassesThrough(t *testing.T) {
	exec := &fakeExecutor{fn: func(api.RunRequest) ([]api.TestOutcome, error) { return onePassed, nil }}
	r := newTestRunner(exec, 3, 2)

	results, err := r.Execute(context.Background(), api.RunRequest{Framework: api.FrameworkJest})
	require.NoError(t, err)
	assert.Equal(t, onePassed, results)
	assert.Equal(t, 1, exec.calls())
}

func TestResilientRunner_BreakerOpensPerFramework(t *testing.T) {
	exec := &fakeExecutor{fn: func(api.RunRequest) ([]api.TestOutcome, error) { return nil, crash("jest: command not found") }}
	r := newTestRunner(exec, 2, 0)
	ctx := context.Background()
	req := api.RunRequest{Framework: api.FrameworkJest}

	for range 2 {
		_, err := r.Execute(ctx, req)
		assert.True(t, api.IsProcess(err))
	}

	_, err := r.Execute(ctx, req)
	assert.True(t, api.IsCircuitOpen(err))
	assert.Equal(t, 2, exec.calls())
	assert.Equal(t, resilience.CircuitOpen, r.Breaker(api.FrameworkJest).State())

	// Another framework is unaffected
	_, err = r.Execute(ctx, api.RunRequest{Framework: api.FrameworkGoTest})
	assert.True(t, api.IsProcess(err))
	assert.Equal(t, 3, exec.calls())

	stats := r.Breakers()
	require.Len(t, stats, 2)
	assert.Equal(t, "execute:gotest", stats[0].Name)
	assert.Equal(t, "execute:jest", stats[1].Name)
	assert.Equal(t, "open", stats[1].State)
}

func TestResilientRunner_ValidationDoesNotTrip(t *testing.T) {
	exec := &fakeExecutor{fn: func(api.RunRequest) ([]api.TestOutcome, error) {
		return nil, api.NewValidationError("testPath: contains '..'")
	}}
	r := newTestRunner(exec, 2, 3)

	for range 5 {
		_, err := r.Execute(context.Background(), api.RunRequest{Framework: api.FrameworkJest})
		assert.True(t, api.IsValidation(err))
	}
	assert.Equal(t, 5, exec.calls())
	assert.Equal(t, resilience.CircuitClosed, r.Breaker(api.FrameworkJest).State())
}

func TestResilientRunner_RetriesTransientProcessFailures(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		expectedCalls int
	}{
		{"transient", crash("connect ECONNREFUSED 127.0.0.1:9229"), 3},
		{"permanent", crash("SyntaxError: Unexpected token"), 1},
		{"timeout", &api.TimeoutError{Timeout: time.Second}, 1},
		{"validation", api.NewValidationError("bad"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{fn: func(api.RunRequest) ([]api.TestOutcome, error) { return nil, tt.err }}
			r := newTestRunner(exec, 10, 2)

			_, err := r.Execute(context.Background(), api.RunRequest{Framework: api.FrameworkVitest})
			require.Error(t, err)
			assert.Equal(t, api.KindOf(tt.err), api.KindOf(err))
			assert.Equal(t, tt.expectedCalls, exec.calls())
		})
	}
}

func TestResilientRunner_RetryRecovers(t *testing.T) {
	var n int
	exec := &fakeExecutor{fn: func(api.RunRequest) ([]api.TestOutcome, error) {
		n++
		if n == 1 {
			return nil, crash("fork/exec: text file busy")
		}
		return onePassed, nil
	}}
	r := newTestRunner(exec, 5, 2)

	results, err := r.Execute(context.Background(), api.RunRequest{Framework: api.FrameworkGoTest})
	require.NoError(t, err)
	assert.Equal(t, onePassed, results)
	assert.Equal(t, 2, exec.calls())
}

func TestResilientRunner_TimeoutKeepsPartialResults(t *testing.T) {
	exec := &fakeExecutor{fn: func(api.RunRequest) ([]api.TestOutcome, error) {
		return nil, &api.TimeoutError{RunID: "r", Timeout: time.Second, Partial: onePassed}
	}}
	r := newTestRunner(exec, 5, 2)

	_, err := r.Execute(context.Background(), api.RunRequest{Framework: api.FrameworkGoTest})
	require.True(t, api.IsTimeout(err))
	assert.Equal(t, onePassed, api.PartialResults(err))
}

func TestResilientRunner_FeatureFallback(t *testing.T) {
	tests := []struct {
		name     string
		feature  string
		req      api.RunRequest
		uses     func(api.RunRequest) bool
		stripped func(api.RunRequest) bool
	}{
		{
			name:     "coverage",
			feature:  FeatureCoverage,
			req:      api.RunRequest{Framework: api.FrameworkJest, Coverage: true},
			uses:     func(r api.RunRequest) bool { return r.Coverage },
			stripped: func(r api.RunRequest) bool { return !r.Coverage },
		},
		{
			name:     "parallel",
			feature:  FeatureParallel,
			req:      api.RunRequest{Framework: api.FrameworkJest, Parallel: true, MaxWorkers: 4},
			uses:     func(r api.RunRequest) bool { return r.Parallel },
			stripped: func(r api.RunRequest) bool { return !r.Parallel && r.MaxWorkers == 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{fn: func(req api.RunRequest) ([]api.TestOutcome, error) {
				if tt.uses(req) {
					return nil, crash("reporter crashed")
				}
				return onePassed, nil
			}}
			r := newTestRunner(exec, 10, 0)
			r.Features().RegisterFeature(tt.feature, nil)

			var events []resilience.DegradationEvent
			r.Features().Subscribe(func(e resilience.DegradationEvent) { events = append(events, e) })

			results, err := r.Execute(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, onePassed, results)

			f, err := r.Features().Status(tt.feature)
			require.NoError(t, err)
			assert.Equal(t, resilience.FeatureDegraded, f.Status)
			require.Len(t, events, 1)
			assert.Equal(t, tt.feature, events[0].Feature)

			require.Equal(t, 2, exec.calls())
			assert.True(t, tt.stripped(exec.requests[1]))
			assert.True(t, tt.uses(tt.req), "caller's request must not be modified")
		})
	}
}

func TestResilientRunner_DisabledFeatureSkipsToFallback(t *testing.T) {
	exec := &fakeExecutor{fn: func(api.RunRequest) ([]api.TestOutcome, error) { return onePassed, nil }}
	r := newTestRunner(exec, 10, 0)
	r.Features().RegisterFeature(FeatureCoverage, nil)
	require.NoError(t, r.Features().DisableFeature(FeatureCoverage, "nyc missing"))

	_, err := r.Execute(context.Background(), api.RunRequest{Framework: api.FrameworkJest, Coverage: true})
	require.NoError(t, err)
	require.Equal(t, 1, exec.calls())
	assert.False(t, exec.requests[0].Coverage)
}

func TestResilientRunner_NonProcessErrorsDoNotDegrade(t *testing.T) {
	exec := &fakeExecutor{fn: func(api.RunRequest) ([]api.TestOutcome, error) {
		return nil, &api.TimeoutError{Timeout: time.Second}
	}}
	r := newTestRunner(exec, 10, 0)
	r.Features().RegisterFeature(FeatureParallel, nil)

	_, err := r.Execute(context.Background(), api.RunRequest{Framework: api.FrameworkGoTest, Parallel: true, MaxWorkers: 2})
	assert.True(t, api.IsTimeout(err))
	assert.True(t, r.Features().IsAvailable(FeatureParallel))
	assert.Equal(t, 1, exec.calls())
}

func TestTripsBreaker(t *testing.T) {
	assert.False(t, tripsBreaker(api.NewValidationError("x")))
	assert.False(t, tripsBreaker(api.NewRunNotFoundError("r")))
	assert.False(t, tripsBreaker(context.Canceled))
	assert.True(t, tripsBreaker(crash("boom")))
	assert.True(t, tripsBreaker(&api.TimeoutError{}))
	assert.True(t, tripsBreaker(errors.New("unexpected")))
}
