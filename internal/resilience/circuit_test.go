package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testrig/internal/api"
)

var errDependency = errors.New("dependency failed")

func newTestBreaker(clock Clock) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		CallTimeout:      time.Second,
		ResetTimeout:     10 * time.Second,
		Clock:            clock,
	})
}

func failing(calls *int32) func(context.Context) error {
	return func(context.Context) error {
		atomic.AddInt32(calls, 1)
		return errDependency
	}
}

func succeeding(calls *int32) func(context.Context) error {
	return func(context.Context) error {
		atomic.AddInt32(calls, 1)
		return nil
	}
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})

	assert.Equal(t, DefaultFailureThreshold, cb.config.FailureThreshold)
	assert.Equal(t, DefaultSuccessThreshold, cb.config.SuccessThreshold)
	assert.Equal(t, DefaultCallTimeout, cb.config.CallTimeout)
	assert.Equal(t, DefaultResetTimeout, cb.config.ResetTimeout)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterThresholdAndSkipsCall(t *testing.T) {
	cb := newTestBreaker(NewManualClock(time.Time{}))
	ctx := context.Background()

	var calls int32
	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, failing(&calls))
		assert.ErrorIs(t, err, errDependency)
	}

	assert.True(t, cb.IsOpen())
	assert.Equal(t, int32(3), calls)

	err := cb.Execute(ctx, failing(&calls))
	assert.True(t, api.IsCircuitOpen(err))
	assert.Equal(t, int32(3), calls, "open circuit must not invoke the wrapped call")

	stats := cb.Stats()
	assert.Equal(t, "open", stats.State)
	assert.Equal(t, int64(1), stats.TotalRejections)
	assert.Equal(t, int64(3), stats.TotalFailures)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(NewManualClock(time.Time{}))
	ctx := context.Background()

	var calls int32
	_ = cb.Execute(ctx, failing(&calls))
	_ = cb.Execute(ctx, failing(&calls))
	require.NoError(t, cb.Execute(ctx, succeeding(&calls)))
	assert.Equal(t, 0, cb.Stats().Failures)

	_ = cb.Execute(ctx, failing(&calls))
	_ = cb.Execute(ctx, failing(&calls))
	assert.False(t, cb.IsOpen())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clock := NewManualClock(time.Time{})
	cb := newTestBreaker(clock)
	ctx := context.Background()

	var calls int32
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, failing(&calls))
	}
	require.True(t, cb.IsOpen())

	clock.Advance(10 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeeding(&calls)))
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeeding(&calls)))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := NewManualClock(time.Time{})
	cb := newTestBreaker(clock)
	ctx := context.Background()

	var calls int32
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, failing(&calls))
	}
	clock.Advance(11 * time.Second)

	_ = cb.Execute(ctx, failing(&calls))
	assert.True(t, cb.IsOpen())

	// The reset timer was re-armed from the trial failure
	clock.Advance(5 * time.Second)
	assert.True(t, cb.IsOpen())
	clock.Advance(5 * time.Second)
	assert.False(t, cb.IsOpen())
}

func TestCircuitBreaker_HalfOpenAllowsSingleTrial(t *testing.T) {
	clock := NewManualClock(time.Time{})
	cb := newTestBreaker(clock)
	ctx := context.Background()

	var calls int32
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, failing(&calls))
	}
	clock.Advance(10 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	err := cb.Execute(ctx, succeeding(&calls))
	assert.True(t, api.IsCircuitOpen(err), "second caller during a trial is rejected")

	close(release)
	wg.Wait()
	assert.Equal(t, CircuitHalfOpen, cb.State())
}

func TestCircuitBreaker_CallTimeoutCountsAsFailure(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "slow",
		FailureThreshold: 1,
		CallTimeout:      20 * time.Millisecond,
	})

	start := time.Now()
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	assert.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, cb.IsOpen())
}

func TestCircuitBreaker_ShouldTripFilter(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "filtered",
		FailureThreshold: 1,
		ShouldTrip: func(err error) bool {
			return !api.IsValidation(err)
		},
	})

	err := cb.Execute(context.Background(), func(context.Context) error {
		return api.NewValidationError("bad request")
	})
	assert.True(t, api.IsValidation(err))
	assert.False(t, cb.IsOpen())
}

func TestCircuitBreaker_StateChangeHook(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "hooked",
		FailureThreshold: 1,
		OnStateChange: func(name string, from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	var calls int32
	_ = cb.Execute(context.Background(), failing(&calls))
	cb.Reset()

	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCall_ReturnsValue(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("typed"))

	v, err := Call(context.Background(), cb, func(context.Context) (int, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestCircuitBreaker_PanicCountsAsFailure(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "panicky", FailureThreshold: 1})

	err := cb.Execute(context.Background(), func(context.Context) error {
		panic("boom")
	})

	assert.ErrorContains(t, err, "panicked")
	assert.True(t, cb.IsOpen())
}
