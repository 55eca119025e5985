package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"testrig/internal/api"
	"testrig/pkg/logging"
)

func tracer() trace.Tracer { return otel.Tracer("testrig.resilience") }

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	// CircuitClosed is normal operation - calls pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures - calls are rejected without running.
	CircuitOpen
	// CircuitHalfOpen is testing recovery - one trial call at a time.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 3
	DefaultCallTimeout      = 30 * time.Second
	DefaultResetTimeout     = 30 * time.Second
)

// CircuitBreakerConfig configures one breaker instance.
type CircuitBreakerConfig struct {
	// Name identifies the protected call site in errors, logs and metrics.
	Name string

	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// SuccessThreshold is consecutive half-open successes needed to close.
	SuccessThreshold int

	// CallTimeout bounds a single protected call.
	CallTimeout time.Duration

	// ResetTimeout is how long the circuit stays open before a trial call.
	ResetTimeout time.Duration

	// ShouldTrip decides whether an error counts as a failure. Errors for
	// which it returns false are counted as successes. Nil counts every error.
	ShouldTrip func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to CircuitState)

	// OnReject is called when a call is rejected without running.
	OnReject func(name string)

	Clock Clock
}

// DefaultCircuitBreakerConfig returns the default thresholds for a call site.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: DefaultFailureThreshold,
		SuccessThreshold: DefaultSuccessThreshold,
		CallTimeout:      DefaultCallTimeout,
		ResetTimeout:     DefaultResetTimeout,
	}
}

// CircuitBreakerStats contains circuit breaker statistics.
type CircuitBreakerStats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	TotalCalls      int64     `json:"totalCalls"`
	TotalFailures   int64     `json:"totalFailures"`
	TotalRejections int64     `json:"totalRejections"`
	NextAttempt     time.Time `json:"nextAttempt,omitzero"`
	LastStateChange time.Time `json:"lastStateChange"`
}

type stateChange struct {
	from, to CircuitState
}

// CircuitBreaker guards a single call site. After FailureThreshold
// consecutive failures it rejects calls until ResetTimeout has passed, then
// admits one trial call at a time until SuccessThreshold trials succeed.
//
// Safe for concurrent use.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	clock  Clock

	mu              sync.Mutex
	state           CircuitState
	failures        int
	successes       int
	nextAttempt     time.Time
	lastStateChange time.Time
	trialActive     bool

	totalCalls      int64
	totalFailures   int64
	totalRejections int64
}

// NewCircuitBreaker creates a breaker. Zero values in config take defaults.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultFailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultSuccessThreshold
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultResetTimeout
	}
	if config.Name == "" {
		config.Name = "default"
	}
	clock := clockOrSystem(config.Clock)
	return &CircuitBreaker{
		config:          config,
		clock:           clock,
		state:           CircuitClosed,
		lastStateChange: clock.Now(),
	}
}

// Name returns the call site name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// State returns the effective state. An open circuit whose reset deadline has
// passed reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.effectiveStateLocked()
}

// IsOpen reports whether calls are currently rejected outright.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == CircuitOpen
}

func (cb *CircuitBreaker) effectiveStateLocked() CircuitState {
	if cb.state == CircuitOpen && !cb.clock.Now().Before(cb.nextAttempt) {
		return CircuitHalfOpen
	}
	return cb.state
}

// Stats returns a snapshot of counters and state.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	stats := CircuitBreakerStats{
		Name:            cb.config.Name,
		State:           cb.effectiveStateLocked().String(),
		Failures:        cb.failures,
		Successes:       cb.successes,
		TotalCalls:      cb.totalCalls,
		TotalFailures:   cb.totalFailures,
		TotalRejections: cb.totalRejections,
		LastStateChange: cb.lastStateChange,
	}
	if cb.state == CircuitOpen {
		stats.NextAttempt = cb.nextAttempt
	}
	return stats
}

// Reset forces the breaker back to closed with cleared counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var changes []stateChange
	if cb.state != CircuitClosed {
		changes = append(changes, cb.transitionLocked(CircuitClosed))
	}
	cb.failures = 0
	cb.successes = 0
	cb.trialActive = false
	cb.mu.Unlock()
	cb.notify(changes)
}

// Execute runs fn under the breaker. In the open state fn is not invoked and a
// *api.CircuitOpenError is returned. fn receives a context bounded by the call
// timeout; if fn does not return in time the call counts as a failure and
// Execute returns without waiting for it.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}

	ctx, span := tracer().Start(ctx, "circuit.Execute",
		trace.WithAttributes(
			attribute.String("circuit.name", cb.config.Name),
			attribute.Bool("circuit.trial", trial),
		),
	)
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, cb.config.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("circuit %s: protected call panicked: %v", cb.config.Name, r)
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err = <-done:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = fmt.Errorf("circuit %s: call timed out after %s: %w", cb.config.Name, cb.config.CallTimeout, context.DeadlineExceeded)
		}
	}

	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// Abandoned by the caller; the dependency said nothing either way.
		cb.release(trial)
		span.SetStatus(codes.Error, "canceled")
		return err
	}

	cb.record(trial, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

// Call runs fn under cb and returns its value.
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			result = v
		}
		return err
	})
	if err != nil {
		// fn may still be running after a call timeout; never read result then.
		var zero T
		return zero, err
	}
	return result, nil
}

// admit decides whether a call may run. trial is true for half-open trials.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	cb.totalCalls++

	var changes []stateChange
	switch cb.state {
	case CircuitOpen:
		if cb.clock.Now().Before(cb.nextAttempt) {
			return false, cb.rejectLocked()
		}
		changes = append(changes, cb.transitionLocked(CircuitHalfOpen))
		fallthrough
	case CircuitHalfOpen:
		if cb.trialActive {
			err := cb.rejectLocked()
			cb.notify(changes)
			return false, err
		}
		cb.trialActive = true
		cb.mu.Unlock()
		cb.notify(changes)
		return true, nil
	}

	cb.mu.Unlock()
	return false, nil
}

// rejectLocked unlocks cb and returns the rejection error.
func (cb *CircuitBreaker) rejectLocked() error {
	cb.totalRejections++
	retryAfter := cb.nextAttempt.Sub(cb.clock.Now())
	if retryAfter < 0 {
		retryAfter = 0
	}
	cb.mu.Unlock()

	if cb.config.OnReject != nil {
		cb.config.OnReject(cb.config.Name)
	}
	logging.Debug("Circuit", "Circuit %s rejected call, retry after %s", cb.config.Name, retryAfter)
	return &api.CircuitOpenError{Name: cb.config.Name, RetryAfter: retryAfter}
}

func (cb *CircuitBreaker) release(trial bool) {
	if !trial {
		return
	}
	cb.mu.Lock()
	cb.trialActive = false
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) record(trial bool, err error) {
	failed := err != nil && (cb.config.ShouldTrip == nil || cb.config.ShouldTrip(err))

	cb.mu.Lock()
	if trial {
		cb.trialActive = false
	}

	var changes []stateChange
	if failed {
		cb.totalFailures++
		cb.successes = 0
		cb.failures++
		switch cb.state {
		case CircuitClosed:
			if cb.failures >= cb.config.FailureThreshold {
				changes = append(changes, cb.transitionLocked(CircuitOpen))
			}
		case CircuitHalfOpen:
			changes = append(changes, cb.transitionLocked(CircuitOpen))
		}
	} else {
		cb.failures = 0
		if cb.state == CircuitHalfOpen {
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				changes = append(changes, cb.transitionLocked(CircuitClosed))
			}
		}
	}
	cb.mu.Unlock()

	cb.notify(changes)
}

// transitionLocked moves to a new state. Must be called with lock held.
func (cb *CircuitBreaker) transitionLocked(to CircuitState) stateChange {
	from := cb.state
	now := cb.clock.Now()
	cb.state = to
	cb.lastStateChange = now

	switch to {
	case CircuitOpen:
		cb.nextAttempt = now.Add(cb.config.ResetTimeout)
		cb.successes = 0
	case CircuitHalfOpen:
		cb.successes = 0
	case CircuitClosed:
		cb.failures = 0
		cb.successes = 0
		cb.nextAttempt = time.Time{}
	}
	return stateChange{from: from, to: to}
}

func (cb *CircuitBreaker) notify(changes []stateChange) {
	for _, c := range changes {
		if c.to == CircuitOpen {
			logging.Warn("Circuit", "Circuit %s opened (%s -> %s)", cb.config.Name, c.from, c.to)
		} else {
			logging.Info("Circuit", "Circuit %s transitioned %s -> %s", cb.config.Name, c.from, c.to)
		}
		if cb.config.OnStateChange != nil {
			cb.config.OnStateChange(cb.config.Name, c.from, c.to)
		}
	}
}
