package resilience

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"

	"testrig/internal/api"
	"testrig/pkg/logging"
)

// RetryConfig configures a Retrier.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int

	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps every wait.
	MaxDelay time.Duration

	// Multiplier grows the delay between consecutive retries.
	Multiplier float64

	// RetryableKinds, when non-empty, restricts retries to errors of these kinds.
	RetryableKinds []api.ErrorKind

	// Classifier overrides the kind list and the default classification.
	Classifier func(error) bool

	// OnRetry is called before each wait. It cannot prevent the retry.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultRetryConfig returns 3 retries starting at 1s, doubling, capped at 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

// Retrier re-invokes fallible operations with exponential backoff.
// A Retrier holds no per-call state and is safe for concurrent use.
type Retrier struct {
	config RetryConfig
}

// NewRetrier creates a Retrier. Unset delays and multiplier take defaults.
func NewRetrier(config RetryConfig) *Retrier {
	def := DefaultRetryConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	if config.Multiplier < 1 {
		config.Multiplier = def.Multiplier
	}
	return &Retrier{config: config}
}

// Config returns the effective configuration.
func (r *Retrier) Config() RetryConfig {
	return r.config
}

// Delays returns the wait schedule for all retries.
func (r *Retrier) Delays() []time.Duration {
	b := r.newBackOff()
	delays := make([]time.Duration, r.config.MaxRetries)
	for i := range delays {
		delays[i] = b.NextBackOff()
	}
	return delays
}

func (r *Retrier) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.config.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          r.config.Multiplier,
		MaxInterval:         r.config.MaxDelay,
	}
	b.Reset()
	return b
}

// Retryable reports whether err qualifies for another attempt.
func (r *Retrier) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if r.config.Classifier != nil {
		return r.config.Classifier(err)
	}
	if len(r.config.RetryableKinds) > 0 {
		return slices.Contains(r.config.RetryableKinds, api.KindOf(err))
	}
	return api.IsRetryable(err)
}

// Do runs fn until it succeeds, returns a non-retryable error, or retries are
// exhausted. The last error is returned unmodified. Cancelling ctx during a
// wait returns ctx.Err().
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	b := r.newBackOff()

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logging.Debug("Retry", "Operation succeeded on attempt %d", attempt)
			}
			return nil
		}
		if attempt > r.config.MaxRetries || !r.Retryable(err) {
			return err
		}

		delay := b.NextBackOff()
		r.notify(err, attempt, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Retry runs fn under r and returns its value.
func Retry[T any](ctx context.Context, r *Retrier, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			result = v
		}
		return err
	})
	return result, err
}

func (r *Retrier) notify(err error, attempt int, delay time.Duration) {
	logging.Debug("Retry", "Attempt %d failed, retrying in %s: %v", attempt, delay, err)
	if r.config.OnRetry == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error("Retry", fmt.Errorf("%v", rec), "OnRetry observer panicked")
		}
	}()
	r.config.OnRetry(err, attempt, delay)
}
