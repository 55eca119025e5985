// Package resilience provides the three wrappers every unreliable call in
// testrig goes through.
//
//   - CircuitBreaker: one instance per call site. Consecutive failures open
//     the circuit; open circuits reject without invoking the wrapped call.
//   - Retrier: exponential backoff for errors classified as retryable.
//   - DegradationRegistry: per-feature availability with fallbacks and
//     synchronous change notifications.
//
// The primitives are independent and generic. Typical composition, outermost first:
//
//	registry.ExecuteWithFallback(ctx, "coverage", func(ctx context.Context) error {
//		return breaker.Execute(ctx, func(ctx context.Context) error {
//			return retrier.Do(ctx, call)
//		})
//	})
//
// State is in-memory and private to each instance.
package resilience
