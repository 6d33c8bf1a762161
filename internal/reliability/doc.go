// Package reliability provides the retry policies and circuit breaker the
// producer wraps around synchronous sends.
//
// Both only act on retryable failures, that is timeouts and runtime errors
// as classified by the contracts package. Format errors, rolled back or
// in-doubt transactions and illegal state are returned immediately.
//
// Example usage:
//
//	cb := reliability.NewCircuitBreaker(
//	    reliability.WithFailureThreshold(5),
//	    reliability.WithTimeout(30 * time.Second),
//	)
//	policy := reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)
//
//	err := reliability.Retry(ctx, policy, func(attempt int) error {
//	    return cb.Execute(ctx, send)
//	})
package reliability
