// Package reliability provides a circuit breaker for broker operations.
//
// Calls are at-most-once, so nothing here retries a publish. The breaker
// only decides whether an operation is attempted at all: after enough
// consecutive broker failures it fails new calls immediately instead of
// letting each one wait out its own deadline.
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithSuccessThreshold(2),
//	    WithTimeout(10 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return publisher.Publish(ctx, queue, msg)
//	})
package reliability
