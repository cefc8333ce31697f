// Package reliability provides the circuit breaker and retry policies used on
// the bus publish path and for reconnect backoff.
//
//   - Circuit Breaker: stops calling a failing broker until an open timeout elapses
//   - Retry Policies: exponential backoff with jitter, or a fixed delay
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithName("bus-publish"),
//	    WithFailureThreshold(5),
//	    WithOpenTimeout(10 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return conn.Publish(ctx, msg)
//	})
package reliability
