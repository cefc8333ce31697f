package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is matched by every CircuitBreakerError
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")
)

// CircuitBreakerError is returned when the breaker rejects a call
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %s half-open: probe limit reached", e.Name)
	}
	retryIn := time.Until(e.NextRetry).Round(time.Millisecond)
	return fmt.Sprintf("circuit breaker %s open: call blocked (failures=%d/%d, retry in %v)",
		e.Name, e.Failures, e.FailureThreshold, retryIn)
}

func (e *CircuitBreakerError) Unwrap() error {
	return ErrCircuitOpen
}

// RetryError is returned when retries are exhausted
type RetryError struct {
	Attempts  int
	LastError error
	Duration  time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d attempts over %v: %v",
		e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}
