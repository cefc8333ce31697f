package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is called, on its own goroutine, after every transition
type StateChangeFunc func(name string, from, to State, reason string)

// CircuitBreaker guards the publish path so a dead broker is not hammered by
// every waiting request.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	halfOpenInUse   int
	lastFailureTime time.Time
	totalRequests   int64
	totalFailures   int64
	totalRejected   int64

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	halfOpenRequests int
	name             string
	isFailure        func(error) bool
	onStateChange    []StateChangeFunc
	logger           *slog.Logger
	now              func() time.Time
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the successes needed in half-open state to close
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithOpenTimeout sets how long the circuit stays open before probing
func WithOpenTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.openTimeout = timeout
	}
}

// WithHalfOpenRequests sets the max concurrent probes in half-open state
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithName sets the circuit breaker name used in logs and errors
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithFailurePredicate decides which errors count against the circuit.
// By default context cancellation does not.
func WithFailurePredicate(fn func(error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.isFailure = fn
	}
}

// WithStateChangeFunc registers a transition callback
func WithStateChangeFunc(fn StateChangeFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = append(cb.onStateChange, fn)
	}
}

// WithBreakerLogger sets the logger
func WithBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 2,
		openTimeout:      10 * time.Second,
		halfOpenRequests: 1,
		name:             "default",
		isFailure:        defaultIsFailure,
		logger:           slog.Default(),
		now:              time.Now,
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := cb.before(); err != nil {
		return err
	}

	err := fn()
	cb.after(err)
	return err
}

// State returns the current state, moving open to half-open when the open
// timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.openTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the circuit and clears counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenInUse = 0
	if from != StateClosed {
		cb.notify(from, StateClosed, "reset")
	}
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case StateOpen:
		nextRetry := cb.lastFailureTime.Add(cb.openTimeout)
		if cb.now().Before(nextRetry) {
			cb.totalRejected++
			return &CircuitBreakerError{
				Name:             cb.name,
				State:            StateOpen,
				Failures:         cb.failures,
				FailureThreshold: cb.failureThreshold,
				NextRetry:        nextRetry,
			}
		}
		cb.transition(StateHalfOpen, "open timeout elapsed")
		cb.halfOpenInUse = 1
		return nil

	case StateHalfOpen:
		if cb.halfOpenInUse >= cb.halfOpenRequests {
			cb.totalRejected++
			return &CircuitBreakerError{
				Name:             cb.name,
				State:            StateHalfOpen,
				Failures:         cb.failures,
				FailureThreshold: cb.failureThreshold,
				NextRetry:        cb.now().Add(time.Second),
			}
		}
		cb.halfOpenInUse++
		return nil

	default:
		return nil
	}
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenInUse > 0 {
		cb.halfOpenInUse--
	}

	if cb.isFailure(err) {
		cb.failures++
		cb.totalFailures++
		cb.successes = 0
		cb.lastFailureTime = cb.now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.transition(StateOpen, fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold))
			}
		case StateHalfOpen:
			cb.transition(StateOpen, "failure in half-open state")
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.failures = 0
			cb.successes = 0
			cb.transition(StateClosed, fmt.Sprintf("success threshold reached (%d)", cb.successThreshold))
		}
	}
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	cb.state = to
	if to != StateHalfOpen {
		cb.halfOpenInUse = 0
	}
	cb.logger.Info("circuit breaker state change",
		"name", cb.name,
		"from", from.String(),
		"to", to.String(),
		"reason", reason)
	cb.notify(from, to, reason)
}

func (cb *CircuitBreaker) notify(from, to State, reason string) {
	for _, fn := range cb.onStateChange {
		go fn(cb.name, from, to, reason)
	}
}

// Metrics returns a snapshot of circuit breaker counters
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerMetrics{
		Name:            cb.name,
		State:           cb.state,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalRejected:   cb.totalRejected,
		CurrentFailures: cb.failures,
		LastFailureTime: cb.lastFailureTime,
	}
}

// CircuitBreakerMetrics represents circuit breaker metrics
type CircuitBreakerMetrics struct {
	Name            string
	State           State
	TotalRequests   int64
	TotalFailures   int64
	TotalRejected   int64
	CurrentFailures int
	LastFailureTime time.Time
}
