package reliability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time without sleeping
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clock *fakeClock, opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := NewCircuitBreaker(opts...)
	cb.now = clock.Now
	return cb
}

var errBoom = errors.New("boom")

func fail() error { return errBoom }
func succeed() error { return nil }

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("starts in closed state", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("executes function in closed state", func(t *testing.T) {
		cb := NewCircuitBreaker()
		executed := false

		err := cb.Execute(ctx, func() error {
			executed = true
			return nil
		})

		assert.NoError(t, err)
		assert.True(t, executed)
	})

	t.Run("opens after failure threshold and rejects calls", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		cb := newTestBreaker(clock, WithFailureThreshold(3), WithName("publish"))

		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
		}
		assert.Equal(t, StateOpen, cb.State())

		called := false
		err := cb.Execute(ctx, func() error {
			called = true
			return nil
		})
		require.Error(t, err)
		assert.False(t, called)
		assert.ErrorIs(t, err, ErrCircuitOpen)

		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, "publish", cbErr.Name)
		assert.Equal(t, StateOpen, cbErr.State)
		assert.Equal(t, int64(1), cb.Metrics().TotalRejected)
	})

	t.Run("success resets consecutive failures", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))

		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, succeed)
		_ = cb.Execute(ctx, fail)

		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open probe closes the circuit on success", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		cb := newTestBreaker(clock,
			WithFailureThreshold(1),
			WithSuccessThreshold(2),
			WithOpenTimeout(time.Second),
		)

		_ = cb.Execute(ctx, fail)
		assert.Equal(t, StateOpen, cb.State())

		clock.Advance(time.Second)
		assert.Equal(t, StateHalfOpen, cb.State())

		require.NoError(t, cb.Execute(ctx, succeed))
		assert.Equal(t, StateHalfOpen, cb.State())
		require.NoError(t, cb.Execute(ctx, succeed))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open failure reopens the circuit", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		cb := newTestBreaker(clock, WithFailureThreshold(1), WithOpenTimeout(time.Second))

		_ = cb.Execute(ctx, fail)
		clock.Advance(time.Second)

		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
		assert.Equal(t, StateOpen, cb.State())
		assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
	})

	t.Run("limits concurrent half-open probes", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		cb := newTestBreaker(clock,
			WithFailureThreshold(1),
			WithOpenTimeout(time.Second),
			WithHalfOpenRequests(1),
		)
		_ = cb.Execute(ctx, fail)
		clock.Advance(time.Second)

		release := make(chan struct{})
		started := make(chan struct{})
		go func() {
			_ = cb.Execute(ctx, func() error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started

		err := cb.Execute(ctx, succeed)
		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateHalfOpen, cbErr.State)
		close(release)
	})

	t.Run("context cancellation is not a failure", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))

		err := cb.Execute(ctx, func() error { return context.Canceled })
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("custom failure predicate", func(t *testing.T) {
		ignored := errors.New("ignored")
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithFailurePredicate(func(err error) bool {
				return err != nil && !errors.Is(err, ignored)
			}),
		)

		_ = cb.Execute(ctx, func() error { return ignored })
		assert.Equal(t, StateClosed, cb.State())

		_ = cb.Execute(ctx, fail)
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("cancelled context short-circuits", func(t *testing.T) {
		cb := NewCircuitBreaker()
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		called := false
		err := cb.Execute(cctx, func() error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})

	t.Run("notifies state changes", func(t *testing.T) {
		changes := make(chan State, 4)
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithStateChangeFunc(func(name string, from, to State, reason string) {
				changes <- to
			}),
		)

		_ = cb.Execute(ctx, fail)
		select {
		case to := <-changes:
			assert.Equal(t, StateOpen, to)
		case <-time.After(time.Second):
			t.Fatal("no state change notification")
		}

		cb.Reset()
		select {
		case to := <-changes:
			assert.Equal(t, StateClosed, to)
		case <-time.After(time.Second):
			t.Fatal("no reset notification")
		}
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("concurrent executions are counted", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1000))
		var calls atomic.Int64
		var wg sync.WaitGroup

		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = cb.Execute(ctx, func() error {
					calls.Add(1)
					return nil
				})
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(50), calls.Load())
		assert.Equal(t, int64(50), cb.Metrics().TotalRequests)
		assert.Equal(t, int64(0), cb.Metrics().TotalFailures)
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
