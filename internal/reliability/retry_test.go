package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("grows and caps without jitter", func(t *testing.T) {
		b := &ExponentialBackoff{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     time.Second,
			Multiplier:      2,
			MaxAttempts:     10,
		}

		assert.Equal(t, 100*time.Millisecond, b.NextDelay(0))
		assert.Equal(t, 200*time.Millisecond, b.NextDelay(1))
		assert.Equal(t, 400*time.Millisecond, b.NextDelay(2))
		assert.Equal(t, time.Second, b.NextDelay(5))
		assert.Equal(t, 100*time.Millisecond, b.NextDelay(-1))
	})

	t.Run("jitter stays within fifteen percent", func(t *testing.T) {
		b := NewExponentialBackoff(time.Second, 10*time.Second, 2, 5)
		for i := 0; i < 100; i++ {
			d := b.NextDelay(0)
			assert.GreaterOrEqual(t, d, 850*time.Millisecond)
			assert.LessOrEqual(t, d, 1150*time.Millisecond)
		}
	})

	t.Run("stops at max attempts", func(t *testing.T) {
		b := NewExponentialBackoff(time.Millisecond, time.Millisecond, 2, 2)
		ok, _ := b.ShouldRetry(1, errBoom)
		assert.True(t, ok)
		ok, _ = b.ShouldRetry(2, errBoom)
		assert.False(t, ok)
		assert.Equal(t, 2, b.MaxRetries())
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		b := NewExponentialBackoff(time.Millisecond, time.Millisecond, 2, 5)
		ok, _ := b.ShouldRetry(0, Permanent(errBoom))
		assert.False(t, ok)
	})
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("returns nil once fn succeeds", func(t *testing.T) {
		attempts := 0
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 3), func() error {
			attempts++
			if attempts < 3 {
				return errBoom
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("wraps the last error when exhausted", func(t *testing.T) {
		attempts := 0
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 2), func() error {
			attempts++
			return errBoom
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, 3, attempts)
	})

	t.Run("permanent errors return immediately", func(t *testing.T) {
		attempts := 0
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 5), func() error {
			attempts++
			return Permanent(errBoom)
		})

		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, 1, attempts)
	})

	t.Run("open circuit is not retried", func(t *testing.T) {
		attempts := 0
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 5), func() error {
			attempts++
			return &CircuitBreakerError{Name: "x", State: StateOpen}
		})

		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.Equal(t, 1, attempts)
	})

	t.Run("stops when context is cancelled", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		err := Retry(cctx, NewFixedDelay(time.Hour, 5), func() error {
			return errBoom
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errBoom))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(Permanent(errBoom)))
	assert.True(t, IsRetryable(RetryableError{Err: errBoom, Retryable: true}))
	assert.False(t, IsRetryable(errors.Join(errBoom, context.DeadlineExceeded)))
	assert.Nil(t, Permanent(nil))
}
