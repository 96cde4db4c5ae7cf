package resilience

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/aegis/pkg/errors"
)

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       attempts,
		InitialDelay:      time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestRetrier_SucceedsAfterTransientFailures(t *testing.T) {
	retrier := NewRetrier(fastRetryConfig(3))

	calls := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("connection refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrier_StopsOnPermanentError(t *testing.T) {
	retrier := NewRetrier(fastRetryConfig(5))

	calls := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.NewValidationError("bad request")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-retryable errors must not be retried")
}

func TestRetrier_DoesNotRetryCircuitBreakerRejections(t *testing.T) {
	retrier := NewRetrier(fastRetryConfig(5))

	calls := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return &CircuitBreakerError{Name: "store", State: StateOpen}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetrier_ExhaustsAttempts(t *testing.T) {
	retrier := NewRetrier(fastRetryConfig(3))

	calls := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("network timeout")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestRetrier_ExecuteWithResult(t *testing.T) {
	retrier := NewRetrier(fastRetryConfig(3))

	calls := 0
	result, err := retrier.ExecuteWithResult(context.Background(), func(ctx context.Context) (interface{}, error) {
		calls++
		if calls < 2 {
			return nil, fmt.Errorf("connection refused")
		}
		return "payload", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "payload", result)
	assert.Equal(t, 2, calls)
}

func TestRetrier_RespectsContextCancellation(t *testing.T) {
	retrier := NewRetrier(RetryConfig{
		MaxAttempts:  10,
		InitialDelay: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := retrier.Execute(ctx, func(ctx context.Context) error {
		return fmt.Errorf("connection refused")
	})

	assert.ErrorIs(t, err, context.Canceled)
}
