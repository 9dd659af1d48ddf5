package errors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		JitterFactor: 0,
	}, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("%w: connection refused", ErrVLMUnreachable)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsImmediatelyOnPermanentError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), DefaultRetryConfig(), func(ctx context.Context) error {
		attempts++
		return ErrAuth
	})
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, 1, attempts)
}

func TestRetryExhaustsBudget(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{
		MaxAttempts:  2,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}, func(ctx context.Context) error {
		attempts++
		return fmt.Errorf("%w", ErrVLMUnreachable)
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts) // initial + 2 retries
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: 8 * time.Second, JitterFactor: 0}
	assert.Equal(t, time.Second, Backoff(0, cfg))
	assert.Equal(t, 2*time.Second, Backoff(1, cfg))
	assert.Equal(t, 4*time.Second, Backoff(2, cfg))
	assert.Equal(t, 8*time.Second, Backoff(3, cfg))
	assert.Equal(t, 8*time.Second, Backoff(10, cfg)) // capped
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, DefaultRetryConfig(), func(ctx context.Context) error {
		return fmt.Errorf("%w", ErrVLMUnreachable)
	})
	require.Error(t, err)
}
