package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually-advanced Clock for deterministic breaker tests.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cb := NewCircuitBreaker("vlm", CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          5 * time.Minute,
		Clock:            clock,
	}, nil)

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Allow())
		cb.Mark(errors.New("boom"))
	}
	assert.Equal(t, StateClosed, cb.State())

	require.NoError(t, cb.Allow())
	cb.Mark(errors.New("boom"))
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Allow()
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestCircuitBreakerHalfOpenAfterTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cb := NewCircuitBreaker("vlm", CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		Clock:            clock,
	}, nil)

	require.NoError(t, cb.Allow())
	cb.Mark(errors.New("boom"))
	require.Equal(t, StateOpen, cb.State())

	clock.advance(2 * time.Minute)
	require.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.Mark(nil)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cb := NewCircuitBreaker("vlm", CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		Clock:            clock,
	}, nil)

	require.NoError(t, cb.Allow())
	cb.Mark(errors.New("boom"))
	clock.advance(2 * time.Minute)
	require.NoError(t, cb.Allow())
	require.Equal(t, StateHalfOpen, cb.State())

	cb.Mark(errors.New("still broken"))
	assert.Equal(t, StateOpen, cb.State())
}

func TestExecuteFuncReturnsResultOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker("x", DefaultCircuitBreakerConfig(), nil)
	result, err := ExecuteFunc(cb, context.Background(), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}
