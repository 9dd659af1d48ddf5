package errors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pilotd/internal/logging"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// CircuitBreakerConfig configures breaker thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	OnStateChange    func(from, to CircuitState, name string)
	Clock            Clock
}

// DefaultCircuitBreakerConfig opens the breaker after three consecutive
// failures and keeps it open for five minutes. Any success in between
// resets the count; failures are not counted over a rolling time window.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          5 * time.Minute,
	}
}

// CircuitBreaker implements the Closed/Open/HalfOpen pattern used to guard
// VLM restarts (spec.md §4.2). The gateway's agent-crash guard on its
// lifecycle endpoints is a separate rolling window in internal/gateway.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger logging.Logger
	clock  Clock

	mu              sync.RWMutex
	state           CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastStateChange time.Time
}

// NewCircuitBreaker creates a breaker named name. logger may be nil.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger logging.Logger) *CircuitBreaker {
	clock := config.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	return &CircuitBreaker{
		name:            name,
		config:          config,
		logger:          logging.OrNop(logger),
		clock:           clock,
		state:           StateClosed,
		lastStateChange: clock.Now(),
	}
}

// Execute runs fn under the breaker, recording its outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.Mark(err)
	return err
}

// ExecuteFunc is Execute for functions that also return a value.
func ExecuteFunc[T any](cb *CircuitBreaker, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.Allow(); err != nil {
		return zero, err
	}
	result, err := fn(ctx)
	cb.Mark(err)
	return result, err
}

// Allow reports whether a call may proceed, transitioning Open->HalfOpen
// when the timeout has elapsed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if cb.clock.Now().Sub(cb.lastFailureTime) >= cb.config.Timeout {
			cb.setStateLocked(StateHalfOpen)
			cb.successCount = 0
			cb.logger.Info("[%s] circuit breaker half-open, probing", cb.name)
			return nil
		}
		return fmt.Errorf("%w: %s circuit open, retry after %v", ErrBlocked, cb.name,
			cb.config.Timeout-cb.clock.Now().Sub(cb.lastFailureTime))
	default:
		return fmt.Errorf("unknown circuit state %v", cb.state)
	}
}

// Mark records the outcome of a call. Pass nil for success.
func (cb *CircuitBreaker) Mark(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.onSuccessLocked()
	} else {
		cb.onFailureLocked()
	}
}

func (cb *CircuitBreaker) onSuccessLocked() {
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.setStateLocked(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
			cb.logger.Info("[%s] circuit breaker closed", cb.name)
		}
	}
}

func (cb *CircuitBreaker) onFailureLocked() {
	cb.lastFailureTime = cb.clock.Now()
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.setStateLocked(StateOpen)
			cb.logger.Warn("[%s] circuit breaker opened after %d failures", cb.name, cb.failureCount)
		}
	case StateHalfOpen:
		cb.setStateLocked(StateOpen)
		cb.successCount = 0
		cb.logger.Warn("[%s] circuit breaker reopened, probe failed", cb.name)
	}
}

func (cb *CircuitBreaker) setStateLocked(next CircuitState) {
	prev := cb.state
	cb.state = next
	cb.lastStateChange = cb.clock.Now()
	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(prev, next, cb.name)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// FailureCount returns the current consecutive-failure tally.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failureCount
}

// Reset forces the breaker back to closed, for an operator-initiated reset
// (spec.md §4.2's "until operator-reset").
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setStateLocked(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
}
