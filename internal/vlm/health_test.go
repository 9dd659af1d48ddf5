package vlm

import (
	"errors"
	"testing"
	"time"

	pilotderrors "pilotd/internal/errors"
)

func TestHealthDefaultsToHealthyWhenUnregistered(t *testing.T) {
	hr := NewHealthRegistry()
	h := hr.Get("vlm", "qwen3-vl")
	if h.State != HealthHealthy {
		t.Fatalf("got %s, want healthy", h.State)
	}
}

func TestHealthDerivesFromErrorRateWithoutBreaker(t *testing.T) {
	hr := NewHealthRegistry()
	for i := 0; i < 10; i++ {
		hr.RecordLatency("vlm", "qwen3-vl", time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		hr.RecordError("vlm", "qwen3-vl", errors.New("boom"))
	}
	h := hr.Get("vlm", "qwen3-vl")
	if h.State == HealthHealthy {
		t.Fatalf("got healthy with a 33%% error rate, want degraded or down")
	}
	if h.FailureCount != 5 {
		t.Fatalf("got failure count %d, want 5", h.FailureCount)
	}
}

func TestHealthDerivesFromBreakerWhenRegistered(t *testing.T) {
	hr := NewHealthRegistry()
	cb := pilotderrors.NewCircuitBreaker("vlm", pilotderrors.CircuitBreakerConfig{
		FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute,
	}, nil)
	hr.Register("vlm", "qwen3-vl", cb)

	cb.Mark(errors.New("boom"))
	h := hr.Get("vlm", "qwen3-vl")
	if h.State != HealthDown {
		t.Fatalf("got %s, want down once the breaker opens", h.State)
	}
}

func TestComputeLatencyPercentiles(t *testing.T) {
	hr := NewHealthRegistry()
	for i := 1; i <= 10; i++ {
		hr.RecordLatency("vlm", "qwen3-vl", time.Duration(i)*time.Millisecond)
	}
	h := hr.Get("vlm", "qwen3-vl")
	if h.Latency.P50 == 0 || h.Latency.P95 == 0 {
		t.Fatalf("expected non-zero latency percentiles, got %+v", h.Latency)
	}
}
