package vlm

import (
	"sort"
	"sync"
	"time"

	pilotderrors "pilotd/internal/errors"
)

// HealthState is the derived operator-facing health label for the VLM,
// distinct from the lower-level lifecycle State: it answers "is this
// usable right now" rather than "which phase of the lifecycle".
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
)

// LatencyStats holds percentile/average chat latency measurements.
type LatencyStats struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
	Avg time.Duration `json:"avg"`
}

// ProviderHealth is SPEC_FULL.md's read-only derived record, exposed at
// GET /model/health.
type ProviderHealth struct {
	Provider     string      `json:"provider"`
	Model        string      `json:"model"`
	State        HealthState `json:"state"`
	LastError    string      `json:"last_error,omitempty"`
	FailureCount int         `json:"failure_count"`
	LastChecked  time.Time   `json:"last_checked"`
	Latency      LatencyStats `json:"latency"`
}

const (
	latencyWindowSize   = 100
	errorRateWindowSize = 100
	errorRateHealthy    = 0.05
	errorRateDegraded   = 0.20
)

type healthEntry struct {
	provider string
	model    string
	breaker  *pilotderrors.CircuitBreaker

	latencies [latencyWindowSize]time.Duration
	latCount  int
	latIdx    int

	outcomes     [errorRateWindowSize]bool
	outcomeCount int
	outcomeIdx   int

	lastError    string
	failureCount int
}

// HealthRegistry tracks VLM provider health via a circuit breaker plus
// rolling latency/error-rate windows.
type HealthRegistry struct {
	mu      sync.RWMutex
	entries map[string]*healthEntry
}

// NewHealthRegistry constructs an empty registry.
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{entries: make(map[string]*healthEntry)}
}

func healthKey(provider, model string) string { return provider + ":" + model }

// Register attaches a circuit breaker to a provider/model pair.
func (hr *HealthRegistry) Register(provider, model string, breaker *pilotderrors.CircuitBreaker) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	key := healthKey(provider, model)
	if e, ok := hr.entries[key]; ok {
		e.breaker = breaker
		return
	}
	hr.entries[key] = &healthEntry{provider: provider, model: model, breaker: breaker}
}

// RecordLatency records a successful chat call's latency.
func (hr *HealthRegistry) RecordLatency(provider, model string, d time.Duration) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	e := hr.getOrCreate(provider, model)
	e.latencies[e.latIdx] = d
	e.latIdx = (e.latIdx + 1) % latencyWindowSize
	if e.latCount < latencyWindowSize {
		e.latCount++
	}
	e.recordOutcome(false)
}

// RecordError records a failed chat call.
func (hr *HealthRegistry) RecordError(provider, model string, err error) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	e := hr.getOrCreate(provider, model)
	e.failureCount++
	if err != nil {
		e.lastError = err.Error()
	}
	e.recordOutcome(true)
}

func (e *healthEntry) recordOutcome(isError bool) {
	e.outcomes[e.outcomeIdx] = isError
	e.outcomeIdx = (e.outcomeIdx + 1) % errorRateWindowSize
	if e.outcomeCount < errorRateWindowSize {
		e.outcomeCount++
	}
}

// Get returns a health snapshot for one provider/model.
func (hr *HealthRegistry) Get(provider, model string) ProviderHealth {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	e, ok := hr.entries[healthKey(provider, model)]
	if !ok {
		return ProviderHealth{Provider: provider, Model: model, State: HealthHealthy, LastChecked: time.Now()}
	}
	return hr.build(e)
}

// All returns health snapshots for every registered provider, sorted.
func (hr *HealthRegistry) All() []ProviderHealth {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	out := make([]ProviderHealth, 0, len(hr.entries))
	for _, e := range hr.entries {
		out = append(out, hr.build(e))
	}
	sort.Slice(out, func(i, j int) bool {
		return healthKey(out[i].Provider, out[i].Model) < healthKey(out[j].Provider, out[j].Model)
	})
	return out
}

func (hr *HealthRegistry) build(e *healthEntry) ProviderHealth {
	return ProviderHealth{
		Provider:     e.provider,
		Model:        e.model,
		State:        hr.deriveState(e),
		LastError:    e.lastError,
		FailureCount: e.failureCount,
		LastChecked:  time.Now(),
		Latency:      computeLatency(e),
	}
}

func (hr *HealthRegistry) deriveState(e *healthEntry) HealthState {
	if e.breaker != nil {
		switch e.breaker.State() {
		case pilotderrors.StateClosed:
			return HealthHealthy
		case pilotderrors.StateHalfOpen:
			return HealthDegraded
		case pilotderrors.StateOpen:
			return HealthDown
		}
	}
	if e.outcomeCount == 0 {
		return HealthHealthy
	}
	errCount := 0
	for i := 0; i < e.outcomeCount; i++ {
		if e.outcomes[i] {
			errCount++
		}
	}
	rate := float64(errCount) / float64(e.outcomeCount)
	switch {
	case rate > errorRateDegraded:
		return HealthDown
	case rate >= errorRateHealthy:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

func computeLatency(e *healthEntry) LatencyStats {
	if e.latCount == 0 {
		return LatencyStats{}
	}
	buf := make([]time.Duration, e.latCount)
	copy(buf, e.latencies[:e.latCount])
	sort.Slice(buf, func(i, j int) bool { return buf[i] < buf[j] })
	var sum time.Duration
	for _, d := range buf {
		sum += d
	}
	return LatencyStats{
		P50: percentile(buf, 0.50),
		P95: percentile(buf, 0.95),
		Avg: sum / time.Duration(len(buf)),
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (hr *HealthRegistry) getOrCreate(provider, model string) *healthEntry {
	key := healthKey(provider, model)
	if e, ok := hr.entries[key]; ok {
		return e
	}
	e := &healthEntry{provider: provider, model: model}
	hr.entries[key] = e
	return e
}
