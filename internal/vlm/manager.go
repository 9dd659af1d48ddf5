package vlm

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	pilotderrors "pilotd/internal/errors"
	"pilotd/internal/logging"
)

// Config describes how to spawn and reach the VLM server, grounded on
// spec.md §4.2's `{model_file, mmproj_file, gpu_layers, context_size,
// host, port}` spawn parameters.
type Config struct {
	BinaryPath   string
	ModelFile    string
	MmprojPath   string
	GPULayers    int
	ContextSize  int
	Host         string
	Port         int
	ModelID      string

	ProbeInterval    time.Duration // default 250ms
	WarmUpDeadline   time.Duration // default 120s
	IdleWindow       time.Duration // default 10min
	ShutdownGrace    time.Duration // default 5s
	CrashProbeFails  int           // default 5
	CrashProbePeriod time.Duration // default 1s
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 250 * time.Millisecond
	}
	if c.WarmUpDeadline <= 0 {
		c.WarmUpDeadline = 120 * time.Second
	}
	if c.IdleWindow <= 0 {
		c.IdleWindow = 10 * time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.CrashProbeFails <= 0 {
		c.CrashProbeFails = 5
	}
	if c.CrashProbePeriod <= 0 {
		c.CrashProbePeriod = time.Second
	}
	return c
}

func (c Config) baseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// Spawner abstracts process creation so tests can substitute a fake
// subprocess instead of actually launching a VLM server binary.
type Spawner interface {
	Start(args []string) (Subprocess, error)
}

// Subprocess is the minimal surface the manager needs from a running
// child process.
type Subprocess interface {
	PID() int
	Signal(graceful bool) error
	Wait() error
}

// execSpawner launches real OS processes via os/exec, mirroring the
// teacher's ServerManager.start.
type execSpawner struct{ binary string }

func (s execSpawner) Start(args []string) (Subprocess, error) {
	cmd := exec.Command(s.binary, args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execSubprocess{cmd: cmd}, nil
}

type execSubprocess struct{ cmd *exec.Cmd }

func (s *execSubprocess) PID() int { return s.cmd.Process.Pid }
func (s *execSubprocess) Signal(graceful bool) error {
	if !graceful {
		return s.cmd.Process.Kill()
	}
	return s.cmd.Process.Signal(syscall.SIGTERM)
}
func (s *execSubprocess) Wait() error { return s.cmd.Wait() }

// Manager owns the VLM subprocess lifecycle state machine described in
// spec.md §4.2: OFF -> STARTING -> READY -> IDLE_HOLD -> STOPPING -> OFF,
// with a CRASHED pseudo-state driving an exponential-backoff restart and
// a circuit breaker guarding against restart thrashing.
type Manager struct {
	cfg     Config
	spawner Spawner
	logger  logging.Logger

	holder  stateHolder
	proc    Subprocess
	client  *Client
	health  *HealthRegistry
	breaker *pilotderrors.CircuitBreaker

	mu          sync.Mutex
	lastChatAt  time.Time
	crashWindow []time.Time

	// startMu serializes EnsureReady so concurrent callers never spawn
	// two processes.
	startMu sync.Mutex

	// stateMu guards backoffUntil and onStateChange, kept separate from
	// mu because SwitchModel holds mu across calls into Shutdown and
	// EnsureReady, which themselves read these fields.
	stateMu       sync.Mutex
	backoffUntil  time.Time
	onStateChange func(Process)
}

// SetStateObserver registers fn to be called with the latest Process
// snapshot after every state transition, so callers (the gateway wires
// this to session.Store.UpdateVLMStatus) can mirror the lifecycle
// state into the observer-facing AgentSnapshot without polling.
func (m *Manager) SetStateObserver(fn func(Process)) {
	m.stateMu.Lock()
	m.onStateChange = fn
	m.stateMu.Unlock()
}

// transition is the single choke point every state mutation in this
// file goes through, so the registered observer sees every change.
func (m *Manager) transition(fn func(*Process)) Process {
	p := m.holder.transition(fn)
	m.stateMu.Lock()
	observer := m.onStateChange
	m.stateMu.Unlock()
	if observer != nil {
		observer(p)
	}
	return p
}

// NewManager constructs a Manager. When spawner is nil, a real OS-process
// spawner is used.
func NewManager(cfg Config, spawner Spawner, health *HealthRegistry, logger logging.Logger) *Manager {
	cfg = cfg.withDefaults()
	if spawner == nil {
		spawner = execSpawner{binary: cfg.BinaryPath}
	}
	breaker := pilotderrors.NewCircuitBreaker("vlm", pilotderrors.DefaultCircuitBreakerConfig(), logger)
	if health == nil {
		health = NewHealthRegistry()
	}
	health.Register("vlm", cfg.ModelID, breaker)
	m := &Manager{
		cfg:     cfg,
		spawner: spawner,
		logger:  logging.OrNop(logger),
		health:  health,
		breaker: breaker,
	}
	m.client = NewClient(cfg.baseURL(), cfg.ModelID, logger)
	m.holder.process = Process{State: StateOff, ModelID: cfg.ModelID, MmprojPath: cfg.MmprojPath, Port: cfg.Port}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State { return m.holder.snapshot().State }

// Snapshot returns the current VLMProcess record.
func (m *Manager) Snapshot() Process { return m.holder.snapshot() }

// Health returns the derived ProviderHealth for GET /model/health.
func (m *Manager) Health() ProviderHealth { return m.health.Get("vlm", m.cfg.ModelID) }

// EnsureReady spawns the VLM server if it is OFF/CRASHED, waits for the
// readiness probe plus a warm-up chat call, and returns once READY or an
// error on failure. Concurrent callers while already STARTING block on
// the same in-flight attempt rather than double-spawning.
func (m *Manager) EnsureReady(ctx context.Context) error {
	if err := m.breaker.Allow(); err != nil {
		return err
	}
	m.startMu.Lock()
	defer m.startMu.Unlock()

	state := m.holder.snapshot().State
	if state == StateReady || state == StateIdleHold {
		m.transition(func(p *Process) { p.State = StateReady })
		return nil
	}

	if err := m.waitForBackoff(ctx); err != nil {
		return err
	}

	m.transition(func(p *Process) { p.State = StateStarting; p.StartedAt = time.Now() })

	args := []string{
		"--host", m.cfg.Host,
		"--port", fmt.Sprintf("%d", m.cfg.Port),
		"-m", m.cfg.ModelFile,
		"--mmproj", m.cfg.MmprojPath,
		"-c", fmt.Sprintf("%d", m.cfg.ContextSize),
		"-ngl", fmt.Sprintf("%d", m.cfg.GPULayers),
	}
	proc, err := m.spawner.Start(args)
	if err != nil {
		m.recordCrash(err)
		return fmt.Errorf("%w: spawn vlm server: %v", pilotderrors.ErrVLMUnreachable, err)
	}
	m.proc = proc
	m.transition(func(p *Process) { p.PID = proc.PID() })

	if err := m.waitForProbe(ctx); err != nil {
		m.recordCrash(err)
		return err
	}

	warmUpCtx, cancel := context.WithTimeout(ctx, m.cfg.WarmUpDeadline)
	defer cancel()
	start := time.Now()
	_, err = m.client.Chat(warmUpCtx, []Message{{Role: "user", Text: "ping"}}, m.cfg.WarmUpDeadline)
	if err != nil {
		m.recordCrash(err)
		return fmt.Errorf("%w: warm-up chat failed: %v", pilotderrors.ErrVLMTimeout, err)
	}
	m.health.RecordLatency("vlm", m.cfg.ModelID, time.Since(start))
	m.breaker.Mark(nil)

	m.transition(func(p *Process) { p.State = StateReady; p.LastOKAt = time.Now() })
	m.mu.Lock()
	m.lastChatAt = time.Now()
	m.mu.Unlock()
	return nil
}

func (m *Manager) waitForProbe(ctx context.Context) error {
	fails := 0
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		if m.client.CheckHealth(ctx) {
			return nil
		}
		fails++
		if fails >= m.cfg.CrashProbeFails {
			return fmt.Errorf("%w: readiness probe failed %d times", pilotderrors.ErrVLMUnreachable, fails)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Chat proxies to the underlying client, transitioning IDLE_HOLD ->
// READY on use and recording health/latency.
func (m *Manager) Chat(ctx context.Context, messages []Message, timeout time.Duration) (string, error) {
	state := m.holder.snapshot().State
	if state == StateOff || state == StateStopping {
		return "", fmt.Errorf("%w: vlm not ready (state=%s)", pilotderrors.ErrVLMUnreachable, state)
	}
	if state == StateIdleHold {
		m.transition(func(p *Process) { p.State = StateReady })
	}

	start := time.Now()
	text, err := m.client.Chat(ctx, messages, timeout)
	m.mu.Lock()
	m.lastChatAt = time.Now()
	m.mu.Unlock()

	if err != nil {
		m.health.RecordError("vlm", m.cfg.ModelID, err)
		if pilotderrors.Is(err, pilotderrors.ErrVLMUnreachable) {
			m.recordCrash(err)
		}
		return "", err
	}
	m.health.RecordLatency("vlm", m.cfg.ModelID, time.Since(start))
	m.breaker.Mark(nil)
	m.transition(func(p *Process) { p.LastOKAt = time.Now() })
	return text, nil
}

// PollIdle transitions READY -> IDLE_HOLD once the idle window has
// elapsed since the last chat call. Intended to be invoked periodically
// by the supervisor.
func (m *Manager) PollIdle() {
	m.mu.Lock()
	last := m.lastChatAt
	m.mu.Unlock()
	if last.IsZero() {
		return
	}
	if time.Since(last) < m.cfg.IdleWindow {
		return
	}
	m.transition(func(p *Process) {
		if p.State == StateReady {
			p.State = StateIdleHold
			p.IdleSince = time.Now()
		}
	})
}

// Shutdown moves READY/IDLE_HOLD -> STOPPING -> OFF, signalling SIGTERM
// and escalating to SIGKILL if the grace window elapses.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.transition(func(p *Process) { p.State = StateStopping })
	if m.proc == nil {
		m.transition(func(p *Process) { p.State = StateOff; p.PID = 0 })
		return nil
	}

	if err := m.proc.Signal(true); err != nil {
		m.transition(func(p *Process) { p.State = StateOff })
		return fmt.Errorf("signal vlm process: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.proc.Wait() }()

	select {
	case <-done:
	case <-time.After(m.cfg.ShutdownGrace):
		m.logger.Warn("vlm process did not exit within grace window, killing")
		_ = m.proc.Signal(false)
		<-done
	case <-ctx.Done():
		_ = m.proc.Signal(false)
	}

	m.transition(func(p *Process) { p.State = StateOff; p.PID = 0 })
	return nil
}

// SwitchModel serializes a model switch. It does not check for an active
// task itself (the manager has no visibility into the orchestrator's task
// state); the gateway's /model/switch handler refuses while one runs.
func (m *Manager) SwitchModel(ctx context.Context, modelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Shutdown(ctx); err != nil {
		return err
	}
	m.cfg.ModelID = modelID
	m.client = NewClient(m.cfg.baseURL(), modelID, m.logger)
	m.health.Register("vlm", modelID, m.breaker)
	m.transition(func(p *Process) { p.ModelID = modelID })
	return m.EnsureReady(ctx)
}

// crashBackoff is the exponential-backoff delay before the next spawn
// attempt after a crash: 1, 2, 4, 8, 16, 30s, capped at 30s.
func crashBackoff(crashCount int) time.Duration {
	if crashCount <= 0 {
		return 0
	}
	n := crashCount
	if n > 6 {
		n = 6
	}
	secs := 1 << (n - 1)
	if secs > 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// waitForBackoff blocks until any pending post-crash backoff window has
// elapsed, or ctx is cancelled.
func (m *Manager) waitForBackoff(ctx context.Context) error {
	m.stateMu.Lock()
	until := m.backoffUntil
	m.stateMu.Unlock()
	wait := time.Until(until)
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func (m *Manager) recordCrash(err error) {
	m.health.RecordError("vlm", m.cfg.ModelID, err)
	m.breaker.Mark(err)
	p := m.transition(func(p *Process) {
		p.State = StateCrashed
		p.CrashCount++
	})
	backoff := crashBackoff(p.CrashCount)
	m.stateMu.Lock()
	m.backoffUntil = time.Now().Add(backoff)
	m.stateMu.Unlock()
	m.logger.Warn("vlm process crashed: %v (crash_count=%d, backoff=%s)", err, p.CrashCount, backoff)
	m.transition(func(p *Process) { p.State = StateOff })
}
