// Package gateway is the Gateway Supervisor (C5): the always-on process
// that owns the VLM Lifecycle Manager and the Orchestrator, exposes the
// REST + websocket surface of spec.md §6, and enforces auth, rate
// limiting, the single-instance guard and the agent-worker circuit
// breaker, grounded on cmd/alex-server/main.go's server construction and
// original_source/src/security.py/process_manager.py for the domain
// specifics gin's own middleware stack doesn't cover.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pilotd/internal/actuator"
	"pilotd/internal/config"
	"pilotd/internal/eventbus"
	"pilotd/internal/logging"
	"pilotd/internal/orchestrator"
	"pilotd/internal/session"
	"pilotd/internal/telemetry"
	"pilotd/internal/vlm"
)

// Dependencies are the collaborators a Server is built from. Actuator is
// left to the caller: no concrete GUI-driving backend ships in this
// module (spec.md §1 Non-goals), so cmd/pilotd decides what satisfies
// the interface for a given platform.
type Dependencies struct {
	Config   config.RuntimeConfig
	Logger   logging.Logger
	Actuator actuator.Actuator
}

// Server is the Gateway Supervisor.
type Server struct {
	cfg    config.RuntimeConfig
	logger logging.Logger

	bus       *eventbus.Bus
	store     *session.Store
	vlmMgr    *vlm.Manager
	orch      *orchestrator.Orchestrator
	telemetry *telemetry.Provider

	keys      *keyStore
	limiter   *rateLimiter
	heartbeat *heartbeatService
	wsHub     *wsHub
	lock      *singleInstanceLock

	router     *gin.Engine
	httpServer *http.Server

	startedAt time.Time

	mu              sync.Mutex
	agentRunning    bool
	agentCrashAt    []time.Time
	activeCancel    context.CancelFunc
	streamCancel    context.CancelFunc
	wakeWordEnabled bool
}

// New constructs a Server. It does not start listening; call Run or
// ListenAndServe.
func New(deps Dependencies) (*Server, error) {
	logger := logging.OrNop(deps.Logger)
	if deps.Actuator == nil {
		return nil, fmt.Errorf("gateway: an Actuator implementation is required")
	}

	bus := eventbus.New()
	store := session.New()

	health := vlm.NewHealthRegistry()
	vlmMgr := vlm.NewManager(vlm.Config{
		BinaryPath:  deps.Config.VLMBinaryPath,
		ModelFile:   deps.Config.VLMModelFile,
		MmprojPath:  deps.Config.VLMMmprojPath,
		GPULayers:   deps.Config.VLMGPULayers,
		ContextSize: deps.Config.VLMContextSize,
		Host:        hostFromBaseURL(deps.Config.VLMBaseURL, deps.Config.Host),
		Port:        portFromBaseURLOrConfig(deps.Config.VLMBaseURL, deps.Config.VLMPort),
		ModelID:     deps.Config.VLMModelID,

		WarmUpDeadline: deps.Config.WarmUpDeadline,
		IdleWindow:     deps.Config.IdleHoldWindow,
		ShutdownGrace:  deps.Config.ShutdownWindow,
	}, nil, health, logger)
	vlmMgr.SetStateObserver(func(p vlm.Process) {
		store.UpdateVLMStatus(string(p.State), p.PID)
	})

	telemetryProvider, err := telemetry.New(deps.Config.TracingEnabled, deps.Config.RootDir)
	if err != nil {
		return nil, fmt.Errorf("gateway: building telemetry providers: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Dependencies{
		VLM:       &vlmAdapter{manager: vlmMgr},
		Actuator:  deps.Actuator,
		Bus:       bus,
		Session:   store,
		Logger:    logger,
		Telemetry: telemetryProvider,
	}, orchestrator.Config{
		MaxIterations:   deps.Config.MaxIterations,
		UISettleSeconds: deps.Config.UISettleDelay,
		ClickOffsetX:    deps.Config.ClickOffsetX,
		ClickOffsetY:    deps.Config.ClickOffsetY,
		VLMTimeout:      deps.Config.VLMChatTimeout,
		MinConfidence:   deps.Config.SafetyThreshold,

		ScreenStabilityEnabled: deps.Config.ScreenStabilityEnabled,
		ScreenStabilityMaxWait: deps.Config.ScreenStabilityMaxWait,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: building orchestrator: %w", err)
	}

	keys := newKeyStore(deps.Config.RootDir)
	if _, err := keys.load(logger); err != nil {
		return nil, fmt.Errorf("gateway: loading api key: %w", err)
	}

	limiter := newRateLimiter(deps.Config.RateLimitGeneralRPM, deps.Config.RateLimitLifecycleRPM, deps.Config.RateLimitBurst, deps.Config.TrustLoopback)
	wsHub := newWSHub(bus, logger, deps.Config.CORSOrigins)
	hb := newHeartbeatService(deps.Config.HeartbeatInterval, deps.Config.HeartbeatActiveHourStart, deps.Config.HeartbeatActiveHourEnd, bus, store, logger)
	hb.isIdle = func() bool { return !orch.IsRunning() }

	s := &Server{
		cfg:       deps.Config,
		logger:    logger,
		bus:       bus,
		store:     store,
		vlmMgr:    vlmMgr,
		orch:      orch,
		telemetry: telemetryProvider,
		keys:      keys,
		limiter:   limiter,
		heartbeat: hb,
		wsHub:     wsHub,
		startedAt: time.Now(),
	}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", deps.Config.Host, deps.Config.Port),
		Handler:      s.router,
		ReadTimeout:  deps.Config.HTTPTimeout,
		WriteTimeout: 0, // the websocket stream and long chat calls must not be cut off
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// AcquireSingleInstanceLock takes the POSIX flock guard described in
// SPEC_FULL.md §4.5, returning exit code 3's underlying error on conflict.
func (s *Server) AcquireSingleInstanceLock() error {
	lock, err := acquireSingleInstanceLock(s.cfg.RootDir)
	if err != nil {
		return err
	}
	s.lock = lock
	return nil
}

// Run starts the HTTP listener, heartbeat cron and VLM idle-poller, and
// blocks until ctx is cancelled, then shuts everything down within the
// configured shutdown window.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.HeartbeatEnabled {
		if err := s.heartbeat.start(s.cfg.HeartbeatInterval); err != nil {
			return fmt.Errorf("gateway: starting heartbeat: %w", err)
		}
		defer s.heartbeat.stop()
	}

	idleTicker := time.NewTicker(30 * time.Second)
	defer idleTicker.Stop()
	idleDone := make(chan struct{})
	go func() {
		defer close(idleDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-idleTicker.C:
				s.vlmMgr.PollIdle()
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("pilotd listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return s.Shutdown()
}

// Shutdown drains in-flight work within the configured shutdown window
// and releases the single-instance lock.
func (s *Server) Shutdown() error {
	s.orch.Stop()
	s.cancelActiveTask()
	s.wsHub.closeAll()

	shutCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownWindow+3*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutCtx)

	vlmCtx, vlmCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownWindow)
	defer vlmCancel()
	_ = s.vlmMgr.Shutdown(vlmCtx)

	telCtx, telCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownWindow)
	defer telCancel()
	_ = s.telemetry.Shutdown(telCtx)

	if s.lock != nil {
		s.lock.release()
	}
	return err
}

// Router exposes the gin engine, primarily for tests that want to issue
// requests without a real listener.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(accessLogMiddleware(s.logger))
	r.Use(bodySizeLimitMiddleware(s.cfg.MaxBodyBytes))
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     s.cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type"},
			AllowCredentials: false,
		}))
	}
	r.Use(authMiddleware(s.keys, s.cfg.TrustLoopback, s.logger))
	r.Use(rateLimitMiddleware(s.limiter))

	r.GET("/health", s.handleHealth)
	r.GET("/state", s.handleState)
	r.POST("/task", s.handleTask)
	r.POST("/steer", s.handleSteer)
	r.POST("/stop", s.handleStop)
	r.POST("/pause", s.handlePause)
	r.POST("/resume", s.handleResume)
	r.GET("/chat/history", s.handleChatHistory)
	r.POST("/chat/send", s.handleChatSend)
	r.POST("/chat/clear", s.handleChatClear)
	r.POST("/stream/start", s.handleStreamStart)
	r.POST("/stream/stop", s.handleStreamStop)
	r.GET("/frame/latest", s.handleFrameLatest)
	r.GET("/config", s.handleConfig)
	r.GET("/models", s.handleModels)
	r.POST("/model/switch", s.handleModelSwitch)
	r.GET("/model/active", s.handleModelActive)
	r.GET("/model/health", s.handleModelHealth)
	r.POST("/auth/rotate", s.handleAuthRotate)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/wake-word/enable", s.handleWakeWordEnable)
	r.POST("/wake-word/disable", s.handleWakeWordDisable)
	r.GET("/wake-word/status", s.handleWakeWordStatus)
	r.GET("/agent/status", s.handleAgentStatus)
	r.POST("/agent/start", s.handleAgentStart)
	r.POST("/agent/stop", s.handleAgentStop)
	r.POST("/agent/restart", s.handleAgentRestart)
	r.GET("/stream", s.wsHub.handle)

	return r
}

func hostFromBaseURL(baseURL, fallback string) string {
	h := strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
	if idx := strings.IndexByte(h, ':'); idx >= 0 {
		return h[:idx]
	}
	if h != "" {
		return h
	}
	return fallback
}

func portFromBaseURLOrConfig(baseURL string, configuredPort int) int {
	if configuredPort != 0 {
		return configuredPort
	}
	h := strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
	if idx := strings.IndexByte(h, ':'); idx >= 0 {
		var port int
		fmt.Sscanf(h[idx+1:], "%d", &port)
		if port != 0 {
			return port
		}
	}
	return 8080
}

// memoryGuardOK reports whether available system memory is above the
// configured floor, per spec.md §4.5's "memory guard". Reads
// /proc/meminfo directly: no process-inspection library is wired into
// this module for a single scalar, and every example repo that touches
// memory does so through its own platform-specific syscalls rather than
// a shared dependency, so there's nothing in the pack to ground a
// third-party choice on here.
func memoryGuardOK(floorMB int) (bool, string) {
	if floorMB <= 0 {
		return true, ""
	}
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return true, "" // cannot determine; fail open rather than block startup on unsupported platforms
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		var kb int64
		fmt.Sscanf(fields[1], "%d", &kb)
		availableMB := int(kb / 1024)
		if availableMB < floorMB {
			return false, fmt.Sprintf("low memory: %dMB available, floor is %dMB", availableMB, floorMB)
		}
		return true, ""
	}
	return true, ""
}

// agentCrashBreakerTripped reports whether the rolling agent-crash window
// has reached the configured threshold (spec.md §4.5 invariant 7 and
// §8's testable property 7). Must be called with s.mu held.
func (s *Server) agentCrashBreakerTrippedLocked() bool {
	cutoff := time.Now().Add(-s.cfg.AgentCrashWindow)
	kept := s.agentCrashAt[:0]
	for _, t := range s.agentCrashAt {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.agentCrashAt = kept
	return len(s.agentCrashAt) >= s.cfg.AgentCrashThreshold
}

// recordAgentCrash appends a crash timestamp to the rolling window,
// called when /agent/start fails to bring the VLM process up.
func (s *Server) recordAgentCrash() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentCrashAt = append(s.agentCrashAt, time.Now())
}

// cancelActiveTask cancels the context backing an in-flight ExecuteTask
// call, if one is running. orch.Stop() alone only flips the abort flag
// the step loop polls between stages; a VLM.Chat call already in flight
// ignores that flag until its own timeout, so /stop and Shutdown must
// also cancel its context directly.
func (s *Server) cancelActiveTask() {
	s.mu.Lock()
	cancel := s.activeCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
