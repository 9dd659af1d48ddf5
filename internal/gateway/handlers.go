package gateway

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"pilotd/internal/actuator"
	pilotderrors "pilotd/internal/errors"
	"pilotd/internal/eventbus"
	"pilotd/internal/session"
)

const version = "1.0.0"

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "version": version})
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Snapshot())
}

type taskRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Command) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "command is required"})
		return
	}
	if s.orch.IsRunning() {
		c.JSON(http.StatusOK, gin.H{"status": "BUSY"})
		return
	}
	taskID := s.runTaskAsync(req.Command)
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "status": "QUEUED"})
}

type steerRequest struct {
	Context string `json:"context"`
}

func (s *Server) handleSteer(c *gin.Context) {
	var req steerRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Context) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "context is required"})
		return
	}
	s.orch.InjectContext(req.Context)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleStop(c *gin.Context) {
	s.orch.Stop()
	s.cancelActiveTask()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handlePause(c *gin.Context) {
	s.orch.Pause()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleResume(c *gin.Context) {
	s.orch.Resume()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleChatHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": s.store.ChatHistory()})
}

type chatSendRequest struct {
	Message string `json:"message"`
}

// handleChatSend is resolved as task-generating: every chat message
// enqueues a task exactly like /task.
func (s *Server) handleChatSend(c *gin.Context) {
	var req chatSendRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "message is required"})
		return
	}
	s.store.AppendChat(session.RoleUser, req.Message)
	s.bus.Publish(eventbus.KindChatMessage, map[string]string{"role": "user", "text": req.Message})
	if s.orch.IsRunning() {
		c.JSON(http.StatusOK, gin.H{"status": "BUSY"})
		return
	}
	taskID := s.runTaskAsync(req.Message)
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "status": "QUEUED"})
}

func (s *Server) handleChatClear(c *gin.Context) {
	s.store.ClearChat()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// runTaskAsync starts ExecuteTask on its own goroutine so the HTTP
// request returns immediately, matching spec.md §3's Task lifecycle
// (QUEUED before RUNNING) and the orchestrator's own "at most one
// RUNNING task" guard (ExecuteTask itself returns ErrBusy if one is
// already in flight; that case is swallowed here since /task's
// {status: BUSY} reply must be synchronous, not from a 200 QUEUED).
func (s *Server) runTaskAsync(command string) string {
	taskID := uuid.NewString()
	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.activeCancel = cancel
		s.mu.Unlock()
		defer cancel()

		result, err := s.orch.ExecuteTask(ctx, command)
		if err != nil && !pilotderrors.Is(err, pilotderrors.ErrBusy) {
			s.logger.Warn("task execution error: %v", err)
		}
		if result.Success {
			s.store.AppendChat(session.RoleAssistant, result.Message)
		}
	}()
	return taskID
}

func (s *Server) handleStreamStart(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleStreamStop(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleFrameLatest(c *gin.Context) {
	ev, ok := s.bus.Current(eventbus.KindFrame)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "no frame captured yet"})
		return
	}
	frame, ok := ev.Payload.(actuator.Frame)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "unrecognized frame payload"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"image_base64": base64.StdEncoding.EncodeToString(frame.JPEGBytes),
		"captured_at":  frame.CapturedAt,
	})
}

func (s *Server) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.PublicSubset())
}

func (s *Server) handleModels(c *gin.Context) {
	active := s.vlmMgr.Snapshot().ModelID
	c.JSON(http.StatusOK, gin.H{"models": []gin.H{
		{"id": s.cfg.VLMModelID, "name": s.cfg.VLMModelID, "present": active == s.cfg.VLMModelID},
	}})
}

type modelSwitchRequest struct {
	ModelID string `json:"model_id"`
}

func (s *Server) handleModelSwitch(c *gin.Context) {
	if s.orch.IsRunning() {
		c.JSON(http.StatusOK, gin.H{"status": "busy"})
		return
	}
	var req modelSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ModelID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "model_id is required"})
		return
	}
	if err := s.vlmMgr.SwitchModel(c.Request.Context(), req.ModelID); err != nil {
		if pilotderrors.Is(err, pilotderrors.ErrBlocked) {
			c.JSON(http.StatusOK, gin.H{"status": "blocked", "reason": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleModelActive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"model_id": s.vlmMgr.Snapshot().ModelID})
}

func (s *Server) handleModelHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": []any{s.vlmMgr.Health()}})
}

func (s *Server) handleAuthRotate(c *gin.Context) {
	key, err := s.keys.rotate(s.logger)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "api_key": key})
}

func (s *Server) handleWakeWordEnable(c *gin.Context) {
	s.mu.Lock()
	s.wakeWordEnabled = true
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"enabled": true})
}

func (s *Server) handleWakeWordDisable(c *gin.Context) {
	s.mu.Lock()
	s.wakeWordEnabled = false
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"enabled": false})
}

func (s *Server) handleWakeWordStatus(c *gin.Context) {
	s.mu.Lock()
	enabled := s.wakeWordEnabled
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"enabled": enabled})
}

func (s *Server) handleAgentStatus(c *gin.Context) {
	s.mu.Lock()
	running := s.agentRunning
	s.mu.Unlock()
	snap := s.vlmMgr.Snapshot()
	resp := gin.H{"running": running}
	if snap.PID != 0 {
		resp["pid"] = snap.PID
	}
	c.JSON(http.StatusOK, resp)
}

// handleAgentStart is a no-op if the agent worker is already running and
// healthy; otherwise it spawns one after checking the crash circuit
// breaker and the memory guard, per spec.md §4.5.
func (s *Server) handleAgentStart(c *gin.Context) {
	s.mu.Lock()
	if s.agentRunning {
		s.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	if s.agentCrashBreakerTrippedLocked() {
		s.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"status": "blocked", "reason": "crash_count >= threshold within rolling window"})
		return
	}
	s.mu.Unlock()

	if ok, reason := memoryGuardOK(s.cfg.MemoryFloorMB); !ok {
		c.JSON(http.StatusOK, gin.H{"status": "blocked", "reason": reason})
		return
	}

	if err := s.vlmMgr.EnsureReady(c.Request.Context()); err != nil {
		if pilotderrors.Is(err, pilotderrors.ErrBlocked) {
			c.JSON(http.StatusOK, gin.H{"status": "blocked", "reason": err.Error()})
			return
		}
		s.recordAgentCrash()
		c.JSON(http.StatusOK, gin.H{"status": "error", "reason": err.Error()})
		return
	}

	s.mu.Lock()
	s.agentRunning = true
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleAgentStop stops the orchestrator's active task (if any) and
// releases the VLM process, but leaves the supervisor itself up — the
// agent worker here means "the VLM+orchestrator pipeline is armed", not
// the gateway process.
func (s *Server) handleAgentStop(c *gin.Context) {
	s.orch.Stop()
	_ = s.vlmMgr.Shutdown(c.Request.Context())
	s.mu.Lock()
	s.agentRunning = false
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleAgentRestart(c *gin.Context) {
	s.orch.Stop()
	_ = s.vlmMgr.Shutdown(c.Request.Context())
	s.mu.Lock()
	s.agentRunning = false
	s.mu.Unlock()
	s.handleAgentStart(c)
}
