package gateway

import (
	"context"
	"testing"
)

// TestCancelActiveTaskCancelsStoredContext exercises the activeCancel
// wiring directly: /stop and Shutdown both route through
// cancelActiveTask, and it must actually invoke whatever cancel func a
// running task last stored, not just flip the orchestrator's abort flag.
func TestCancelActiveTaskCancelsStoredContext(t *testing.T) {
	s := &Server{}
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.activeCancel = cancel
	s.mu.Unlock()

	s.cancelActiveTask()

	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected cancelActiveTask to cancel the stored context")
	}
}

// TestCancelActiveTaskNoopsWithoutATask ensures calling /stop or
// Shutdown before any task has run never panics on a nil cancel func.
func TestCancelActiveTaskNoopsWithoutATask(t *testing.T) {
	s := &Server{}
	s.cancelActiveTask()
}
