package gateway

import (
	"context"
	"time"

	"pilotd/internal/orchestrator"
	"pilotd/internal/vlm"
)

// vlmAdapter satisfies orchestrator.VLM by delegating to a *vlm.Manager,
// translating between the two packages' parallel Message types. The
// orchestrator package deliberately does not import internal/vlm to
// avoid a cycle once this gateway package (which imports both) wires
// them together; this adapter is where that wiring happens.
type vlmAdapter struct {
	manager *vlm.Manager
}

func (a *vlmAdapter) Chat(ctx context.Context, messages []orchestrator.Message, timeout time.Duration) (string, error) {
	converted := make([]vlm.Message, len(messages))
	for i, m := range messages {
		converted[i] = vlm.Message{Role: m.Role, Text: m.Text, Image: m.Image}
	}
	return a.manager.Chat(ctx, converted, timeout)
}
