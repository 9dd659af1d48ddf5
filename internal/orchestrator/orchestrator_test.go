package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pilotd/internal/actuator"
	"pilotd/internal/eventbus"
	"pilotd/internal/session"
)

// fakeVLM returns canned replies in order, repeating the last one once
// exhausted.
type fakeVLM struct {
	mu       sync.Mutex
	replies  []string
	calls    int
	lastMsgs []Message
}

func (f *fakeVLM) Chat(ctx context.Context, messages []Message, timeout time.Duration) (string, error) {
	time.Sleep(20 * time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastMsgs = messages
	idx := f.calls
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	f.calls++
	return f.replies[idx], nil
}

func newTestOrchestrator(t *testing.T, vlm VLM, fa *actuator.Fake, cfg Config) (*Orchestrator, *eventbus.Bus, *session.Store) {
	t.Helper()
	bus := eventbus.New()
	store := session.New()
	cfg.ScreenStabilityEnabled = false
	cfg.UISettleSeconds = time.Millisecond
	orch, err := New(Dependencies{VLM: vlm, Actuator: fa, Bus: bus, Session: store}, cfg)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return orch, bus, store
}

const clickReply = "```json\n{\"action\":\"CLICK\",\"target\":\"start button\",\"x\":5,\"y\":998,\"confidence\":0.9,\"thought\":\"click start\",\"task_complete\":false}\n```"
const doneReply = "```json\n{\"action\":\"DONE\",\"thought\":\"start menu is open\",\"task_complete\":true}\n```"

func TestExecuteTaskHappyPath(t *testing.T) {
	fa := actuator.NewFake()
	vlm := &fakeVLM{replies: []string{clickReply, doneReply}}
	orch, _, store := newTestOrchestrator(t, vlm, fa, Config{MaxIterations: 5})

	result, err := orch.ExecuteTask(context.Background(), "open the start menu")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.StepsTaken != 2 {
		t.Fatalf("got %d steps, want 2", result.StepsTaken)
	}
	if len(fa.Calls()) != 1 {
		t.Fatalf("expected exactly one applied action, got %d", len(fa.Calls()))
	}
	applied := fa.Calls()[0]
	if applied.Pixel == nil || applied.Pixel.X != 10 || applied.Pixel.Y != 1078 {
		t.Fatalf("got pixel %+v, want (10,1078) per spec S1", applied.Pixel)
	}
	if store.Snapshot().Status != session.StatusIdle {
		t.Fatalf("expected orchestrator to settle back to idle, got %s", store.Snapshot().Status)
	}
}

func TestExecuteTaskSkipsLowConfidenceAction(t *testing.T) {
	fa := actuator.NewFake()
	lowConfidence := "```json\n{\"action\":\"CLICK\",\"target\":\"maybe\",\"x\":10,\"y\":10,\"confidence\":0.1,\"thought\":\"not sure\",\"task_complete\":false}\n```"
	vlm := &fakeVLM{replies: []string{lowConfidence, doneReply}}
	orch, bus, _ := newTestOrchestrator(t, vlm, fa, Config{MaxIterations: 5, MinConfidence: 0.5})
	sub := bus.Subscribe()
	defer sub.Close()

	result, err := orch.ExecuteTask(context.Background(), "click something")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected eventual success, got %+v", result)
	}
	if len(fa.Calls()) != 0 {
		t.Fatalf("expected the low-confidence action to be skipped, got %d applied calls", len(fa.Calls()))
	}

	// A skipped low-confidence action must publish a blocked notice, per
	// the LOW_CONFIDENCE gate.
	sawBlocked := false
	drain := true
	for drain {
		select {
		case ev := <-sub.Events():
			if ev.Kind != eventbus.KindStatus {
				continue
			}
			payload, ok := ev.Payload.(map[string]string)
			if ok && payload["status"] == string(session.StatusBlocked) && payload["details"] == "LOW_CONFIDENCE" {
				sawBlocked = true
			}
		default:
			drain = false
		}
	}
	if !sawBlocked {
		t.Fatal("expected a status=blocked/LOW_CONFIDENCE event for the skipped action")
	}
}

func TestExecuteTaskEmitsThoughtPerIterationOnParseError(t *testing.T) {
	fa := actuator.NewFake()
	freeform := "I think I should click somewhere but I will not say where."
	vlm := &fakeVLM{replies: []string{freeform}}
	orch, bus, _ := newTestOrchestrator(t, vlm, fa, Config{MaxIterations: 4})

	result, err := orch.ExecuteTask(context.Background(), "do something vague")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure: the VLM never returned a parseable envelope")
	}
	if result.Error != "MAX_ITERATIONS" {
		t.Fatalf("got error kind %q, want MAX_ITERATIONS", result.Error)
	}
	if got := len(bus.History(eventbus.KindThought)); got != 4 {
		t.Fatalf("got %d thought events, want 4 (one per iteration)", got)
	}
	if got := len(bus.History(eventbus.KindAction)); got != 0 {
		t.Fatalf("got %d action events, want 0", got)
	}
	if len(fa.Calls()) != 0 {
		t.Fatalf("expected no actuator calls, got %d", len(fa.Calls()))
	}
}

func TestExecuteTaskRetriesActuatorOnceThenFails(t *testing.T) {
	fa := actuator.NewFake()
	fa.ApplyErr = fmt.Errorf("click failed: window not focused")
	vlm := &fakeVLM{replies: []string{clickReply}}
	orch, _, store := newTestOrchestrator(t, vlm, fa, Config{MaxIterations: 5})

	result, err := orch.ExecuteTask(context.Background(), "open the start menu")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure once the actuator keeps failing")
	}
	if result.Error != "ACTUATOR_ERROR" {
		t.Fatalf("got error kind %q, want ACTUATOR_ERROR", result.Error)
	}
	if result.StepsTaken != 1 {
		t.Fatalf("got %d steps, want 1 (fails on the first step, after its one retry)", result.StepsTaken)
	}
	if fa.ApplyCalls != 2 {
		t.Fatalf("got %d Apply calls, want 2 (one retry)", fa.ApplyCalls)
	}
	if store.Snapshot().Status != session.StatusIdle {
		t.Fatalf("expected orchestrator to settle back to idle, got %s", store.Snapshot().Status)
	}
}

func TestExecuteTaskStopsAtMaxIterations(t *testing.T) {
	fa := actuator.NewFake()
	vlm := &fakeVLM{replies: []string{clickReply}}
	orch, bus, _ := newTestOrchestrator(t, vlm, fa, Config{MaxIterations: 3})
	sub := bus.Subscribe()
	defer sub.Close()

	result, err := orch.ExecuteTask(context.Background(), "keep clicking")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure after exhausting max iterations")
	}
	if result.Error != "MAX_ITERATIONS" {
		t.Fatalf("got error kind %q, want MAX_ITERATIONS", result.Error)
	}
	if result.StepsTaken != 3 {
		t.Fatalf("got %d steps, want 3", result.StepsTaken)
	}

	// The terminal status published for the iteration cap must be
	// ABORTED, not ERROR, before the loop settles back to idle.
	sawAborted := false
	drain := true
	for drain {
		select {
		case ev := <-sub.Events():
			if ev.Kind != eventbus.KindStatus {
				continue
			}
			payload, ok := ev.Payload.(map[string]string)
			if ok && payload["status"] == string(session.StatusAborted) {
				sawAborted = true
			}
		default:
			drain = false
		}
	}
	if !sawAborted {
		t.Fatalf("expected a status=%s event before idle", session.StatusAborted)
	}
}

func TestExecuteTaskEndsOnFailEnvelope(t *testing.T) {
	fa := actuator.NewFake()
	failReply := "```json\n{\"action\":\"FAIL\",\"thought\":\"start menu is missing from this image\",\"task_complete\":false}\n```"
	vlm := &fakeVLM{replies: []string{failReply}}
	orch, _, store := newTestOrchestrator(t, vlm, fa, Config{MaxIterations: 5})

	result, err := orch.ExecuteTask(context.Background(), "open the start menu")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure on a FAIL envelope")
	}
	if result.Error != "FAIL" {
		t.Fatalf("got error kind %q, want FAIL", result.Error)
	}
	if result.Message != "start menu is missing from this image" {
		t.Fatalf("got message %q, want the envelope's rationale", result.Message)
	}
	if result.StepsTaken != 1 {
		t.Fatalf("got %d steps, want 1 (no retry after FAIL)", result.StepsTaken)
	}
	if len(fa.Calls()) != 0 {
		t.Fatalf("expected no actuator call for a FAIL envelope, got %d", len(fa.Calls()))
	}
	if store.Snapshot().Status != session.StatusIdle {
		t.Fatalf("expected orchestrator to settle back to idle, got %s", store.Snapshot().Status)
	}
}

func TestExecuteTaskDetectsSemanticLoop(t *testing.T) {
	fa := actuator.NewFake()
	vlm := &fakeVLM{replies: []string{clickReply, clickReply, doneReply}}
	orch, _, store := newTestOrchestrator(t, vlm, fa, Config{MaxIterations: 5})

	if _, err := orch.ExecuteTask(context.Background(), "open the start menu"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found := false
	for _, a := range store.RecentActivity() {
		if a.Kind == session.ActivityAction {
			found = true
		}
	}
	if !found {
		t.Fatal("expected action activity to be recorded")
	}

	// The second identical CLICK is a loop; its recovery hint must reach
	// the third (final) prompt.
	vlm.mu.Lock()
	finalPrompt := vlm.lastMsgs[1].Text
	vlm.mu.Unlock()
	if !strings.Contains(finalPrompt, "Previous issue: repeated CLICK on start button") {
		t.Fatalf("expected the loop recovery hint in the next prompt, got %q", finalPrompt)
	}
}

func TestPauseBlocksStepLoopUntilResume(t *testing.T) {
	fa := actuator.NewFake()
	vlm := &fakeVLM{replies: []string{clickReply, doneReply}}
	orch, _, _ := newTestOrchestrator(t, vlm, fa, Config{MaxIterations: 5})

	done := make(chan TaskResult, 1)
	go func() {
		result, _ := orch.ExecuteTask(context.Background(), "open the start menu")
		done <- result
	}()
	time.Sleep(5 * time.Millisecond)
	orch.Pause()

	select {
	case <-done:
		t.Fatal("task should not complete while paused")
	case <-time.After(100 * time.Millisecond):
	}

	orch.Resume()
	select {
	case result := <-done:
		if !result.Success {
			t.Fatalf("expected success after resume, got %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task did not complete after resume")
	}
}

func TestStopReachesAbortedQuickly(t *testing.T) {
	fa := actuator.NewFake()
	vlm := &fakeVLM{replies: []string{clickReply}}
	orch, _, _ := newTestOrchestrator(t, vlm, fa, Config{MaxIterations: 100})

	done := make(chan TaskResult, 1)
	go func() {
		result, _ := orch.ExecuteTask(context.Background(), "loop forever")
		done <- result
	}()
	time.Sleep(30 * time.Millisecond)
	orch.Stop()

	select {
	case result := <-done:
		if result.Success {
			t.Fatal("expected an aborted result")
		}
		if result.Error != "aborted" {
			t.Fatalf("got error kind %q", result.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not unblock the loop in time")
	}
}

func TestExecuteTaskRejectsConcurrentRun(t *testing.T) {
	fa := actuator.NewFake()
	vlm := &fakeVLM{replies: []string{clickReply}}
	orch, _, _ := newTestOrchestrator(t, vlm, fa, Config{MaxIterations: 100})

	go orch.ExecuteTask(context.Background(), "first task")
	time.Sleep(10 * time.Millisecond)

	_, err := orch.ExecuteTask(context.Background(), "second task")
	if err == nil {
		t.Fatal("expected the second concurrent task to be rejected")
	}
	orch.Stop()
	time.Sleep(30 * time.Millisecond)
}
