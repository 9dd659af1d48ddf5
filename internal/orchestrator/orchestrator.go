// Package orchestrator is the Orchestrator component (C4): the
// think -> capture -> act -> verify control loop that drives a task to
// completion, grounded on original_source/src/orchestrator.py's
// execute_task loop.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pilotd/internal/actuator"
	"pilotd/internal/coords"
	"pilotd/internal/errors"
	"pilotd/internal/eventbus"
	"pilotd/internal/logging"
	"pilotd/internal/session"
)

var tracer = otel.Tracer("pilotd/orchestrator")

// VLM is the subset of vlm.Manager the orchestrator depends on. Kept as
// an interface, mirroring the actuator boundary, so tests can drive the
// loop with a fake chat responder instead of a real subprocess.
type VLM interface {
	Chat(ctx context.Context, messages []Message, timeout time.Duration) (string, error)
}

// Message mirrors vlm.Message; kept distinct so this package does not
// import vlm, which would create an import cycle once the gateway wires
// both together through a common root.
type Message struct {
	Role  string
	Text  string
	Image []byte
}

// TaskResult mirrors original_source/src/orchestrator.py's TaskResult
// dataclass.
type TaskResult struct {
	TaskID     string
	Success    bool
	Message    string
	StepsTaken int
	Duration   time.Duration
	Error      string
}

// ActionRecord is one entry in the bounded action-history window used
// for semantic loop detection and prompt context.
type ActionRecord struct {
	ActionType coords.ActionType
	Target     string
	Point      *coords.Point
	Result     string // executed, failed, or skipped
}

func (a ActionRecord) historyLine() string {
	at := ""
	if a.Point != nil {
		at = fmt.Sprintf(" at (%d,%d)", a.Point.X, a.Point.Y)
	}
	return fmt.Sprintf("%s: %s%s -> %s", a.ActionType, a.Target, at, a.Result)
}

// Config tunes the control loop. Zero-value fields are replaced with
// spec.md §4.4 defaults by withDefaults.
type Config struct {
	MaxIterations   int
	UISettleSeconds time.Duration
	ClickOffsetX    int
	ClickOffsetY    int
	VLMTimeout      time.Duration

	MinConfidence float64

	ScreenStabilityEnabled       bool
	ScreenStabilityMaxWait       time.Duration
	ScreenStabilityCheckInterval time.Duration
	ScreenStabilityThreshold     float64
	ScreenStabilityMinStableRuns int

	actionHistoryWindow int
	promptHistoryLines  int
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 20
	}
	if c.UISettleSeconds <= 0 {
		c.UISettleSeconds = 1500 * time.Millisecond
	}
	if c.VLMTimeout <= 0 {
		c.VLMTimeout = 90 * time.Second
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.8
	}
	if c.ScreenStabilityMaxWait <= 0 {
		c.ScreenStabilityMaxWait = 3 * time.Second
	}
	if c.ScreenStabilityCheckInterval <= 0 {
		c.ScreenStabilityCheckInterval = 150 * time.Millisecond
	}
	if c.ScreenStabilityThreshold <= 0 {
		c.ScreenStabilityThreshold = 0.02
	}
	if c.ScreenStabilityMinStableRuns <= 0 {
		c.ScreenStabilityMinStableRuns = 2
	}
	if c.actionHistoryWindow <= 0 {
		c.actionHistoryWindow = 10
	}
	if c.promptHistoryLines <= 0 {
		c.promptHistoryLines = 5
	}
	return c
}

// TaskOutcomeRecorder is the optional OTel-backed counter a Dependencies
// value may carry alongside Metrics' client_golang histograms; nil is a
// valid, no-op value.
type TaskOutcomeRecorder interface {
	RecordTaskOutcome(ctx context.Context, status string)
}

// Dependencies are the collaborators an Orchestrator is built from.
type Dependencies struct {
	VLM       VLM
	Actuator  actuator.Actuator
	Bus       *eventbus.Bus
	Session   *session.Store
	Metrics   *Metrics
	Logger    logging.Logger
	Telemetry TaskOutcomeRecorder
}

// Orchestrator runs at most one task at a time. Pause/resume/skip/stop
// are control-channel operations that mutate a small guarded state
// block rather than cancelling goroutines outright, matching the
// grounding source's boolean-flag approach.
type Orchestrator struct {
	deps Dependencies
	cfg  Config

	mu              sync.Mutex
	running         bool
	paused          bool
	skipRequested   bool
	aborted         bool
	injectedContext []string
	actionHistory   []ActionRecord
	lastError       string
}

// New constructs an Orchestrator. A nil Metrics falls back to the
// package-level default registry, matching the teacher's defaultMetrics
// fallback.
func New(deps Dependencies, cfg Config) (*Orchestrator, error) {
	if deps.VLM == nil {
		return nil, fmt.Errorf("orchestrator: VLM dependency is required")
	}
	if deps.Actuator == nil {
		return nil, fmt.Errorf("orchestrator: Actuator dependency is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = defaultMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Session == nil {
		deps.Session = session.New()
	}
	return &Orchestrator{deps: deps, cfg: cfg.withDefaults()}, nil
}

// IsRunning reports whether a task is currently executing.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Pause blocks the step loop between iterations until Resume is called.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.paused {
		return
	}
	o.paused = true
	o.deps.Session.UpdateStatus(session.StatusPaused, "paused by user")
	o.publish(eventbus.KindStatus, statusPayload(session.StatusPaused, "paused by user"))
}

// Resume clears a pending pause.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.paused {
		return
	}
	o.paused = false
	o.deps.Session.UpdateStatus(session.StatusExecuting, "resumed by user")
	o.publish(eventbus.KindStatus, statusPayload(session.StatusExecuting, "resumed by user"))
}

// Skip moves past the current step without taking an action.
func (o *Orchestrator) Skip() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.skipRequested = true
}

// Stop aborts the running task; the loop observes this at the top of
// its next iteration and returns TaskResult{Success:false}.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.aborted = true
	o.paused = false
}

// InjectContext queues a mid-task steering message to be folded into
// the next VLM prompt, matching the grounding source's voice-injected
// context mechanism.
func (o *Orchestrator) InjectContext(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.injectedContext = append(o.injectedContext, text)
}

func (o *Orchestrator) publish(kind eventbus.Kind, payload any) {
	if o.deps.Bus != nil {
		o.deps.Bus.Publish(kind, payload)
	}
}

func statusPayload(status session.Status, details string) map[string]string {
	return map[string]string{"status": string(status), "details": details}
}

// ExecuteTask runs the think/capture/act/verify loop until the VLM
// reports task_complete, the step cap is hit, or the task is aborted.
func (o *Orchestrator) ExecuteTask(ctx context.Context, task string) (TaskResult, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return TaskResult{}, errors.ErrBusy
	}
	o.running = true
	o.aborted = false
	o.paused = false
	o.skipRequested = false
	o.actionHistory = nil
	o.lastError = ""
	o.mu.Unlock()

	taskID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "orchestrator.execute_task", trace.WithAttributes(
		attribute.String("task.id", taskID),
	))
	defer span.End()

	o.deps.Metrics.incActiveTasks()
	start := time.Now()
	defer func() {
		o.deps.Metrics.decActiveTasks()
		o.mu.Lock()
		o.running = false
		o.aborted = false
		o.paused = false
		o.skipRequested = false
		o.mu.Unlock()
		o.deps.Session.UpdateStatus(session.StatusIdle, "")
		o.publish(eventbus.KindStatus, statusPayload(session.StatusIdle, ""))
	}()

	o.deps.Session.UpdateStatus(session.StatusExecuting, "task: "+task)
	o.publish(eventbus.KindStatus, statusPayload(session.StatusExecuting, "task: "+task))

	screenW, screenH, err := o.deps.Actuator.ScreenSize(ctx)
	if err != nil {
		return TaskResult{}, fmt.Errorf("orchestrator: screen size: %w", err)
	}

	for i := 0; i < o.cfg.MaxIterations; i++ {
		if o.isAborted() {
			return o.finish(taskID, false, "Aborted", i, start, "aborted"), nil
		}
		if err := o.waitWhilePaused(ctx); err != nil {
			return o.finish(taskID, false, "Aborted", i, start, "aborted"), nil
		}
		if o.takeSkip() {
			continue
		}

		step := i + 1
		result, stepErr := o.step(ctx, task, step, screenW, screenH)
		if stepErr != nil {
			o.setLastError(stepErr.Error())
			continue
		}
		if result.done {
			return o.finish(taskID, true, "Complete", step, start, ""), nil
		}
		if result.failed {
			return o.finish(taskID, false, result.message, step, start, result.errKind), nil
		}

		o.waitForStability(ctx)
	}

	return o.finish(taskID, false, "Max steps reached", o.cfg.MaxIterations, start, "MAX_ITERATIONS"), nil
}

var errAborted = fmt.Errorf("orchestrator: aborted")

type stepOutcome struct {
	done    bool
	failed  bool
	errKind string
	message string
}

// step runs one capture -> analyze -> act cycle.
func (o *Orchestrator) step(ctx context.Context, task string, stepNum, screenW, screenH int) (stepOutcome, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.step", trace.WithAttributes(
		attribute.Int("step.number", stepNum),
	))
	defer span.End()

	o.deps.Session.UpdateStatus(session.StatusCapturing, "")
	captureStart := time.Now()
	frame, err := o.deps.Actuator.Capture(ctx)
	o.deps.Metrics.observeStage("capture", outcomeLabel(err), time.Since(captureStart))
	if err != nil {
		o.deps.Metrics.incStageFailure("capture", "error")
		return stepOutcome{}, fmt.Errorf("capture: %w", err)
	}
	o.publish(eventbus.KindFrame, frame)

	contextLines := []string{
		fmt.Sprintf("Screen: %dx%d", frame.WidthPx, frame.HeightPx),
		fmt.Sprintf("Step: %d/%d", stepNum, o.cfg.MaxIterations),
	}
	if wc := o.deps.Actuator.ActiveWindowContext(ctx); wc != "" {
		contextLines = append(contextLines, wc)
	}
	if last := o.getLastError(); last != "" {
		contextLines = append(contextLines, "Previous issue: "+last)
	}
	for _, injected := range o.drainInjectedContext() {
		contextLines = append(contextLines, "User: "+injected)
	}

	historyText := o.historyPromptLines()
	prompt := buildTaskPrompt(task, strings.Join(contextLines, "\n"), historyText)

	o.deps.Session.UpdateStatus(session.StatusThinking, "")
	chatStart := time.Now()
	raw, err := o.deps.VLM.Chat(ctx, []Message{
		{Role: "system", Text: systemPrompt},
		{Role: "user", Text: prompt, Image: frame.JPEGBytes},
	}, o.cfg.VLMTimeout)
	o.deps.Metrics.observeStage("think", outcomeLabel(err), time.Since(chatStart))
	if err != nil {
		o.deps.Metrics.incStageFailure("think", "error")
		return stepOutcome{}, fmt.Errorf("vlm chat: %w", err)
	}

	env, err := coords.Parse(raw)
	if err != nil {
		o.deps.Metrics.incStageFailure("think", "parse")
		o.deps.Session.RecordThought(raw)
		o.publish(eventbus.KindThought, raw)
		return stepOutcome{}, fmt.Errorf("parse action: %w", err)
	}

	if env.Thought != "" {
		o.deps.Session.RecordThought(env.Thought)
		o.publish(eventbus.KindThought, env.Thought)
	}

	if env.TaskComplete {
		o.publish(eventbus.KindStatus, statusPayload(session.StatusDone, "task complete"))
		return stepOutcome{done: true}, nil
	}

	if env.Type == coords.ActionFail {
		message := env.Thought
		if message == "" {
			message = "task reported as failed"
		}
		o.publish(eventbus.KindStatus, statusPayload(session.StatusError, message))
		return stepOutcome{failed: true, errKind: "FAIL", message: message}, nil
	}

	if env.Confidence < o.cfg.MinConfidence {
		o.setLastError(fmt.Sprintf("low-confidence action (%.2f) skipped", env.Confidence))
		o.publish(eventbus.KindStatus, statusPayload(session.StatusBlocked, "LOW_CONFIDENCE"))
		return stepOutcome{}, nil
	}

	validated, warnings, err := coords.Validate(env)
	if err != nil {
		o.deps.Metrics.incStageFailure("think", "validate")
		return stepOutcome{}, fmt.Errorf("validate action: %w", err)
	}
	for _, w := range warnings {
		o.deps.Logger.Warn("orchestrator: %s", w)
	}

	return o.act(ctx, validated, screenW, screenH)
}

// act converts a validated envelope to pixel space, checks for a
// semantic loop, executes it, and records the outcome.
func (o *Orchestrator) act(ctx context.Context, env coords.ActionEnvelope, screenW, screenH int) (stepOutcome, error) {
	var pixel, pixelEnd *coords.Point
	if env.Point != nil {
		px, py := coords.ToPixels(env.Point.X, env.Point.Y, screenW, screenH, o.cfg.ClickOffsetX, o.cfg.ClickOffsetY)
		pixel = &coords.Point{X: px, Y: py}
	}
	if env.End != nil {
		px, py := coords.ToPixels(env.End.X, env.End.Y, screenW, screenH, o.cfg.ClickOffsetX, o.cfg.ClickOffsetY)
		pixelEnd = &coords.Point{X: px, Y: py}
	}

	record := ActionRecord{ActionType: env.Type, Target: targetOf(env), Point: pixel, Result: "pending"}
	looped := o.detectSemanticLoop(record)
	if looped {
		o.deps.Metrics.incLoopDetected()
		o.setLastError(recoveryHint(record))
	}

	o.deps.Session.UpdateStatus(session.StatusExecuting, "")
	o.deps.Session.RecordAction(record.historyLine())
	o.publish(eventbus.KindAction, record)

	// One retry on actuator failure before giving up on the task, per the
	// ACTUATOR_ERROR error-kind's "emit notice; one retry; then task
	// ERROR" handling.
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		actStart := time.Now()
		err = o.deps.Actuator.Apply(ctx, env, pixel, pixelEnd)
		o.deps.Metrics.observeStage("act", outcomeLabel(err), time.Since(actStart))
		if err == nil {
			break
		}
		o.deps.Metrics.incStageFailure("act", "error")
	}
	if err != nil {
		wrapped := fmt.Errorf("%w: %w", errors.ErrActuator, err)
		record.Result = "failed: " + err.Error()
		o.appendActionHistory(record)
		o.setLastError(wrapped.Error())
		o.publish(eventbus.KindStatus, statusPayload(session.StatusError, wrapped.Error()))
		return stepOutcome{failed: true, errKind: "ACTUATOR_ERROR", message: wrapped.Error()}, nil
	}

	record.Result = "executed"
	o.appendActionHistory(record)
	if !looped {
		o.setLastError("")
	}
	return stepOutcome{}, nil
}

func targetOf(env coords.ActionEnvelope) string {
	if env.Target != "" {
		return env.Target
	}
	if env.Text != "" {
		return env.Text
	}
	return "unknown"
}

func recoveryHint(r ActionRecord) string {
	return fmt.Sprintf("repeated %s on %s without progress; try a different approach", r.ActionType, r.Target)
}

// detectSemanticLoop reports whether the given action repeats the most
// recent one, matching original_source/src/orchestrator.py's
// single-repeat trigger.
func (o *Orchestrator) detectSemanticLoop(r ActionRecord) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.actionHistory) == 0 {
		return false
	}
	last := o.actionHistory[len(o.actionHistory)-1]
	return last.ActionType == r.ActionType && last.Target == r.Target
}

func (o *Orchestrator) appendActionHistory(r ActionRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.actionHistory = append(o.actionHistory, r)
	if len(o.actionHistory) > o.cfg.actionHistoryWindow {
		o.actionHistory = o.actionHistory[len(o.actionHistory)-o.cfg.actionHistoryWindow:]
	}
}

func (o *Orchestrator) historyPromptLines() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.actionHistory) == 0 {
		return ""
	}
	n := o.cfg.promptHistoryLines
	recent := o.actionHistory
	if len(recent) > n {
		recent = recent[len(recent)-n:]
	}
	lines := make([]string, 0, len(recent))
	for _, a := range recent {
		lines = append(lines, "- "+a.historyLine())
	}
	return strings.Join(lines, "\n")
}

func (o *Orchestrator) setLastError(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastError = msg
}

func (o *Orchestrator) getLastError() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastError
}

func (o *Orchestrator) drainInjectedContext() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.injectedContext
	o.injectedContext = nil
	return out
}

func (o *Orchestrator) isAborted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.aborted
}

func (o *Orchestrator) takeSkip() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.skipRequested {
		return false
	}
	o.skipRequested = false
	return true
}

// waitWhilePaused blocks in small increments until Resume or Stop is
// called, or ctx is cancelled.
func (o *Orchestrator) waitWhilePaused(ctx context.Context) error {
	for {
		o.mu.Lock()
		paused, aborted := o.paused, o.aborted
		o.mu.Unlock()
		if aborted {
			return errAborted
		}
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (o *Orchestrator) finish(taskID string, success bool, message string, steps int, start time.Time, errKind string) TaskResult {
	duration := time.Since(start)
	status := session.StatusDone
	if !success {
		status = session.StatusError
		if errKind == "aborted" || errKind == "MAX_ITERATIONS" {
			status = session.StatusAborted
		}
	}
	o.deps.Session.UpdateStatus(status, message)
	o.publish(eventbus.KindStatus, statusPayload(status, message))
	if o.deps.Telemetry != nil {
		o.deps.Telemetry.RecordTaskOutcome(context.Background(), string(status))
	}
	return TaskResult{TaskID: taskID, Success: success, Message: message, StepsTaken: steps, Duration: duration, Error: errKind}
}

func outcomeLabel(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

// waitForStability waits for the screen to stop changing before the
// next capture, grounded on
// original_source/src/screen_stability.py's wait_for_ready. Frame
// comparison uses raw JPEG byte-length delta as a cheap proxy for pixel
// difference, since no image-decoding library is wired into this
// module; a real implementation would decode and diff pixels as the
// grounding source does.
func (o *Orchestrator) waitForStability(ctx context.Context) {
	if !o.cfg.ScreenStabilityEnabled {
		select {
		case <-ctx.Done():
		case <-time.After(o.cfg.UISettleSeconds):
		}
		return
	}

	deadline := time.Now().Add(o.cfg.ScreenStabilityMaxWait)
	var prev []byte
	stableRuns := 0
	for time.Now().Before(deadline) {
		frame, err := o.deps.Actuator.Capture(ctx)
		if err != nil {
			return
		}
		if prev != nil {
			if frameDifference(prev, frame.JPEGBytes) <= o.cfg.ScreenStabilityThreshold {
				stableRuns++
				if stableRuns >= o.cfg.ScreenStabilityMinStableRuns {
					return
				}
			} else {
				stableRuns = 0
			}
		}
		prev = frame.JPEGBytes
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.cfg.ScreenStabilityCheckInterval):
		}
	}
}

// frameDifference returns a 0..1 estimate of how much two JPEG-encoded
// frames differ, based on byte-length delta rather than decoded pixel
// comparison.
func frameDifference(a, b []byte) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	la, lb := len(a), len(b)
	max := la
	if lb > max {
		max = lb
	}
	if max == 0 {
		return 0
	}
	delta := la - lb
	if delta < 0 {
		delta = -delta
	}
	return float64(delta) / float64(max)
}
