package coords

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	pilotderrors "pilotd/internal/errors"
)

// ActionType enumerates every shape the VLM can return in one step.
// The base set is spec.md §3; the window/launch/clipboard variants are
// supplemented from original_source/src/actions.py's ActionType enum.
type ActionType string

const (
	ActionClick       ActionType = "CLICK"
	ActionDoubleClick ActionType = "DOUBLE_CLICK"
	ActionTripleClick ActionType = "TRIPLE_CLICK"
	ActionRightClick  ActionType = "RIGHT_CLICK"
	ActionType_TYPE   ActionType = "TYPE"
	ActionScroll      ActionType = "SCROLL"
	ActionKey         ActionType = "KEY"
	ActionHotkey      ActionType = "HOTKEY"
	ActionMove        ActionType = "MOVE"
	ActionDrag        ActionType = "DRAG"
	ActionWait        ActionType = "WAIT"
	ActionCopy        ActionType = "COPY"
	ActionPaste       ActionType = "PASTE"
	ActionCut         ActionType = "CUT"
	ActionSelectAll   ActionType = "SELECT_ALL"
	ActionFocusWindow ActionType = "FOCUS_WINDOW"
	ActionMinimize    ActionType = "MINIMIZE_WINDOW"
	ActionMaximize    ActionType = "MAXIMIZE_WINDOW"
	ActionCloseWindow ActionType = "CLOSE_WINDOW"
	ActionLaunchApp   ActionType = "LAUNCH_APP"
	ActionOpenURL     ActionType = "OPEN_URL"
	ActionDone        ActionType = "DONE"
	ActionFail        ActionType = "FAIL"
)

// Point is a model-normalized coordinate pair in [0,1000]^2.
type Point struct {
	X, Y int
}

// ActionEnvelope is the parsed, validated action the VLM asked for in one
// step. Every field not required by Type is left at its zero value; this
// is a tagged union in spirit (REDESIGN FLAGS: no ad-hoc kwargs bag), it
// just isn't expressed as a Go type-switch union because the wire format
// is one flat JSON object and a single struct keeps Parse/Validate simple.
type ActionEnvelope struct {
	Type ActionType

	Point *Point // pointer target, for CLICK/DOUBLE_CLICK/TRIPLE_CLICK/RIGHT_CLICK/MOVE/DRAG-start
	End   *Point // DRAG end point

	Text string   // TYPE text, LAUNCH_APP app name, OPEN_URL url
	Key  string   // single chord, rarely used directly (kept for wire compat)
	Keys []string // KEY/HOTKEY chord tokens

	ScrollAmount int
	Duration     time.Duration

	Confidence float64
	Target     string // free-form description, or window-title pattern for FOCUS_WINDOW/CLOSE_WINDOW
	Thought    string // rationale (spec.md calls this "rationale"; wire calls it "thought")

	TaskComplete bool
}

// wireEnvelope mirrors the pinned JSON shape from SPEC_FULL.md §4.3
// exactly, down to the field names, so Parse can round-trip what the VLM
// actually emits.
type wireEnvelope struct {
	Action       string   `json:"action"`
	X            *int     `json:"x"`
	Y            *int     `json:"y"`
	EndX         *int     `json:"end_x"`
	EndY         *int     `json:"end_y"`
	Text         *string  `json:"text"`
	Key          *string  `json:"key"`
	Keys         []string `json:"keys"`
	ScrollAmount *int     `json:"scroll_amount"`
	Duration     *float64 `json:"duration"`
	Confidence   *float64 `json:"confidence"`
	Target       *string  `json:"target"`
	Thought      *string  `json:"thought"`
	TaskComplete *bool    `json:"task_complete"`
}

const (
	defaultConfidence = 1.0
	defaultDuration   = 500 * time.Millisecond
)

var fencedJSONBlock = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// Parse extracts the ActionEnvelope from the VLM's free-form reply. It
// tries, in order: the last well-formed fenced ```json block, then the
// substring between the first '{' and the last '}' in the whole text —
// mirroring inference.py's _parse_json_response two-stage fallback. If
// multiple fenced blocks are present the last well-formed one wins.
func Parse(raw string) (ActionEnvelope, error) {
	if strings.TrimSpace(raw) == "" {
		return ActionEnvelope{}, fmt.Errorf("%w: empty response", pilotderrors.ErrParse)
	}

	var lastGood *wireEnvelope
	for _, m := range fencedJSONBlock.FindAllStringSubmatch(raw, -1) {
		var w wireEnvelope
		if err := json.Unmarshal([]byte(m[1]), &w); err == nil {
			lastGood = &w
		}
	}
	if lastGood == nil {
		if start, end := strings.IndexByte(raw, '{'), strings.LastIndexByte(raw, '}'); start >= 0 && end > start {
			var w wireEnvelope
			if err := json.Unmarshal([]byte(raw[start:end+1]), &w); err == nil {
				lastGood = &w
			}
		}
	}
	if lastGood == nil {
		return ActionEnvelope{}, fmt.Errorf("%w: no well-formed action envelope in response", pilotderrors.ErrParse)
	}

	env, err := fromWire(*lastGood)
	if err != nil {
		return ActionEnvelope{}, err
	}
	return env, nil
}

func fromWire(w wireEnvelope) (ActionEnvelope, error) {
	env := ActionEnvelope{
		Type:       ActionType(strings.ToUpper(strings.TrimSpace(w.Action))),
		Confidence: defaultConfidence,
		Duration:   defaultDuration,
	}
	if w.Confidence != nil {
		env.Confidence = *w.Confidence
	}
	if w.Duration != nil {
		env.Duration = time.Duration(*w.Duration * float64(time.Second))
	}
	if w.Text != nil {
		env.Text = *w.Text
	}
	if w.Key != nil {
		env.Key = *w.Key
	}
	env.Keys = w.Keys
	if w.ScrollAmount != nil {
		env.ScrollAmount = *w.ScrollAmount
	}
	if w.Target != nil {
		env.Target = *w.Target
	}
	if w.Thought != nil {
		env.Thought = *w.Thought
	}
	if w.TaskComplete != nil {
		env.TaskComplete = *w.TaskComplete
	}
	if w.X != nil && w.Y != nil {
		env.Point = &Point{X: *w.X, Y: *w.Y}
	}
	if w.EndX != nil && w.EndY != nil {
		env.End = &Point{X: *w.EndX, Y: *w.EndY}
	}

	// task_complete:true always wins over whatever the action field said,
	// per SPEC_FULL.md's pinned-serialization note.
	if env.TaskComplete {
		env.Type = ActionDone
	}
	if env.Type == "" {
		if env.Thought != "" {
			return ActionEnvelope{}, fmt.Errorf("%w: thought with no actionable fields", pilotderrors.ErrParse)
		}
		return ActionEnvelope{}, fmt.Errorf("%w: missing action field", pilotderrors.ErrParse)
	}
	return env, nil
}

var pointerActions = map[ActionType]bool{
	ActionClick: true, ActionDoubleClick: true, ActionTripleClick: true,
	ActionRightClick: true, ActionMove: true, ActionDrag: true,
}

// Validate enforces the per-type required fields (spec.md §3 plus the
// SPEC_FULL.md window/clipboard/launch supplement), confidence bounds,
// and clamps out-of-range normalized coordinates to [0,1000] rather
// than rejecting them — clamping with a warning is the documented
// edge-case policy, not an error. Pixel-space bounds are enforced
// separately by ToPixels at the point of use.
func Validate(env ActionEnvelope) (ActionEnvelope, []string, error) {
	var warnings []string

	if env.Confidence < 0 || env.Confidence > 1 {
		return env, warnings, fmt.Errorf("%w: confidence %.3f out of [0,1]", pilotderrors.ErrParse, env.Confidence)
	}

	clamp := func(p *Point) *Point {
		if p == nil {
			return nil
		}
		if !InBounds(p.X) || !InBounds(p.Y) {
			warnings = append(warnings, fmt.Sprintf("coordinate (%d,%d) out of [0,1000], clamped", p.X, p.Y))
		}
		return &Point{X: ClampNormalized(p.X), Y: ClampNormalized(p.Y)}
	}

	if pointerActions[env.Type] {
		if env.Point == nil {
			return env, warnings, fmt.Errorf("%w: %s requires a target point", pilotderrors.ErrParse, env.Type)
		}
		env.Point = clamp(env.Point)
	}
	if env.Type == ActionDrag {
		if env.End == nil {
			return env, warnings, fmt.Errorf("%w: DRAG requires an end point", pilotderrors.ErrParse)
		}
		env.End = clamp(env.End)
	}

	switch env.Type {
	case ActionType_TYPE:
		if env.Text == "" {
			return env, warnings, fmt.Errorf("%w: TYPE requires text", pilotderrors.ErrParse)
		}
	case ActionScroll:
		if env.ScrollAmount == 0 {
			return env, warnings, fmt.Errorf("%w: SCROLL requires a non-zero scroll_amount", pilotderrors.ErrParse)
		}
	case ActionKey, ActionHotkey:
		if len(env.Keys) == 0 {
			return env, warnings, fmt.Errorf("%w: %s requires keys", pilotderrors.ErrParse, env.Type)
		}
	case ActionDone, ActionFail:
		if env.Thought == "" {
			return env, warnings, fmt.Errorf("%w: %s requires a rationale", pilotderrors.ErrParse, env.Type)
		}
	case ActionFocusWindow, ActionCloseWindow:
		if env.Target == "" {
			return env, warnings, fmt.Errorf("%w: %s requires target", pilotderrors.ErrParse, env.Type)
		}
	case ActionLaunchApp, ActionOpenURL:
		if env.Text == "" {
			return env, warnings, fmt.Errorf("%w: %s requires text", pilotderrors.ErrParse, env.Type)
		}
	case ActionCopy, ActionPaste, ActionCut, ActionSelectAll, ActionMinimize, ActionMaximize, ActionWait:
		// no required fields beyond Type itself.
	case ActionClick, ActionDoubleClick, ActionTripleClick, ActionRightClick, ActionMove, ActionDrag:
		// handled above via pointerActions/End.
	default:
		return env, warnings, fmt.Errorf("%w: unknown action type %q", pilotderrors.ErrParse, env.Type)
	}

	return env, warnings, nil
}

// Serialize renders env back into the pinned wire shape; used by tests
// and by components that log or replay the exact envelope a VLM emitted.
func Serialize(env ActionEnvelope) string {
	w := wireEnvelope{
		Action:     string(env.Type),
		Confidence: &env.Confidence,
	}
	duration := env.Duration.Seconds()
	w.Duration = &duration
	if env.Point != nil {
		w.X, w.Y = &env.Point.X, &env.Point.Y
	}
	if env.End != nil {
		w.EndX, w.EndY = &env.End.X, &env.End.Y
	}
	if env.Text != "" {
		w.Text = &env.Text
	}
	if env.Key != "" {
		w.Key = &env.Key
	}
	w.Keys = env.Keys
	if env.ScrollAmount != 0 {
		w.ScrollAmount = &env.ScrollAmount
	}
	if env.Target != "" {
		w.Target = &env.Target
	}
	if env.Thought != "" {
		w.Thought = &env.Thought
	}
	w.TaskComplete = &env.TaskComplete

	body, _ := json.MarshalIndent(w, "", "  ")
	return "```json\n" + string(body) + "\n```"
}
