// Package actuator defines the collaborator boundary the orchestrator
// drives GUI actions through. Input device drivers and screen capture
// are explicitly out of scope (spec.md §1 Non-goals); this package is
// the interface only, grounded on
// original_source/src/actions.py's ActionExecutor dispatch surface.
package actuator

import (
	"context"
	"time"

	"pilotd/internal/coords"
)

// Frame mirrors spec.md §3's ScreenFrame.
type Frame struct {
	CapturedAt time.Time
	WidthPx    int
	HeightPx   int
	JPEGBytes  []byte
}

// Actuator realizes ActionEnvelopes on a real desktop and supplies
// screen captures and window context to the orchestrator. No concrete
// implementation ships in this module; a GUI-driving backend plugs in
// behind this interface on a given platform.
type Actuator interface {
	// Capture returns a fresh screenshot.
	Capture(ctx context.Context) (Frame, error)

	// ScreenSize reports the current display resolution, used by C3 to
	// convert normalized coordinates to pixels.
	ScreenSize(ctx context.Context) (width, height int, err error)

	// ActiveWindowContext returns a one-line description of the
	// foreground window (SPEC_FULL.md §4.4's window-context injection),
	// or "" if unavailable.
	ActiveWindowContext(ctx context.Context) string

	// Apply executes a validated, pixel-space action envelope.
	Apply(ctx context.Context, env coords.ActionEnvelope, pixel *coords.Point, pixelEnd *coords.Point) error
}
