package gateway

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"pilotd/internal/eventbus"
	"pilotd/internal/logging"
	"pilotd/internal/session"
)

// heartbeatService wakes up on a cron schedule and, within the
// configured active hours, publishes a proactive chat_message event so
// an observer UI can surface it — adapted from
// original_source/src/heartbeat_service.py's HeartbeatService, minus the
// HEARTBEAT.md checklist parsing (this module has no equivalent
// notes file; the hook that would read one is `beat`, left a single
// place to extend).
type heartbeatService struct {
	cron   *cron.Cron
	bus    *eventbus.Bus
	store  *session.Store
	logger logging.Logger

	activeHourStart int
	activeHourEnd   int

	// isIdle reports whether the orchestrator has no active task; a nil
	// func treats the orchestrator as always idle (used by tests that
	// don't wire a full supervisor).
	isIdle func() bool

	count int
}

func newHeartbeatService(interval time.Duration, activeHourStart, activeHourEnd int, bus *eventbus.Bus, store *session.Store, logger logging.Logger) *heartbeatService {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	return &heartbeatService{
		cron:            c,
		bus:             bus,
		store:           store,
		logger:          logging.OrNop(logger),
		activeHourStart: activeHourStart,
		activeHourEnd:   activeHourEnd,
	}
}

// start schedules the heartbeat to fire every interval and starts the
// cron scheduler.
func (h *heartbeatService) start(interval time.Duration) error {
	spec := fmt.Sprintf("@every %s", interval.String())
	if _, err := h.cron.AddFunc(spec, h.beat); err != nil {
		return fmt.Errorf("scheduling heartbeat: %w", err)
	}
	h.cron.Start()
	return nil
}

func (h *heartbeatService) stop() {
	ctx := h.cron.Stop()
	<-ctx.Done()
}

func (h *heartbeatService) withinActiveHours() bool {
	hour := time.Now().Hour()
	return hour >= h.activeHourStart && hour < h.activeHourEnd
}

func (h *heartbeatService) beat() {
	h.count++
	if !h.withinActiveHours() {
		h.logger.Debug("heartbeat #%d skipped (outside active hours)", h.count)
		return
	}
	if h.isIdle != nil && !h.isIdle() {
		h.logger.Debug("heartbeat #%d skipped (task running)", h.count)
		return
	}
	h.logger.Debug("heartbeat #%d", h.count)
	h.store.AppendChat(session.RoleSystem, "heartbeat check")
	h.bus.Publish(eventbus.KindChatMessage, map[string]any{
		"role": "system",
		"text": "heartbeat check",
		"seq":  h.count,
	})
}
