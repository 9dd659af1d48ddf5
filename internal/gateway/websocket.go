package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"pilotd/internal/eventbus"
	"pilotd/internal/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// wsHub tracks live event-stream connections so Shutdown can close them
// all, mirroring the teacher's webui.Server wsConnections map plus its
// periodic cleanup ticker.
type wsHub struct {
	bus      *eventbus.Bus
	logger   logging.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[int64]*wsConn
}

type wsConn struct {
	ws   *websocket.Conn
	sub  *eventbus.Subscription
	done chan struct{}
}

func newWSHub(bus *eventbus.Bus, logger logging.Logger, allowedOrigins []string) *wsHub {
	return &wsHub{
		bus:    bus,
		logger: logger,
		conns:  make(map[int64]*wsConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// originChecker mirrors the gateway's CORS allow-list for WebSocket
// upgrades, which gorilla/websocket checks separately from the
// gin-contrib/cors middleware (that middleware only runs on the HTTP
// handshake's headers, not the upgraded connection).
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return r.Header.Get("Origin") == ""
		}
		origin := r.Header.Get("Origin")
		for _, a := range allowed {
			if a == origin || a == "*" {
				return true
			}
		}
		return false
	}
}

// wsEnvelope is the JSON frame pushed to subscribers, mirroring the
// eventbus.Event shape.
type wsEnvelope struct {
	Kind    eventbus.Kind `json:"kind"`
	At      time.Time     `json:"at"`
	Payload any           `json:"payload"`
}

func (h *wsHub) handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed: %v", err)
		return
	}

	sub := h.bus.Subscribe()
	entry := &wsConn{ws: conn, sub: sub, done: make(chan struct{})}

	h.mu.Lock()
	id := int64(len(h.conns)) + 1
	for h.conns[id] != nil {
		id++
	}
	h.conns[id] = entry
	h.mu.Unlock()

	go h.readPump(id, entry)
	h.writePump(entry)
}

// readPump drains and discards client frames purely to notice the
// connection closing; the event stream is server-to-client only.
func (h *wsHub) readPump(id int64, entry *wsConn) {
	defer h.remove(id)
	for {
		if _, _, err := entry.ws.ReadMessage(); err != nil {
			close(entry.done)
			return
		}
	}
}

func (h *wsHub) writePump(entry *wsConn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer entry.sub.Close()
	defer entry.ws.Close()

	for {
		select {
		case <-entry.done:
			return
		case ev, ok := <-entry.sub.Events():
			if !ok {
				return
			}
			entry.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			frame, err := json.Marshal(wsEnvelope{Kind: ev.Kind, At: ev.At, Payload: ev.Payload})
			if err != nil {
				continue
			}
			if err := entry.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			entry.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := entry.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *wsHub) remove(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, id)
}

// closeAll shuts down every live event-stream connection, called from
// Server.Shutdown.
func (h *wsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, entry := range h.conns {
		entry.sub.Close()
		entry.ws.Close()
		delete(h.conns, id)
	}
}
