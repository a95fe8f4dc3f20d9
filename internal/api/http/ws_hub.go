package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"syncstream/internal/auth"
	"syncstream/internal/catalog"
	"syncstream/internal/domain"
	"syncstream/internal/state"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsHub terminates sync-channel connections, authenticates them and
// shuttles frames between the wire and the state core. It is the core's
// Notifier: the core decides *when* to send, the hub decides *how*.
type wsHub struct {
	core    *state.Core
	auth    *auth.Store
	catalog *catalog.Catalog
	history HistoryStore
	logger  *slog.Logger

	authTimeout  time.Duration
	heartbeat    time.Duration
	heartbeatMax int

	mu    sync.RWMutex
	conns map[*wsConn]bool
	byID  map[domain.ClientID]*wsConn

	frames    atomic.Int64 // inbound frames since the last summary rollup
	done      chan struct{}
	closeOnce sync.Once
}

func newWSHub(core *state.Core, authStore *auth.Store, cat *catalog.Catalog, logger *slog.Logger) *wsHub {
	return &wsHub{
		core:         core,
		auth:         authStore,
		catalog:      cat,
		logger:       logger.With(slog.String("component", "hub")),
		authTimeout:  5 * time.Second,
		heartbeat:    10 * time.Second,
		heartbeatMax: 2,
		conns:        make(map[*wsConn]bool),
		byID:         make(map[domain.ClientID]*wsConn),
		done:         make(chan struct{}),
	}
}

// attach registers a fresh, not yet authenticated connection and arms its
// auth timer.
func (h *wsHub) attach(c *wsConn) {
	h.mu.Lock()
	h.conns[c] = true
	total := len(h.conns)
	h.mu.Unlock()

	c.authTimer = time.AfterFunc(h.authTimeout, c.authTimedOut)
	h.logger.Debug("connection opened", slog.String("addr", c.remoteAddr), slog.Int("total", total))
}

// detach removes the connection; called exactly once from its readPump.
func (h *wsHub) detach(c *wsConn) {
	if c.authTimer != nil {
		c.authTimer.Stop()
	}

	h.mu.Lock()
	delete(h.conns, c)
	id, authed := c.identity()
	if authed && h.byID[id] == c {
		delete(h.byID, id)
	}
	total := len(h.conns)
	h.mu.Unlock()

	if authed {
		h.core.Unregister(id)
	}
	h.logger.Debug("connection closed", slog.String("addr", c.remoteAddr), slog.Int("total", total))
}

// bind makes an authenticated connection addressable by client id.
func (h *wsHub) bind(id domain.ClientID, c *wsConn) {
	h.mu.Lock()
	h.byID[id] = c
	h.mu.Unlock()
}

// ---- state.Notifier ---------------------------------------------------------

func (h *wsHub) BroadcastState(snap domain.Snapshot) {
	payload := marshalFrame(h.logger, snapshotFrame(snap))
	if payload == nil {
		return
	}
	h.mu.RLock()
	for c := range h.conns {
		if _, authed := c.identity(); authed {
			c.trySend(payload)
		}
	}
	h.mu.RUnlock()
}

func (h *wsHub) SendSync(id domain.ClientID, snap domain.Snapshot) {
	h.mu.RLock()
	c, ok := h.byID[id]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if payload := marshalFrame(h.logger, snapshotFrame(snap)); payload != nil {
		c.trySend(payload)
	}
}

func (h *wsHub) ViewerTableChanged() {
	table := h.core.ViewerTable()
	payload := marshalFrame(h.logger, viewerListFrame{Type: msgViewerList, Viewers: table, Count: len(table)})
	if payload == nil {
		return
	}
	h.sendToOperators(payload, nil)
}

// sendToOperators fans a payload out to every operator connection except
// the one given (which may be nil).
func (h *wsHub) sendToOperators(payload []byte, except *wsConn) {
	h.mu.RLock()
	for c := range h.conns {
		if c == except {
			continue
		}
		if c.currentRole() == domain.RoleOperator {
			c.trySend(payload)
		}
	}
	h.mu.RUnlock()
}

// ---- background loops -------------------------------------------------------

// runHeartbeat walks the registry every interval; connections that stayed
// silent through more than heartbeatMax sweeps are forcibly terminated.
func (h *wsHub) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			for _, id := range h.core.SweepHeartbeats(h.heartbeatMax) {
				h.mu.RLock()
				c, ok := h.byID[id]
				h.mu.RUnlock()
				if !ok {
					continue
				}
				h.logger.Warn("heartbeat expired, disconnecting",
					slog.String("clientId", string(id)),
					slog.String("addr", c.remoteAddr),
				)
				c.close(websocket.CloseNormalClosure, "heartbeat timeout")
			}
		}
	}
}

// runSummary emits the periodic log rollup: connection count and frame
// volume since the previous line.
func (h *wsHub) runSummary(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			h.mu.RLock()
			conns := len(h.conns)
			authed := len(h.byID)
			h.mu.RUnlock()
			h.logger.Info("sync summary",
				slog.Int("connections", conns),
				slog.Int("authenticated", authed),
				slog.Int64("framesHandled", h.frames.Swap(0)),
				slog.Float64("playbackRate", h.core.Rate()),
			)
		}
	}
}

// Close sends a going-away frame to every client and stops the loops.
func (h *wsHub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		conns := make([]*wsConn, 0, len(h.conns))
		for c := range h.conns {
			conns = append(conns, c)
		}
		h.mu.Unlock()

		for _, c := range conns {
			c.close(websocket.CloseGoingAway, "server shutting down")
		}
		h.logger.Debug("hub stopped, all clients disconnected")
	})
}
