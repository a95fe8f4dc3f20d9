package apihttp

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"syncstream/internal/domain"
	"syncstream/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
)

// wsConn is one live sync-channel connection. Identity fields are set
// exactly once, on successful auth.
type wsConn struct {
	hub        *wsHub
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string

	mu         sync.Mutex
	authed     bool
	clientID   domain.ClientID
	role       domain.Role
	name       string
	sendClosed bool

	authTimer *time.Timer
	closeOnce sync.Once
}

func (c *wsConn) identity() (domain.ClientID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID, c.authed
}

func (c *wsConn) currentRole() domain.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authed {
		return ""
	}
	return c.role
}

// trySend queues a payload without blocking. A full buffer means the peer
// stopped draining; the connection is marked for disconnect instead of
// holding up other sends. Sends race connection teardown (sync-tick and
// auth timers fire on their own goroutines), so the queue attempt happens
// under the mutex that teardown uses to retire the channel.
func (c *wsConn) trySend(payload []byte) {
	c.mu.Lock()
	if c.sendClosed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- payload:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.hub.logger.Warn("send buffer full, disconnecting", slog.String("addr", c.remoteAddr))
		go c.close(websocket.CloseInternalServerErr, "send failed")
	}
}

func (c *wsConn) sendFrame(v any) {
	if payload := marshalFrame(c.hub.logger, v); payload != nil {
		c.trySend(payload)
	}
}

func (c *wsConn) sendError(message string) {
	c.sendFrame(errorFrame{Type: msgError, Message: message})
}

// close writes a close frame with the given code and tears the connection
// down. Safe to call multiple times from any goroutine.
func (c *wsConn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(2*time.Second),
		)
		_ = c.conn.Close()
	})
}

// authTimedOut fires when no successful auth arrived within the window.
func (c *wsConn) authTimedOut() {
	if _, authed := c.identity(); authed {
		return
	}
	c.sendError("Authentication timed out")
	// Give the error frame a moment on the wire before the close frame.
	time.AfterFunc(100*time.Millisecond, func() {
		c.close(websocket.ClosePolicyViolation, "authentication timed out")
	})
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown detaches the connection and retires its send channel. The
// sendClosed flag flips under the mutex before the close, so a concurrent
// trySend either queued before the close or sees the flag and backs off.
func (c *wsConn) teardown() {
	c.hub.detach(c)
	c.mu.Lock()
	c.sendClosed = true
	c.mu.Unlock()
	close(c.send)
}

func (c *wsConn) readPump() {
	defer func() {
		c.teardown()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleFrame(raw)
	}
}

// handleFrame decodes and dispatches one inbound frame. Protocol
// violations get an error frame back; only auth failures disconnect.
func (c *wsConn) handleFrame(raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
		c.sendError("malformed message")
		return
	}

	c.hub.frames.Add(1)
	metrics.FramesTotal.WithLabelValues(frameTypeLabel(frame.Type)).Inc()

	id, authed := c.identity()
	if !authed {
		if frame.Type != msgAuth {
			c.sendError("authentication required")
			return
		}
		c.handleAuth(frame)
		return
	}

	// Any valid post-auth frame counts as liveness.
	c.hub.core.MarkActivity(id)

	switch frame.Type {
	case msgAuth:
		// Already authenticated; idempotent success echo.
		c.mu.Lock()
		role, name := c.role, c.name
		c.mu.Unlock()
		c.sendFrame(authSuccessFrame{Type: msgAuthSuccess, Role: role, Name: name})

	case msgPlay:
		if !c.requireOperator() {
			return
		}
		c.hub.core.Play()
		c.hub.recordHistory(domain.ActionPlay, c.hub.core.Snapshot(), c.displayName())

	case msgPause:
		if !c.requireOperator() {
			return
		}
		c.hub.core.Pause()
		c.hub.recordHistory(domain.ActionPause, c.hub.core.Snapshot(), c.displayName())

	case msgSeek:
		if !c.requireOperator() {
			return
		}
		if frame.Time == nil {
			c.sendError("seek requires a time")
			return
		}
		if err := c.hub.core.Seek(*frame.Time); err != nil {
			c.sendError("invalid seek time")
			return
		}
		c.hub.recordHistory(domain.ActionSeek, c.hub.core.Snapshot(), c.displayName())

	case msgChangeVideo:
		if !c.requireOperator() {
			return
		}
		if err := c.hub.core.ChangeVideo(frame.Video); err != nil {
			c.sendError("invalid video reference")
			return
		}
		c.hub.recordHistory(domain.ActionChangeVideo, c.hub.core.Snapshot(), c.displayName())

	case msgSyncAll:
		if !c.requireOperator() {
			return
		}
		c.hub.core.SyncAll()

	case msgRequestVideoList:
		if !c.requireOperator() {
			return
		}
		c.sendVideoList()

	case msgRequestViewerList:
		if !c.requireOperator() {
			return
		}
		c.sendViewerList()

	case msgRequestSync:
		c.sendFrame(snapshotFrame(c.hub.core.Snapshot()))

	case msgClientTimeUpdate:
		if _, err := c.hub.core.ReportTime(id, frame.ClientTime, frame.PlaybackRate, frame.IsPlaying, frame.Name); err != nil {
			c.sendError("invalid time report")
		}

	default:
		c.sendError("unknown message type")
	}
}

// requireOperator rejects operator-only commands from viewers without
// disconnecting them.
func (c *wsConn) requireOperator() bool {
	if c.currentRole() != domain.RoleOperator {
		c.sendError("Permission denied")
		return false
	}
	return true
}

func (c *wsConn) displayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// handleAuth resolves the auth frame. Token takes precedence over
// password; an invalid token never falls through to the password path.
func (c *wsConn) handleAuth(frame inboundFrame) {
	var (
		role  domain.Role
		name  string
		token string
	)

	switch {
	case frame.Token != "":
		session, err := c.hub.auth.ValidateSession(frame.Token)
		if err != nil {
			c.authFailed("Invalid or expired session")
			return
		}
		role, name, token = session.Role, session.Name, session.Token

	case frame.Password != "":
		r, err := c.hub.auth.ValidatePassword(frame.Password)
		if err != nil {
			c.authFailed("Invalid password")
			return
		}
		role = r
		name = domain.SanitizeName(frame.Name, defaultName(role))
		session, err := c.hub.auth.CreateSession(role, name)
		if err != nil {
			c.authFailed("Session creation failed")
			return
		}
		token = session.Token

	default:
		c.authFailed("Credentials required")
		return
	}

	id := newClientID()
	c.mu.Lock()
	c.authed = true
	c.clientID = id
	c.role = role
	c.name = name
	c.mu.Unlock()

	if c.authTimer != nil {
		c.authTimer.Stop()
	}

	// Post-auth sequence: register, immediate snapshot, operator extras,
	// then let every other operator see the new viewer table.
	c.hub.core.Register(id, role, name, c.remoteAddr, token)
	c.hub.bind(id, c)

	c.sendFrame(authSuccessFrame{Type: msgAuthSuccess, Role: role, Name: name, Token: token})
	c.sendFrame(snapshotFrame(c.hub.core.Snapshot()))
	if role == domain.RoleOperator {
		c.sendVideoList()
		c.sendViewerList()
	}

	table := c.hub.core.ViewerTable()
	if payload := marshalFrame(c.hub.logger, viewerListFrame{Type: msgViewerList, Viewers: table, Count: len(table)}); payload != nil {
		c.hub.sendToOperators(payload, c)
	}
}

func (c *wsConn) authFailed(message string) {
	metrics.AuthFailuresTotal.Inc()
	c.hub.logger.Warn("auth failed", slog.String("addr", c.remoteAddr), slog.String("reason", message))
	c.sendFrame(authFailFrame{Type: msgAuthFail, Message: message})
	time.AfterFunc(100*time.Millisecond, func() {
		c.close(websocket.ClosePolicyViolation, "authentication failed")
	})
}

func (c *wsConn) sendVideoList() {
	entries, err := c.hub.catalog.List()
	if err != nil {
		c.hub.logger.Warn("stream list failed", slog.String("error", err.Error()))
		c.sendError("video list unavailable")
		return
	}
	videos := make([]string, 0, len(entries))
	for _, entry := range entries {
		videos = append(videos, string(entry.ID))
	}
	c.sendFrame(videoListFrame{Type: msgVideoList, Videos: videos})
}

func (c *wsConn) sendViewerList() {
	table := c.hub.core.ViewerTable()
	c.sendFrame(viewerListFrame{Type: msgViewerList, Viewers: table, Count: len(table)})
}

func defaultName(role domain.Role) string {
	if role == domain.RoleOperator {
		return "Operator"
	}
	return "Viewer"
}
