package state

import (
	"log/slog"
	"sort"
	"time"

	"syncstream/internal/domain"
	"syncstream/internal/metrics"
)

// client is the server-side record of one live sync connection. Owned by
// Core; the hub refers to clients by id only and never holds the struct.
type client struct {
	id           domain.ClientID
	role         domain.Role
	name         string
	sessionToken string
	peerAddr     string

	lastReportedTime float64
	lastDrift        float64
	hasDrift         bool
	reportedPlaying  bool
	reportedRate     float64

	syncInterval     time.Duration
	syncTimer        *time.Timer
	missedHeartbeats int
}

// Register creates the client record after a successful auth. While the
// master is playing the client immediately joins the sync schedule.
func (c *Core) Register(id domain.ClientID, role domain.Role, name, addr, token string) {
	c.mu.Lock()
	cl := &client{
		id:           id,
		role:         role,
		name:         name,
		sessionToken: token,
		peerAddr:     addr,
		reportedRate: 1.0,
		syncInterval: c.tun.SyncIntervalMin,
	}
	c.clients[id] = cl
	if c.playing {
		c.scheduleLocked(cl, cl.syncInterval)
	}
	total := len(c.clients)
	c.mu.Unlock()

	metrics.ConnectedClients.Set(float64(total))
	c.logger.Info("client registered",
		slog.String("clientId", string(id)),
		slog.String("role", string(role)),
		slog.String("name", name),
		slog.String("addr", addr),
		slog.Int("total", total),
	)
}

// Unregister destroys the client record and cancels its pending sync timer.
func (c *Core) Unregister(id domain.ClientID) {
	c.mu.Lock()
	cl, ok := c.clients[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	if cl.syncTimer != nil {
		cl.syncTimer.Stop()
		cl.syncTimer = nil
	}
	delete(c.clients, id)
	total := len(c.clients)
	c.mu.Unlock()

	metrics.ConnectedClients.Set(float64(total))
	c.logger.Info("client unregistered", slog.String("clientId", string(id)), slog.Int("total", total))
	if c.notifier != nil {
		c.notifier.ViewerTableChanged()
	}
}

// ClientCount reports how many clients are currently registered.
func (c *Core) ClientCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// ReportTime ingests a client's self-report, computes its drift against the
// master and applies the sync-interval adaptation rule. Returns the drift.
func (c *Core) ReportTime(id domain.ClientID, reported, rate float64, playing bool, name string) (float64, error) {
	if reported < 0 || rate <= 0 {
		return 0, domain.ErrInvalidSeek
	}

	c.mu.Lock()
	cl, ok := c.clients[id]
	if !ok {
		c.mu.Unlock()
		return 0, domain.ErrNotFound
	}

	drift := reported - c.effectiveTimeLocked()
	cl.lastReportedTime = reported
	cl.lastDrift = drift
	cl.hasDrift = true
	cl.reportedPlaying = playing
	cl.reportedRate = rate
	if name != "" {
		cl.name = domain.SanitizeName(name, cl.name)
	}
	if c.playing {
		c.adaptIntervalLocked(cl, drift)
	}
	c.mu.Unlock()

	metrics.ClientDriftSeconds.Observe(drift)
	if c.notifier != nil {
		c.notifier.ViewerTableChanged()
	}
	return drift, nil
}

// adaptIntervalLocked tightens the client's sync interval when it drifts
// hard and relaxes it when it tracks closely. With the shipped
// min == max bounds both branches clamp to the same value.
func (c *Core) adaptIntervalLocked(cl *client, drift float64) {
	abs := drift
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs > c.tun.DriftHigh && cl.syncInterval > c.tun.SyncIntervalMin:
		next := cl.syncInterval - c.tun.SyncIntervalStep
		if next < c.tun.SyncIntervalMin {
			next = c.tun.SyncIntervalMin
		}
		cl.syncInterval = next
		c.scheduleLocked(cl, next)
	case abs < c.tun.DriftLow && cl.syncInterval < c.tun.SyncIntervalMax:
		next := cl.syncInterval + c.tun.SyncIntervalStep
		if next > c.tun.SyncIntervalMax {
			next = c.tun.SyncIntervalMax
		}
		cl.syncInterval = next
		c.scheduleLocked(cl, next)
	}
}

// scheduleLocked (re)arms the client's sync timer.
func (c *Core) scheduleLocked(cl *client, d time.Duration) {
	if cl.syncTimer != nil {
		cl.syncTimer.Stop()
	}
	id := cl.id
	cl.syncTimer = time.AfterFunc(d, func() { c.syncTick(id) })
}

// rescheduleAllLocked restarts every client's timer relative to now. Called
// after each broadcast so periodic snapshots do not pile on top of it.
func (c *Core) rescheduleAllLocked() {
	if !c.playing {
		return
	}
	for _, cl := range c.clients {
		c.scheduleLocked(cl, cl.syncInterval)
	}
}

func (c *Core) stopAllTimersLocked() {
	for _, cl := range c.clients {
		if cl.syncTimer != nil {
			cl.syncTimer.Stop()
			cl.syncTimer = nil
		}
	}
}

// syncTick fires on a client's personal timer: send a snapshot and re-arm.
func (c *Core) syncTick(id domain.ClientID) {
	c.mu.Lock()
	cl, ok := c.clients[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	if !c.playing {
		cl.syncTimer = nil
		c.mu.Unlock()
		return
	}
	snap := c.snapshotLocked()
	c.scheduleLocked(cl, cl.syncInterval)
	c.mu.Unlock()

	metrics.SyncSnapshotsTotal.Inc()
	if c.notifier != nil {
		c.notifier.SendSync(id, snap)
	}
}

// MarkActivity resets the heartbeat counter; called for every valid
// post-auth inbound message.
func (c *Core) MarkActivity(id domain.ClientID) {
	c.mu.Lock()
	if cl, ok := c.clients[id]; ok {
		cl.missedHeartbeats = 0
	}
	c.mu.Unlock()
}

// SweepHeartbeats increments every client's missed-heartbeat counter and
// returns the ids that exceeded max. The hub terminates those connections;
// their records are destroyed by the resulting Unregister.
func (c *Core) SweepHeartbeats(max int) []domain.ClientID {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []domain.ClientID
	for id, cl := range c.clients {
		cl.missedHeartbeats++
		if cl.missedHeartbeats > max {
			expired = append(expired, id)
		}
	}
	return expired
}

// ViewerTable builds the operator-facing table of every connected client,
// ordered by name for stable display.
func (c *Core) ViewerTable() []domain.ViewerInfo {
	c.mu.Lock()
	table := make([]domain.ViewerInfo, 0, len(c.clients))
	for _, cl := range c.clients {
		table = append(table, domain.ViewerInfo{
			Role:         cl.role,
			Name:         cl.name,
			IP:           cl.peerAddr,
			CurrentTime:  cl.lastReportedTime,
			Drift:        cl.lastDrift,
			IsPlaying:    cl.reportedPlaying,
			PlaybackRate: cl.reportedRate,
		})
	}
	c.mu.Unlock()

	sort.Slice(table, func(i, j int) bool {
		if table[i].Name != table[j].Name {
			return table[i].Name < table[j].Name
		}
		return table[i].IP < table[j].IP
	})
	return table
}

// SyncInterval exposes a client's current interval (test hook and viewer
// table detail).
func (c *Core) SyncInterval(id domain.ClientID) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[id]; ok {
		return cl.syncInterval, true
	}
	return 0, false
}
