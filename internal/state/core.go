// Package state owns the authoritative master playback state, the client
// registry, the per-client sync scheduler and the global rate controller.
//
// Everything shared lives behind one mutex; at the target scale (hundreds
// of clients) contention is irrelevant and the anchor triple must be read
// atomically anyway. Notifier callbacks are always invoked outside the
// lock so a slow transport can never wedge the state machine.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"syncstream/internal/domain"
	"syncstream/internal/metrics"
)

// Notifier is the outbound half of the engine, bound by the sync hub at
// startup. Implementations must be non-blocking: sends are best-effort.
type Notifier interface {
	// BroadcastState fans a snapshot out to every connected client.
	BroadcastState(snap domain.Snapshot)
	// SendSync delivers a snapshot to a single client.
	SendSync(id domain.ClientID, snap domain.Snapshot)
	// ViewerTableChanged signals that operators should receive a fresh
	// viewer table.
	ViewerTableChanged()
}

type Core struct {
	mu sync.Mutex

	video      domain.StreamID
	anchorTime float64
	anchorWall time.Time
	playing    bool
	rate       float64

	clients map[domain.ClientID]*client

	// loopCancel is non-nil exactly while the rate-control and periodic
	// broadcast goroutines are running.
	loopCancel context.CancelFunc

	tun      Tunables
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func New(tun Tunables, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{
		clients: make(map[domain.ClientID]*client),
		rate:    1.0,
		tun:     tun.sanitize(),
		logger:  logger.With(slog.String("component", "state")),
		now:     time.Now,
	}
}

// SetNotifier binds the outbound transport. Must be called before any
// client registers; the hub does this during construction.
func (c *Core) SetNotifier(n Notifier) {
	c.mu.Lock()
	c.notifier = n
	c.mu.Unlock()
}

// effectiveTimeLocked projects the anchor to now through the rate.
// Never negative.
func (c *Core) effectiveTimeLocked() float64 {
	t := c.anchorTime
	if c.playing {
		t += c.now().Sub(c.anchorWall).Seconds() * c.rate
	}
	if t < 0 {
		return 0
	}
	return t
}

// rewriteAnchorLocked folds elapsed playback into the anchor so that a
// following change to playing or rate keeps effective time continuous.
func (c *Core) rewriteAnchorLocked() {
	c.anchorTime = c.effectiveTimeLocked()
	c.anchorWall = c.now()
}

func (c *Core) snapshotLocked() domain.Snapshot {
	return domain.Snapshot{
		Video:      c.video,
		TargetTime: c.effectiveTimeLocked(),
		Playing:    c.playing,
		Rate:       c.rate,
	}
}

// EffectiveTime returns the master position projected to now.
func (c *Core) EffectiveTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effectiveTimeLocked()
}

// Snapshot returns the current master state as an absolute-valued message.
func (c *Core) Snapshot() domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Play starts the master timeline. A redundant play is a no-op.
func (c *Core) Play() {
	c.mu.Lock()
	if c.playing {
		c.mu.Unlock()
		return
	}
	c.rewriteAnchorLocked()
	c.playing = true
	c.startLoopsLocked()
	c.rescheduleAllLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("play", slog.String("video", string(snap.Video)), slog.Float64("at", snap.TargetTime))
	c.notifyBroadcast(snap)
}

// Pause freezes the master timeline and resets the rate to real time.
func (c *Core) Pause() {
	c.mu.Lock()
	if !c.playing {
		c.mu.Unlock()
		return
	}
	c.rewriteAnchorLocked()
	c.playing = false
	c.rate = 1.0
	c.stopLoopsLocked()
	c.stopAllTimersLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("pause", slog.Float64("at", snap.TargetTime))
	metrics.PlaybackRate.Set(1.0)
	c.notifyBroadcast(snap)
}

// Seek jumps the master position. Playing state and rate are unchanged.
func (c *Core) Seek(t float64) error {
	if t < 0 {
		return fmt.Errorf("%w: %f", domain.ErrInvalidSeek, t)
	}
	c.mu.Lock()
	c.anchorTime = t
	c.anchorWall = c.now()
	c.rescheduleAllLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("seek", slog.Float64("to", t))
	c.notifyBroadcast(snap)
	return nil
}

// ChangeVideo switches the master to a new stream, paused at zero.
func (c *Core) ChangeVideo(raw string) error {
	id, err := domain.ParseStreamID(raw)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.video = id
	c.anchorTime = 0
	c.anchorWall = c.now()
	c.playing = false
	c.rate = 1.0
	c.stopLoopsLocked()
	c.stopAllTimersLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("video changed", slog.String("video", string(id)))
	metrics.PlaybackRate.Set(1.0)
	c.notifyBroadcast(snap)
	return nil
}

// SyncAll forces an immediate broadcast of the current state.
func (c *Core) SyncAll() {
	c.mu.Lock()
	c.rescheduleAllLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notifyBroadcast(snap)
}

// Shutdown stops the background loops and all pending sync timers.
func (c *Core) Shutdown() {
	c.mu.Lock()
	c.stopLoopsLocked()
	c.stopAllTimersLocked()
	c.mu.Unlock()
}

func (c *Core) notifyBroadcast(snap domain.Snapshot) {
	metrics.BroadcastsTotal.Inc()
	if c.notifier != nil {
		c.notifier.BroadcastState(snap)
	}
}

// startLoopsLocked launches the rate controller and the periodic broadcast
// loop. Lazy: nothing runs until the first play.
func (c *Core) startLoopsLocked() {
	if c.loopCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.loopCancel = cancel
	go c.runRateLoop(ctx)
	go c.runBroadcastLoop(ctx)
}

func (c *Core) stopLoopsLocked() {
	if c.loopCancel != nil {
		c.loopCancel()
		c.loopCancel = nil
	}
}

func (c *Core) runBroadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(c.tun.BroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if !c.playing {
				c.mu.Unlock()
				continue
			}
			c.rescheduleAllLocked()
			snap := c.snapshotLocked()
			c.mu.Unlock()
			c.notifyBroadcast(snap)
		}
	}
}
