package state

import (
	"context"
	"log/slog"
	"time"

	"syncstream/internal/metrics"
)

// runRateLoop drives the global rate controller: when enough viewers fall
// behind the master, the master slows down (never below RateMin, never
// above real time) so they can catch up without seeking.
func (c *Core) runRateLoop(ctx context.Context) {
	ticker := time.NewTicker(c.tun.RateTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.rateTick()
		}
	}
}

func (c *Core) rateTick() {
	c.mu.Lock()
	if !c.playing || len(c.clients) == 0 {
		c.mu.Unlock()
		return
	}

	var behind, ahead, sampled int
	for _, cl := range c.clients {
		if !cl.hasDrift {
			continue
		}
		sampled++
		switch {
		case cl.lastDrift < c.tun.BehindThreshold:
			behind++
		case cl.lastDrift > c.tun.DriftLow:
			ahead++
		}
	}

	prev := c.rate
	next := prev
	switch {
	case sampled == 0:
		next = 1.0
	case float64(behind)/float64(sampled) > 0.25 && prev > c.tun.RateMin:
		next = prev - c.tun.RateStep
		if next < c.tun.RateMin {
			next = c.tun.RateMin
		}
	case (float64(behind)/float64(sampled) < 0.10 || ahead > behind) && prev < c.tun.RateMax:
		next = prev + c.tun.RateStep
		if next > c.tun.RateMax {
			next = c.tun.RateMax
		}
	}

	if next == prev {
		c.mu.Unlock()
		return
	}

	// Anchor rewrite uses the old rate, then the new rate takes over.
	c.rewriteAnchorLocked()
	c.rate = next
	c.rescheduleAllLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	metrics.PlaybackRate.Set(next)
	c.logger.Debug("rate adjusted",
		slog.Float64("from", prev),
		slog.Float64("to", next),
		slog.Int("behind", behind),
		slog.Int("ahead", ahead),
		slog.Int("sampled", sampled),
	)
	c.notifyBroadcast(snap)
}

// Rate returns the current effective playback rate.
func (c *Core) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}
