package state

import "time"

// Tunables collects every knob of the sync engine. The shipped defaults
// intentionally pin SyncIntervalMin == SyncIntervalMax, which makes the
// per-client interval adaptation a no-op until operators widen the bounds.
type Tunables struct {
	// Per-client scheduler.
	SyncIntervalMin  time.Duration
	SyncIntervalMax  time.Duration
	SyncIntervalStep time.Duration
	DriftLow         float64 // seconds; |drift| below this widens the interval
	DriftHigh        float64 // seconds; |drift| above this tightens the interval

	// Global rate controller.
	BehindThreshold float64 // seconds; drift below this counts a client as behind
	RateMin         float64
	RateMax         float64
	RateStep        float64
	RateTick        time.Duration

	// Periodic full-state broadcast while playing.
	BroadcastInterval time.Duration
}

func DefaultTunables() Tunables {
	return Tunables{
		SyncIntervalMin:   time.Second,
		SyncIntervalMax:   time.Second,
		SyncIntervalStep:  250 * time.Millisecond,
		DriftLow:          0.5,
		DriftHigh:         1.5,
		BehindThreshold:   -1.0,
		RateMin:           0.9,
		RateMax:           1.0,
		RateStep:          0.01,
		RateTick:          time.Second,
		BroadcastInterval: 5 * time.Second,
	}
}

// sanitize fixes inverted or zero values so the scheduler can never stall
// or leave the configured ranges.
func (t Tunables) sanitize() Tunables {
	if t.SyncIntervalMin <= 0 {
		t.SyncIntervalMin = time.Second
	}
	if t.SyncIntervalMax < t.SyncIntervalMin {
		t.SyncIntervalMax = t.SyncIntervalMin
	}
	if t.SyncIntervalStep <= 0 {
		t.SyncIntervalStep = 250 * time.Millisecond
	}
	if t.RateMin <= 0 || t.RateMin > 1 {
		t.RateMin = 0.9
	}
	if t.RateMax < t.RateMin {
		t.RateMax = 1.0
	}
	if t.RateStep <= 0 {
		t.RateStep = 0.01
	}
	if t.RateTick <= 0 {
		t.RateTick = time.Second
	}
	if t.BroadcastInterval <= 0 {
		t.BroadcastInterval = 5 * time.Second
	}
	return t
}
