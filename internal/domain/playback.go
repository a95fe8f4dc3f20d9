package domain

import (
	"strings"
	"time"
)

// ClientID is the stable identity of one live sync connection.
type ClientID string

// Snapshot is an absolute-valued projection of the master state, sent to
// clients. Receivers must treat it as truth, never as a delta.
type Snapshot struct {
	Video      StreamID `json:"currentVideo"`
	TargetTime float64  `json:"targetTime"`
	Playing    bool     `json:"isPlaying"`
	Rate       float64  `json:"playbackRate"`
}

// ViewerInfo is one row of the viewer table shown to operators.
type ViewerInfo struct {
	Role         Role    `json:"role"`
	Name         string  `json:"name"`
	IP           string  `json:"ip"`
	CurrentTime  float64 `json:"currentTime"`
	Drift        float64 `json:"drift"`
	IsPlaying    bool    `json:"isPlaying"`
	PlaybackRate float64 `json:"playbackRate"`
}

// MaxNameLen bounds display names, in code points.
const MaxNameLen = 30

// SanitizeName trims a display name and truncates it to MaxNameLen code
// points. Empty input falls back to the given default.
func SanitizeName(raw, fallback string) string {
	name := strings.TrimSpace(raw)
	if name == "" {
		return fallback
	}
	runes := []rune(name)
	if len(runes) > MaxNameLen {
		name = string(runes[:MaxNameLen])
	}
	return name
}

// PlaybackAction labels an operator transition recorded to history.
type PlaybackAction string

const (
	ActionPlay        PlaybackAction = "play"
	ActionPause       PlaybackAction = "pause"
	ActionSeek        PlaybackAction = "seek"
	ActionChangeVideo PlaybackAction = "changeVideo"
)

// PlaybackEvent is one operator transition, persisted when history is enabled.
type PlaybackEvent struct {
	Action   PlaybackAction `json:"action"`
	Video    StreamID       `json:"video,omitempty"`
	Position float64        `json:"position"`
	Actor    string         `json:"actor"`
	At       time.Time      `json:"at"`
}
