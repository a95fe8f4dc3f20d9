package domain

import (
	"fmt"
	"strings"
)

// StreamID identifies a ready HLS stream as "hls:<name>".
type StreamID string

const streamPrefix = "hls:"

// ValidStreamName reports whether name matches [A-Za-z0-9_-]+.
func ValidStreamName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// ParseStreamID validates a raw "hls:<name>" reference.
func ParseStreamID(raw string) (StreamID, error) {
	name, ok := strings.CutPrefix(raw, streamPrefix)
	if !ok || !ValidStreamName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidStream, raw)
	}
	return StreamID(raw), nil
}

// NewStreamID builds a StreamID from a bare stream name.
func NewStreamID(name string) (StreamID, error) {
	if !ValidStreamName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidStream, name)
	}
	return StreamID(streamPrefix + name), nil
}

// Name returns the bare stream name without the "hls:" prefix.
func (id StreamID) Name() string {
	return strings.TrimPrefix(string(id), streamPrefix)
}

// StreamEntry is a ready-to-serve HLS stream discovered on disk.
type StreamEntry struct {
	ID           StreamID `json:"id"`
	PlaylistPath string   `json:"-"`
}
