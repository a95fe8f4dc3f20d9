package apihttp

import (
	"encoding/json"
	"log/slog"

	"syncstream/internal/domain"
)

// Frame types on the sync channel. Every frame carries a "type" string;
// snapshots and broadcasts are absolute-valued, never deltas.
const (
	msgAuth              = "auth"
	msgPlay              = "play"
	msgPause             = "pause"
	msgSeek              = "seek"
	msgChangeVideo       = "changeVideo"
	msgSyncAll           = "syncAll"
	msgRequestVideoList  = "requestVideoList"
	msgRequestViewerList = "requestViewerList"
	msgRequestSync       = "requestSync"
	msgClientTimeUpdate  = "clientTimeUpdate"

	msgAuthSuccess = "auth_success"
	msgAuthFail    = "auth_fail"
	msgSyncState   = "syncState"
	msgVideoList   = "videoList"
	msgViewerList  = "viewerList"
	msgError       = "error"
)

// inboundFrame is the union of every client-to-server message shape.
type inboundFrame struct {
	Type     string `json:"type"`
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
	Name     string `json:"name,omitempty"`

	Time  *float64 `json:"time,omitempty"`
	Video string   `json:"video,omitempty"`

	ClientTime   float64 `json:"clientTime"`
	PlaybackRate float64 `json:"playbackRate"`
	IsPlaying    bool    `json:"isPlaying"`
}

type authSuccessFrame struct {
	Type  string      `json:"type"`
	Role  domain.Role `json:"role"`
	Name  string      `json:"name"`
	Token string      `json:"token"`
}

type authFailFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type syncStateFrame struct {
	Type         string          `json:"type"`
	CurrentVideo domain.StreamID `json:"currentVideo"`
	TargetTime   float64         `json:"targetTime"`
	IsPlaying    bool            `json:"isPlaying"`
	PlaybackRate float64         `json:"playbackRate"`
}

type videoListFrame struct {
	Type   string   `json:"type"`
	Videos []string `json:"videos"`
}

type viewerListFrame struct {
	Type    string              `json:"type"`
	Viewers []domain.ViewerInfo `json:"viewers"`
	Count   int                 `json:"count"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func snapshotFrame(snap domain.Snapshot) syncStateFrame {
	return syncStateFrame{
		Type:         msgSyncState,
		CurrentVideo: snap.Video,
		TargetTime:   snap.TargetTime,
		IsPlaying:    snap.Playing,
		PlaybackRate: snap.Rate,
	}
}

// frameTypeLabel folds client-supplied type strings into a fixed label set
// so the frame counter's cardinality stays bounded.
func frameTypeLabel(t string) string {
	switch t {
	case msgAuth, msgPlay, msgPause, msgSeek, msgChangeVideo, msgSyncAll,
		msgRequestVideoList, msgRequestViewerList, msgRequestSync, msgClientTimeUpdate:
		return t
	default:
		return "unknown"
	}
}

func marshalFrame(logger *slog.Logger, v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("frame marshal failed", slog.String("error", err.Error()))
		return nil
	}
	return data
}
