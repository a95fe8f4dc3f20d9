package apihttp

import "testing"

func TestFrameTypeLabel(t *testing.T) {
	known := []string{
		msgAuth, msgPlay, msgPause, msgSeek, msgChangeVideo, msgSyncAll,
		msgRequestVideoList, msgRequestViewerList, msgRequestSync, msgClientTimeUpdate,
	}
	for _, typ := range known {
		if got := frameTypeLabel(typ); got != typ {
			t.Errorf("frameTypeLabel(%q) = %q", typ, got)
		}
	}

	// Arbitrary client strings collapse into one label so the frame
	// counter cannot grow a series per garbage type.
	for _, raw := range []string{"teleport", "", "AUTH", "Play", "<script>", "auth2"} {
		if got := frameTypeLabel(raw); got != "unknown" {
			t.Errorf("frameTypeLabel(%q) = %q, want unknown", raw, got)
		}
	}
}
