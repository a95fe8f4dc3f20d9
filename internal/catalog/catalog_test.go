package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeEncoder struct {
	mu      sync.Mutex
	calls   []string
	started chan string
	release chan error
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{
		started: make(chan string, 16),
		release: make(chan error, 16),
	}
}

func (f *fakeEncoder) Encode(ctx context.Context, sourcePath, outputDir string) error {
	f.mu.Lock()
	f.calls = append(f.calls, sourcePath)
	f.mu.Unlock()
	f.started <- sourcePath

	err := <-f.release
	if err != nil {
		return err
	}
	if mkErr := os.MkdirAll(outputDir, 0o755); mkErr != nil {
		return mkErr
	}
	return os.WriteFile(filepath.Join(outputDir, masterPlaylist), []byte("#EXTM3U\n"), 0o644)
}

func (f *fakeEncoder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCatalog(t *testing.T) (*Catalog, *fakeEncoder, string) {
	t.Helper()
	root := t.TempDir()
	enc := newFakeEncoder()
	c, err := New(root, enc, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, enc, root
}

func addReadyStream(t *testing.T, root, name string) {
	t.Helper()
	dir := filepath.Join(root, processedDirName, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, masterPlaylist), []byte("#EXTM3U\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestListFindsReadyStreams(t *testing.T) {
	c, _, root := newTestCatalog(t)

	addReadyStream(t, root, "zeta")
	addReadyStream(t, root, "alpha")
	// Directory without a master playlist is still encoding.
	if err := os.MkdirAll(filepath.Join(root, processedDirName, "pending"), 0o755); err != nil {
		t.Fatal(err)
	}
	// Directory with a name outside the stream alphabet is ignored.
	if err := os.MkdirAll(filepath.Join(root, processedDirName, "bad name"), 0o755); err != nil {
		t.Fatal(err)
	}

	entries, err := c.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %v", entries)
	}
	if entries[0].ID != "hls:alpha" || entries[1].ID != "hls:zeta" {
		t.Fatalf("order = %v, %v", entries[0].ID, entries[1].ID)
	}
}

func TestListCachesUntilInvalidate(t *testing.T) {
	c, _, root := newTestCatalog(t)
	addReadyStream(t, root, "one")

	if entries, err := c.List(); err != nil || len(entries) != 1 {
		t.Fatalf("first list: %v %v", entries, err)
	}

	addReadyStream(t, root, "two")
	if entries, _ := c.List(); len(entries) != 1 {
		t.Fatalf("cache bypassed: %v", entries)
	}

	c.Invalidate()
	if entries, _ := c.List(); len(entries) != 2 {
		t.Fatalf("invalidate not honored: %v", entries)
	}
}

func TestListDoesNotPublishStaleScan(t *testing.T) {
	c, _, root := newTestCatalog(t)

	// An encode finishing between the scan and the cache write must not be
	// masked by the scan's stale result.
	c.afterScan = func() {
		c.afterScan = nil
		addReadyStream(t, root, "fresh")
		c.Invalidate()
	}

	if entries, err := c.List(); err != nil || len(entries) != 0 {
		t.Fatalf("first list: %v %v", entries, err)
	}
	entries, err := c.List()
	if err != nil {
		t.Fatalf("second list: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "hls:fresh" {
		t.Fatalf("stale cache served: %v", entries)
	}
}

func TestResolveFile(t *testing.T) {
	c, _, _ := newTestCatalog(t)

	abs, err := c.ResolveFile("movie", "master.m3u8")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := filepath.Join(c.processed, "movie", "master.m3u8")
	if abs != want {
		t.Fatalf("resolved %q, want %q", abs, want)
	}

	if _, err := c.ResolveFile("movie", "v0/seg-00001.ts"); err != nil {
		t.Fatalf("nested resolve: %v", err)
	}
}

func TestResolveFileRejectsEscapes(t *testing.T) {
	c, _, _ := newTestCatalog(t)

	cases := []struct {
		stream  string
		subpath string
	}{
		{"movie", "../secret"},
		{"movie", "../../etc/passwd"},
		{"movie", "v0/../../secret"},
		{"movie", "/etc/passwd"},
		{"movie", "a//b"},
		{"movie", "seg%2e%2e.ts"},
		{"movie", "a b.ts"},
		{"movie", ""},
		{"..", "master.m3u8"},
		{"a/b", "master.m3u8"},
		{"", "master.m3u8"},
		{"mo vie", "master.m3u8"},
	}
	for _, tc := range cases {
		if _, err := c.ResolveFile(tc.stream, tc.subpath); err == nil {
			t.Errorf("ResolveFile(%q, %q) accepted", tc.stream, tc.subpath)
		}
	}
}

func TestContentType(t *testing.T) {
	cases := map[string]string{
		"master.m3u8":  "application/vnd.apple.mpegurl",
		"v0/index.M3U8": "application/vnd.apple.mpegurl",
		"seg-00001.ts": "video/mp2t",
		"poster.jpg":   "application/octet-stream",
		"noext":        "application/octet-stream",
	}
	for path, want := range cases {
		if got := ContentType(path); got != want {
			t.Errorf("ContentType(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestSanitizeOutputName(t *testing.T) {
	cases := map[string]string{
		"Movie Night.mp4":   "Movie_Night",
		"clip.v2.final.mkv": "clip_v2_final",
		"simple.mov":        "simple",
		"шрек.mp4":          strings.Repeat("_", len("шрек")),
		"a-b_c9.avi":        "a-b_c9",
	}
	for in, want := range cases {
		if got := SanitizeOutputName(in); got != want {
			t.Errorf("SanitizeOutputName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestScanAndEncodeStartsJobsOnce(t *testing.T) {
	c, enc, root := newTestCatalog(t)
	if err := os.WriteFile(filepath.Join(root, "movie.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Non-video files and directories never become jobs.
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	c.ScanAndEncode(ctx)

	select {
	case <-enc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("encode never started")
	}

	// A rescan while the job is in flight must not start a second one.
	c.ScanAndEncode(ctx)
	if got := enc.callCount(); got != 1 {
		t.Fatalf("encode calls during flight = %d, want 1", got)
	}

	enc.release <- nil
	waitFor(t, func() bool {
		entries, err := c.List()
		return err == nil && len(entries) == 1
	})

	// Once master.m3u8 exists the source is never re-encoded.
	c.ScanAndEncode(ctx)
	time.Sleep(50 * time.Millisecond)
	if got := enc.callCount(); got != 1 {
		t.Fatalf("encode calls after completion = %d, want 1", got)
	}
}

func TestFailedEncodeIsRetriedOnNextScan(t *testing.T) {
	c, enc, root := newTestCatalog(t)
	if err := os.WriteFile(filepath.Join(root, "movie.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	c.ScanAndEncode(ctx)
	<-enc.started
	enc.release <- errors.New("boom")

	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.inflight["movie"]
	})

	c.ScanAndEncode(ctx)
	select {
	case <-enc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("failed source not retried")
	}
	enc.release <- nil
	waitFor(t, func() bool { return enc.callCount() == 2 })
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.inflight["movie"]
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
