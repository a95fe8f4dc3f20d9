// Package catalog maintains the correspondence between source video files
// under the video root and ready HLS streams under <root>/processed, and
// drives the transcoder for sources that have not been processed yet.
package catalog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"syncstream/internal/domain"
	"syncstream/internal/metrics"
)

const processedDirName = "processed"

// masterPlaylist is the artifact whose presence marks a stream as ready.
const masterPlaylist = "master.m3u8"

var sourceExtensions = map[string]bool{
	".mp4": true,
	".mkv": true,
	".mov": true,
	".avi": true,
	".wmv": true,
}

// Encoder converts one source file into a directory of HLS renditions
// topped by master.m3u8. Invocations are long-running; the catalog never
// calls it on a request path.
type Encoder interface {
	Encode(ctx context.Context, sourcePath, outputDir string) error
}

type Catalog struct {
	root      string
	processed string
	encoder   Encoder
	logger    *slog.Logger

	mu         sync.Mutex
	inflight   map[string]bool // keyed by sanitized output name
	cache      []domain.StreamEntry
	cacheValid bool
	cacheGen   uint64 // bumped by Invalidate; stale scans must not publish

	afterScan func() // test seam, nil in production
}

func New(root string, encoder Encoder, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	c := &Catalog{
		root:      abs,
		processed: filepath.Join(abs, processedDirName),
		encoder:   encoder,
		logger:    logger.With(slog.String("component", "catalog")),
		inflight:  make(map[string]bool),
	}
	if err := os.MkdirAll(c.processed, 0o755); err != nil {
		return nil, err
	}
	return c, nil
}

// List returns the ready streams, ordered by name. The result is cached
// until Invalidate (scans invalidate after each successful encode).
func (c *Catalog) List() ([]domain.StreamEntry, error) {
	c.mu.Lock()
	if c.cacheValid {
		cached := make([]domain.StreamEntry, len(c.cache))
		copy(cached, c.cache)
		c.mu.Unlock()
		return cached, nil
	}
	gen := c.cacheGen
	c.mu.Unlock()

	entries, err := c.scanProcessed()
	if err != nil {
		return nil, err
	}
	if c.afterScan != nil {
		c.afterScan()
	}

	// Publish only if no Invalidate landed while the scan ran; a stale
	// result would otherwise hide a stream that just finished encoding.
	c.mu.Lock()
	if c.cacheGen == gen {
		c.cache = entries
		c.cacheValid = true
	}
	c.mu.Unlock()

	out := make([]domain.StreamEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// Invalidate drops the stream list cache.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.cacheValid = false
	c.cacheGen++
	c.mu.Unlock()
}

func (c *Catalog) scanProcessed() ([]domain.StreamEntry, error) {
	dirents, err := os.ReadDir(c.processed)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []domain.StreamEntry
	for _, de := range dirents {
		if !de.IsDir() || !domain.ValidStreamName(de.Name()) {
			continue
		}
		playlist := filepath.Join(c.processed, de.Name(), masterPlaylist)
		if info, err := os.Stat(playlist); err != nil || info.IsDir() {
			continue
		}
		id, err := domain.NewStreamID(de.Name())
		if err != nil {
			continue
		}
		entries = append(entries, domain.StreamEntry{ID: id, PlaylistPath: playlist})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// ResolveFile maps a stream name plus a relative subpath to an absolute
// path confined to <root>/processed. Each subpath component must match
// [A-Za-z0-9_.-]+ with no ".."; the resolved path must stay under the
// processed directory.
func (c *Catalog) ResolveFile(streamName, subpath string) (string, error) {
	if !domain.ValidStreamName(streamName) {
		return "", domain.ErrInvalidStream
	}
	parts := strings.Split(subpath, "/")
	for _, part := range parts {
		if !validPathComponent(part) {
			return "", domain.ErrInvalidPath
		}
	}

	resolved := filepath.Join(append([]string{c.processed, streamName}, parts...)...)
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return "", domain.ErrInvalidPath
	}
	if abs != c.processed && !strings.HasPrefix(abs, c.processed+string(filepath.Separator)) {
		return "", domain.ErrForbidden
	}
	return abs, nil
}

func validPathComponent(part string) bool {
	if part == "" || part == ".." {
		return false
	}
	for i := 0; i < len(part); i++ {
		c := part[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-' || c == '.':
		default:
			return false
		}
	}
	return true
}

// ContentType maps HLS artifact extensions; anything unknown is served as
// an opaque octet stream.
func ContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}

// SanitizeOutputName derives the processed directory name from a source
// filename: extension stripped, every byte outside [A-Za-z0-9_-] replaced
// with an underscore.
func SanitizeOutputName(filename string) string {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	var b strings.Builder
	b.Grow(len(base))
	for i := 0; i < len(base); i++ {
		c := base[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ScanAndEncode walks the video root once and starts one encode per
// unprocessed source. The in-flight set guarantees at most one concurrent
// encode per output name; a rescan while a job runs is a no-op for it.
func (c *Catalog) ScanAndEncode(ctx context.Context) {
	dirents, err := os.ReadDir(c.root)
	if err != nil {
		c.logger.Warn("video root scan failed", slog.String("error", err.Error()))
		return
	}

	for _, de := range dirents {
		if de.IsDir() || !sourceExtensions[strings.ToLower(filepath.Ext(de.Name()))] {
			continue
		}
		name := SanitizeOutputName(de.Name())
		if name == "" {
			continue
		}
		outDir := filepath.Join(c.processed, name)
		if _, err := os.Stat(filepath.Join(outDir, masterPlaylist)); err == nil {
			continue
		}

		c.mu.Lock()
		if c.inflight[name] {
			c.mu.Unlock()
			continue
		}
		c.inflight[name] = true
		c.mu.Unlock()

		source := filepath.Join(c.root, de.Name())
		go c.encode(ctx, source, name, outDir)
	}
}

func (c *Catalog) encode(ctx context.Context, source, name, outDir string) {
	defer func() {
		c.mu.Lock()
		delete(c.inflight, name)
		c.mu.Unlock()
	}()

	c.logger.Info("encode starting", slog.String("source", source), slog.String("output", name))
	metrics.EncodeJobsTotal.Inc()
	metrics.EncodeJobsActive.Inc()
	start := time.Now()

	err := c.encoder.Encode(ctx, source, outDir)

	metrics.EncodeJobsActive.Dec()
	if err != nil {
		metrics.EncodeFailuresTotal.Inc()
		c.logger.Error("encode failed",
			slog.String("source", source),
			slog.String("error", err.Error()),
			slog.Int64("durationS", int64(time.Since(start).Seconds())),
		)
		return
	}

	metrics.EncodeDuration.Observe(time.Since(start).Seconds())
	c.Invalidate()
	c.logger.Info("encode finished",
		slog.String("output", name),
		slog.Int64("durationS", int64(time.Since(start).Seconds())),
	)
}

// RunScanner scans immediately, then on every period tick until ctx ends.
func (c *Catalog) RunScanner(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = time.Minute
	}
	c.ScanAndEncode(ctx)

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ScanAndEncode(ctx)
		}
	}
}

// Root returns the absolute video root directory.
func (c *Catalog) Root() string {
	return c.root
}
