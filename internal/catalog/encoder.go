package catalog

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// FFmpegEncoder shells out to ffmpeg to produce an adaptive-bitrate HLS
// rendition set with a top-level master.m3u8. The rendition ladder is
// derived from the source resolution: every preset at or below the source
// height is emitted, and the top rung uses CRF instead of a fixed bitrate.
type FFmpegEncoder struct {
	FFMPEGPath   string
	FFProbePath  string
	Preset       string
	CRF          int
	AudioBitrate string
	SegmentSecs  int
	Logger       *slog.Logger
}

// qualityVariant describes a single rung of the rendition ladder.
type qualityVariant struct {
	Height       int
	VideoBitrate string // empty means CRF (highest rung)
	MaxRate      string
	BufSize      string
}

var qualityPresets = []qualityVariant{
	{Height: 480, VideoBitrate: "1500k", MaxRate: "2000k", BufSize: "3000k"},
	{Height: 720, VideoBitrate: "3000k", MaxRate: "4000k", BufSize: "6000k"},
	{Height: 1080, VideoBitrate: "6000k", MaxRate: "7500k", BufSize: "12000k"},
}

// computeVariants picks the ladder for a source height. A zero or unknown
// height yields a single CRF rung at source resolution.
func computeVariants(sourceHeight int) []qualityVariant {
	var variants []qualityVariant
	for _, preset := range qualityPresets {
		if sourceHeight >= preset.Height {
			variants = append(variants, preset)
		}
	}
	if len(variants) == 0 {
		return []qualityVariant{{Height: sourceHeight}}
	}
	variants[len(variants)-1].VideoBitrate = ""
	return variants
}

func (e *FFmpegEncoder) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *FFmpegEncoder) ffmpeg() string {
	if e.FFMPEGPath != "" {
		return e.FFMPEGPath
	}
	return "ffmpeg"
}

func (e *FFmpegEncoder) ffprobe() string {
	if e.FFProbePath != "" {
		return e.FFProbePath
	}
	return "ffprobe"
}

func (e *FFmpegEncoder) segmentSecs() int {
	if e.SegmentSecs > 0 {
		return e.SegmentSecs
	}
	return 4
}

// Encode transcodes source into outputDir. On any failure the partially
// written directory is removed so the next scan can retry.
func (e *FFmpegEncoder) Encode(ctx context.Context, sourcePath, outputDir string) error {
	_, height := e.videoResolution(sourcePath)
	variants := computeVariants(height)

	for i := range variants {
		if err := os.MkdirAll(filepath.Join(outputDir, fmt.Sprintf("v%d", i)), 0o755); err != nil {
			return err
		}
	}

	args := e.buildArgs(sourcePath, variants)
	e.logger().Info("ffmpeg starting",
		slog.String("source", sourcePath),
		slog.String("dir", outputDir),
		slog.Int("variants", len(variants)),
		slog.Int("sourceHeight", height),
	)

	cmd := exec.CommandContext(ctx, e.ffmpeg(), args...)
	cmd.Dir = outputDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		_ = os.RemoveAll(outputDir)
		if msg := tail(stderr.String(), 500); msg != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, msg)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}

	// The encode only counts if the master playlist actually landed.
	if _, err := os.Stat(filepath.Join(outputDir, masterPlaylist)); err != nil {
		_ = os.RemoveAll(outputDir)
		return fmt.Errorf("ffmpeg finished without producing %s", masterPlaylist)
	}
	return nil
}

func (e *FFmpegEncoder) buildArgs(sourcePath string, variants []qualityVariant) []string {
	segDur := strconv.Itoa(e.segmentSecs())

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-fflags", "+genpts+discardcorrupt",
		"-err_detect", "ignore_err",
		"-avoid_negative_ts", "make_zero",
		"-i", sourcePath,
		"-filter_complex", buildVariantFilter(variants),
	}

	for i := range variants {
		args = append(args,
			"-map", fmt.Sprintf("[out%d]", i),
			"-map", "0:a:0?",
		)
	}

	args = append(args,
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-preset", e.Preset,
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%s)", segDur),
	)

	for i, v := range variants {
		if v.VideoBitrate != "" {
			args = append(args,
				fmt.Sprintf("-b:v:%d", i), v.VideoBitrate,
				fmt.Sprintf("-maxrate:v:%d", i), v.MaxRate,
				fmt.Sprintf("-bufsize:v:%d", i), v.BufSize,
			)
		} else {
			args = append(args, fmt.Sprintf("-crf:v:%d", i), strconv.Itoa(e.CRF))
			if v.MaxRate != "" {
				args = append(args,
					fmt.Sprintf("-maxrate:v:%d", i), v.MaxRate,
					fmt.Sprintf("-bufsize:v:%d", i), v.BufSize,
				)
			}
		}
	}

	args = append(args, "-c:a", "aac", "-b:a", e.AudioBitrate, "-ac", "2")

	streamParts := make([]string, len(variants))
	for i := range variants {
		streamParts[i] = fmt.Sprintf("v:%d,a:%d", i, i)
	}
	args = append(args,
		"-f", "hls",
		"-hls_time", segDur,
		"-hls_list_size", "0",
		"-hls_playlist_type", "vod",
		"-hls_flags", "independent_segments",
		"-master_pl_name", masterPlaylist,
		"-hls_segment_filename", "v%v/seg-%05d.ts",
		"-var_stream_map", strings.Join(streamParts, " "),
		"v%v/index.m3u8",
	)
	return args
}

// buildVariantFilter splits the input video once and scales every rung
// except the last, which passes through at source resolution.
func buildVariantFilter(variants []qualityVariant) string {
	n := len(variants)
	var b strings.Builder

	b.WriteString("[0:v:0]")
	b.WriteString(fmt.Sprintf("split=%d", n))
	for i := 0; i < n; i++ {
		b.WriteString(fmt.Sprintf("[v%d]", i))
	}
	for i := 0; i < n; i++ {
		b.WriteString("; ")
		if i < n-1 {
			b.WriteString(fmt.Sprintf("[v%d]scale=-2:%d[out%d]", i, variants[i].Height, i))
		} else {
			b.WriteString(fmt.Sprintf("[v%d]null[out%d]", i, i))
		}
	}
	return b.String()
}

// videoResolution probes width and height of the first video stream.
// Returns zeros if ffprobe fails; the ladder then degrades to one rung.
func (e *FFmpegEncoder) videoResolution(filePath string) (int, int) {
	out, err := exec.Command(
		e.ffprobe(),
		"-v", "quiet",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=p=0",
		filePath,
	).Output()
	if err != nil {
		return 0, 0
	}
	line := strings.TrimSpace(string(out))
	parts := strings.SplitN(line, ",", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0
	}
	return w, h
}

func tail(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}
