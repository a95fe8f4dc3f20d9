package app

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrMissingCredentials aborts startup: without both role passwords the
// server would be wide open.
var ErrMissingCredentials = errors.New("OPERATOR_PASSWORD and VIEWER_PASSWORD must be set")

type Config struct {
	HTTPAddr         string
	OperatorPassword string
	ViewerPassword   string

	LogLevel           string
	LogFormat          string
	LogSummaryInterval time.Duration

	SessionTTL           time.Duration
	SessionSweepInterval time.Duration

	VideoRoot    string
	ScanInterval time.Duration
	StaticDir    string

	FFMPEGPath      string
	FFProbePath     string
	HLSPreset       string
	HLSCRF          int
	HLSAudioBitrate string
	HLSSegmentSecs  int

	SyncIntervalMin  time.Duration
	SyncIntervalMax  time.Duration
	SyncIntervalStep time.Duration
	DriftLow         float64
	DriftHigh        float64
	BehindThreshold  float64

	RateMin           float64
	RateMax           float64
	RateStep          float64
	RateTick          time.Duration
	BroadcastInterval time.Duration

	AuthTimeout        time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatMaxMissed int

	MongoURI      string
	MongoDatabase string

	CORSAllowedOrigins []string
}

// LoadConfig reads all settings from the environment. The only fatal
// condition is a missing role credential.
func LoadConfig() (Config, error) {
	cfg := Config{
		HTTPAddr:         getEnv("HTTP_ADDR", ":4000"),
		OperatorPassword: os.Getenv("OPERATOR_PASSWORD"),
		ViewerPassword:   os.Getenv("VIEWER_PASSWORD"),

		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "text")),
		LogSummaryInterval: getEnvMillis("LOG_SUMMARY_INTERVAL_MS", 60_000),

		SessionTTL:           getEnvMillis("SESSION_TTL_MS", 604_800_000),
		SessionSweepInterval: getEnvMillis("SESSION_SWEEP_INTERVAL_MS", 3_600_000),

		VideoRoot:    getEnv("VIDEO_ROOT", "videos"),
		ScanInterval: getEnvMillis("SCAN_INTERVAL_MS", 60_000),
		StaticDir:    getEnv("STATIC_DIR", "web"),

		FFMPEGPath:      getEnv("FFMPEG_PATH", "ffmpeg"),
		FFProbePath:     getEnv("FFPROBE_PATH", "ffprobe"),
		HLSPreset:       getEnv("HLS_PRESET", "veryfast"),
		HLSCRF:          int(getEnvInt64("HLS_CRF", 23)),
		HLSAudioBitrate: getEnv("HLS_AUDIO_BITRATE", "128k"),
		HLSSegmentSecs:  int(getEnvInt64("HLS_SEGMENT_DURATION", 4)),

		SyncIntervalMin:  getEnvMillis("SYNC_INTERVAL_MIN_MS", 1_000),
		SyncIntervalMax:  getEnvMillis("SYNC_INTERVAL_MAX_MS", 1_000),
		SyncIntervalStep: getEnvMillis("SYNC_INTERVAL_STEP_MS", 250),
		DriftLow:         getEnvFloat("DRIFT_LOW_SECONDS", 0.5),
		DriftHigh:        getEnvFloat("DRIFT_HIGH_SECONDS", 1.5),
		BehindThreshold:  getEnvFloat("BEHIND_THRESHOLD_SECONDS", -1.0),

		RateMin:           getEnvFloat("RATE_MIN", 0.9),
		RateMax:           getEnvFloat("RATE_MAX", 1.0),
		RateStep:          getEnvFloat("RATE_STEP", 0.01),
		RateTick:          getEnvMillis("RATE_TICK_MS", 1_000),
		BroadcastInterval: getEnvMillis("BROADCAST_INTERVAL_MS", 5_000),

		AuthTimeout:        getEnvMillis("AUTH_TIMEOUT_MS", 5_000),
		HeartbeatInterval:  getEnvMillis("HEARTBEAT_INTERVAL_MS", 10_000),
		HeartbeatMaxMissed: int(getEnvInt64("HEARTBEAT_MAX_MISSED", 2)),

		MongoURI:      getEnv("MONGO_URI", ""),
		MongoDatabase: getEnv("MONGO_DB", "syncstream"),

		CORSAllowedOrigins: splitCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}

	if cfg.OperatorPassword == "" || cfg.ViewerPassword == "" {
		return Config{}, ErrMissingCredentials
	}
	if cfg.SyncIntervalMin > cfg.SyncIntervalMax {
		cfg.SyncIntervalMax = cfg.SyncIntervalMin
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvMillis(key string, fallback int64) time.Duration {
	return time.Duration(getEnvInt64(key, fallback)) * time.Millisecond
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
