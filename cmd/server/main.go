package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	apihttp "syncstream/internal/api/http"
	"syncstream/internal/app"
	"syncstream/internal/auth"
	"syncstream/internal/catalog"
	"syncstream/internal/metrics"
	mongorepo "syncstream/internal/repository/mongo"
	"syncstream/internal/state"
	"syncstream/internal/telemetry"
)

func main() {
	// Optional .env next to the binary; real env always wins.
	_ = godotenv.Load()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Error("configuration invalid", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "syncstream")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "syncstream"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("videoRoot", cfg.VideoRoot),
		slog.String("staticDir", cfg.StaticDir),
		slog.Bool("historyEnabled", cfg.MongoURI != ""),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Playback history is optional: without a Mongo URI the coordinator
	// runs fully in memory.
	var history apihttp.HistoryStore
	var disconnectMongo func()
	if cfg.MongoURI != "" {
		ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
		mongoClient, err := mongorepo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
		if err == nil {
			err = mongoClient.Ping(ctx, readpref.Primary())
		}
		cancel()
		if err != nil {
			logger.Error("mongo connect failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		repo := mongorepo.NewHistoryRepository(mongoClient, cfg.MongoDatabase)
		if err := repo.EnsureIndexes(rootCtx); err != nil {
			logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
		}
		history = repo
		disconnectMongo = func() {
			if err := mongoClient.Disconnect(context.Background()); err != nil {
				logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
			}
		}
	}

	authStore := auth.NewStore(cfg.OperatorPassword, cfg.ViewerPassword, cfg.SessionTTL, logger)
	go authStore.RunSweeper(rootCtx, cfg.SessionSweepInterval)

	encoder := &catalog.FFmpegEncoder{
		FFMPEGPath:   cfg.FFMPEGPath,
		FFProbePath:  cfg.FFProbePath,
		Preset:       cfg.HLSPreset,
		CRF:          cfg.HLSCRF,
		AudioBitrate: cfg.HLSAudioBitrate,
		SegmentSecs:  cfg.HLSSegmentSecs,
		Logger:       logger,
	}
	cat, err := catalog.New(cfg.VideoRoot, encoder, logger)
	if err != nil {
		logger.Error("catalog init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	go cat.RunScanner(rootCtx, cfg.ScanInterval)

	core := state.New(state.Tunables{
		SyncIntervalMin:   cfg.SyncIntervalMin,
		SyncIntervalMax:   cfg.SyncIntervalMax,
		SyncIntervalStep:  cfg.SyncIntervalStep,
		DriftLow:          cfg.DriftLow,
		DriftHigh:         cfg.DriftHigh,
		BehindThreshold:   cfg.BehindThreshold,
		RateMin:           cfg.RateMin,
		RateMax:           cfg.RateMax,
		RateStep:          cfg.RateStep,
		RateTick:          cfg.RateTick,
		BroadcastInterval: cfg.BroadcastInterval,
	}, logger)

	serverOpts := []apihttp.ServerOption{
		apihttp.WithLogger(logger),
		apihttp.WithStaticDir(cfg.StaticDir),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
		apihttp.WithAuthTimeout(cfg.AuthTimeout),
		apihttp.WithHeartbeat(cfg.HeartbeatInterval, cfg.HeartbeatMaxMissed),
		apihttp.WithLogSummaryInterval(cfg.LogSummaryInterval),
	}
	if history != nil {
		serverOpts = append(serverOpts, apihttp.WithHistory(history))
	}
	handler := apihttp.NewServer(core, authStore, cat, serverOpts...)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	core.Shutdown()
	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	if disconnectMongo != nil {
		disconnectMongo()
	}

	logger.Info("server stopped")
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
