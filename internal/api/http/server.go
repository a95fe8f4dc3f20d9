// Package apihttp is the process's entire network surface: static UI,
// session validation, HLS artifact serving, health, metrics and the
// WebSocket sync endpoint.
package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"syncstream/internal/auth"
	"syncstream/internal/catalog"
	"syncstream/internal/domain"
	"syncstream/internal/state"
)

// HistoryStore records operator transitions when playback history is
// enabled. May be nil.
type HistoryStore interface {
	Record(ctx context.Context, ev domain.PlaybackEvent) error
	ListRecent(ctx context.Context, limit int) ([]domain.PlaybackEvent, error)
}

type Server struct {
	core    *state.Core
	auth    *auth.Store
	catalog *catalog.Catalog
	history HistoryStore
	logger  *slog.Logger

	staticDir       string
	allowedOrigins  []string
	summaryInterval time.Duration
	hubAuthTimeout  time.Duration
	hubHeartbeat    time.Duration
	hubHeartbeatMax int

	hub     *wsHub
	handler http.Handler
	started time.Time

	loopCtx    context.Context
	loopCancel context.CancelFunc
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

func WithHistory(store HistoryStore) ServerOption {
	return func(s *Server) { s.history = store }
}

func WithStaticDir(dir string) ServerOption {
	return func(s *Server) { s.staticDir = strings.TrimSpace(dir) }
}

// WithAllowedOrigins configures the CORS whitelist. Empty means any
// origin is permitted (development mode).
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.allowedOrigins = origins }
}

func WithAuthTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.hubAuthTimeout = d
		}
	}
}

func WithHeartbeat(interval time.Duration, maxMissed int) ServerOption {
	return func(s *Server) {
		if interval > 0 {
			s.hubHeartbeat = interval
		}
		if maxMissed > 0 {
			s.hubHeartbeatMax = maxMissed
		}
	}
}

func WithLogSummaryInterval(d time.Duration) ServerOption {
	return func(s *Server) { s.summaryInterval = d }
}

func NewServer(core *state.Core, authStore *auth.Store, cat *catalog.Catalog, opts ...ServerOption) *Server {
	s := &Server{
		core:            core,
		auth:            authStore,
		catalog:         cat,
		summaryInterval: time.Minute,
		started:         time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.hub = newWSHub(core, authStore, cat, s.logger)
	s.hub.history = s.history
	if s.hubAuthTimeout > 0 {
		s.hub.authTimeout = s.hubAuthTimeout
	}
	if s.hubHeartbeat > 0 {
		s.hub.heartbeat = s.hubHeartbeat
	}
	if s.hubHeartbeatMax > 0 {
		s.hub.heartbeatMax = s.hubHeartbeatMax
	}
	core.SetNotifier(s.hub)

	s.loopCtx, s.loopCancel = context.WithCancel(context.Background())
	go s.hub.runHeartbeat(s.loopCtx)
	go s.hub.runSummary(s.loopCtx, s.summaryInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/validate-session", s.handleValidateSession)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/video/", s.handleVideo)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)
	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "syncstream",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/healthz" && !strings.HasPrefix(p, "/video/")
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(100, 200, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close disconnects every sync client with a going-away close frame and
// stops the hub's background loops.
func (s *Server) Close() {
	s.loopCancel()
	s.hub.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &wsConn{
		hub:        s.hub,
		conn:       conn,
		send:       make(chan []byte, 256),
		remoteAddr: clientIP(r),
	}
	s.hub.attach(c)
	go c.writePump()
	go c.readPump()
}

// recordHistory persists an operator transition off the message path.
func (h *wsHub) recordHistory(action domain.PlaybackAction, snap domain.Snapshot, actor string) {
	if h.history == nil {
		return
	}
	ev := domain.PlaybackEvent{
		Action:   action,
		Video:    snap.Video,
		Position: snap.TargetTime,
		Actor:    actor,
		At:       time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.history.Record(ctx, ev); err != nil {
			h.logger.Warn("history record failed", slog.String("error", err.Error()))
		}
	}()
}

func newClientID() domain.ClientID {
	return domain.ClientID(uuid.NewString())
}
