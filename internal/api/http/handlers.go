package apihttp

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"syncstream/internal/catalog"
)

type validateSessionRequest struct {
	Token string `json:"token"`
}

type validateSessionResponse struct {
	Valid bool   `json:"valid"`
	Role  string `json:"role,omitempty"`
	Name  string `json:"name,omitempty"`
	Error string `json:"error,omitempty"`
}

// handleValidateSession is a pure AuthStore passthrough used by the web
// UI to decide whether a stored token is still worth presenting.
func (s *Server) handleValidateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}

	var req validateSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		writeJSON(w, http.StatusBadRequest, validateSessionResponse{Valid: false, Error: "token required"})
		return
	}

	session, err := s.auth.ValidateSession(req.Token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, validateSessionResponse{Valid: false, Error: "invalid or expired session"})
		return
	}
	writeJSON(w, http.StatusOK, validateSessionResponse{
		Valid: true,
		Role:  string(session.Role),
		Name:  session.Name,
	})
}

// handleVideo serves HLS artifacts: /video/<streamName>/<subpath...>.
// Whole files, no ranges; HLS clients fetch complete segments.
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/video/")
	streamName, subpath, ok := strings.Cut(rest, "/")
	if !ok || subpath == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing stream path")
		return
	}

	path, err := s.catalog.ResolveFile(streamName, subpath)
	if err != nil {
		s.logger.Warn("video path rejected",
			slog.String("stream", streamName),
			slog.String("subpath", subpath),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "not_found", "no such file")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "file open failed")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "not_found", "no such file")
		return
	}

	w.Header().Set("Content-Type", catalog.ContentType(path))
	w.Header().Set("Cache-Control", "no-cache")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Warn("video stream aborted", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
		"clients":       s.core.ClientCount(),
	})
}

// handleHistory returns the most recent operator transitions when the
// history store is configured.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotFound, "not_found", "history not enabled")
		return
	}
	events, err := s.history.ListRecent(r.Context(), 50)
	if err != nil {
		s.logger.Warn("history list failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}
