// Package api provides the HTTP handlers of the sync server.
//
// # Endpoints
//
// Device API:
//   - POST /sync - Report logs/results/acks and fetch due actions
//   - GET  /ws - Upgrade to a WebSocket carrying sync messages and pushes
//
// Controller API (admin guarded):
//   - POST /queue - Queue an action for a device
//   - GET  /result - Fetch (and optionally pop or wait for) an action result
//   - GET  /status - Snapshot of every known device plus server health
//   - GET  /logs - Recent diagnostic log lines of a device
//
// Health:
//   - GET /health - Liveness check
//
// Every error body is {"ok": false, "error": "<code>"}.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pilot-net/actionsync/control-plane/internal/bridge"
	"github.com/pilot-net/actionsync/control-plane/internal/metrics"
	"github.com/pilot-net/actionsync/control-plane/internal/wsframe"
	"github.com/pilot-net/actionsync/pkg/types"
)

// DefaultMaxBodyBytes caps request bodies when no limit is configured.
const DefaultMaxBodyBytes = 4 << 20

// MaxResultWait caps the wait parameter of GET /result.
const MaxResultWait = 60 * time.Second

// Config holds the HTTP-level settings of the server.
type Config struct {
	// MaxBodyBytes caps JSON request bodies.
	MaxBodyBytes int64

	// Admin guard settings; see AdminGuard.
	AdminToken       string
	AdminTokenHash   string
	AllowRemoteQueue bool
}

// Server is the HTTP API server.
type Server struct {
	bridge  *bridge.Bridge
	health  *metrics.Collector // may be nil
	guard   *AdminGuard
	maxBody int64
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewServer creates a new API server.
func NewServer(b *bridge.Bridge, health *metrics.Collector, cfg Config, logger *slog.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	logger = logger.With("component", "api")
	s := &Server{
		bridge: b,
		health: health,
		guard: &AdminGuard{
			Token:       cfg.AdminToken,
			TokenHash:   cfg.AdminTokenHash,
			AllowRemote: cfg.AllowRemoteQueue,
			Logger:      logger,
		},
		maxBody: cfg.MaxBodyBytes,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// "/sync/" and "/sync" are the same endpoint.
	if p := r.URL.Path; len(p) > 1 && strings.HasSuffix(p, "/") {
		r2 := r.Clone(r.Context())
		r2.URL.Path = strings.TrimRight(p, "/")
		if r2.URL.Path == "" {
			r2.URL.Path = "/"
		}
		r = r2
	}

	// Log request
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"remote_addr", clientIP(r),
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	admin := s.guard.Middleware

	// Health
	s.mux.HandleFunc("GET /health", s.handleHealth)

	// Device transports
	s.mux.HandleFunc("POST /sync", s.handleSync)
	s.mux.HandleFunc("GET /ws", s.handleWS)

	// Controller API. /queue checks the guard itself since the token may
	// travel in the body.
	s.mux.HandleFunc("POST /queue", s.handleQueue)
	s.mux.Handle("GET /result", admin(http.HandlerFunc(s.handleResult)))
	s.mux.Handle("GET /status", admin(http.HandlerFunc(s.handleStatus)))
	s.mux.Handle("GET /logs", admin(http.HandlerFunc(s.handleLogs)))

	// Everything else
	s.mux.HandleFunc("/", s.handleNotFound)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.HealthResponse{OK: true, TS: time.Now().UnixMilli()})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not_found")
}

// =============================================================================
// DEVICE ENDPOINTS
// =============================================================================

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.readJSON(w, r)
	if !ok {
		return
	}

	resp, err := s.bridge.HandleSync(payload, clientIP(r))
	if err != nil {
		var syncErr *bridge.SyncError
		if errors.As(err, &syncErr) {
			writeError(w, syncErr.Status, syncErr.Code)
			return
		}
		s.logger.Error("sync failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !wsframe.IsUpgradeRequest(r) {
		writeError(w, http.StatusBadRequest, "upgrade_required")
		return
	}
	conn, err := wsframe.Upgrade(w, r)
	if err != nil {
		if !errors.Is(err, wsframe.ErrMissingKey) {
			s.logger.Warn("ws upgrade failed", "remote_addr", clientIP(r), "error", err)
		}
		return
	}
	// The handler goroutine owns the connection until it closes.
	s.bridge.ServeConn(conn, clientIP(r))
}

// =============================================================================
// CONTROLLER ENDPOINTS
// =============================================================================

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req types.QueueRequest
	if err := json.Unmarshal(data, &req); err != nil {
		if errors.Is(err, types.ErrInvalidSeconds) {
			writeError(w, http.StatusBadRequest, "invalid_ttl")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if !s.guard.Allowed(r, req.Token) {
		s.guard.reject(w, r)
		return
	}

	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		deviceID = bridge.LastDevice
	}
	actionID, resolved, err := s.bridge.QueueAction(deviceID, req.Action, req.Payload, req.TTL.Duration())
	switch {
	case errors.Is(err, bridge.ErrMissingAction):
		writeError(w, http.StatusBadRequest, "missing_action")
		return
	case errors.Is(err, bridge.ErrNoDevice):
		writeError(w, http.StatusNotFound, "device_not_found")
		return
	case err != nil:
		s.logger.Error("queue failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, types.QueueResponse{OK: true, ActionID: actionID, DeviceID: resolved})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID := strings.TrimSpace(q.Get("device_id"))
	actionID := strings.TrimSpace(q.Get("action_id"))
	if deviceID == "" || actionID == "" {
		writeError(w, http.StatusBadRequest, "missing_params")
		return
	}
	pop := parseFlag(q.Get("pop"))

	var (
		entry types.ResultEntry
		found bool
		err   error
	)
	if raw := q.Get("wait"); raw != "" {
		wait, perr := parseSeconds(raw)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid_wait")
			return
		}
		entry, err = s.bridge.WaitResult(r.Context(), deviceID, actionID, min(wait, MaxResultWait), pop)
		found = err == nil
		if errors.Is(err, bridge.ErrResultTimeout) {
			err = nil
		}
	} else {
		entry, found, err = s.bridge.GetResult(deviceID, actionID, pop)
	}

	switch {
	case errors.Is(err, bridge.ErrNoDevice):
		writeError(w, http.StatusNotFound, "not_found")
	case err != nil:
		// The controller went away while waiting.
		s.logger.Debug("result wait aborted", "device_id", deviceID, "action_id", actionID, "error", err)
	case !found:
		writeError(w, http.StatusNotFound, "not_found")
	default:
		writeJSON(w, http.StatusOK, types.ResultResponse{OK: true, Result: entry})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.bridge.Status()
	if s.health != nil {
		health := s.health.ServerHealth()
		status.Server = &health
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID := strings.TrimSpace(q.Get("device_id"))
	if deviceID == "" {
		deviceID = bridge.LastDevice
	}
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = n
	}

	resolved, logs, err := s.bridge.Logs(deviceID, limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_device_id")
		return
	}
	writeJSON(w, http.StatusOK, types.LogsResponse{OK: true, DeviceID: resolved, Logs: logs})
}

// =============================================================================
// HELPERS
// =============================================================================

// readBody reads a capped request body. Oversized bodies are rejected with
// 413 before anything is read when Content-Length announces them, and
// mid-stream otherwise. Empty bodies are invalid JSON.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.ContentLength > s.maxBody {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
		return nil, false
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "read_failed")
		return nil, false
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return nil, false
	}
	return data, true
}

// readJSON decodes a capped request body into a generic JSON value.
func (s *Server) readJSON(w http.ResponseWriter, r *http.Request) (any, bool) {
	data, ok := s.readBody(w, r)
	if !ok {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return nil, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, types.ErrorResponse{OK: false, Error: code})
}

// clientIP returns the host part of the request's remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// parseFlag accepts 1, true and yes.
func parseFlag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// parseSeconds parses a non-negative number of seconds.
func parseSeconds(v string) (time.Duration, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, errors.New("negative duration")
	}
	return time.Duration(f * float64(time.Second)), nil
}
