// Package server exposes the monitor to the front end over HTTP, WebSocket and gRPC health.
package server

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/GriffinCanCode/deltashot/internal/archive"
	"github.com/GriffinCanCode/deltashot/internal/config"
	apperrors "github.com/GriffinCanCode/deltashot/internal/errors"
	"github.com/GriffinCanCode/deltashot/internal/journal"
	"github.com/GriffinCanCode/deltashot/internal/monitor"
	"github.com/GriffinCanCode/deltashot/internal/screen"
	"github.com/GriffinCanCode/deltashot/internal/trace"
)

// Controller is the monitor surface the front end drives.
type Controller interface {
	Start() error
	Stop()
	Status() monitor.Status
	SetRegion(r screen.Region) error
	SetDestination(dir string) error
	Settings() config.Settings
}

// Journal supplies recent events and the live event stream.
type Journal interface {
	Recent(n int) []journal.Event
	Events() <-chan journal.Event
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	ctrl    Controller
	journal Journal
	index   archive.Index // nil when the archive index is disabled
	metrics http.Handler
	persist func(config.Settings) error
	mu      sync.RWMutex
	clients map[*client]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithIndex serves archive records from idx.
func WithIndex(idx archive.Index) Option { return func(s *Server) { s.index = idx } }

// WithMetrics mounts a metrics handler at /metrics.
func WithMetrics(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

// WithSettingsStore persists settings after each successful change.
func WithSettingsStore(fn func(config.Settings) error) Option {
	return func(s *Server) { s.persist = fn }
}

// New creates a server.
func New(ctrl Controller, j Journal, opts ...Option) *Server {
	s := &Server{
		ctrl:    ctrl,
		journal: j,
		persist: func(config.Settings) error { return nil },
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/monitor/start", s.handleStart)
	mux.HandleFunc("POST /api/monitor/stop", s.handleStop)
	mux.HandleFunc("PUT /api/region", s.handleRegion)
	mux.HandleFunc("PUT /api/destination", s.handleDestination)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/archive", s.handleArchive)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.Wrap(err, apperrors.Internal, "internal error")
	}
	status := appErr.HTTPStatus()
	log := trace.Logger(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "path", r.URL.Path, "error", err)
	} else {
		log.Debug("request rejected", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: appErr.Message, Code: string(appErr.Code), Reason: appErr.Reason()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Start(); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "monitoring_started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "monitoring_stopped"})
}

func (s *Server) handleRegion(w http.ResponseWriter, r *http.Request) {
	var region screen.Region
	if err := json.NewDecoder(r.Body).Decode(&region); err != nil {
		writeError(w, r, apperrors.Wrap(err, apperrors.InvalidArgument, "invalid region body"))
		return
	}
	if err := s.ctrl.SetRegion(region); err != nil {
		writeError(w, r, err)
		return
	}
	s.saveSettings(r)
	writeJSON(w, http.StatusOK, s.ctrl.Settings())
}

func (s *Server) handleDestination(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, apperrors.Wrap(err, apperrors.InvalidArgument, "invalid destination body"))
		return
	}
	if body.Path != "" {
		info, err := os.Stat(body.Path)
		if err != nil || !info.IsDir() {
			writeError(w, r, apperrors.Newf(apperrors.InvalidArgument, "%s is not a directory", body.Path))
			return
		}
	}
	if err := s.ctrl.SetDestination(body.Path); err != nil {
		writeError(w, r, err)
		return
	}
	s.saveSettings(r)
	writeJSON(w, http.StatusOK, s.ctrl.Settings())
}

// saveSettings persists the current settings; failure is logged, not returned,
// since the monitor already holds the new values.
func (s *Server) saveSettings(r *http.Request) {
	if err := s.persist(s.ctrl.Settings()); err != nil {
		trace.Logger(r.Context()).Warn("failed to persist settings", "error", err)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": s.journal.Recent(limit)})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	recs := []archive.Record{}
	if s.index != nil {
		recs, err = s.index.List(limit)
		if err != nil {
			writeError(w, r, apperrors.Wrap(err, apperrors.Internal, "failed to read archive index"))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return DefaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, apperrors.Newf(apperrors.InvalidArgument, "invalid limit %q", v)
	}
	return min(n, MaxListLimit), nil
}
