// Package api serves the read-only ops surface: health, Prometheus
// metrics, and JSON views of sessions, tombstones and routers. All
// session data comes from engine snapshots; the API never holds live
// state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ossbng/bngd/internal/config"
	"github.com/ossbng/bngd/internal/engine"
	"github.com/ossbng/bngd/internal/routers"
)

const snapshotTimeout = 5 * time.Second

// SessionSource is the engine surface the API reads. Snapshots run on
// the engine loop, so every call carries a context.
type SessionSource interface {
	Sessions(ctx context.Context) ([]engine.SessionView, error)
	Session(ctx context.Context, id string) (*engine.SessionView, error)
	Tombstones(ctx context.Context) ([]engine.TombstoneView, error)
	Routers(ctx context.Context) ([]routers.State, error)
	QueueDepths() (eventDepth, commandDepth int)
}

// Server is the ops API server.
type Server struct {
	cfg        config.APIConfig
	source     SessionSource
	logger     *slog.Logger
	auth       *authMiddleware
	httpServer *http.Server
	startTime  time.Time
	bngID      string
	version    string
}

func NewServer(cfg config.APIConfig, bngID, version string, source SessionSource, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		source:    source,
		logger:    logger,
		auth:      newAuthMiddleware(cfg, logger),
		startTime: time.Now(),
		bngID:     bngID,
		version:   version,
	}
}

// Handler builds the route table. Split out from Start so tests can
// drive it with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/sessions", s.auth.require(s.handleSessions))
	mux.HandleFunc("GET /v1/sessions/{id}", s.auth.require(s.handleSessionByID))
	mux.HandleFunc("GET /v1/tombstones", s.auth.require(s.handleTombstones))
	mux.HandleFunc("GET /v1/routers", s.auth.require(s.handleRouters))
	return newMetricsMiddleware(mux)
}

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info("ops API listening", "addr", s.cfg.Listen)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server, letting in-flight requests finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func jsonError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{Error: code, Message: msg})
}
