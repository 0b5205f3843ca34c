package api

import (
	"context"
	"net/http"
	"time"
)

type healthResponse struct {
	Status        string  `json:"status"`
	BNGID         string  `json:"bng_id"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	EventDepth    int     `json:"event_queue_depth"`
	CommandDepth  int     `json:"command_queue_depth"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ev, cmd := s.source.QueueDepths()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		BNGID:         s.bngID,
		Version:       s.version,
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		EventDepth:    ev,
		CommandDepth:  cmd,
	})
}

func (s *Server) snapshotCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), snapshotTimeout)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.snapshotCtx(r)
	defer cancel()
	sessions, err := s.source.Sessions(ctx)
	if err != nil {
		jsonError(w, http.StatusServiceUnavailable, "engine_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.snapshotCtx(r)
	defer cancel()
	v, err := s.source.Session(ctx, r.PathValue("id"))
	if err != nil {
		jsonError(w, http.StatusServiceUnavailable, "engine_unavailable", err.Error())
		return
	}
	if v == nil {
		jsonError(w, http.StatusNotFound, "not_found", "no such session")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleTombstones(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.snapshotCtx(r)
	defer cancel()
	tombstones, err := s.source.Tombstones(ctx)
	if err != nil {
		jsonError(w, http.StatusServiceUnavailable, "engine_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":      len(tombstones),
		"tombstones": tombstones,
	})
}

func (s *Server) handleRouters(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.snapshotCtx(r)
	defer cancel()
	rs, err := s.source.Routers(ctx)
	if err != nil {
		jsonError(w, http.StatusServiceUnavailable, "engine_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(rs),
		"routers": rs,
	})
}
