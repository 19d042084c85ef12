// Package api exposes the control facade over HTTP for the web front-end
// and CLI, which live outside this process.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"thsrsniper/internal/domain"
	"thsrsniper/internal/service"
	"thsrsniper/internal/store"
)

// Health reports process liveness for the health endpoint.
type Health interface {
	Healthy() bool
}

type Server struct {
	svc    *service.Service
	health Health
	log    zerolog.Logger
}

func NewServer(svc *service.Service, health Health, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	s := &Server{svc: svc, health: health, log: log}

	r.Get("/health", s.healthz)
	r.Get("/api/status", s.status)
	r.Post("/api/tasks", s.scheduleTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Post("/api/tasks/{id}/cancel", s.cancelTask)
	r.Delete("/api/tasks/{id}", s.removeTask)

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil && !s.health.Healthy() {
		http.Error(w, "scheduler unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Status(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type scheduleResp struct {
	ID string `json:"id"`
}

func (s *Server) scheduleTask(w http.ResponseWriter, r *http.Request) {
	var req service.ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.svc.Schedule(r.Context(), req)
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			http.Error(w, verr.Error(), http.StatusBadRequest)
			return
		}
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleResp{ID: id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	var f store.Filter
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := domain.ParseStatus(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Status = &st
	}
	f.Owner = r.URL.Query().Get("owner")

	views, err := s.svc.List(r.Context(), f)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total": len(views),
		"tasks": views,
	})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.svc.Cancel(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancel_requested": true})
	case errors.Is(err, service.ErrAlreadyTerminal):
		// Idempotent: cancelling a finished task is an ack, not a failure.
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "already_terminal": true})
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		s.serverError(w, r, err)
	}
}

func (s *Server) removeTask(w http.ResponseWriter, r *http.Request) {
	err := s.svc.Remove(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, service.ErrNotTerminal):
		http.Error(w, "task is still active; cancel it first", http.StatusConflict)
	default:
		s.serverError(w, r, err)
	}
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
