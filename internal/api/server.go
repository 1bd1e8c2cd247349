// Package api exposes the operational HTTP surface: intent intake, manual
// scheduling passes, pod stats/cancel, and the queue status contract.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"podamp/internal/domain"
	"podamp/internal/health"
	"podamp/internal/scheduler"
	"podamp/internal/store"
)

// PoolControl is the worker-pool lifecycle surface the API drives.
type PoolControl interface {
	Pause()
	Resume()
}

type Server struct {
	store    store.ActivityStore
	sched    *scheduler.Scheduler
	reporter *health.Reporter
	pool     PoolControl
}

// NewServer assembles the router.
func NewServer(st store.ActivityStore, sched *scheduler.Scheduler, reporter *health.Reporter, pool PoolControl) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{store: st, sched: sched, reporter: reporter, pool: pool}

	r.Get("/health", s.health)
	r.Get("/status", s.status)
	r.Post("/api/intents", s.createIntent)
	r.Get("/api/intents/{id}", s.getIntent)
	r.Post("/api/posts/{id}/schedule", s.schedulePost)
	r.Get("/api/pods/{id}/stats", s.podStats)
	r.Post("/api/pods/{id}/cancel", s.cancelPod)
	r.Post("/api/workers/pause", s.pauseWorkers)
	r.Post("/api/workers/resume", s.resumeWorkers)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reporter.Snapshot(r.Context()))
}

type createIntentReq struct {
	PodID    string            `json:"pod_id"`
	PostID   string            `json:"post_id"`
	MemberID string            `json:"member_id"`
	Kind     domain.ActionKind `json:"kind"`
}

func (s *Server) createIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.PodID == "" || req.PostID == "" || req.MemberID == "" {
		http.Error(w, "pod_id, post_id and member_id are required", 400)
		return
	}
	if !req.Kind.Valid() {
		http.Error(w, "kind must be like, comment or repost", 400)
		return
	}
	id, err := s.store.CreateIntent(r.Context(), domain.Intent{
		PodID:    req.PodID,
		PostID:   req.PostID,
		MemberID: req.MemberID,
		Kind:     req.Kind,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) getIntent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	it, err := s.store.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	resp := map[string]any{
		"id":        it.ID,
		"pod_id":    it.PodID,
		"post_id":   it.PostID,
		"member_id": it.MemberID,
		"kind":      it.Kind,
		"status":    it.Status,
	}
	if it.Reason != "" {
		resp["reason"] = it.Reason
	}
	if it.ScheduledFor != nil {
		resp["scheduled_for"] = it.ScheduledFor.Format(time.RFC3339)
	}
	if it.ExecutedAt != nil {
		resp["executed_at"] = it.ExecutedAt.Format(time.RFC3339)
	}
	writeJSON(w, 200, resp)
}

type schedulePostReq struct {
	PodID string `json:"pod_id"`
}

func (s *Server) schedulePost(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "id")
	var req schedulePostReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.PodID == "" {
		http.Error(w, "pod_id is required", 400)
		return
	}
	jobs, err := s.sched.SchedulePost(r.Context(), req.PodID, postID)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]int{"scheduled": len(jobs)})
}

func (s *Server) podStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stats, err := s.store.PodStats(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, stats)
}

func (s *Server) cancelPod(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.sched.CancelPod(r.Context(), id, "cancelled")
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]int{"cancelled": n})
}

func (s *Server) pauseWorkers(w http.ResponseWriter, r *http.Request) {
	s.pool.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeWorkers(w http.ResponseWriter, r *http.Request) {
	s.pool.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
