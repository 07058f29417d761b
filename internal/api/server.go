package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"researchflow/internal/domain"
	"researchflow/internal/dispatcher"
	"researchflow/internal/format"
	"researchflow/internal/recurrence"
	"researchflow/internal/research"
	"researchflow/internal/store"
)

// Server is the REST producer surface for schedules: the chat platform's
// command handlers (out of process) call it to create, list and remove
// schedules on behalf of users.
type Server struct {
	r      *chi.Mux
	store  store.Store
	runner dispatcher.Runner
}

func NewServer(st store.Store, runner dispatcher.Runner) http.Handler {
	return NewServerWithDebug(st, runner, false)
}

func NewServerWithDebug(st store.Store, runner dispatcher.Runner, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: st, runner: runner}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Delete("/api/schedules/{id}", s.deactivateSchedule)
	r.Post("/api/schedules/{id}/run", s.forceRun)
	r.Get("/api/outbox", s.listOutbox)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("researchflow_up 1\n"))
}

type createScheduleReq struct {
	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id"`
	ChannelID   string `json:"channel_id"`
	Prompt      string `json:"prompt"`
	CronExpr    string `json:"cron_expr"`
	Timezone    string `json:"timezone"`
}

type scheduleResp struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	UserID      string     `json:"user_id"`
	ChannelID   string     `json:"channel_id"`
	Prompt      string     `json:"prompt"`
	CronExpr    string     `json:"cron_expr"`
	Schedule    string     `json:"schedule"` // human-readable
	Timezone    string     `json:"timezone"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	Failures    int        `json:"failures"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toScheduleResp(sc domain.Schedule) scheduleResp {
	return scheduleResp{
		ID:          sc.ID,
		WorkspaceID: sc.WorkspaceID,
		UserID:      sc.UserID,
		ChannelID:   sc.ChannelID,
		Prompt:      sc.Prompt,
		CronExpr:    sc.CronExpr,
		Schedule:    format.CronDescription(sc.CronExpr),
		Timezone:    sc.Timezone,
		LastRun:     sc.LastRun,
		Failures:    sc.Failures,
		CreatedAt:   sc.CreatedAt,
	}
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.WorkspaceID == "" || req.UserID == "" || req.ChannelID == "" {
		http.Error(w, "workspace_id, user_id and channel_id are required", 400)
		return
	}
	if err := research.ValidatePrompt(req.Prompt); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	if err := recurrence.Validate(req.CronExpr, req.Timezone); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	id, err := s.store.CreateSchedule(r.Context(), domain.Schedule{
		WorkspaceID: req.WorkspaceID,
		UserID:      req.UserID,
		ChannelID:   req.ChannelID,
		Prompt:      req.Prompt,
		CronExpr:    req.CronExpr,
		Timezone:    req.Timezone,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	userID := r.URL.Query().Get("user_id")

	var (
		schedules []domain.Schedule
		err       error
	)
	if workspaceID != "" && userID != "" {
		schedules, err = s.store.ListActiveSchedulesFor(r.Context(), workspaceID, userID)
	} else {
		schedules, err = s.store.ListActiveSchedules(r.Context())
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	resp := make([]scheduleResp, 0, len(schedules))
	for _, sc := range schedules {
		resp = append(resp, toScheduleResp(sc))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "schedule not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResp(sc))
}

func (s *Server) deactivateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSchedule(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		http.Error(w, "schedule not found", 404)
		return
	}
	if err := s.store.DeactivateSchedule(r.Context(), id); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// forceRun executes one schedule immediately, skipping due evaluation.
// Operational escape hatch for verifying a schedule end to end.
func (s *Server) forceRun(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "schedule not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if err := s.runner.Run(r.Context(), sc, time.Now().UTC()); err != nil {
		http.Error(w, err.Error(), 502)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "executed"})
}

type outboxResp struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	ChannelID   string    `json:"channel_id"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Server) listOutbox(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.ListUndelivered(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	resp := make([]outboxResp, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, outboxResp{
			ID: m.ID, WorkspaceID: m.WorkspaceID, ChannelID: m.ChannelID,
			Body: m.Body, CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
