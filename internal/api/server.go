package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskmill/internal/backend"
	"taskmill/internal/scheduler"
)

// Server is the host's HTTP surface for submitting work.
type Server struct {
	r     *chi.Mux
	sched *scheduler.Scheduler
}

func NewServer(sched *scheduler.Scheduler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	s := &Server{r: r, sched: sched}

	r.Get("/health", s.health)
	r.Post("/api/tasks", s.submitTask)
	r.Get("/api/tasks/{id}", s.getTask)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type submitReq struct {
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Priority    *int            `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	DelayMs     int64           `json:"delay_ms"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Priority != nil && (*req.Priority < 0 || *req.Priority > backend.MaxPriority) {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("priority must be between 0 and %d", backend.MaxPriority))
		return
	}

	var opts []scheduler.Option
	if req.Priority != nil {
		opts = append(opts, scheduler.WithPriority(*req.Priority))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, scheduler.WithMaxAttempts(req.MaxAttempts))
	}
	if req.DelayMs > 0 {
		opts = append(opts, scheduler.WithDelay(time.Duration(req.DelayMs)*time.Millisecond))
	}

	id, err := s.sched.Enqueue(r.Context(), req.Name, req.Payload, opts...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.sched.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
