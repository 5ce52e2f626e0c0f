// Package httpapi exposes the local REST surface: task CRUD against the
// local store, on-demand sync triggering, and queue introspection. Every
// write endpoint returns before any network dispatch happens; the remote is
// only ever touched by a sync cycle.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cadelake/outpost/internal/app/runner"
	"github.com/cadelake/outpost/internal/app/tasks"
)

// Server holds the handler dependencies for the local API.
type Server struct {
	tasks  *tasks.Service
	runner *runner.Runner
	logger zerolog.Logger
}

// New constructs the API server facade.
func New(svc *tasks.Service, run *runner.Runner, logger zerolog.Logger) *Server {
	return &Server{tasks: svc, runner: run, logger: logger}
}

// Routes assembles the router with all endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", s.createTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Patch("/tasks/{id}", s.updateTask)
		r.Delete("/tasks/{id}", s.deleteTask)

		r.Post("/sync", s.triggerSync)
		r.Get("/status", s.getStatus)
		r.Get("/outbox", s.listOutbox)
		r.Post("/outbox/{id}/requeue", s.requeueEntry)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
