package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cadelake/outpost/internal/app/tasks"
	"github.com/cadelake/outpost/internal/domain/taskstore"
)

type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
}

type updateTaskRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Completed   *bool   `json:"completed"`
}

type taskListResponse struct {
	Items []taskstore.Task `json:"items"`
	Count int              `json:"count"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	task, err := s.tasks.Create(r.Context(), tasks.CreateInput{
		Title:       req.Title,
		Description: req.Description,
		Completed:   req.Completed,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	opts := tasks.ListOptions{
		Status: taskstore.SyncStatus(r.URL.Query().Get("status")),
		Limit:  parseLimit(r.URL.Query().Get("limit"), 500),
	}
	items, err := s.tasks.List(r.Context(), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []taskstore.Task{}
	}
	s.writeJSON(w, http.StatusOK, taskListResponse{Items: items, Count: len(items)})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	task, err := s.tasks.Update(r.Context(), chi.URLParam(r, "id"), tasks.UpdateInput{
		Title:       req.Title,
		Description: req.Description,
		Completed:   req.Completed,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
