package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cadelake/outpost/errs"
	"github.com/cadelake/outpost/internal/app/runner"
	"github.com/cadelake/outpost/internal/domain/outboxstore"
	"github.com/cadelake/outpost/internal/domain/taskstore"
)

type statusResponse struct {
	Tasks      taskstore.StatusCounts `json:"tasks"`
	TotalTasks int                    `json:"total_tasks"`
	Outbox     outboxstore.Stats      `json:"outbox"`
	Runner     runner.Snapshot        `json:"runner"`
}

type outboxEntryResponse struct {
	ID           int64     `json:"id"`
	RecordID     string    `json:"record_id"`
	Operation    string    `json:"operation"`
	RetryCount   int       `json:"retry_count"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Dead         bool      `json:"dead"`
	CreatedAt    time.Time `json:"created_at"`
}

type outboxListResponse struct {
	Items []outboxEntryResponse `json:"items"`
	Count int                   `json:"count"`
}

func toOutboxEntryResponse(entry outboxstore.EntryRecord) outboxEntryResponse {
	return outboxEntryResponse{
		ID:           entry.ID,
		RecordID:     entry.RecordID,
		Operation:    string(entry.Operation),
		RetryCount:   entry.RetryCount,
		ErrorMessage: entry.ErrorMessage,
		Dead:         entry.Dead,
		CreatedAt:    entry.CreatedAt,
	}
}

// triggerSync runs one cycle on demand. An unreachable remote maps to 503
// without the queue being touched; a completed cycle returns its result even
// when individual items failed.
func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.runner.RunNow(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.tasks.StatusCounts(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	queue, err := s.tasks.QueueStats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{
		Tasks:      counts,
		TotalTasks: counts.Total(),
		Outbox:     queue,
		Runner:     s.runner.Snapshot(),
	})
}

// listOutbox peeks at queued mutations without consuming them. Quarantined
// entries are not listed; they surface through the status endpoint's dead
// count and come back via requeue.
func (s *Server) listOutbox(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), 500)
	entries, err := s.tasks.PendingEntries(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	items := make([]outboxEntryResponse, 0, len(entries))
	for _, entry := range entries {
		items = append(items, toOutboxEntryResponse(entry))
	}
	s.writeJSON(w, http.StatusOK, outboxListResponse{Items: items, Count: len(items)})
}

func (s *Server) requeueEntry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, errs.New("api.requeue", errs.CodeInvalid,
			errs.WithMessage("entry id must be numeric")))
		return
	}
	entry, err := s.tasks.Requeue(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toOutboxEntryResponse(entry))
}
