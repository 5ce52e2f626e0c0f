// Package memstore provides map-backed task and outbox stores that mirror
// the edge semantics of the postgres implementations. Tests across the
// service, API, and runner packages share these instead of hand-rolled stubs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/cadelake/outpost/internal/domain/outboxstore"
	"github.com/cadelake/outpost/internal/domain/taskstore"
)

// TaskStore is an in-memory taskstore.Store.
type TaskStore struct {
	mu   sync.Mutex
	rows map[string]taskstore.Task

	// Now supplies timestamps for resolution stamps; override for fixed clocks.
	Now func() time.Time
}

// NewTaskStore returns an empty in-memory task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{rows: make(map[string]taskstore.Task), Now: time.Now}
}

// Put seeds a row directly, bypassing Create validation.
func (s *TaskStore) Put(t taskstore.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[t.ID] = t
}

// Snapshot reads a row directly for assertions.
func (s *TaskStore) Snapshot(id string) (taskstore.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[id]
	return t, ok
}

// Create inserts a new row, rejecting duplicate ids.
func (s *TaskStore) Create(_ context.Context, t taskstore.Task) error {
	id := strings.TrimSpace(t.ID)
	if id == "" {
		return fmt.Errorf("memstore: task id required")
	}
	if t.SyncStatus == "" {
		t.SyncStatus = taskstore.StatusPending
	}
	if !t.SyncStatus.Valid() {
		return fmt.Errorf("memstore: invalid sync status %q", t.SyncStatus)
	}
	t.ID = id
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[id]; exists {
		return fmt.Errorf("memstore: insert task %s: %w", id, taskstore.ErrExists)
	}
	s.rows[id] = t
	return nil
}

// Get returns a row by id, soft-deleted rows included.
func (s *TaskStore) Get(_ context.Context, id string) (taskstore.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[strings.TrimSpace(id)]
	if !ok {
		return taskstore.Task{}, fmt.Errorf("memstore: get %s: %w", id, taskstore.ErrNotFound)
	}
	return t, nil
}

// List returns rows in creation order honoring the query filters.
func (s *TaskStore) List(_ context.Context, query taskstore.Query) ([]taskstore.Task, error) {
	if query.Status != "" && !query.Status.Valid() {
		return nil, fmt.Errorf("memstore: invalid sync status %q", query.Status)
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]taskstore.Task, 0, len(s.rows))
	for _, t := range s.rows {
		if !query.IncludeDeleted && t.IsDeleted {
			continue
		}
		if query.Status != "" && t.SyncStatus != query.Status {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Update rewrites the mutable fields of a live row.
func (s *TaskStore) Update(_ context.Context, t taskstore.Task) error {
	status := t.SyncStatus
	if status == "" {
		status = taskstore.StatusPending
	}
	if !status.Valid() {
		return fmt.Errorf("memstore: invalid sync status %q", status)
	}
	id := strings.TrimSpace(t.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.rows[id]
	if !ok || current.IsDeleted {
		return fmt.Errorf("memstore: update task %s: %w", id, taskstore.ErrNotFound)
	}
	current.Title = t.Title
	current.Description = t.Description
	current.Completed = t.Completed
	current.SyncStatus = status
	current.UpdatedAt = t.UpdatedAt
	s.rows[id] = current
	return nil
}

// SoftDelete hides a live row and returns it to pending.
func (s *TaskStore) SoftDelete(_ context.Context, id string, at time.Time) error {
	trimmed := strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.rows[trimmed]
	if !ok || current.IsDeleted {
		return fmt.Errorf("memstore: soft delete task %s: %w", trimmed, taskstore.ErrNotFound)
	}
	current.IsDeleted = true
	current.SyncStatus = taskstore.StatusPending
	current.UpdatedAt = at
	s.rows[trimmed] = current
	return nil
}

// MarkInProgress flags every existing id; unknown ids are skipped.
func (s *TaskStore) MarkInProgress(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		trimmed := strings.TrimSpace(id)
		current, ok := s.rows[trimmed]
		if !ok {
			continue
		}
		current.SyncStatus = taskstore.StatusInProgress
		s.rows[trimmed] = current
	}
	return nil
}

// SetSyncStatus moves one row to the supplied lifecycle state.
func (s *TaskStore) SetSyncStatus(_ context.Context, id string, status taskstore.SyncStatus) error {
	if !status.Valid() {
		return fmt.Errorf("memstore: invalid sync status %q", status)
	}
	trimmed := strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.rows[trimmed]
	if !ok {
		return fmt.Errorf("memstore: set sync status %s: %w", trimmed, taskstore.ErrNotFound)
	}
	current.SyncStatus = status
	s.rows[trimmed] = current
	return nil
}

// ApplyResolution merges a remote outcome onto the row the way the postgres
// store does: only present fields overwrite, updated_at falls back to now,
// and the row lands in synced with a fresh sync stamp.
func (s *TaskStore) ApplyResolution(_ context.Context, res taskstore.Resolution) error {
	recordID := strings.TrimSpace(res.RecordID)
	if recordID == "" {
		return fmt.Errorf("memstore: record id required")
	}
	serverID := strings.TrimSpace(res.ServerID)
	if serverID == "" && res.Fields.ServerID != nil {
		serverID = strings.TrimSpace(*res.Fields.ServerID)
	}
	now := s.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.rows[recordID]
	if !ok {
		return fmt.Errorf("memstore: apply resolution %s: %w", recordID, taskstore.ErrNotFound)
	}
	if res.Fields.Title != nil {
		current.Title = *res.Fields.Title
	}
	if res.Fields.Description != nil {
		current.Description = *res.Fields.Description
	}
	if res.Fields.Completed != nil {
		current.Completed = *res.Fields.Completed
	}
	if res.Fields.IsDeleted != nil {
		current.IsDeleted = *res.Fields.IsDeleted
	}
	if res.Fields.UpdatedAt != nil {
		current.UpdatedAt = *res.Fields.UpdatedAt
	} else {
		current.UpdatedAt = now
	}
	if serverID != "" {
		current.ServerID = serverID
	}
	current.SyncStatus = taskstore.StatusSynced
	stamp := now
	current.LastSyncedAt = &stamp
	s.rows[recordID] = current
	return nil
}

// StatusCounts aggregates every row, soft-deleted ones included.
func (s *TaskStore) StatusCounts(_ context.Context) (taskstore.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var counts taskstore.StatusCounts
	for _, t := range s.rows {
		switch t.SyncStatus {
		case taskstore.StatusPending:
			counts.Pending++
		case taskstore.StatusInProgress:
			counts.InProgress++
		case taskstore.StatusError:
			counts.Error++
		case taskstore.StatusSynced:
			counts.Synced++
		case taskstore.StatusFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

// OutboxStore is an in-memory outboxstore.Store.
type OutboxStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]outboxstore.EntryRecord

	// Now supplies entry timestamps; override for fixed clocks.
	Now func() time.Time
}

// NewOutboxStore returns an empty in-memory outbox store.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{nextID: 1, rows: make(map[int64]outboxstore.EntryRecord), Now: time.Now}
}

// All returns every entry, dead ones included, ordered by id.
func (s *OutboxStore) All() []outboxstore.EntryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]outboxstore.EntryRecord, 0, len(s.rows))
	for _, entry := range s.rows {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// Enqueue appends a new entry with a sequential id.
func (s *OutboxStore) Enqueue(_ context.Context, entry outboxstore.Entry) (outboxstore.EntryRecord, error) {
	recordID := strings.TrimSpace(entry.RecordID)
	if recordID == "" {
		return outboxstore.EntryRecord{}, fmt.Errorf("memstore: record id required")
	}
	if !entry.Operation.Valid() {
		return outboxstore.EntryRecord{}, fmt.Errorf("memstore: invalid operation %q", entry.Operation)
	}
	if len(entry.Payload) == 0 {
		return outboxstore.EntryRecord{}, fmt.Errorf("memstore: payload required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record := outboxstore.EntryRecord{
		ID:        s.nextID,
		RecordID:  recordID,
		Operation: entry.Operation,
		Payload:   append(json.RawMessage(nil), entry.Payload...),
		CreatedAt: s.Now().UTC(),
	}
	s.nextID++
	s.rows[record.ID] = record
	return record, nil
}

// ListPending returns live entries in dispatch order.
func (s *OutboxStore) ListPending(_ context.Context, limit int) ([]outboxstore.EntryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var live []outboxstore.EntryRecord
	for _, entry := range s.rows {
		if !entry.Dead {
			live = append(live, entry)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].CreatedAt.Equal(live[j].CreatedAt) {
			return live[i].ID < live[j].ID
		}
		return live[i].CreatedAt.Before(live[j].CreatedAt)
	})
	if limit > 0 && len(live) > limit {
		live = live[:limit]
	}
	return live, nil
}

// MarkFailed records a retryable failure in place.
func (s *OutboxStore) MarkFailed(_ context.Context, id int64, retryCount int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("memstore: mark failed: %w", outboxstore.ErrNotFound)
	}
	entry.RetryCount = retryCount
	entry.ErrorMessage = strings.TrimSpace(message)
	s.rows[id] = entry
	return nil
}

// MarkDead quarantines an entry.
func (s *OutboxStore) MarkDead(_ context.Context, id int64, retryCount int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("memstore: mark dead: %w", outboxstore.ErrNotFound)
	}
	entry.RetryCount = retryCount
	entry.ErrorMessage = strings.TrimSpace(message)
	entry.Dead = true
	s.rows[id] = entry
	return nil
}

// Requeue revives a quarantined entry with a fresh retry budget.
func (s *OutboxStore) Requeue(_ context.Context, id int64) (outboxstore.EntryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.rows[id]
	if !ok {
		return outboxstore.EntryRecord{}, fmt.Errorf("memstore: requeue: %w", outboxstore.ErrNotFound)
	}
	entry.Dead = false
	entry.RetryCount = 0
	entry.ErrorMessage = ""
	s.rows[id] = entry
	return entry, nil
}

// Delete removes a reconciled entry.
func (s *OutboxStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return fmt.Errorf("memstore: delete: %w", outboxstore.ErrNotFound)
	}
	delete(s.rows, id)
	return nil
}

// Stats reports queue depth by entry state.
func (s *OutboxStore) Stats(_ context.Context) (outboxstore.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats outboxstore.Stats
	for _, entry := range s.rows {
		if entry.Dead {
			stats.Dead++
		} else {
			stats.Pending++
		}
	}
	return stats, nil
}

var (
	_ taskstore.Store   = (*TaskStore)(nil)
	_ outboxstore.Store = (*OutboxStore)(nil)
)
