// Package taskstore defines persistence contracts for task records and their sync state.
package taskstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// ErrNotFound reports a record id that matched no row.
var ErrNotFound = errors.New("task not found")

// ErrExists reports a create with an id that is already present.
var ErrExists = errors.New("task already exists")

// SyncStatus tracks how far a record has progressed toward the remote authority.
type SyncStatus string

const (
	// StatusPending marks a record with local changes not yet dispatched.
	StatusPending SyncStatus = "pending"
	// StatusInProgress marks a record whose outbox entry is in an in-flight batch.
	StatusInProgress SyncStatus = "in-progress"
	// StatusError marks a record whose last dispatch failed but remains retryable.
	StatusError SyncStatus = "error"
	// StatusSynced marks a record acknowledged by the remote authority.
	StatusSynced SyncStatus = "synced"
	// StatusFailed marks a record quarantined after exhausting its retry budget.
	StatusFailed SyncStatus = "failed"
)

// Statuses returns every valid sync status in lifecycle order.
func Statuses() []SyncStatus {
	return []SyncStatus{StatusPending, StatusInProgress, StatusError, StatusSynced, StatusFailed}
}

// Valid reports whether the status is one of the known lifecycle states.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusError, StatusSynced, StatusFailed:
		return true
	default:
		return false
	}
}

// Task represents the persisted snapshot of a task record.
type Task struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Completed    bool       `json:"completed"`
	IsDeleted    bool       `json:"is_deleted"`
	SyncStatus   SyncStatus `json:"sync_status"`
	ServerID     string     `json:"server_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// Payload is the wire snapshot of the fields a mutation ships to the remote.
type Payload struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Completed   bool      `json:"completed"`
	IsDeleted   bool      `json:"is_deleted"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ServerID    string    `json:"server_id,omitempty"`
}

// EncodePayload serializes the syncable state of a task for queueing.
func EncodePayload(t Task) (json.RawMessage, error) {
	snapshot := Payload{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Completed:   t.Completed,
		IsDeleted:   t.IsDeleted,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		ServerID:    t.ServerID,
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("task store: encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses a queued payload back into its wire snapshot.
// A payload that does not decode, or that carries no record id, is corrupt.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	var snapshot Payload
	if len(raw) == 0 {
		return Payload{}, fmt.Errorf("task store: decode payload: empty payload")
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return Payload{}, fmt.Errorf("task store: decode payload: %w", err)
	}
	if strings.TrimSpace(snapshot.ID) == "" {
		return Payload{}, fmt.Errorf("task store: decode payload: missing record id")
	}
	return snapshot, nil
}

// ResolvedFields is the static schema of fields the remote may write back when
// it reports a resolution. Keys outside this schema are dropped on decode, so
// the remote cannot inject arbitrary columns.
type ResolvedFields struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Completed   *bool      `json:"completed"`
	IsDeleted   *bool      `json:"is_deleted"`
	UpdatedAt   *time.Time `json:"updated_at"`
	ServerID    *string    `json:"server_id"`
}

// DecodeResolved parses the resolved_data object attached to a remote outcome.
// A missing object yields empty fields; malformed data is an error.
func DecodeResolved(raw json.RawMessage) (ResolvedFields, error) {
	var fields ResolvedFields
	if len(raw) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ResolvedFields{}, fmt.Errorf("task store: decode resolved data: %w", err)
	}
	return fields, nil
}

// Resolution carries a remote outcome to be applied to a record.
type Resolution struct {
	RecordID string
	ServerID string
	Fields   ResolvedFields
}

// Query filters task listings.
type Query struct {
	Status         SyncStatus
	IncludeDeleted bool
	Limit          int
}

// StatusCounts aggregates records per sync status.
type StatusCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Error      int `json:"error"`
	Synced     int `json:"synced"`
	Failed     int `json:"failed"`
}

// Total sums the per-status counts.
func (c StatusCounts) Total() int {
	return c.Pending + c.InProgress + c.Error + c.Synced + c.Failed
}

// Store abstracts persistence operations for task records.
type Store interface {
	Create(ctx context.Context, t Task) error
	Get(ctx context.Context, id string) (Task, error)
	List(ctx context.Context, query Query) ([]Task, error)
	Update(ctx context.Context, t Task) error
	SoftDelete(ctx context.Context, id string, at time.Time) error
	MarkInProgress(ctx context.Context, ids []string) error
	SetSyncStatus(ctx context.Context, id string, status SyncStatus) error
	ApplyResolution(ctx context.Context, res Resolution) error
	StatusCounts(ctx context.Context) (StatusCounts, error)
}
