// Package outboxstore defines persistence contracts for the durable sync queue.
package outboxstore

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
)

// ErrNotFound reports an entry id that matched no row.
var ErrNotFound = errors.New("outbox entry not found")

// Operation names the kind of local mutation an entry replays upstream.
type Operation string

const (
	// OpCreate records a newly created task.
	OpCreate Operation = "create"
	// OpUpdate records an edit to an existing task.
	OpUpdate Operation = "update"
	// OpDelete records a soft deletion.
	OpDelete Operation = "delete"
)

// Valid reports whether the operation is one of the known mutation kinds.
func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// Entry encapsulates a single queued mutation ready to be enqueued.
type Entry struct {
	RecordID  string
	Operation Operation
	Payload   json.RawMessage
}

// EntryRecord captures the persisted state of a queued mutation.
type EntryRecord struct {
	ID           int64
	RecordID     string
	Operation    Operation
	Payload      json.RawMessage
	RetryCount   int
	ErrorMessage string
	Dead         bool
	CreatedAt    time.Time
}

// Stats summarizes queue depth by entry state.
type Stats struct {
	Pending int `json:"pending"`
	Dead    int `json:"dead"`
}

// Store abstracts persistence operations for the sync queue.
//
// ListPending returns live entries in dispatch order (created_at, then id);
// a non-positive limit returns the whole queue. MarkFailed records a
// retryable failure in place; MarkDead quarantines the entry so subsequent
// scans skip it. Requeue is the manual intervention path that revives a dead
// entry with a fresh retry budget and reports its refreshed state. Delete
// removes an entry after its outcome has been applied locally and must only
// be called by the reconciler.
type Store interface {
	Enqueue(ctx context.Context, entry Entry) (EntryRecord, error)
	ListPending(ctx context.Context, limit int) ([]EntryRecord, error)
	MarkFailed(ctx context.Context, id int64, retryCount int, message string) error
	MarkDead(ctx context.Context, id int64, retryCount int, message string) error
	Requeue(ctx context.Context, id int64) (EntryRecord, error)
	Delete(ctx context.Context, id int64) error
	Stats(ctx context.Context) (Stats, error)
}
