package syncer

import "time"

// ErrorKind classifies entries in a Result's error list.
type ErrorKind string

const (
	// KindConflict marks an advisory note for a remotely resolved conflict.
	// The item itself counted as synced.
	KindConflict ErrorKind = "conflict"
	// KindTransient marks a failure that will be retried on a later cycle.
	KindTransient ErrorKind = "transient"
	// KindPermanent marks an entry whose retries are exhausted and whose
	// record is quarantined.
	KindPermanent ErrorKind = "permanent"
	// KindIntegrity marks an entry dropped because its payload could not be
	// decoded.
	KindIntegrity ErrorKind = "integrity"
)

// ItemError describes one per-item incident from a sync cycle. Conflict
// entries are informational; the other kinds describe real failures.
type ItemError struct {
	RecordID  string    `json:"record_id"`
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
	Kind      ErrorKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// Result aggregates the outcome of one full sync cycle. Success is false
// only when a batch-level failure occurred or an item exhausted its retries;
// transient item errors and conflict notes leave it true.
type Result struct {
	Success     bool        `json:"success"`
	SyncedItems int         `json:"synced_items"`
	FailedItems int         `json:"failed_items"`
	Errors      []ItemError `json:"errors"`
	StartedAt   time.Time   `json:"started_at"`
	FinishedAt  time.Time   `json:"finished_at"`
}

// Duration reports the cycle's wall time.
func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *Result) appendError(kind ErrorKind, recordID, operation, message string, at time.Time) {
	r.Errors = append(r.Errors, ItemError{
		RecordID:  recordID,
		Operation: operation,
		Message:   message,
		Kind:      kind,
		Timestamp: at,
	})
}
