package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cadelake/outpost/internal/domain/outboxstore"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxStore persists queued mutations awaiting dispatch to the remote authority.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

// maxOutboxPeekLimit caps positive limits; the dispatcher passes limit<=0 to
// scan the whole queue in one cycle.
const maxOutboxPeekLimit = 1024

const (
	outboxInsertSQL = `
INSERT INTO outbox (
    record_id,
    operation,
    payload
)
VALUES ($1, $2, $3::jsonb)
RETURNING
    id,
    record_id,
    operation,
    payload,
    retry_count,
    error_message,
    dead,
    created_at;
`

	outboxSelectBase = `
SELECT
    id,
    record_id,
    operation,
    payload,
    retry_count,
    error_message,
    dead,
    created_at
FROM outbox
WHERE dead = FALSE
ORDER BY created_at ASC, id ASC
`

	outboxListPendingSQL = outboxSelectBase + ";"

	outboxListPendingLimitSQL = outboxSelectBase + "LIMIT $1;"

	outboxMarkFailedSQL = `
UPDATE outbox
SET retry_count = $2,
    error_message = $3
WHERE id = $1;
`

	outboxMarkDeadSQL = `
UPDATE outbox
SET retry_count = $2,
    error_message = $3,
    dead = TRUE
WHERE id = $1;
`

	outboxRequeueSQL = `
UPDATE outbox
SET dead = FALSE,
    retry_count = 0,
    error_message = NULL
WHERE id = $1
RETURNING
    id,
    record_id,
    operation,
    payload,
    retry_count,
    error_message,
    dead,
    created_at;
`

	outboxDeleteSQL = `
DELETE FROM outbox
WHERE id = $1;
`

	outboxStatsSQL = `
SELECT
    COUNT(*) FILTER (WHERE dead = FALSE),
    COUNT(*) FILTER (WHERE dead = TRUE)
FROM outbox;
`
)

// Enqueue appends a new mutation to the queue.
func (s *OutboxStore) Enqueue(ctx context.Context, entry outboxstore.Entry) (outboxstore.EntryRecord, error) {
	recordID := strings.TrimSpace(entry.RecordID)
	if recordID == "" {
		return outboxstore.EntryRecord{}, fmt.Errorf("outbox store: record id required")
	}
	if !entry.Operation.Valid() {
		return outboxstore.EntryRecord{}, fmt.Errorf("outbox store: invalid operation %q", entry.Operation)
	}
	if len(entry.Payload) == 0 {
		return outboxstore.EntryRecord{}, fmt.Errorf("outbox store: payload required")
	}
	if s.pool == nil {
		return outboxstore.EntryRecord{}, fmt.Errorf("outbox store: nil pool")
	}
	row := s.pool.QueryRow(ctx, outboxInsertSQL, recordID, string(entry.Operation), []byte(entry.Payload))
	return scanEntryRecord(row)
}

// ListPending returns live entries in dispatch order. A non-positive limit
// returns the whole queue; positive limits are clamped for peeking callers.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]outboxstore.EntryRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		if limit > maxOutboxPeekLimit {
			limit = maxOutboxPeekLimit
		}
		rows, err = s.pool.Query(ctx, outboxListPendingLimitSQL, limit)
	} else {
		rows, err = s.pool.Query(ctx, outboxListPendingSQL)
	}
	if err != nil {
		return nil, fmt.Errorf("outbox store: list pending: %w", err)
	}
	defer rows.Close()

	var records []outboxstore.EntryRecord
	for rows.Next() {
		record, err := scanEntryRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate pending: %w", err)
	}
	return records, nil
}

// MarkFailed records a retryable failure on an entry in place.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, retryCount int, message string) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, outboxMarkFailedSQL, id, retryCount, strings.TrimSpace(message))
	if err != nil {
		return fmt.Errorf("outbox store: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark failed: %w", outboxstore.ErrNotFound)
	}
	return nil
}

// MarkDead quarantines an entry so later scans skip it. The row stays in the
// table for audit and manual requeue.
func (s *OutboxStore) MarkDead(ctx context.Context, id int64, retryCount int, message string) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, outboxMarkDeadSQL, id, retryCount, strings.TrimSpace(message))
	if err != nil {
		return fmt.Errorf("outbox store: mark dead: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark dead: %w", outboxstore.ErrNotFound)
	}
	return nil
}

// Requeue revives a quarantined entry with a fresh retry budget and returns
// its persisted state.
func (s *OutboxStore) Requeue(ctx context.Context, id int64) (outboxstore.EntryRecord, error) {
	if s.pool == nil {
		return outboxstore.EntryRecord{}, fmt.Errorf("outbox store: nil pool")
	}
	row := s.pool.QueryRow(ctx, outboxRequeueSQL, id)
	record, err := scanEntryRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return outboxstore.EntryRecord{}, fmt.Errorf("outbox store: requeue: %w", outboxstore.ErrNotFound)
		}
		return outboxstore.EntryRecord{}, err
	}
	return record, nil
}

// Delete removes an entry whose outcome has been applied locally.
func (s *OutboxStore) Delete(ctx context.Context, id int64) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, outboxDeleteSQL, id)
	if err != nil {
		return fmt.Errorf("outbox store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: delete: %w", outboxstore.ErrNotFound)
	}
	return nil
}

// Stats reports queue depth split by live and quarantined entries.
func (s *OutboxStore) Stats(ctx context.Context) (outboxstore.Stats, error) {
	if s.pool == nil {
		return outboxstore.Stats{}, fmt.Errorf("outbox store: nil pool")
	}
	var stats outboxstore.Stats
	row := s.pool.QueryRow(ctx, outboxStatsSQL)
	if err := row.Scan(&stats.Pending, &stats.Dead); err != nil {
		return outboxstore.Stats{}, fmt.Errorf("outbox store: stats: %w", err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntryRecord(row rowScanner) (outboxstore.EntryRecord, error) {
	var (
		record       outboxstore.EntryRecord
		operation    string
		payloadJSON  []byte
		errorMessage pgtype.Text
	)
	if err := row.Scan(
		&record.ID,
		&record.RecordID,
		&operation,
		&payloadJSON,
		&record.RetryCount,
		&errorMessage,
		&record.Dead,
		&record.CreatedAt,
	); err != nil {
		return outboxstore.EntryRecord{}, fmt.Errorf("outbox store: scan record: %w", err)
	}
	record.Operation = outboxstore.Operation(operation)
	record.Payload = payloadJSON
	if errorMessage.Valid {
		record.ErrorMessage = errorMessage.String
	}
	return record, nil
}

var _ outboxstore.Store = (*OutboxStore)(nil)
