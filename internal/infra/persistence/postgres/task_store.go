package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cadelake/outpost/internal/domain/taskstore"
)

// TaskStore persists task records and their sync lifecycle state.
type TaskStore struct {
	pool *pgxpool.Pool
}

// NewTaskStore constructs a TaskStore backed by the provided pool.
func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

const (
	taskInsertSQL = `
INSERT INTO tasks (
    id,
    title,
    description,
    completed,
    is_deleted,
    sync_status,
    server_id,
    created_at,
    updated_at
)
VALUES (
    @id,
    @title,
    @description,
    @completed,
    @is_deleted,
    @sync_status,
    @server_id,
    @created_at,
    @updated_at
)
ON CONFLICT (id) DO NOTHING;
`

	taskUpdateSQL = `
UPDATE tasks
SET title = @title,
    description = @description,
    completed = @completed,
    sync_status = @sync_status,
    updated_at = @updated_at
WHERE id = @id
  AND is_deleted = FALSE;
`

	taskSoftDeleteSQL = `
UPDATE tasks
SET is_deleted = TRUE,
    sync_status = 'pending',
    updated_at = @updated_at
WHERE id = @id
  AND is_deleted = FALSE;
`

	taskMarkInProgressSQL = `
UPDATE tasks
SET sync_status = 'in-progress'
WHERE id = ANY($1);
`

	taskSetSyncStatusSQL = `
UPDATE tasks
SET sync_status = @status
WHERE id = @id;
`

	taskApplyResolutionSQL = `
UPDATE tasks
SET title = COALESCE(@title, title),
    description = COALESCE(@description, description),
    completed = COALESCE(@completed, completed),
    is_deleted = COALESCE(@is_deleted, is_deleted),
    updated_at = COALESCE(@updated_at, NOW()),
    server_id = COALESCE(@server_id, server_id),
    sync_status = 'synced',
    last_synced_at = NOW()
WHERE id = @id;
`

	taskSelectBase = `
SELECT
    id,
    title,
    description,
    completed,
    is_deleted,
    sync_status,
    server_id,
    created_at,
    updated_at,
    last_synced_at
FROM tasks
`

	taskGetSQL = taskSelectBase + "WHERE id = $1;"

	taskStatusCountsSQL = `
SELECT sync_status, COUNT(*)
FROM tasks
GROUP BY sync_status;
`

	defaultTaskLimit = 50
	maxTaskLimit     = 500
)

func (s *TaskStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("task store: nil pool")
	}
	return s.pool, nil
}

// Create inserts a new task record.
func (s *TaskStore) Create(ctx context.Context, t taskstore.Task) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("task store: task id required")
	}
	status := t.SyncStatus
	if status == "" {
		status = taskstore.StatusPending
	}
	if !status.Valid() {
		return fmt.Errorf("task store: invalid sync status %q", status)
	}
	args := pgx.NamedArgs{
		"id":          strings.TrimSpace(t.ID),
		"title":       t.Title,
		"description": t.Description,
		"completed":   t.Completed,
		"is_deleted":  t.IsDeleted,
		"sync_status": string(status),
		"server_id":   nullableString(t.ServerID),
		"created_at":  t.CreatedAt,
		"updated_at":  t.UpdatedAt,
	}
	tag, err := pool.Exec(ctx, taskInsertSQL, args)
	if err != nil {
		return fmt.Errorf("task store: insert task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task store: insert task %s: %w", t.ID, taskstore.ErrExists)
	}
	return nil
}

// Get retrieves a task by id, including soft-deleted rows.
func (s *TaskStore) Get(ctx context.Context, id string) (taskstore.Task, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return taskstore.Task{}, err
	}
	row := pool.QueryRow(ctx, taskGetSQL, strings.TrimSpace(id))
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return taskstore.Task{}, fmt.Errorf("task store: get %s: %w", id, taskstore.ErrNotFound)
		}
		return taskstore.Task{}, err
	}
	return task, nil
}

// List retrieves tasks matching the supplied query filters. Soft-deleted rows
// are hidden unless the query asks for them.
func (s *TaskStore) List(ctx context.Context, query taskstore.Query) ([]taskstore.Task, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultTaskLimit, maxTaskLimit)

	builder := strings.Builder{}
	builder.WriteString(taskSelectBase)
	builder.WriteString("WHERE 1=1")

	args := make([]any, 0, 2)
	argPos := 1

	if !query.IncludeDeleted {
		builder.WriteString(" AND is_deleted = FALSE")
	}
	if query.Status != "" {
		if !query.Status.Valid() {
			return nil, fmt.Errorf("task store: invalid sync status %q", query.Status)
		}
		fmt.Fprintf(&builder, " AND sync_status = $%d", argPos)
		args = append(args, string(query.Status))
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY created_at ASC, id ASC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("task store: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []taskstore.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task store: iterate tasks: %w", err)
	}
	return tasks, nil
}

// Update rewrites the mutable fields of an existing live task.
func (s *TaskStore) Update(ctx context.Context, t taskstore.Task) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	status := t.SyncStatus
	if status == "" {
		status = taskstore.StatusPending
	}
	if !status.Valid() {
		return fmt.Errorf("task store: invalid sync status %q", status)
	}
	args := pgx.NamedArgs{
		"id":          strings.TrimSpace(t.ID),
		"title":       t.Title,
		"description": t.Description,
		"completed":   t.Completed,
		"sync_status": string(status),
		"updated_at":  t.UpdatedAt,
	}
	tag, err := pool.Exec(ctx, taskUpdateSQL, args)
	if err != nil {
		return fmt.Errorf("task store: update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task store: update task %s: %w", t.ID, taskstore.ErrNotFound)
	}
	return nil
}

// SoftDelete hides a task from read APIs and resets it to pending so the
// deletion can be dispatched.
func (s *TaskStore) SoftDelete(ctx context.Context, id string, at time.Time) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"id":         strings.TrimSpace(id),
		"updated_at": at,
	}
	tag, err := pool.Exec(ctx, taskSoftDeleteSQL, args)
	if err != nil {
		return fmt.Errorf("task store: soft delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task store: soft delete task %s: %w", id, taskstore.ErrNotFound)
	}
	return nil
}

// MarkInProgress flags every implicated record before a batch goes on the wire.
func (s *TaskStore) MarkInProgress(ctx context.Context, ids []string) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		trimmed := strings.TrimSpace(id)
		if trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}
	if _, err := pool.Exec(ctx, taskMarkInProgressSQL, cleaned); err != nil {
		return fmt.Errorf("task store: mark in progress: %w", err)
	}
	return nil
}

// SetSyncStatus moves a single record to the supplied lifecycle state.
func (s *TaskStore) SetSyncStatus(ctx context.Context, id string, status taskstore.SyncStatus) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("task store: invalid sync status %q", status)
	}
	args := pgx.NamedArgs{
		"id":     strings.TrimSpace(id),
		"status": string(status),
	}
	tag, err := pool.Exec(ctx, taskSetSyncStatusSQL, args)
	if err != nil {
		return fmt.Errorf("task store: set sync status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task store: set sync status %s: %w", id, taskstore.ErrNotFound)
	}
	return nil
}

// ApplyResolution writes a remote outcome onto the record: allow-listed
// resolved fields, server id, synced status, and the sync stamp.
func (s *TaskStore) ApplyResolution(ctx context.Context, res taskstore.Resolution) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	recordID := strings.TrimSpace(res.RecordID)
	if recordID == "" {
		return fmt.Errorf("task store: record id required")
	}
	serverID := strings.TrimSpace(res.ServerID)
	if serverID == "" && res.Fields.ServerID != nil {
		serverID = strings.TrimSpace(*res.Fields.ServerID)
	}
	args := pgx.NamedArgs{
		"id":          recordID,
		"title":       nullableText(res.Fields.Title),
		"description": nullableText(res.Fields.Description),
		"completed":   nullableBool(res.Fields.Completed),
		"is_deleted":  nullableBool(res.Fields.IsDeleted),
		"updated_at":  nullableTime(res.Fields.UpdatedAt),
		"server_id":   nullableString(serverID),
	}
	tag, err := pool.Exec(ctx, taskApplyResolutionSQL, args)
	if err != nil {
		return fmt.Errorf("task store: apply resolution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task store: apply resolution %s: %w", recordID, taskstore.ErrNotFound)
	}
	return nil
}

// StatusCounts aggregates records per sync status.
func (s *TaskStore) StatusCounts(ctx context.Context) (taskstore.StatusCounts, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return taskstore.StatusCounts{}, err
	}
	rows, err := pool.Query(ctx, taskStatusCountsSQL)
	if err != nil {
		return taskstore.StatusCounts{}, fmt.Errorf("task store: status counts: %w", err)
	}
	defer rows.Close()

	var counts taskstore.StatusCounts
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return taskstore.StatusCounts{}, fmt.Errorf("task store: scan status count: %w", err)
		}
		switch taskstore.SyncStatus(status) {
		case taskstore.StatusPending:
			counts.Pending = count
		case taskstore.StatusInProgress:
			counts.InProgress = count
		case taskstore.StatusError:
			counts.Error = count
		case taskstore.StatusSynced:
			counts.Synced = count
		case taskstore.StatusFailed:
			counts.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return taskstore.StatusCounts{}, fmt.Errorf("task store: iterate status counts: %w", err)
	}
	return counts, nil
}

func scanTask(row rowScanner) (taskstore.Task, error) {
	var (
		task         taskstore.Task
		status       string
		serverID     pgtype.Text
		lastSyncedAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&task.ID,
		&task.Title,
		&task.Description,
		&task.Completed,
		&task.IsDeleted,
		&status,
		&serverID,
		&task.CreatedAt,
		&task.UpdatedAt,
		&lastSyncedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return taskstore.Task{}, err
		}
		return taskstore.Task{}, fmt.Errorf("task store: scan task: %w", err)
	}
	task.SyncStatus = taskstore.SyncStatus(status)
	if serverID.Valid {
		task.ServerID = serverID.String
	}
	if lastSyncedAt.Valid {
		t := lastSyncedAt.Time
		task.LastSyncedAt = &t
	}
	return task, nil
}

func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

// nullableText passes explicit values through, including empty strings:
// clearing a field is a valid resolution, unlike an absent one.
func nullableText(ptr *string) any {
	if ptr == nil {
		return nil
	}
	return *ptr
}

func nullableBool(ptr *bool) any {
	if ptr == nil {
		return nil
	}
	return *ptr
}

func nullableTime(ptr *time.Time) any {
	if ptr == nil {
		return nil
	}
	return *ptr
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}

var _ taskstore.Store = (*TaskStore)(nil)
