// Package tasks implements the local-first write path: every mutation lands
// in the task table and queues a replay entry for the next sync cycle.
package tasks

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cadelake/outpost/errs"
	"github.com/cadelake/outpost/internal/domain/outboxstore"
	"github.com/cadelake/outpost/internal/domain/taskstore"
)

// Service coordinates task mutations with their outbox entries. The record
// write and the queue write land as two statements, not one transaction; see
// enqueue for how a dropped queue write heals.
type Service struct {
	tasks  taskstore.Store
	outbox outboxstore.Store
	logger zerolog.Logger
	clock  func() time.Time
	newID  func() string
}

// Option configures optional service behaviour.
type Option func(*Service)

// WithClock overrides the service clock, primarily for testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIDGenerator overrides client-side record id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// NewService constructs a Service over the task and outbox stores.
func NewService(tasks taskstore.Store, outbox outboxstore.Store, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		tasks:  tasks,
		outbox: outbox,
		logger: logger,
		clock:  time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CreateInput carries the caller-supplied fields for a new task.
type CreateInput struct {
	Title       string
	Description string
	Completed   bool
}

// UpdateInput carries a partial edit; nil fields keep their current value.
type UpdateInput struct {
	Title       *string
	Description *string
	Completed   *bool
}

// ListOptions filters task listings.
type ListOptions struct {
	Status taskstore.SyncStatus
	Limit  int
}

// Create persists a new task in pending state and queues its replay entry.
// The record id is generated client-side; it stays the correlation key for
// the record until the remote assigns a server id.
func (s *Service) Create(ctx context.Context, input CreateInput) (taskstore.Task, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return taskstore.Task{}, errs.New("tasks.create", errs.CodeInvalid,
			errs.WithMessage("title required"))
	}

	now := s.clock().UTC()
	task := taskstore.Task{
		ID:          s.newID(),
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Completed:   input.Completed,
		SyncStatus:  taskstore.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		if errors.Is(err, taskstore.ErrExists) {
			return taskstore.Task{}, errs.New("tasks.create", errs.CodeConflict,
				errs.WithMessage("task id already exists"), errs.WithRecord(task.ID), errs.WithCause(err))
		}
		return taskstore.Task{}, errs.New("tasks.create", errs.CodeInternal,
			errs.WithMessage("persist task"), errs.WithCause(err))
	}

	if err := s.enqueue(ctx, task, outboxstore.OpCreate); err != nil {
		return taskstore.Task{}, err
	}
	s.logger.Info().Str("record_id", task.ID).Msg("task created")
	return task, nil
}

// Get returns a live task. Soft-deleted records are reported as missing.
func (s *Service) Get(ctx context.Context, id string) (taskstore.Task, error) {
	return s.load(ctx, "tasks.get", id)
}

// List returns live tasks in creation order.
func (s *Service) List(ctx context.Context, opts ListOptions) ([]taskstore.Task, error) {
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, errs.New("tasks.list", errs.CodeInvalid,
			errs.WithMessage("unknown sync status"), errs.WithField("status", string(opts.Status)))
	}
	records, err := s.tasks.List(ctx, taskstore.Query{Status: opts.Status, Limit: opts.Limit})
	if err != nil {
		return nil, errs.New("tasks.list", errs.CodeInternal,
			errs.WithMessage("list tasks"), errs.WithCause(err))
	}
	return records, nil
}

// Update applies a partial edit, returns the record to pending, and queues
// the refreshed snapshot.
func (s *Service) Update(ctx context.Context, id string, input UpdateInput) (taskstore.Task, error) {
	task, err := s.load(ctx, "tasks.update", id)
	if err != nil {
		return taskstore.Task{}, err
	}
	if input.Title == nil && input.Description == nil && input.Completed == nil {
		return taskstore.Task{}, errs.New("tasks.update", errs.CodeInvalid,
			errs.WithMessage("no fields to update"), errs.WithRecord(task.ID))
	}
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return taskstore.Task{}, errs.New("tasks.update", errs.CodeInvalid,
				errs.WithMessage("title required"), errs.WithRecord(task.ID))
		}
		task.Title = title
	}
	if input.Description != nil {
		task.Description = strings.TrimSpace(*input.Description)
	}
	if input.Completed != nil {
		task.Completed = *input.Completed
	}
	task.SyncStatus = taskstore.StatusPending
	task.UpdatedAt = s.clock().UTC()

	if err := s.tasks.Update(ctx, task); err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			return taskstore.Task{}, errs.New("tasks.update", errs.CodeNotFound,
				errs.WithMessage("task not found"), errs.WithRecord(task.ID))
		}
		return taskstore.Task{}, errs.New("tasks.update", errs.CodeInternal,
			errs.WithMessage("persist task"), errs.WithCause(err))
	}
	if err := s.enqueue(ctx, task, outboxstore.OpUpdate); err != nil {
		return taskstore.Task{}, err
	}
	s.logger.Info().Str("record_id", task.ID).Msg("task updated")
	return task, nil
}

// Delete soft-deletes the record and queues the deletion for replay. The row
// survives locally so the remote can still be told about it.
func (s *Service) Delete(ctx context.Context, id string) error {
	task, err := s.load(ctx, "tasks.delete", id)
	if err != nil {
		return err
	}
	now := s.clock().UTC()
	if err := s.tasks.SoftDelete(ctx, task.ID, now); err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			return errs.New("tasks.delete", errs.CodeNotFound,
				errs.WithMessage("task not found"), errs.WithRecord(task.ID))
		}
		return errs.New("tasks.delete", errs.CodeInternal,
			errs.WithMessage("soft delete task"), errs.WithCause(err))
	}
	task.IsDeleted = true
	task.UpdatedAt = now
	if err := s.enqueue(ctx, task, outboxstore.OpDelete); err != nil {
		return err
	}
	s.logger.Info().Str("record_id", task.ID).Msg("task deleted")
	return nil
}

// StatusCounts reports how many records sit in each sync lifecycle state.
func (s *Service) StatusCounts(ctx context.Context) (taskstore.StatusCounts, error) {
	counts, err := s.tasks.StatusCounts(ctx)
	if err != nil {
		return taskstore.StatusCounts{}, errs.New("tasks.status", errs.CodeInternal,
			errs.WithMessage("count records"), errs.WithCause(err))
	}
	return counts, nil
}

// QueueStats reports outbox depth split by live and quarantined entries.
func (s *Service) QueueStats(ctx context.Context) (outboxstore.Stats, error) {
	stats, err := s.outbox.Stats(ctx)
	if err != nil {
		return outboxstore.Stats{}, errs.New("tasks.queue_stats", errs.CodeInternal,
			errs.WithMessage("read queue stats"), errs.WithCause(err))
	}
	return stats, nil
}

// PendingEntries returns queued mutations in dispatch order for inspection.
// Quarantined entries are excluded; a non-positive limit returns the whole
// queue.
func (s *Service) PendingEntries(ctx context.Context, limit int) ([]outboxstore.EntryRecord, error) {
	entries, err := s.outbox.ListPending(ctx, limit)
	if err != nil {
		return nil, errs.New("tasks.queue_peek", errs.CodeInternal,
			errs.WithMessage("read queue"), errs.WithCause(err))
	}
	return entries, nil
}

// Requeue revives a quarantined outbox entry and returns its record to the
// pending state so the next cycle retries it from scratch.
func (s *Service) Requeue(ctx context.Context, entryID int64) (outboxstore.EntryRecord, error) {
	if entryID <= 0 {
		return outboxstore.EntryRecord{}, errs.New("tasks.requeue", errs.CodeInvalid,
			errs.WithMessage("entry id required"))
	}
	entry, err := s.outbox.Requeue(ctx, entryID)
	if err != nil {
		if errors.Is(err, outboxstore.ErrNotFound) {
			return outboxstore.EntryRecord{}, errs.New("tasks.requeue", errs.CodeNotFound,
				errs.WithMessage("outbox entry not found"))
		}
		return outboxstore.EntryRecord{}, errs.New("tasks.requeue", errs.CodeInternal,
			errs.WithMessage("requeue entry"), errs.WithCause(err))
	}
	if err := s.tasks.SetSyncStatus(ctx, entry.RecordID, taskstore.StatusPending); err != nil && !errors.Is(err, taskstore.ErrNotFound) {
		s.logger.Warn().Err(err).Str("record_id", entry.RecordID).Msg("reset record status after requeue")
	}
	s.logger.Info().Int64("entry_id", entry.ID).Str("record_id", entry.RecordID).Msg("outbox entry requeued")
	return entry, nil
}

func (s *Service) load(ctx context.Context, op, id string) (taskstore.Task, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return taskstore.Task{}, errs.New(op, errs.CodeInvalid, errs.WithMessage("task id required"))
	}
	task, err := s.tasks.Get(ctx, trimmed)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			return taskstore.Task{}, errs.New(op, errs.CodeNotFound,
				errs.WithMessage("task not found"), errs.WithRecord(trimmed))
		}
		return taskstore.Task{}, errs.New(op, errs.CodeInternal,
			errs.WithMessage("load task"), errs.WithCause(err))
	}
	if task.IsDeleted {
		return taskstore.Task{}, errs.New(op, errs.CodeNotFound,
			errs.WithMessage("task not found"), errs.WithRecord(trimmed))
	}
	return task, nil
}

// enqueue queues the replay entry for a mutation already applied locally. A
// failure here leaves the record pending without a queue entry; the next
// mutation of the record enqueues a fresh full snapshot, which heals the gap.
func (s *Service) enqueue(ctx context.Context, task taskstore.Task, op outboxstore.Operation) error {
	payload, err := taskstore.EncodePayload(task)
	if err != nil {
		return errs.New("tasks.enqueue", errs.CodeInternal,
			errs.WithMessage("encode payload"), errs.WithRecord(task.ID), errs.WithCause(err))
	}
	entry := outboxstore.Entry{RecordID: task.ID, Operation: op, Payload: payload}
	if _, err := s.outbox.Enqueue(ctx, entry); err != nil {
		s.logger.Error().Err(err).
			Str("record_id", task.ID).
			Str("operation", string(op)).
			Msg("enqueue outbox entry")
		return errs.New("tasks.enqueue", errs.CodeInternal,
			errs.WithMessage("queue sync entry"), errs.WithRecord(task.ID), errs.WithCause(err))
	}
	return nil
}
