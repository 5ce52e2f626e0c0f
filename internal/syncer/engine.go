// Package syncer implements the offline-first dispatch loop: it drains the
// durable outbox in FIFO order, submits fixed-size batches to the remote
// authority, and reconciles every verdict back onto the task table.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cadelake/outpost/internal/domain/outboxstore"
	"github.com/cadelake/outpost/internal/domain/taskstore"
	"github.com/cadelake/outpost/internal/remote"
	"github.com/cadelake/outpost/internal/telemetry"
)

// DefaultBatchSize bounds how many outbox entries ride in one request.
const DefaultBatchSize = 50

// Gateway is the remote surface the engine dispatches batches through.
type Gateway interface {
	SubmitBatch(ctx context.Context, batch remote.BatchRequest) (remote.BatchResponse, error)
}

// Config carries the dispatch knobs, threaded in once at construction.
type Config struct {
	BatchSize  int
	MaxRetries int
}

// Engine runs sync cycles. Callers must serialize invocations: two
// overlapping cycles would race on retry bookkeeping for the same entries.
//
// Records left at in-progress by a crash are re-included automatically: the
// queue read keys on surviving outbox entries, not on record status.
type Engine struct {
	tasks     taskstore.Store
	outbox    outboxstore.Store
	gateway   Gateway
	policy    RetryPolicy
	batchSize int
	logger    zerolog.Logger
	metrics   *engineMetrics
	clock     func() time.Time
}

// NewEngine constructs an Engine over the given stores and remote gateway.
func NewEngine(tasks taskstore.Store, outbox outboxstore.Store, gateway Gateway, cfg Config, logger zerolog.Logger) *Engine {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Engine{
		tasks:     tasks,
		outbox:    outbox,
		gateway:   gateway,
		policy:    NewRetryPolicy(cfg.MaxRetries),
		batchSize: batchSize,
		logger:    logger,
		metrics:   newEngineMetrics(),
		clock:     time.Now,
	}
}

// WithClock overrides the internal clock, primarily for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	if clock != nil {
		e.clock = clock
	}
	return e
}

// Sync runs one full dispatch cycle and reports the aggregate outcome. The
// returned error is non-nil only when the queue cannot be read at all;
// per-item and per-batch failures are folded into the Result instead.
func (e *Engine) Sync(ctx context.Context) (Result, error) {
	result := Result{
		Success:   true,
		Errors:    []ItemError{},
		StartedAt: e.clock().UTC(),
	}
	if e.tasks == nil || e.outbox == nil || e.gateway == nil {
		result.Success = false
		result.FinishedAt = e.clock().UTC()
		return result, errors.New("syncer: engine not fully wired")
	}

	pending, err := e.outbox.ListPending(ctx, 0)
	if err != nil {
		result.Success = false
		result.FinishedAt = e.clock().UTC()
		return result, fmt.Errorf("syncer: read outbox: %w", err)
	}
	if len(pending) == 0 {
		result.FinishedAt = e.clock().UTC()
		e.metrics.recordCycle(ctx, true, result.Duration())
		e.logger.Debug().Msg("sync cycle skipped: outbox empty")
		return result, nil
	}

	working := e.screenEntries(ctx, &result, pending)

	batchFailure := false
	for start := 0; start < len(working); start += e.batchSize {
		if ctx.Err() != nil {
			batchFailure = true
			e.logger.Warn().Int("remaining", len(working)-start).Msg("sync cycle interrupted")
			break
		}
		end := start + e.batchSize
		if end > len(working) {
			end = len(working)
		}
		if !e.dispatchBatch(ctx, &result, working[start:end]) {
			batchFailure = true
		}
	}

	if batchFailure || result.FailedItems > 0 {
		result.Success = false
	}
	result.FinishedAt = e.clock().UTC()
	e.metrics.recordCycle(ctx, result.Success, result.Duration())
	e.logger.Info().
		Bool("success", result.Success).
		Int("synced_items", result.SyncedItems).
		Int("failed_items", result.FailedItems).
		Int("errors", len(result.Errors)).
		Dur("duration", result.Duration()).
		Msg("sync cycle completed")
	return result, nil
}

// screenEntries drops entries whose payload no longer decodes, quarantining
// them as data-integrity failures before anything goes on the wire.
func (e *Engine) screenEntries(ctx context.Context, result *Result, entries []outboxstore.EntryRecord) []outboxstore.EntryRecord {
	working := make([]outboxstore.EntryRecord, 0, len(entries))
	for _, entry := range entries {
		if _, err := taskstore.DecodePayload(entry.Payload); err != nil {
			e.dropCorrupt(ctx, result, entry, err)
			continue
		}
		working = append(working, entry)
	}
	return working
}

func (e *Engine) dropCorrupt(ctx context.Context, result *Result, entry outboxstore.EntryRecord, cause error) {
	message := "undecodable payload: " + cause.Error()
	if err := e.outbox.MarkDead(ctx, entry.ID, entry.RetryCount, message); err != nil {
		e.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("quarantine outbox entry")
	}
	e.setStatus(ctx, entry.RecordID, taskstore.StatusFailed)
	result.FailedItems++
	result.appendError(KindIntegrity, entry.RecordID, string(entry.Operation), message, e.clock().UTC())
	e.metrics.recordItem(ctx, string(entry.Operation), telemetry.OutcomeQuarantined)
	e.logger.Warn().
		Str("record_id", entry.RecordID).
		Int64("entry_id", entry.ID).
		Msg("outbox entry quarantined: undecodable payload")
}

// dispatchBatch sends one batch and reconciles its response. It reports
// false when no usable per-item response came back.
func (e *Engine) dispatchBatch(ctx context.Context, result *Result, batch []outboxstore.EntryRecord) bool {
	ids := make([]string, 0, len(batch))
	seen := make(map[string]struct{}, len(batch))
	items := make([]remote.BatchItem, 0, len(batch))
	for _, entry := range batch {
		if _, ok := seen[entry.RecordID]; !ok {
			seen[entry.RecordID] = struct{}{}
			ids = append(ids, entry.RecordID)
		}
		items = append(items, remote.BatchItem{
			ID:        entry.ID,
			RecordID:  entry.RecordID,
			Operation: string(entry.Operation),
			Payload:   entry.Payload,
		})
	}

	// The in-progress marker is the crash-recovery breadcrumb, not a gate:
	// a failed bulk update must not block the send.
	if err := e.tasks.MarkInProgress(ctx, ids); err != nil {
		e.logger.Warn().Err(err).Int("records", len(ids)).Msg("mark records in-progress")
	}

	request := remote.BatchRequest{
		Items:           items,
		ClientTimestamp: e.clock().UTC(),
		Checksum:        BatchChecksum(items),
	}

	response, err := e.gateway.SubmitBatch(ctx, request)
	if err != nil {
		e.metrics.recordBatch(ctx, false)
		if ctx.Err() != nil {
			// Shutdown mid-cycle: leave the entries untouched rather than
			// burning an attempt they never got.
			e.logger.Warn().Int("items", len(batch)).Msg("batch abandoned: context done")
			return false
		}
		e.logger.Warn().Err(err).Int("items", len(batch)).Msg("batch dispatch failed")
		for _, entry := range batch {
			e.handleFailure(ctx, result, entry, "batch dispatch failed: "+err.Error())
		}
		return false
	}
	e.metrics.recordBatch(ctx, true)

	consumed := make([]bool, len(batch))
	for _, item := range response.ProcessedItems {
		idx := matchEntry(batch, consumed, item.ClientID)
		if idx < 0 {
			e.logger.Debug().Str("client_id", item.ClientID).Msg("response item without matching batch entry ignored")
			continue
		}
		consumed[idx] = true
		e.reconcile(ctx, result, batch[idx], item)
	}
	for idx, entry := range batch {
		if !consumed[idx] {
			e.handleFailure(ctx, result, entry, "no response item received")
		}
	}
	return true
}

// reconcile applies one server verdict to the local record and queue.
func (e *Engine) reconcile(ctx context.Context, result *Result, entry outboxstore.EntryRecord, item remote.ProcessedItem) {
	switch item.Status {
	case remote.StatusSuccess:
		e.applyOutcome(ctx, result, entry, item, false)
	case remote.StatusConflict:
		e.applyOutcome(ctx, result, entry, item, true)
	case remote.StatusError:
		message := item.Error.String()
		if message == "" {
			message = "remote rejected item"
		}
		e.handleFailure(ctx, result, entry, message)
	default:
		e.handleFailure(ctx, result, entry, fmt.Sprintf("unknown response status %q", item.Status))
	}
}

func (e *Engine) applyOutcome(ctx context.Context, result *Result, entry outboxstore.EntryRecord, item remote.ProcessedItem, conflict bool) {
	fields, err := taskstore.DecodeResolved(item.ResolvedData)
	if err != nil {
		e.handleFailure(ctx, result, entry, "undecodable resolved payload: "+err.Error())
		return
	}
	resolution := taskstore.Resolution{
		RecordID: entry.RecordID,
		ServerID: item.ServerID,
		Fields:   fields,
	}
	if err := e.tasks.ApplyResolution(ctx, resolution); err != nil {
		if !errors.Is(err, taskstore.ErrNotFound) {
			e.handleFailure(ctx, result, entry, "apply resolution: "+err.Error())
			return
		}
		// The authority acknowledged an intent for a record that no longer
		// exists locally; dropping the entry prevents an endless replay.
		e.logger.Warn().Str("record_id", entry.RecordID).Msg("resolution for missing record, dropping outbox entry")
	}
	if err := e.outbox.Delete(ctx, entry.ID); err != nil && !errors.Is(err, outboxstore.ErrNotFound) {
		e.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("delete reconciled outbox entry")
	}
	result.SyncedItems++
	if conflict {
		message := "resolved by remote authority"
		if note := item.Error.String(); note != "" {
			message = note
		}
		result.appendError(KindConflict, entry.RecordID, string(entry.Operation), message, e.clock().UTC())
		e.metrics.recordItem(ctx, string(entry.Operation), telemetry.OutcomeConflict)
		return
	}
	e.metrics.recordItem(ctx, string(entry.Operation), telemetry.OutcomeSynced)
}

// handleFailure runs the bounded retry policy for one failed entry.
func (e *Engine) handleFailure(ctx context.Context, result *Result, entry outboxstore.EntryRecord, message string) {
	at := e.clock().UTC()
	newCount := entry.RetryCount + 1
	if e.policy.Exhausted(newCount) {
		if err := e.outbox.MarkDead(ctx, entry.ID, newCount, message); err != nil {
			e.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("quarantine outbox entry")
		}
		e.setStatus(ctx, entry.RecordID, taskstore.StatusFailed)
		result.FailedItems++
		result.appendError(KindPermanent, entry.RecordID, string(entry.Operation), message, at)
		e.metrics.recordItem(ctx, string(entry.Operation), telemetry.OutcomeQuarantined)
		e.logger.Warn().
			Str("record_id", entry.RecordID).
			Int("retry_count", newCount).
			Msg("outbox entry quarantined: retries exhausted")
		return
	}
	if err := e.outbox.MarkFailed(ctx, entry.ID, newCount, message); err != nil {
		e.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("record outbox failure")
	}
	e.setStatus(ctx, entry.RecordID, taskstore.StatusError)
	result.appendError(KindTransient, entry.RecordID, string(entry.Operation), message, at)
	e.metrics.recordItem(ctx, string(entry.Operation), telemetry.OutcomeRetried)
}

func (e *Engine) setStatus(ctx context.Context, recordID string, status taskstore.SyncStatus) {
	if err := e.tasks.SetSyncStatus(ctx, recordID, status); err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			e.logger.Debug().
				Str("record_id", recordID).
				Str("status", string(status)).
				Msg("record missing during status update")
			return
		}
		e.logger.Error().Err(err).Str("record_id", recordID).Msg("update record sync status")
	}
}

func matchEntry(batch []outboxstore.EntryRecord, consumed []bool, clientID string) int {
	for i, entry := range batch {
		if !consumed[i] && entry.RecordID == clientID {
			return i
		}
	}
	return -1
}
