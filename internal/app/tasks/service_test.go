package tasks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cadelake/outpost/errs"
	"github.com/cadelake/outpost/internal/domain/taskstore"
	"github.com/cadelake/outpost/internal/testutil/memstore"
)

var fixedNow = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *memstore.TaskStore, *memstore.OutboxStore) {
	t.Helper()
	tasks := memstore.NewTaskStore()
	outbox := memstore.NewOutboxStore()
	sequence := 0
	svc := NewService(tasks, outbox, zerolog.Nop(),
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string {
			sequence++
			return fmt.Sprintf("task-%d", sequence)
		}),
	)
	return svc, tasks, outbox
}

func TestCreateQueuesEntry(t *testing.T) {
	svc, tasks, outbox := newTestService(t)

	task, err := svc.Create(context.Background(), CreateInput{
		Title:       "  Write report  ",
		Description: " weekly summary ",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.ID != "task-1" {
		t.Fatalf("id = %q", task.ID)
	}
	if task.Title != "Write report" || task.Description != "weekly summary" {
		t.Fatalf("fields not trimmed: %+v", task)
	}
	if task.SyncStatus != taskstore.StatusPending {
		t.Fatalf("status = %q", task.SyncStatus)
	}
	if !task.CreatedAt.Equal(fixedNow) || !task.UpdatedAt.Equal(fixedNow) {
		t.Fatalf("timestamps not stamped: %+v", task)
	}

	if _, ok := tasks.Snapshot("task-1"); !ok {
		t.Fatal("row not persisted")
	}
	entries := outbox.All()
	if len(entries) != 1 {
		t.Fatalf("expected one outbox entry, got %d", len(entries))
	}
	if entries[0].RecordID != "task-1" || string(entries[0].Operation) != "create" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
	payload, err := taskstore.DecodePayload(entries[0].Payload)
	if err != nil {
		t.Fatalf("payload must decode: %v", err)
	}
	if payload.ID != "task-1" || payload.Title != "Write report" {
		t.Fatalf("payload snapshot wrong: %+v", payload)
	}
}

func TestCreateRequiresTitle(t *testing.T) {
	svc, _, outbox := newTestService(t)

	_, err := svc.Create(context.Background(), CreateInput{Title: "   "})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("code = %q", errs.CodeOf(err))
	}
	if len(outbox.All()) != 0 {
		t.Fatal("nothing should be queued")
	}
}

func TestGetHidesDeleted(t *testing.T) {
	svc, tasks, _ := newTestService(t)
	tasks.Put(taskstore.Task{ID: "live", Title: "a", SyncStatus: taskstore.StatusPending, CreatedAt: fixedNow, UpdatedAt: fixedNow})
	tasks.Put(taskstore.Task{ID: "gone", Title: "b", IsDeleted: true, SyncStatus: taskstore.StatusPending, CreatedAt: fixedNow, UpdatedAt: fixedNow})

	if _, err := svc.Get(context.Background(), "live"); err != nil {
		t.Fatalf("Get live: %v", err)
	}
	if _, err := svc.Get(context.Background(), "gone"); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("deleted rows must read as missing, got %v", err)
	}
	if _, err := svc.Get(context.Background(), "nope"); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("unknown id must read as missing, got %v", err)
	}
}

func TestUpdateAppliesPartialEdit(t *testing.T) {
	svc, tasks, outbox := newTestService(t)
	created, err := svc.Create(context.Background(), CreateInput{Title: "original"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	done := true
	updated, err := svc.Update(context.Background(), created.ID, UpdateInput{Completed: &done})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Title != "original" {
		t.Fatalf("untouched field changed: %+v", updated)
	}
	if !updated.Completed {
		t.Fatalf("completed not applied: %+v", updated)
	}
	if updated.SyncStatus != taskstore.StatusPending {
		t.Fatalf("edit must return record to pending, got %q", updated.SyncStatus)
	}

	row, _ := tasks.Snapshot(created.ID)
	if !row.Completed || row.SyncStatus != taskstore.StatusPending {
		t.Fatalf("row not updated: %+v", row)
	}
	entries := outbox.All()
	if len(entries) != 2 || string(entries[1].Operation) != "update" {
		t.Fatalf("expected a queued update, got %+v", entries)
	}
}

func TestUpdateRejectsEmptyEdit(t *testing.T) {
	svc, _, _ := newTestService(t)
	created, err := svc.Create(context.Background(), CreateInput{Title: "keep"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := svc.Update(context.Background(), created.ID, UpdateInput{}); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("empty edit must be invalid, got %v", err)
	}
	blank := "   "
	if _, err := svc.Update(context.Background(), created.ID, UpdateInput{Title: &blank}); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("blank title must be invalid, got %v", err)
	}
}

func TestUpdateMissingTask(t *testing.T) {
	svc, _, _ := newTestService(t)
	done := true
	if _, err := svc.Update(context.Background(), "ghost", UpdateInput{Completed: &done}); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteSoftDeletesAndQueues(t *testing.T) {
	svc, tasks, outbox := newTestService(t)
	created, err := svc.Create(context.Background(), CreateInput{Title: "doomed"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := svc.Delete(context.Background(), created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	row, ok := tasks.Snapshot(created.ID)
	if !ok {
		t.Fatal("soft delete must keep the row")
	}
	if !row.IsDeleted || row.SyncStatus != taskstore.StatusPending {
		t.Fatalf("row not soft-deleted: %+v", row)
	}
	if _, err := svc.Get(context.Background(), created.ID); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("deleted record must read as missing, got %v", err)
	}

	entries := outbox.All()
	if len(entries) != 2 || string(entries[1].Operation) != "delete" {
		t.Fatalf("expected a queued delete, got %+v", entries)
	}
	payload, err := taskstore.DecodePayload(entries[1].Payload)
	if err != nil {
		t.Fatalf("payload must decode: %v", err)
	}
	if !payload.IsDeleted {
		t.Fatalf("delete payload must carry the tombstone: %+v", payload)
	}

	if err := svc.Delete(context.Background(), created.ID); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("double delete must be not found, got %v", err)
	}
}

func TestListFiltersStatusAndHidesDeleted(t *testing.T) {
	svc, tasks, _ := newTestService(t)
	tasks.Put(taskstore.Task{ID: "p", Title: "a", SyncStatus: taskstore.StatusPending, CreatedAt: fixedNow, UpdatedAt: fixedNow})
	tasks.Put(taskstore.Task{ID: "s", Title: "b", SyncStatus: taskstore.StatusSynced, CreatedAt: fixedNow.Add(time.Second), UpdatedAt: fixedNow})
	tasks.Put(taskstore.Task{ID: "d", Title: "c", IsDeleted: true, SyncStatus: taskstore.StatusPending, CreatedAt: fixedNow.Add(2 * time.Second), UpdatedAt: fixedNow})

	all, err := svc.List(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("soft-deleted rows must be hidden, got %d rows", len(all))
	}

	synced, err := svc.List(context.Background(), ListOptions{Status: taskstore.StatusSynced})
	if err != nil {
		t.Fatalf("List synced: %v", err)
	}
	if len(synced) != 1 || synced[0].ID != "s" {
		t.Fatalf("status filter broken: %+v", synced)
	}

	if _, err := svc.List(context.Background(), ListOptions{Status: taskstore.SyncStatus("bogus")}); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("unknown status must be invalid, got %v", err)
	}
}

func TestRequeueRevivesEntry(t *testing.T) {
	svc, tasks, outbox := newTestService(t)
	created, err := svc.Create(context.Background(), CreateInput{Title: "stuck"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	entryID := outbox.All()[0].ID
	if err := outbox.MarkDead(context.Background(), entryID, 4, "exhausted"); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}
	if err := tasks.SetSyncStatus(context.Background(), created.ID, taskstore.StatusFailed); err != nil {
		t.Fatalf("SetSyncStatus: %v", err)
	}

	entry, err := svc.Requeue(context.Background(), entryID)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if entry.Dead || entry.RetryCount != 0 || entry.ErrorMessage != "" {
		t.Fatalf("entry not revived: %+v", entry)
	}
	row, _ := tasks.Snapshot(created.ID)
	if row.SyncStatus != taskstore.StatusPending {
		t.Fatalf("record must return to pending, got %q", row.SyncStatus)
	}

	if _, err := svc.Requeue(context.Background(), 0); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("zero entry id must be invalid, got %v", err)
	}
	if _, err := svc.Requeue(context.Background(), 999); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("unknown entry must be not found, got %v", err)
	}
}

func TestStatusCountsAndQueueStats(t *testing.T) {
	svc, tasks, _ := newTestService(t)
	tasks.Put(taskstore.Task{ID: "1", SyncStatus: taskstore.StatusPending})
	tasks.Put(taskstore.Task{ID: "2", SyncStatus: taskstore.StatusSynced})
	tasks.Put(taskstore.Task{ID: "3", SyncStatus: taskstore.StatusFailed})

	counts, err := svc.StatusCounts(context.Background())
	if err != nil {
		t.Fatalf("StatusCounts: %v", err)
	}
	if counts.Pending != 1 || counts.Synced != 1 || counts.Failed != 1 || counts.Total() != 3 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	if _, err := svc.Create(context.Background(), CreateInput{Title: "queued"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	stats, err := svc.QueueStats(context.Background())
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if stats.Pending != 1 || stats.Dead != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
