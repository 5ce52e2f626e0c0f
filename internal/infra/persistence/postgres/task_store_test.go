package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/cadelake/outpost/internal/domain/taskstore"
)

func TestTaskStoreNilPool(t *testing.T) {
	store := NewTaskStore(nil)
	ctx := context.Background()
	now := time.Now().UTC()
	task := taskstore.Task{
		ID:         "task-1",
		Title:      "write report",
		SyncStatus: taskstore.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.Create(ctx, task); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.Get(ctx, "task-1"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.List(ctx, taskstore.Query{}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.Update(ctx, task); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.SoftDelete(ctx, "task-1", now); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.MarkInProgress(ctx, []string{"task-1"}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.SetSyncStatus(ctx, "task-1", taskstore.StatusError); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.ApplyResolution(ctx, taskstore.Resolution{RecordID: "task-1"}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.StatusCounts(ctx); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestClampLimit(t *testing.T) {
	if got := clampLimit(0, defaultTaskLimit, maxTaskLimit); got != defaultTaskLimit {
		t.Fatalf("expected fallback for zero, got %d", got)
	}
	if got := clampLimit(-5, defaultTaskLimit, maxTaskLimit); got != defaultTaskLimit {
		t.Fatalf("expected fallback for negative, got %d", got)
	}
	if got := clampLimit(25, defaultTaskLimit, maxTaskLimit); got != 25 {
		t.Fatalf("expected passthrough, got %d", got)
	}
	if got := clampLimit(9000, defaultTaskLimit, maxTaskLimit); got != maxTaskLimit {
		t.Fatalf("expected cap at max, got %d", got)
	}
}

func TestNullableHelpers(t *testing.T) {
	if v := nullableString("  "); v != nil {
		t.Fatalf("expected nil for blank string, got %v", v)
	}
	if v := nullableString(" srv-9 "); v != "srv-9" {
		t.Fatalf("expected trimmed value, got %v", v)
	}
	if v := nullableText(nil); v != nil {
		t.Fatalf("expected nil for absent text, got %v", v)
	}
	empty := ""
	if v := nullableText(&empty); v != "" {
		t.Fatalf("expected empty string preserved, got %v", v)
	}
	flag := true
	if v := nullableBool(&flag); v != true {
		t.Fatalf("expected bool passthrough, got %v", v)
	}
	if v := nullableTime(nil); v != nil {
		t.Fatalf("expected nil for absent time, got %v", v)
	}
}
