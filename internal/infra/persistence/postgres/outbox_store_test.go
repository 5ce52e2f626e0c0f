package postgres

import (
	"context"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/cadelake/outpost/internal/domain/outboxstore"
)

func TestOutboxStoreNilPool(t *testing.T) {
	store := NewOutboxStore(nil)
	ctx := context.Background()
	entry := outboxstore.Entry{
		RecordID:  "task-1",
		Operation: outboxstore.OpCreate,
		Payload:   json.RawMessage(`{"id":"task-1"}`),
	}
	if _, err := store.Enqueue(ctx, entry); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListPending(ctx, 1); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.MarkFailed(ctx, 1, 1, "error"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.MarkDead(ctx, 1, 4, "exhausted"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.Requeue(ctx, 1); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.Delete(ctx, 1); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.Stats(ctx); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestOutboxStoreRejectsInvalidEntry(t *testing.T) {
	store := NewOutboxStore(nil)
	ctx := context.Background()

	cases := map[string]outboxstore.Entry{
		"blank record id": {
			RecordID:  "  ",
			Operation: outboxstore.OpCreate,
			Payload:   json.RawMessage(`{}`),
		},
		"unknown operation": {
			RecordID:  "task-1",
			Operation: outboxstore.Operation("merge"),
			Payload:   json.RawMessage(`{}`),
		},
		"empty payload": {
			RecordID:  "task-1",
			Operation: outboxstore.OpUpdate,
			Payload:   nil,
		},
	}
	for name, entry := range cases {
		if _, err := store.Enqueue(ctx, entry); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
