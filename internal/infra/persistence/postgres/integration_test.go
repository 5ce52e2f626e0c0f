package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cadelake/outpost/internal/app/tasks"
	"github.com/cadelake/outpost/internal/domain/outboxstore"
	"github.com/cadelake/outpost/internal/domain/taskstore"
	"github.com/cadelake/outpost/internal/infra/config"
	"github.com/cadelake/outpost/internal/infra/persistence/migrations"
	pgstore "github.com/cadelake/outpost/internal/infra/persistence/postgres"
	"github.com/cadelake/outpost/internal/remote"
	"github.com/cadelake/outpost/internal/syncer"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "outpost"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres integration tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/outpost?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn, "", zerolog.Nop()); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func resetTables(t *testing.T, ctx context.Context) {
	t.Helper()
	if _, err := testPool.Exec(ctx, "TRUNCATE tasks, outbox RESTART IDENTITY"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}

func TestTaskStoreRoundTrip(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	resetTables(t, ctx)
	store := pgstore.New(testPool).Tasks()

	now := time.Now().UTC().Truncate(time.Millisecond)
	task := taskstore.Task{
		ID:          uuid.NewString(),
		Title:       "integration check",
		Description: "write path",
		SyncStatus:  taskstore.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, task); !errors.Is(err, taskstore.ErrExists) {
		t.Fatalf("duplicate create error = %v, want ErrExists", err)
	}

	got, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != task.Title || got.SyncStatus != taskstore.StatusPending {
		t.Fatalf("unexpected row: %+v", got)
	}

	got.Completed = true
	got.UpdatedAt = time.Now().UTC()
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := store.MarkInProgress(ctx, []string{task.ID}); err != nil {
		t.Fatalf("mark in progress: %v", err)
	}
	got, err = store.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get after mark: %v", err)
	}
	if got.SyncStatus != taskstore.StatusInProgress {
		t.Fatalf("status = %s, want %s", got.SyncStatus, taskstore.StatusInProgress)
	}

	resolvedTitle := "authoritative title"
	if err := store.ApplyResolution(ctx, taskstore.Resolution{
		RecordID: task.ID,
		ServerID: "srv-100",
		Fields:   taskstore.ResolvedFields{Title: &resolvedTitle},
	}); err != nil {
		t.Fatalf("apply resolution: %v", err)
	}
	got, err = store.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get after resolution: %v", err)
	}
	if got.SyncStatus != taskstore.StatusSynced {
		t.Fatalf("status = %s, want %s", got.SyncStatus, taskstore.StatusSynced)
	}
	if got.ServerID != "srv-100" || got.Title != resolvedTitle {
		t.Fatalf("resolution not applied: %+v", got)
	}
	if got.LastSyncedAt == nil {
		t.Fatal("last synced at not recorded")
	}
	if !got.Completed {
		t.Fatal("unresolved field should keep its local value")
	}

	counts, err := store.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("status counts: %v", err)
	}
	if counts.Synced != 1 || counts.Total() != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	if err := store.SoftDelete(ctx, task.ID, time.Now().UTC()); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	live, err := store.List(ctx, taskstore.Query{})
	if err != nil {
		t.Fatalf("list live: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("expected no live rows, got %d", len(live))
	}
	all, err := store.List(ctx, taskstore.Query{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 || !all[0].IsDeleted {
		t.Fatalf("expected one deleted row, got %+v", all)
	}
	if all[0].SyncStatus != taskstore.StatusPending {
		t.Fatalf("soft delete should return the row to pending, got %s", all[0].SyncStatus)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, taskstore.ErrNotFound) {
		t.Fatalf("missing row error = %v, want ErrNotFound", err)
	}
}

func TestOutboxStoreQueueSemantics(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	resetTables(t, ctx)
	store := pgstore.New(testPool).Outbox()

	first, err := store.Enqueue(ctx, outboxstore.Entry{
		RecordID:  "rec-a",
		Operation: outboxstore.OpCreate,
		Payload:   json.RawMessage(`{"id":"rec-a","title":"a"}`),
	})
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	second, err := store.Enqueue(ctx, outboxstore.Entry{
		RecordID:  "rec-b",
		Operation: outboxstore.OpUpdate,
		Payload:   json.RawMessage(`{"id":"rec-b","title":"b"}`),
	})
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	pending, err := store.ListPending(ctx, 0)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != first.ID || pending[1].ID != second.ID {
		t.Fatalf("unexpected queue order: %+v", pending)
	}

	if err := store.MarkFailed(ctx, first.ID, 1, "remote rejected"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	pending, err = store.ListPending(ctx, 0)
	if err != nil {
		t.Fatalf("list after failure: %v", err)
	}
	if pending[0].ID != first.ID {
		t.Fatal("failed entry should keep its queue position")
	}
	if pending[0].RetryCount != 1 || pending[0].ErrorMessage != "remote rejected" {
		t.Fatalf("failure not recorded: %+v", pending[0])
	}

	if err := store.MarkDead(ctx, first.ID, 4, "retries exhausted"); err != nil {
		t.Fatalf("mark dead: %v", err)
	}
	pending, err = store.ListPending(ctx, 0)
	if err != nil {
		t.Fatalf("list after quarantine: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("quarantined entry still listed: %+v", pending)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 1 || stats.Dead != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	revived, err := store.Requeue(ctx, first.ID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if revived.Dead || revived.RetryCount != 0 || revived.ErrorMessage != "" {
		t.Fatalf("requeue did not reset the entry: %+v", revived)
	}
	pending, err = store.ListPending(ctx, 0)
	if err != nil {
		t.Fatalf("list after requeue: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != first.ID {
		t.Fatalf("revived entry should lead the queue again: %+v", pending)
	}

	if err := store.Delete(ctx, second.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, second.ID); !errors.Is(err, outboxstore.ErrNotFound) {
		t.Fatalf("double delete error = %v, want ErrNotFound", err)
	}
	if _, err := store.Requeue(ctx, 99999); !errors.Is(err, outboxstore.ErrNotFound) {
		t.Fatalf("requeue missing error = %v, want ErrNotFound", err)
	}
}

func TestSyncCycleEndToEnd(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	resetTables(t, ctx)

	store := pgstore.New(testPool)
	logger := zerolog.Nop()
	svc := tasks.NewService(store.Tasks(), store.Outbox(), logger)

	first, err := svc.Create(ctx, tasks.CreateInput{Title: "ship the release"})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := svc.Create(ctx, tasks.CreateInput{Title: "tag the build", Completed: true})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	var batchRequests int
	remoteSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/batch":
			batchRequests++
			var req remote.BatchRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			resp := remote.BatchResponse{}
			for _, item := range req.Items {
				resp.ProcessedItems = append(resp.ProcessedItems, remote.ProcessedItem{
					ClientID: item.RecordID,
					ServerID: "srv-" + item.RecordID,
					Status:   remote.StatusSuccess,
				})
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(resp)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer remoteSrv.Close()

	client, err := remote.NewClient(config.RemoteConfig{
		BaseURL:      remoteSrv.URL,
		BatchTimeout: 5 * time.Second,
		ProbeTimeout: 2 * time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("remote client: %v", err)
	}
	if err := client.CheckHealth(ctx); err != nil {
		t.Fatalf("health probe: %v", err)
	}

	engine := syncer.NewEngine(store.Tasks(), store.Outbox(), client, syncer.Config{}, logger)
	result, err := engine.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !result.Success || result.SyncedItems != 2 || result.FailedItems != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if batchRequests != 1 {
		t.Fatalf("expected one batch request, got %d", batchRequests)
	}

	for _, id := range []string{first.ID, second.ID} {
		row, err := store.Tasks().Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if row.SyncStatus != taskstore.StatusSynced {
			t.Fatalf("record %s status = %s, want %s", id, row.SyncStatus, taskstore.StatusSynced)
		}
		if row.ServerID != "srv-"+id {
			t.Fatalf("record %s server id = %q", id, row.ServerID)
		}
		if row.LastSyncedAt == nil {
			t.Fatalf("record %s missing last synced at", id)
		}
	}

	stats, err := store.Outbox().Stats(ctx)
	if err != nil {
		t.Fatalf("outbox stats: %v", err)
	}
	if stats.Pending != 0 || stats.Dead != 0 {
		t.Fatalf("queue not drained: %+v", stats)
	}
}
