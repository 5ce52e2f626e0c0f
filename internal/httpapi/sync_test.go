package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cadelake/outpost/internal/app/runner"
	"github.com/cadelake/outpost/internal/domain/taskstore"
	"github.com/cadelake/outpost/internal/remote"
	"github.com/cadelake/outpost/internal/syncer"
)

func TestSyncRoundTrip(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	first := createTaskViaAPI(t, h, "pack the tent")
	second := createTaskViaAPI(t, h, "check the forecast")

	rec := h.do(t, http.MethodPost, "/v1/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result syncer.Result
	decodeInto(t, rec, &result)
	require.True(t, result.Success)
	require.Equal(t, 2, result.SyncedItems)
	require.Equal(t, 0, result.FailedItems)
	require.Empty(t, result.Errors)

	for _, id := range []string{first.ID, second.ID} {
		row, ok := h.tasks.Snapshot(id)
		require.True(t, ok)
		require.Equal(t, taskstore.StatusSynced, row.SyncStatus)
		require.Equal(t, "srv-"+id, row.ServerID)
	}

	status := h.do(t, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, status.Code)
	var snap statusResponse
	decodeInto(t, status, &snap)
	require.Equal(t, 2, snap.Tasks.Synced)
	require.Equal(t, 0, snap.Outbox.Pending)
	require.Equal(t, runner.StateIdle, snap.Runner.State)
	require.NotNil(t, snap.Runner.LastResult)
	require.Equal(t, 2, snap.Runner.LastResult.SyncedItems)
}

func TestSyncOfflineReturns503(t *testing.T) {
	h := newHarness(t, harnessOpts{probeErr: errors.New("dial tcp: connection refused")})
	createTaskViaAPI(t, h, "stays queued")

	rec := h.do(t, http.MethodPost, "/v1/sync", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body errorResponse
	decodeInto(t, rec, &body)
	require.Equal(t, "unavailable", body.Error.Code)
	require.Equal(t, "currently offline", body.Error.Message)
	require.NotEmpty(t, body.Error.Remediation)

	// Queue untouched, no retry budget spent.
	entries := h.outbox.All()
	require.Len(t, entries, 1)
	require.Equal(t, 0, entries[0].RetryCount)

	status := h.do(t, http.MethodGet, "/v1/status", nil)
	var snap statusResponse
	decodeInto(t, status, &snap)
	require.Equal(t, runner.StateOffline, snap.Runner.State)
	require.Equal(t, 1, snap.Runner.ProbeFailures)
}

func TestSyncReportsItemRejection(t *testing.T) {
	reject := gatewayFunc(func(_ context.Context, batch remote.BatchRequest) (remote.BatchResponse, error) {
		resp := remote.BatchResponse{}
		for _, item := range batch.Items {
			resp.ProcessedItems = append(resp.ProcessedItems, remote.ProcessedItem{
				ClientID: item.RecordID,
				Status:   remote.StatusError,
				Error:    &remote.ItemError{Code: "validation", Message: "title too long"},
			})
		}
		return resp, nil
	})
	h := newHarness(t, harnessOpts{gateway: reject})
	created := createTaskViaAPI(t, h, "rejected upstream")

	rec := h.do(t, http.MethodPost, "/v1/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result syncer.Result
	decodeInto(t, rec, &result)
	require.True(t, result.Success)
	require.Equal(t, 0, result.SyncedItems)
	require.Equal(t, 0, result.FailedItems)
	require.Len(t, result.Errors, 1)
	require.Equal(t, syncer.KindTransient, result.Errors[0].Kind)
	require.Equal(t, created.ID, result.Errors[0].RecordID)

	row, ok := h.tasks.Snapshot(created.ID)
	require.True(t, ok)
	require.Equal(t, taskstore.StatusError, row.SyncStatus)

	entries := h.outbox.All()
	require.Len(t, entries, 1)
	require.Equal(t, 1, entries[0].RetryCount)
}

func TestRequeueEndpoint(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	created := createTaskViaAPI(t, h, "quarantined work")

	ctx := context.Background()
	entries := h.outbox.All()
	require.Len(t, entries, 1)
	require.NoError(t, h.outbox.MarkDead(ctx, entries[0].ID, 4, "retries exhausted"))
	require.NoError(t, h.tasks.SetSyncStatus(ctx, created.ID, taskstore.StatusFailed))

	rec := h.do(t, http.MethodPost, fmt.Sprintf("/v1/outbox/%d/requeue", entries[0].ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var revived outboxEntryResponse
	decodeInto(t, rec, &revived)
	require.Equal(t, entries[0].ID, revived.ID)
	require.False(t, revived.Dead)
	require.Equal(t, 0, revived.RetryCount)
	require.Empty(t, revived.ErrorMessage)

	row, ok := h.tasks.Snapshot(created.ID)
	require.True(t, ok)
	require.Equal(t, taskstore.StatusPending, row.SyncStatus)

	rec = h.do(t, http.MethodPost, "/v1/outbox/abc/requeue", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/outbox/999/requeue", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOutboxPeek(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	first := createTaskViaAPI(t, h, "first queued")
	second := createTaskViaAPI(t, h, "second queued")

	rec := h.do(t, http.MethodGet, "/v1/outbox", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listing outboxListResponse
	decodeInto(t, rec, &listing)
	require.Equal(t, 2, listing.Count)
	require.Equal(t, first.ID, listing.Items[0].RecordID)
	require.Equal(t, second.ID, listing.Items[1].RecordID)
	require.Equal(t, "create", listing.Items[0].Operation)
	require.False(t, listing.Items[0].Dead)

	rec = h.do(t, http.MethodGet, "/v1/outbox?limit=1", nil)
	decodeInto(t, rec, &listing)
	require.Equal(t, 1, listing.Count)
	require.Equal(t, first.ID, listing.Items[0].RecordID)

	// Quarantined entries disappear from the peek but stay countable.
	entries := h.outbox.All()
	require.NoError(t, h.outbox.MarkDead(context.Background(), entries[0].ID, 4, "retries exhausted"))

	rec = h.do(t, http.MethodGet, "/v1/outbox", nil)
	decodeInto(t, rec, &listing)
	require.Equal(t, 1, listing.Count)
	require.Equal(t, second.ID, listing.Items[0].RecordID)

	var snap statusResponse
	status := h.do(t, http.MethodGet, "/v1/status", nil)
	decodeInto(t, status, &snap)
	require.Equal(t, 1, snap.Outbox.Pending)
	require.Equal(t, 1, snap.Outbox.Dead)
}
