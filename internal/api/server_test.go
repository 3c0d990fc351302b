package api

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
	"github.com/roach88/tillguard/internal/reconcile"
	"github.com/roach88/tillguard/internal/store"
	"github.com/roach88/tillguard/internal/testutil"
)

func orderEvent(id, aggregate string, version, ms int64) event.Event {
	e := event.Event{
		ID:            id,
		Type:          event.OrderCreated,
		AggregateID:   aggregate,
		AggregateType: "transaction",
		Payload:       event.Object{"transaction_id": event.String(aggregate)},
		Version:       version,
		SchemaVersion: 1,
		Timestamp:     testutil.Epoch.Add(time.Duration(ms) * time.Millisecond),
		ActorID:       "cashier-1",
		DeviceID:      "till-1",
		VectorClock:   event.VectorClock{"till-1": uint64(version)},
	}
	e.Hash, _ = event.Digest(e)
	return e
}

func TestServer_Healthz(t *testing.T) {
	f := newServerFixture(t)
	code, res := do(t, f.handler, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, res.Success)
}

func TestServer_PushAndRetry(t *testing.T) {
	f := newServerFixture(t)
	req := reconcile.PushRequest{Events: []event.Event{
		orderEvent("e1", "tx-1", 1, 10),
		orderEvent("e2", "tx-2", 1, 20),
	}}

	code, res := do(t, f.handler, http.MethodPost, "/v1/sync/push", f.device, req)
	require.Equal(t, http.StatusOK, code, res.Error)
	got := decodeData[reconcile.PushResult](t, res)
	assert.Equal(t, 2, got.AcceptedCount)

	code, res = do(t, f.handler, http.MethodPost, "/v1/sync/push", f.device, req)
	require.Equal(t, http.StatusOK, code)
	got = decodeData[reconcile.PushResult](t, res)
	assert.Equal(t, 0, got.AcceptedCount)
	assert.Equal(t, 2, got.DuplicateCount)
}

func TestServer_PushReportsConflictsAsData(t *testing.T) {
	f := newServerFixture(t)
	code, _ := do(t, f.handler, http.MethodPost, "/v1/sync/push", f.device,
		reconcile.PushRequest{Events: []event.Event{orderEvent("e1", "tx-1", 1, 10)}})
	require.Equal(t, http.StatusOK, code)

	code, res := do(t, f.handler, http.MethodPost, "/v1/sync/push", f.device, reconcile.PushRequest{
		Events:   []event.Event{orderEvent("e9", "tx-1", 1, 5)},
		Strategy: reconcile.Manual,
	})
	require.Equal(t, http.StatusOK, code)
	got := decodeData[reconcile.PushResult](t, res)
	require.Len(t, got.Conflicts, 1)
	assert.Equal(t, fault.CodeManualResolution, got.Conflicts[0].Code)

	code, res = do(t, f.handler, http.MethodGet, "/v1/conflicts?status=pending", f.device, nil)
	require.Equal(t, http.StatusOK, code)
	pending := decodeData[[]reconcile.Conflict](t, res)
	require.Len(t, pending, 1)

	code, res = do(t, f.handler, http.MethodPost, "/v1/conflicts/"+pending[0].ID+"/resolve", f.device,
		reconcile.Resolution{Choice: reconcile.KeepExisting})
	require.Equal(t, http.StatusOK, code, res.Error)

	code, res = do(t, f.handler, http.MethodPost, "/v1/conflicts/"+pending[0].ID+"/resolve", f.device,
		reconcile.Resolution{Choice: reconcile.KeepExisting})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(fault.CodeValidation), res.Error.Code)
}

func TestServer_PushDeviceMismatch(t *testing.T) {
	f := newServerFixture(t)
	code, res := do(t, f.handler, http.MethodPost, "/v1/sync/push", f.device, reconcile.PushRequest{
		DeviceID: "till-9",
		Events:   []event.Event{orderEvent("e1", "tx-1", 1, 10)},
	})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, string(fault.CodeInsufficientPermission), res.Error.Code)
}

func TestServer_PushRateLimited(t *testing.T) {
	f := newServerFixture(t, WithPushRate(0.001, 1))
	req := reconcile.PushRequest{Events: []event.Event{orderEvent("e1", "tx-1", 1, 10)}}

	code, _ := do(t, f.handler, http.MethodPost, "/v1/sync/push", f.device, req)
	require.Equal(t, http.StatusOK, code)
	code, res := do(t, f.handler, http.MethodPost, "/v1/sync/push", f.device, req)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, codeRateLimited, res.Error.Code)

	other := bearer(t, f.tokens, Principal{ActorID: "sync-agent", DeviceID: "till-2"})
	code, _ = do(t, f.handler, http.MethodPost, "/v1/sync/pull", other, reconcile.PullRequest{})
	assert.Equal(t, http.StatusOK, code)
}

func TestServer_Pull(t *testing.T) {
	f := newServerFixture(t)
	var events []event.Event
	for i := range 3 {
		events = append(events, orderEvent(fmt.Sprintf("e%d", i+1), fmt.Sprintf("tx-%d", i+1), 1, int64(10*(i+1))))
	}
	code, _ := do(t, f.handler, http.MethodPost, "/v1/events", f.device, map[string]any{"events": events})
	require.Equal(t, http.StatusCreated, code)

	code, res := do(t, f.handler, http.MethodPost, "/v1/sync/pull", f.device, reconcile.PullRequest{MaxEvents: 2})
	require.Equal(t, http.StatusOK, code)
	page := decodeData[reconcile.PullResult](t, res)
	require.Len(t, page.Events, 2)
	assert.True(t, page.HasMore)

	code, res = do(t, f.handler, http.MethodPost, "/v1/sync/pull", f.device, reconcile.PullRequest{MaxEvents: 2, Cursor: page.Cursor})
	require.Equal(t, http.StatusOK, code)
	page = decodeData[reconcile.PullResult](t, res)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "e3", page.Events[0].ID)
}

func TestServer_EventQueries(t *testing.T) {
	f := newServerFixture(t)
	events := []event.Event{orderEvent("e1", "tx-1", 1, 10), orderEvent("e2", "tx-2", 1, 20)}
	code, res := do(t, f.handler, http.MethodPost, "/v1/events", f.device, map[string]any{"events": events})
	require.Equal(t, http.StatusCreated, code, res.Error)
	assert.ElementsMatch(t, []string{"e1", "e2"}, decodeData[store.BatchResult](t, res).Appended)

	code, res = do(t, f.handler, http.MethodGet, "/v1/events?type=ORDER_CREATED&limit=1", f.device, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeData[[]event.Event](t, res), 1)

	code, res = do(t, f.handler, http.MethodGet, "/v1/events?type=NOPE", f.device, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(fault.CodeValidation), res.Error.Code)

	code, res = do(t, f.handler, http.MethodPost, "/v1/events/search", f.device, store.Filter{AggregateID: "tx-2"})
	require.Equal(t, http.StatusOK, code)
	found := decodeData[[]event.Event](t, res)
	require.Len(t, found, 1)
	assert.Equal(t, "e2", found[0].ID)

	code, res = do(t, f.handler, http.MethodGet, "/v1/aggregates/transaction/tx-1/events?from=1", f.device, nil)
	require.Equal(t, http.StatusOK, code)
	read := decodeData[[]event.Event](t, res)
	require.Len(t, read, 1)
	assert.Equal(t, event.String("tx-1"), read[0].Payload["transaction_id"])

	code, _ = do(t, f.handler, http.MethodPost, "/v1/events", f.device, map[string]any{"events": []event.Event{}})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestServer_AppendVersionConflict(t *testing.T) {
	f := newServerFixture(t)
	code, _ := do(t, f.handler, http.MethodPost, "/v1/events", f.device,
		map[string]any{"events": []event.Event{orderEvent("e1", "tx-1", 2, 10)}})
	assert.Equal(t, http.StatusConflict, code)
}

func TestServer_Snapshots(t *testing.T) {
	f := newServerFixture(t)
	code, _ := do(t, f.handler, http.MethodGet, "/v1/aggregates/transaction/tx-1/snapshots/latest", f.device, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, f.handler, http.MethodPost, "/v1/events", f.device,
		map[string]any{"events": []event.Event{orderEvent("e1", "tx-1", 1, 10)}})
	require.Equal(t, http.StatusCreated, code)

	code, res := do(t, f.handler, http.MethodPut, "/v1/aggregates/transaction/tx-1/snapshots", f.device,
		map[string]any{"version": 1, "state": map[string]any{"phase": "OPEN"}})
	require.Equal(t, http.StatusOK, code, res.Error)

	code, res = do(t, f.handler, http.MethodGet, "/v1/aggregates/transaction/tx-1/snapshots/latest", f.device, nil)
	require.Equal(t, http.StatusOK, code)
	snap := decodeData[store.Snapshot](t, res)
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, event.String("OPEN"), snap.State["phase"])
}
