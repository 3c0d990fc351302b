package reconcile

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
	"github.com/roach88/tillguard/internal/seal"
	"github.com/roach88/tillguard/internal/store"
	"github.com/roach88/tillguard/internal/testutil"
)

type fixture struct {
	svc   *Service
	store *store.Store
	clock *testutil.ManualClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	kr, err := seal.NewKeyring(bytes.Repeat([]byte{1}, seal.MinMasterKeySize), "k1")
	require.NoError(t, err)
	sealer, err := seal.New(kr)
	require.NoError(t, err)

	clock := testutil.NewManualClock(testutil.Epoch.Add(time.Hour))
	st, err := store.Open(context.Background(), store.Options{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "server.db"),
		Sealer: sealer,
		Now:    clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc := New(st, WithClock(clock.Now), WithIDGenerator(testutil.NewSequentialIDs("srv")))
	return fixture{svc: svc, store: st, clock: clock}
}

func ev(id, aggregate string, version, ms int64) event.Event {
	e := event.Event{
		ID:            id,
		Type:          event.OrderCreated,
		AggregateID:   aggregate,
		AggregateType: "order",
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

func (f fixture) seed(t *testing.T, events ...event.Event) {
	t.Helper()
	_, err := f.store.AppendBatch(context.Background(), events)
	require.NoError(t, err)
}

func (f fixture) ids(t *testing.T, aggregate string) []string {
	t.Helper()
	events, err := f.store.Read(context.Background(), aggregate, "order", 0)
	require.NoError(t, err)
	var out []string
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

func TestPush_LastWriteWinsKeepsLaterOriginal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, ev("v1", "order-1", 1, 100), ev("v2", "order-1", 2, 200))

	res, err := f.svc.Push(ctx, PushRequest{DeviceID: "till-2", Events: []event.Event{ev("v2-other", "order-1", 2, 150)}})
	require.NoError(t, err)

	assert.Equal(t, 0, res.AcceptedCount)
	assert.Equal(t, 1, res.ConflictCount)
	c := res.Conflicts[0]
	assert.Equal(t, KeptExisting, c.Outcome)
	assert.Equal(t, "v2", c.WinnerID)
	assert.Equal(t, "v2", c.ExistingID)
	assert.Equal(t, "v2-other", c.CandidateID)

	got, err := f.store.EventAt(ctx, "order-1", "order", 2)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.ID)
	assert.True(t, got.Timestamp.Equal(testutil.Epoch.Add(200*time.Millisecond)))
	assert.Equal(t, []string{"v1", "v2"}, f.ids(t, "order-1"))
}

func TestPush_WinningCandidateIsRebased(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, ev("v1", "order-1", 1, 100), ev("v2", "order-1", 2, 200))

	late := ev("late-2", "order-1", 2, 300)
	follow := ev("late-3", "order-1", 3, 310)
	res, err := f.svc.Push(ctx, PushRequest{Events: []event.Event{follow, late}})
	require.NoError(t, err)

	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, TookCandidate, res.Conflicts[0].Outcome)
	assert.Equal(t, int64(3), res.Conflicts[0].ResolvedVersion)
	assert.ElementsMatch(t, []string{"late-2", "late-3"}, res.Accepted)
	assert.Empty(t, res.Rejected)

	assert.Equal(t, []string{"v1", "v2", "late-2", "late-3"}, f.ids(t, "order-1"))
	rebased, err := f.store.GetEvent(ctx, "late-2")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rebased.Version)
	assert.True(t, event.Verify(rebased), "edge hash survives the rebase")
}

func TestPush_IdempotentRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, ev("v1", "order-1", 1, 100))
	batch := []event.Event{ev("a2", "order-1", 2, 200), ev("loser", "order-1", 1, 50)}

	first, err := f.svc.Push(ctx, PushRequest{Events: batch})
	require.NoError(t, err)
	assert.Equal(t, 1, first.AcceptedCount)
	assert.Equal(t, 1, first.ConflictCount)

	second, err := f.svc.Push(ctx, PushRequest{Events: batch})
	require.NoError(t, err)
	assert.Equal(t, 0, second.AcceptedCount)
	assert.Equal(t, 0, second.ConflictCount)
	assert.ElementsMatch(t, []string{"a2", "loser"}, second.Duplicates)

	conflicts, err := f.svc.Conflicts(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, conflicts, 1, "a retried push records no second conflict")
	assert.ElementsMatch(t, []string{"a2", "loser"}, second.Settled())
}

func TestPush_GapAndValidationRejected(t *testing.T) {
	f := newFixture(t)
	bad := ev("bad", "order-2", 1, 100)
	bad.ActorID = ""

	res, err := f.svc.Push(context.Background(), PushRequest{Events: []event.Event{
		ev("gap", "order-1", 3, 100),
		bad,
		ev("ok", "order-3", 1, 100),
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, res.Accepted)
	require.Len(t, res.Rejected, 2)

	byID := map[string]Rejection{}
	for _, r := range res.Rejected {
		byID[r.EventID] = r
	}
	assert.Equal(t, fault.CodeVersionConflict, byID["gap"].Code)
	assert.Equal(t, fault.CodeValidation, byID["bad"].Code)
	assert.NotContains(t, res.Settled(), "gap")
}

func TestPush_VectorClockStrategy(t *testing.T) {
	f := newFixture(t)
	existing := ev("v1", "order-1", 1, 500)
	existing.VectorClock = event.VectorClock{"till-1": 1}
	f.seed(t, existing)

	candidate := ev("c1", "order-1", 1, 100)
	candidate.DeviceID = "till-2"
	candidate.VectorClock = event.VectorClock{"till-1": 1, "till-2": 1}

	res, err := f.svc.Push(context.Background(), PushRequest{Strategy: VectorClock, Events: []event.Event{candidate}})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, TookCandidate, res.Conflicts[0].Outcome, "dominating clock wins despite older timestamp")
}

func TestPush_MergeAppendsMergedEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing := ev("v1", "order-1", 1, 100)
	existing.Type = event.LockdownEngaged
	existing.Payload = event.Object{"classes": event.Strs("vision"), "transaction_id": event.String("t")}
	f.seed(t, existing)

	candidate := ev("c1", "order-1", 1, 150)
	candidate.Type = event.LockdownEngaged
	candidate.Payload = event.Object{"classes": event.Strs("fraud"), "score": event.Int(90)}

	res, err := f.svc.Push(ctx, PushRequest{Strategy: Merge, Events: []event.Event{candidate}})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	c := res.Conflicts[0]
	assert.Equal(t, Merged, c.Outcome)
	assert.Equal(t, int64(2), c.ResolvedVersion)

	merged, err := f.store.GetEvent(ctx, c.WinnerID)
	require.NoError(t, err)
	assert.Equal(t, "c1", merged.CausationID)
	assert.Equal(t, event.Strs("vision", "fraud"), merged.Payload["classes"])
	assert.Equal(t, event.Int(90), merged.Payload["score"])
	assert.Equal(t, []string{"v1", c.WinnerID}, f.ids(t, "order-1"))
}

func TestPush_ManualQueuesThenResolves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, ev("v1", "order-1", 1, 100))

	res, err := f.svc.Push(ctx, PushRequest{Strategy: Manual, Events: []event.Event{ev("c1", "order-1", 1, 150)}})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	queued := res.Conflicts[0]
	assert.Equal(t, Queued, queued.Outcome)
	assert.Equal(t, fault.CodeManualResolution, queued.Code)
	assert.Equal(t, []string{"v1"}, f.ids(t, "order-1"))

	pending, err := f.svc.Conflicts(ctx, store.ConflictPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, queued.ID, pending[0].ID)

	_, err = f.svc.ResolveConflict(ctx, queued.ID, Resolution{Choice: TakeCandidate}, "")
	assert.True(t, fault.IsCode(err, fault.CodeValidation))

	resolved, err := f.svc.ResolveConflict(ctx, queued.ID, Resolution{Choice: TakeCandidate}, "supervisor-1")
	require.NoError(t, err)
	assert.Equal(t, TookCandidate, resolved.Outcome)
	assert.Equal(t, int64(2), resolved.ResolvedVersion)
	assert.Equal(t, []string{"v1", "c1"}, f.ids(t, "order-1"))

	_, err = f.svc.ResolveConflict(ctx, queued.ID, Resolution{Choice: KeepExisting}, "supervisor-1")
	assert.True(t, fault.IsCode(err, fault.CodeValidation), "a resolved conflict cannot be resolved again")
}

func TestPush_ManualWithInlineResolutions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, ev("v1", "order-1", 1, 100), ev("w1", "order-2", 1, 100))

	res, err := f.svc.Push(ctx, PushRequest{
		Strategy: Manual,
		Events:   []event.Event{ev("c1", "order-1", 1, 50), ev("c2", "order-2", 1, 50)},
		Resolutions: map[string]Resolution{
			"c1": {Choice: KeepExisting},
			"c2": {Choice: Custom, Payload: event.Object{"transaction_id": event.String("order-2"), "session_id": event.String("s")}},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 2)

	outcomes := map[string]Outcome{}
	for _, c := range res.Conflicts {
		outcomes[c.CandidateID] = c.Outcome
	}
	assert.Equal(t, KeptExisting, outcomes["c1"])
	assert.Equal(t, Merged, outcomes["c2"])

	events, err := f.store.Read(ctx, "order-2", "order", 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.String("s"), events[0].Payload["session_id"])
}

func TestPush_UnknownStrategy(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Push(context.Background(), PushRequest{Strategy: "coin_flip"})
	assert.True(t, fault.IsCode(err, fault.CodeValidation))
}
