package edgelog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
	"github.com/roach88/tillguard/internal/testutil"
)

func TestAppend_ChainsHashes(t *testing.T) {
	l, _ := newTestLog(t, NewMemoryStorage())
	evs := appendN(t, l, 3)

	assert.Empty(t, evs[0].PreviousHash, "genesis has no previous hash")
	assert.Equal(t, evs[0].Hash, evs[1].PreviousHash)
	assert.Equal(t, evs[1].Hash, evs[2].PreviousHash)
	for _, e := range evs {
		assert.True(t, Verify(e))
	}

	seq, head := l.Head()
	assert.Equal(t, int64(3), seq)
	assert.Equal(t, evs[2].Hash, head)
}

func TestAppend_AssignsVersionsPerAggregate(t *testing.T) {
	l, _ := newTestLog(t, NewMemoryStorage())
	ctx := context.Background()

	a1, err := l.Append(ctx, event.ItemScanned, "c", nil, WithAggregate("tx-1", "transaction"))
	require.NoError(t, err)
	b1, err := l.Append(ctx, event.ItemScanned, "c", nil, WithAggregate("tx-2", "transaction"))
	require.NoError(t, err)
	a2, err := l.Append(ctx, event.ItemBagged, "c", nil, WithAggregate("tx-1", "transaction"))
	require.NoError(t, err)
	d1, err := l.Append(ctx, event.CashDrawerOpened, "c", nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), a1.Version)
	assert.Equal(t, int64(1), b1.Version)
	assert.Equal(t, int64(2), a2.Version)
	assert.Equal(t, DeviceAggregate, d1.AggregateType)
	assert.Equal(t, "till-1", d1.AggregateID)
}

func TestAppend_StampsDeviceMetadata(t *testing.T) {
	l, clock := newTestLog(t, NewMemoryStorage())
	clock.Advance(1500 * time.Microsecond)

	e, err := l.Append(context.Background(), event.OrderCreated, "cashier-1", event.Object{},
		WithAggregate("tx-1", "transaction"), WithCorrelation("corr-1"), WithCausation("cause-1"))
	require.NoError(t, err)

	assert.Equal(t, "evt-000001", e.ID)
	assert.Equal(t, "till-1", e.DeviceID)
	assert.Equal(t, "branch-1", e.BranchID)
	assert.Equal(t, testutil.Epoch.Add(time.Millisecond), e.Timestamp, "truncated to milliseconds")
	assert.Equal(t, "corr-1", e.CorrelationID)
	assert.Equal(t, "cause-1", e.CausationID)
	assert.Equal(t, event.VectorClock{"till-1": 1}, e.VectorClock)
	assert.False(t, e.Offline)
	assert.Equal(t, 1, e.SchemaVersion)
}

func TestAppend_MarksOfflineEvents(t *testing.T) {
	l, _ := newTestLog(t, NewMemoryStorage())
	l.SetOnline(false)

	e, err := l.Append(context.Background(), event.ItemScanned, "c", nil)
	require.NoError(t, err)
	assert.True(t, e.Offline)
	assert.False(t, l.Online())
}

func TestAppend_RejectsInvalidInput(t *testing.T) {
	l, _ := newTestLog(t, NewMemoryStorage())
	ctx := context.Background()

	_, err := l.Append(ctx, event.Type("NOPE"), "c", nil)
	assert.ErrorIs(t, err, fault.ErrValidation)

	_, err = l.Append(ctx, event.ItemScanned, "", nil)
	assert.ErrorIs(t, err, fault.ErrValidation)

	_, err = l.Append(ctx, event.ItemScanned, "c", event.Object{"bad": event.Null{}})
	assert.ErrorIs(t, err, fault.ErrValidation)

	seq, head := l.Head()
	assert.Zero(t, seq)
	assert.Empty(t, head)
}

func TestAppend_StorageFailureLeavesHeadUnchanged(t *testing.T) {
	store := &failingStorage{Storage: NewMemoryStorage()}
	l, _ := newTestLog(t, store)
	first := appendN(t, l, 1)[0]

	store.fail = true
	_, err := l.Append(context.Background(), event.ItemScanned, "c", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrStorage)
	assert.ErrorIs(t, err, errDiskFull)

	seq, head := l.Head()
	assert.Equal(t, int64(1), seq)
	assert.Equal(t, first.Hash, head)

	store.fail = false
	next, err := l.Append(context.Background(), event.ItemScanned, "c", nil)
	require.NoError(t, err)
	assert.Equal(t, first.Hash, next.PreviousHash, "failed append left no trace in the chain")
}

func TestAppend_ReturnedEventIsIsolated(t *testing.T) {
	storage := NewMemoryStorage()
	l, _ := newTestLog(t, storage)
	payload := event.Object{"k": event.Int(1)}

	e, err := l.Append(context.Background(), event.ItemScanned, "c", payload)
	require.NoError(t, err)
	payload["k"] = event.Int(2)
	e.Payload["k"] = event.Int(3)

	recs, err := l.Events(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, event.Int(1), recs[0].Event.Payload["k"])
	assert.True(t, Verify(recs[0].Event))
}

func TestNew_RestoresStateFromSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge.db")
	ctx := context.Background()

	storage, err := OpenSQLite(path)
	require.NoError(t, err)
	l, err := New(ctx, storage, "till-1", WithIDGenerator(testutil.NewSequentialIDs("a")))
	require.NoError(t, err)
	evs := appendN(t, l, 2)
	require.NoError(t, l.Close())

	storage, err = OpenSQLite(path)
	require.NoError(t, err)
	reopened, err := New(ctx, storage, "till-1", WithIDGenerator(testutil.NewSequentialIDs("b")))
	require.NoError(t, err)
	defer reopened.Close()

	seq, head := reopened.Head()
	assert.Equal(t, int64(2), seq)
	assert.Equal(t, evs[1].Hash, head)
	assert.Equal(t, event.VectorClock{"till-1": 2}, reopened.Clock())

	next, err := reopened.Append(ctx, event.ItemBagged, "c", nil, WithAggregate("tx-1", "transaction"))
	require.NoError(t, err)
	assert.Equal(t, evs[1].Hash, next.PreviousHash)
	assert.Equal(t, int64(3), next.Version)

	report, err := reopened.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Checked)
}

func TestNew_RequiresDevice(t *testing.T) {
	_, err := New(context.Background(), NewMemoryStorage(), "")
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestObserveClock_MergesAndPersists(t *testing.T) {
	storage := NewMemoryStorage()
	l, _ := newTestLog(t, storage)
	appendN(t, l, 1)

	require.NoError(t, l.ObserveClock(context.Background(), event.VectorClock{"till-2": 5}))
	assert.Equal(t, event.VectorClock{"till-1": 1, "till-2": 5}, l.Clock())

	e, err := l.Append(context.Background(), event.ItemScanned, "c", nil)
	require.NoError(t, err)
	assert.Equal(t, event.VectorClock{"till-1": 2, "till-2": 5}, e.VectorClock)

	raw, ok, err := l.Meta(context.Background(), metaServerClock)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"till-1":1,"till-2":5}`, raw)
}

func TestUnsyncedAndMarkSynced(t *testing.T) {
	l, _ := newTestLog(t, NewMemoryStorage())
	evs := appendN(t, l, 3)
	ctx := context.Background()

	require.NoError(t, l.MarkSynced(ctx, []string{evs[0].ID, evs[2].ID, "unknown"}))

	pending, err := l.Unsynced(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, evs[1].ID, pending[0].ID)
	assert.True(t, Verify(pending[0]), "sync metadata is outside the digest")
}
