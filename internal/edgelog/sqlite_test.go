package edgelog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillguard/internal/event"
)

func openTestSQLite(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "edge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenSQLite_Pragmas(t *testing.T) {
	s := openTestSQLite(t)

	var mode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestOpenSQLite_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge.db")
	for i := 0; i < 2; i++ {
		s, err := OpenSQLite(path)
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}
}

func TestSQLiteStorage_RoundTripsEvents(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	ts := time.UnixMilli(1_700_000_000_123).UTC()

	genesis := event.Event{
		ID: "e-1", Type: event.ItemScanned, AggregateID: "tx-1", AggregateType: "transaction",
		Payload: event.Object{"product_id": event.String("p-1"), "grams": event.Int(500), "tags": event.Strs("a")},
		Version: 1, SchemaVersion: 1, Timestamp: ts, ActorID: "c-1", DeviceID: "till-1", BranchID: "b-1",
		VectorClock: event.VectorClock{"till-1": 1}, Offline: true,
	}
	var err error
	genesis.Hash, err = event.Digest(genesis)
	require.NoError(t, err)

	second := genesis
	second.ID = "e-2"
	second.Version = 2
	second.PreviousHash = genesis.Hash
	second.Hash, err = event.Digest(second)
	require.NoError(t, err)

	require.NoError(t, s.Append(ctx, Record{Seq: 1, Event: genesis}))
	require.NoError(t, s.Append(ctx, Record{Seq: 2, Event: second}))

	recs, err := s.Range(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, genesis, recs[0].Event)
	assert.Equal(t, second, recs[1].Event)
	assert.True(t, VerifyChain([]event.Event{recs[0].Event, recs[1].Event}).Valid)

	last, ok, err := s.Last(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), last.Seq)

	versions, err := s.LastVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[event.AggregateKey]int64{{ID: "tx-1", Type: "transaction"}: 2}, versions)
}

func TestSQLiteStorage_DuplicateIDRejected(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	e := event.Event{ID: "e-1", Type: event.ItemScanned, AggregateID: "a", AggregateType: "t",
		Version: 1, Timestamp: time.UnixMilli(1), ActorID: "c", DeviceID: "d", Hash: "h"}

	require.NoError(t, s.Append(ctx, Record{Seq: 1, Event: e}))
	require.Error(t, s.Append(ctx, Record{Seq: 2, Event: e}))

	recs, err := s.Range(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSQLiteStorage_SyncTrackingAndMeta(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	for i, id := range []string{"e-1", "e-2", "e-3"} {
		require.NoError(t, s.Append(ctx, Record{Seq: int64(i + 1), Event: event.Event{
			ID: id, Type: event.ItemScanned, AggregateID: "a", AggregateType: "t", Version: int64(i + 1),
			Timestamp: time.UnixMilli(int64(i)), ActorID: "c", DeviceID: "d", Hash: "h" + id,
		}}))
	}

	at := time.UnixMilli(5000).UTC()
	require.NoError(t, s.MarkSynced(ctx, []string{"e-1", "e-3"}, at))

	pending, err := s.Unsynced(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "e-2", pending[0].ID)

	recs, err := s.Range(ctx, 0, 1)
	require.NoError(t, err)
	require.NotNil(t, recs[0].Event.SyncedAt)
	assert.Equal(t, at, *recs[0].Event.SyncedAt)

	_, ok, err := s.GetMeta(ctx, "cursor")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.SetMeta(ctx, "cursor", "1"))
	require.NoError(t, s.SetMeta(ctx, "cursor", "2"))
	v, ok, err := s.GetMeta(ctx, "cursor")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", v)
}
