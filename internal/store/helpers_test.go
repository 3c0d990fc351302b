package store

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/schema"
	"github.com/roach88/tillguard/internal/seal"
	"github.com/roach88/tillguard/internal/testutil"
)

func testSealer(t *testing.T) *seal.Sealer {
	t.Helper()
	kr, err := seal.NewKeyring(bytes.Repeat([]byte{7}, seal.MinMasterKeySize), "k1")
	require.NoError(t, err)
	s, err := seal.New(kr)
	require.NoError(t, err)
	return s
}

type testStore struct {
	*Store
	clock *testutil.ManualClock
}

func openTestStore(t *testing.T) testStore {
	t.Helper()
	reg, err := schema.Default()
	require.NoError(t, err)
	clock := testutil.NewManualClock(testutil.Epoch.Add(time.Hour))

	s, err := Open(context.Background(), Options{
		Driver:  DriverSQLite,
		DSN:     filepath.Join(t.TempDir(), "server.db"),
		Sealer:  testSealer(t),
		Schemas: reg,
		Now:     clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return testStore{Store: s, clock: clock}
}

// orderEvent builds an ORDER_CREATED event at ms after the test epoch.
func orderEvent(id, aggregateID string, version int64, ms int64) event.Event {
	return event.Event{
		ID:            id,
		Type:          event.OrderCreated,
		AggregateID:   aggregateID,
		AggregateType: "order",
		Payload:       event.Object{"transaction_id": event.String(aggregateID)},
		Version:       version,
		SchemaVersion: 1,
		Timestamp:     testutil.Epoch.Add(time.Duration(ms) * time.Millisecond),
		ActorID:       "cashier-1",
		DeviceID:      "till-1",
		Hash:          fmt.Sprintf("hash-%s", id),
		VectorClock:   event.VectorClock{"till-1": uint64(version)},
	}
}

func appendOrder(t *testing.T, s testStore, aggregateID string, n int) []event.Event {
	t.Helper()
	events := make([]event.Event, n)
	for i := range events {
		v := int64(i + 1)
		events[i] = orderEvent(fmt.Sprintf("%s-e%d", aggregateID, v), aggregateID, v, v*100)
	}
	_, err := s.AppendBatch(context.Background(), events)
	require.NoError(t, err)
	return events
}
