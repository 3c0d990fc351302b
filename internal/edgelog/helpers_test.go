package edgelog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/testutil"
)

func newTestLog(t *testing.T, storage Storage, opts ...Option) (*Log, *testutil.ManualClock) {
	t.Helper()
	clock := testutil.NewManualClock(testutil.Epoch)
	base := []Option{
		WithBranch("branch-1"),
		WithIDGenerator(testutil.NewSequentialIDs("evt")),
		WithClock(clock.Now),
	}
	l, err := New(context.Background(), storage, "till-1", append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, clock
}

func appendN(t *testing.T, l *Log, n int) []event.Event {
	t.Helper()
	out := make([]event.Event, 0, n)
	for i := 0; i < n; i++ {
		e, err := l.Append(context.Background(), event.ItemScanned, "cashier-1",
			event.Object{"product_id": event.String("p"), "n": event.Int(int64(i))},
			WithAggregate("tx-1", "transaction"))
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

var errDiskFull = errors.New("disk full")

// failingStorage fails Append while fail is set.
type failingStorage struct {
	Storage
	fail bool
}

func (f *failingStorage) Append(ctx context.Context, rec Record) error {
	if f.fail {
		return errDiskFull
	}
	return f.Storage.Append(ctx, rec)
}
