package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
	"github.com/roach88/tillguard/internal/store"
	"github.com/roach88/tillguard/internal/testutil"
)

func seedMany(t *testing.T, f fixture, n int) {
	t.Helper()
	events := make([]event.Event, n)
	for i := range events {
		events[i] = ev(fmt.Sprintf("e%03d", i), fmt.Sprintf("order-%03d", i), 1, int64(i))
	}
	f.seed(t, events...)
}

func TestPull_PagesWithCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedMany(t, f, 5)

	page, err := f.svc.Pull(ctx, PullRequest{MaxEvents: 2})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "e000", page.Events[0].ID)

	var seen []string
	cursor := ""
	for {
		page, err := f.svc.Pull(ctx, PullRequest{MaxEvents: 2, Cursor: cursor})
		require.NoError(t, err)
		for _, e := range page.Events {
			seen = append(seen, e.ID)
		}
		if !page.HasMore {
			break
		}
		cursor = page.Cursor
	}
	assert.Equal(t, []string{"e000", "e001", "e002", "e003", "e004"}, seen)
}

func TestPull_DefaultAndCap(t *testing.T) {
	f := newFixture(t)
	seedMany(t, f, DefaultPullSize+1)

	page, err := f.svc.Pull(context.Background(), PullRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Events, DefaultPullSize)
	assert.True(t, page.HasMore)

	page, err = f.svc.Pull(context.Background(), PullRequest{MaxEvents: MaxPullSize * 10})
	require.NoError(t, err)
	assert.Len(t, page.Events, DefaultPullSize+1)
	assert.False(t, page.HasMore)
}

func TestPull_SkipsCoveredEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mine := ev("mine", "order-1", 1, 10)
	mine.VectorClock = event.VectorClock{"till-1": 1}
	theirs := ev("theirs", "order-2", 1, 20)
	theirs.DeviceID = "till-2"
	theirs.VectorClock = event.VectorClock{"till-2": 4}
	f.seed(t, mine, theirs)

	page, err := f.svc.Pull(ctx, PullRequest{VectorClock: event.VectorClock{"till-1": 1}})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "theirs", page.Events[0].ID)
	assert.Equal(t, event.VectorClock{"till-2": 4}, page.VectorClock)
}

func TestPull_TimeWindowAndAggregate(t *testing.T) {
	f := newFixture(t)
	seedMany(t, f, 5)

	page, err := f.svc.Pull(context.Background(), PullRequest{
		Since: testutil.Epoch.Add(1 * time.Millisecond),
		Until: testutil.Epoch.Add(3 * time.Millisecond),
	})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, "e001", page.Events[0].ID)

	page, err = f.svc.Pull(context.Background(), PullRequest{AggregateID: "order-004", AggregateType: "order"})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
}

func TestCursor_RoundTrip(t *testing.T) {
	p := store.Position{Timestamp: testutil.Epoch.Add(1500 * time.Millisecond), ID: "abc:def"}
	got, err := ParseCursor(FormatCursor(p))
	require.NoError(t, err)
	assert.True(t, p.Timestamp.Equal(got.Timestamp))
	assert.Equal(t, p.ID, got.ID)

	_, err = ParseCursor("garbage")
	assert.True(t, fault.IsCode(err, fault.CodeValidation))
}
