package edgelog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillguard/internal/event"
)

func TestVerifyChain_Valid(t *testing.T) {
	l, _ := newTestLog(t, NewMemoryStorage())
	evs := appendN(t, l, 5)

	report := VerifyChain(evs)
	assert.True(t, report.Valid)
	assert.Equal(t, 5, report.Checked)
	assert.Equal(t, -1, report.BreakIndex)
}

func TestVerifyChain_Empty(t *testing.T) {
	assert.True(t, VerifyChain(nil).Valid)
}

func TestVerifyChain_DetectsBreaks(t *testing.T) {
	tests := []struct {
		name      string
		corrupt   func(evs []event.Event) []event.Event
		wantIndex int
		reason    string
	}{
		{
			name: "tampered payload",
			corrupt: func(evs []event.Event) []event.Event {
				evs[2].Payload = event.Object{"product_id": event.String("swapped")}
				return evs
			},
			wantIndex: 2,
			reason:    "hash does not match contents",
		},
		{
			name: "rehashed tamper still breaks the link",
			corrupt: func(evs []event.Event) []event.Event {
				evs[1].Payload = event.Object{"product_id": event.String("swapped")}
				evs[1].Hash, _ = event.Digest(evs[1])
				return evs
			},
			wantIndex: 2,
			reason:    "previous hash does not match predecessor",
		},
		{
			name: "dropped event",
			corrupt: func(evs []event.Event) []event.Event {
				return append(evs[:1:1], evs[2:]...)
			},
			wantIndex: 1,
			reason:    "previous hash does not match predecessor",
		},
		{
			name: "reordered",
			corrupt: func(evs []event.Event) []event.Event {
				evs[1], evs[2] = evs[2], evs[1]
				return evs
			},
			wantIndex: 1,
			reason:    "previous hash does not match predecessor",
		},
		{
			name: "truncated front",
			corrupt: func(evs []event.Event) []event.Event {
				return evs[1:]
			},
			wantIndex: 0,
			reason:    "first event has a previous hash",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newTestLog(t, NewMemoryStorage())
			evs := tt.corrupt(appendN(t, l, 4))

			report := VerifyChain(evs)
			assert.False(t, report.Valid)
			assert.Equal(t, tt.wantIndex, report.BreakIndex)
			assert.Equal(t, tt.reason, report.Reason)
			assert.Equal(t, evs[tt.wantIndex].ID, report.EventID)
		})
	}
}

func TestAudit_FlagsDegradedAndCallsHook(t *testing.T) {
	storage := NewMemoryStorage()
	var hooked []ChainReport
	l, _ := newTestLog(t, storage, WithBreakHook(func(r ChainReport) { hooked = append(hooked, r) }))
	evs := appendN(t, l, 3)

	report, err := l.Audit(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.False(t, l.Degraded())

	storage.Tamper(2, func(e *event.Event) { e.ActorID = "someone-else" })

	report, err = l.Audit(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, evs[1].ID, report.EventID)
	assert.True(t, l.Degraded())
	require.Len(t, hooked, 1)

	// Appends continue while degraded; the flag stays until reviewed.
	_, err = l.Append(context.Background(), event.ItemScanned, "c", nil)
	require.NoError(t, err)
	assert.True(t, l.Degraded())

	l.ClearDegraded("supervisor-1")
	assert.False(t, l.Degraded())
}

func TestAudit_PagesLongChains(t *testing.T) {
	l, _ := newTestLog(t, NewMemoryStorage())
	appendN(t, l, auditPageSize+7)

	report, err := l.Audit(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, auditPageSize+7, report.Checked)
}

// gappyStorage hides one record from Range to simulate a deleted row.
type gappyStorage struct {
	*MemoryStorage
	hide int64
}

func (g *gappyStorage) Range(ctx context.Context, after int64, limit int) ([]Record, error) {
	recs, err := g.MemoryStorage.Range(ctx, after, limit)
	out := recs[:0]
	for _, r := range recs {
		if r.Seq != g.hide {
			out = append(out, r)
		}
	}
	return out, err
}

func TestAudit_DetectsSequenceGap(t *testing.T) {
	storage := &gappyStorage{MemoryStorage: NewMemoryStorage(), hide: 2}
	l, _ := newTestLog(t, storage)
	appendN(t, l, 3)

	report, err := l.Audit(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, "sequence gap", report.Reason)
	assert.True(t, l.Degraded())
}
