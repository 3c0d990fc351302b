package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillguard/internal/fault"
)

func TestConflicts_SaveListResolve(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	candidate := orderEvent("cand", "order-1", 2, 150)

	require.NoError(t, s.SaveConflict(ctx, ConflictRecord{
		ID: "c-1", AggregateID: "order-1", AggregateType: "order", Version: 2,
		ExistingID: "orig", Candidate: candidate, Strategy: "manual", Status: ConflictPending,
	}))
	require.NoError(t, s.SaveConflict(ctx, ConflictRecord{
		ID: "c-2", AggregateID: "order-1", AggregateType: "order", Version: 2,
		ExistingID: "orig", Candidate: orderEvent("cand-2", "order-1", 2, 160),
		Strategy: "last_write_wins", Status: ConflictResolved, Outcome: "kept_existing", WinnerID: "orig",
	}))

	pending, err := s.ListConflicts(ctx, ConflictPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c-1", pending[0].ID)
	assert.Equal(t, candidate.Payload, pending[0].Candidate.Payload)

	all, err := s.ListConflicts(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.MarkConflictResolved(ctx, "c-1", "took_candidate", "cand", 3, "supervisor"))
	got, err := s.GetConflict(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, ConflictResolved, got.Status)
	assert.Equal(t, int64(3), got.ResolvedVersion)
	assert.Equal(t, "supervisor", got.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)

	err = s.MarkConflictResolved(ctx, "c-1", "took_candidate", "cand", 3, "supervisor")
	assert.True(t, fault.IsCode(err, fault.CodeValidation))

	err = s.MarkConflictResolved(ctx, "missing", "", "", 0, "x")
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestConflicts_CandidateSealed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveConflict(ctx, ConflictRecord{
		ID: "c-1", AggregateID: "order-1", AggregateType: "order", Version: 2,
		ExistingID: "orig", Candidate: orderEvent("cand", "order-1", 2, 150), Strategy: "manual", Status: ConflictPending,
	}))

	_, err := s.db.ExecContext(ctx, "UPDATE sync_conflicts SET candidate_id = 'other'")
	require.NoError(t, err)
	_, err = s.GetConflict(ctx, "c-1")
	assert.ErrorIs(t, err, fault.ErrCorruption)
}

func TestConflicts_FindByCandidate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.FindConflictByCandidate(ctx, "cand")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveConflict(ctx, ConflictRecord{
		ID: "c-1", AggregateID: "order-1", AggregateType: "order", Version: 2,
		ExistingID: "orig", Candidate: orderEvent("cand", "order-1", 2, 150), Strategy: "manual", Status: ConflictPending,
	}))
	rec, ok, err := s.FindConflictByCandidate(ctx, "cand")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c-1", rec.ID)
}
