package reconcile

import (
	"context"

	"go.uber.org/zap"

	"github.com/roach88/tillguard/internal/fault"
	"github.com/roach88/tillguard/internal/store"
)

// ResolveConflict applies a manual decision to a queued conflict.
func (s *Service) ResolveConflict(ctx context.Context, conflictID string, r Resolution, actor string) (Conflict, error) {
	const op = "reconcile.ResolveConflict"
	if actor == "" {
		return Conflict{}, fault.New(fault.CodeValidation, op, "actor is required")
	}
	rec, err := s.store.GetConflict(ctx, conflictID)
	if err != nil {
		return Conflict{}, err
	}
	if rec.Status != store.ConflictPending {
		return Conflict{}, fault.New(fault.CodeValidation, op, "conflict %s is already %s", conflictID, rec.Status)
	}

	d, err := manualDecision(r)
	if err != nil {
		return Conflict{}, err
	}
	existing, err := s.store.GetEvent(ctx, rec.ExistingID)
	if err != nil {
		return Conflict{}, err
	}

	conflict := fromRecord(rec)
	candidate := rec.Candidate
	// A decision applied before a crash may already have stored the
	// candidate; only the status update is then missing.
	if d.outcome == TookCandidate {
		if stored, err := s.isStored(ctx, candidate.ID); err != nil {
			return Conflict{}, err
		} else if stored {
			got, err := s.store.GetEvent(ctx, candidate.ID)
			if err != nil {
				return Conflict{}, err
			}
			conflict.Outcome, conflict.WinnerID, conflict.ResolvedVersion = TookCandidate, candidate.ID, got.Version
			return s.finishResolve(ctx, conflict, actor)
		}
	}

	conflict, err = s.apply(ctx, conflict, d, existing, candidate)
	if err != nil {
		return Conflict{}, err
	}
	return s.finishResolve(ctx, conflict, actor)
}

// Conflicts lists recorded conflicts with status ("" for all).
func (s *Service) Conflicts(ctx context.Context, status string, limit int) ([]Conflict, error) {
	recs, err := s.store.ListConflicts(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Conflict, len(recs))
	for i, rec := range recs {
		out[i] = fromRecord(rec)
	}
	return out, nil
}

func (s *Service) finishResolve(ctx context.Context, c Conflict, actor string) (Conflict, error) {
	if err := s.store.MarkConflictResolved(ctx, c.ID, string(c.Outcome), c.WinnerID, c.ResolvedVersion, actor); err != nil {
		return Conflict{}, err
	}
	c.Code = ""
	s.log.Info("conflict resolved",
		zap.String("conflict_id", c.ID),
		zap.String("outcome", string(c.Outcome)),
		zap.String("actor", actor),
	)
	return c, nil
}

func fromRecord(rec store.ConflictRecord) Conflict {
	c := Conflict{
		ID:              rec.ID,
		AggregateID:     rec.AggregateID,
		AggregateType:   rec.AggregateType,
		Version:         rec.Version,
		ExistingID:      rec.ExistingID,
		CandidateID:     rec.Candidate.ID,
		Strategy:        Strategy(rec.Strategy),
		Outcome:         Outcome(rec.Outcome),
		WinnerID:        rec.WinnerID,
		ResolvedVersion: rec.ResolvedVersion,
		Detail:          rec.Detail,
	}
	if rec.Status == store.ConflictPending {
		c.Outcome = Queued
		c.Code = fault.CodeManualResolution
	}
	return c
}
