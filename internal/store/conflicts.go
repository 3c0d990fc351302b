package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
	"github.com/roach88/tillguard/internal/seal"
)

// Conflict statuses.
const (
	ConflictPending  = "pending"
	ConflictResolved = "resolved"
)

// ConflictRecord is a sync conflict as persisted. The candidate event is
// sealed at rest like any other payload.
type ConflictRecord struct {
	ID              string      `json:"id"`
	AggregateID     string      `json:"aggregate_id"`
	AggregateType   string      `json:"aggregate_type"`
	Version         int64       `json:"version"`
	ExistingID      string      `json:"existing_id"`
	Candidate       event.Event `json:"candidate"`
	DeviceID        string      `json:"device_id,omitempty"`
	Strategy        string      `json:"strategy"`
	Status          string      `json:"status"`
	Outcome         string      `json:"outcome,omitempty"`
	WinnerID        string      `json:"winner_id,omitempty"`
	ResolvedVersion int64       `json:"resolved_version,omitempty"`
	ResolvedBy      string      `json:"resolved_by,omitempty"`
	Detail          string      `json:"detail,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
}

var conflictColumns = []string{
	"id", "aggregate_type", "aggregate_id", "version", "existing_id", "candidate_id",
	"device_id", "strategy", "status", "outcome", "winner_id", "resolved_version",
	"resolved_by", "detail", "key_id", "nonce", "ciphertext", "tag",
	"created_at_ms", "resolved_at_ms",
}

// SaveConflict persists c. CreatedAt defaults to now.
func (s *Store) SaveConflict(ctx context.Context, c ConflictRecord) error {
	const op = "store.SaveConflict"
	if c.ID == "" || c.Candidate.ID == "" {
		return fault.New(fault.CodeValidation, op, "conflict id and candidate are required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	raw, err := json.Marshal(c.Candidate)
	if err != nil {
		return fault.New(fault.CodeValidation, op, "encode candidate: %v", err)
	}
	sealed, err := s.sealer.Seal(raw, conflictAAD(c.ID))
	if err != nil {
		return fault.Wrap(fault.CodeStorage, op, err)
	}

	query, args, err := s.sb.Insert("sync_conflicts").
		Columns(conflictColumns...).
		Values(
			c.ID, c.AggregateType, c.AggregateID, c.Version, c.ExistingID, c.Candidate.ID,
			c.DeviceID, c.Strategy, c.Status, c.Outcome, c.WinnerID, c.ResolvedVersion,
			c.ResolvedBy, c.Detail, sealed.KeyID, sealed.Nonce, sealed.Ciphertext, sealed.Tag,
			millis(c.CreatedAt), nullMillis(c.ResolvedAt),
		).ToSql()
	if err != nil {
		return fault.Wrap(fault.CodeStorage, op, err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fault.Wrap(fault.CodeStorage, op, err)
	}
	return nil
}

// GetConflict returns a conflict by id, or NOT_FOUND.
func (s *Store) GetConflict(ctx context.Context, id string) (ConflictRecord, error) {
	const op = "store.GetConflict"
	query, args, err := s.sb.Select(conflictColumns...).From("sync_conflicts").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return ConflictRecord{}, fault.Wrap(fault.CodeStorage, op, err)
	}
	c, err := s.scanConflict(s.db.QueryRowContext(ctx, query, args...), op)
	if errors.Is(err, sql.ErrNoRows) {
		return ConflictRecord{}, fault.New(fault.CodeNotFound, op, "conflict %s not found", id)
	}
	if err != nil {
		return ConflictRecord{}, fault.Ensure(fault.CodeStorage, op, err)
	}
	return c, nil
}

// FindConflictByCandidate returns the conflict recorded for a candidate
// event id. ok is false when there is none.
func (s *Store) FindConflictByCandidate(ctx context.Context, candidateID string) (rec ConflictRecord, ok bool, err error) {
	const op = "store.FindConflictByCandidate"
	query, args, err := s.sb.Select(conflictColumns...).From("sync_conflicts").
		Where(sq.Eq{"candidate_id": candidateID}).
		OrderBy("created_at_ms DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return ConflictRecord{}, false, fault.Wrap(fault.CodeStorage, op, err)
	}
	rec, err = s.scanConflict(s.db.QueryRowContext(ctx, query, args...), op)
	if errors.Is(err, sql.ErrNoRows) {
		return ConflictRecord{}, false, nil
	}
	if err != nil {
		return ConflictRecord{}, false, fault.Ensure(fault.CodeStorage, op, err)
	}
	return rec, true, nil
}

// ListConflicts returns conflicts with status (all when empty), oldest
// first.
func (s *Store) ListConflicts(ctx context.Context, status string, limit int) ([]ConflictRecord, error) {
	const op = "store.ListConflicts"
	b := s.sb.Select(conflictColumns...).From("sync_conflicts")
	if status != "" {
		b = b.Where(sq.Eq{"status": status})
	}
	query, args, err := b.OrderBy("created_at_ms ASC", "id ASC").Limit(uint64(clampLimit(limit))).ToSql()
	if err != nil {
		return nil, fault.Wrap(fault.CodeStorage, op, err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStorage, op, err)
	}
	defer rows.Close()

	out := []ConflictRecord{}
	for rows.Next() {
		c, err := s.scanConflict(rows, op)
		if err != nil {
			return nil, fault.Ensure(fault.CodeStorage, op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.CodeStorage, op, err)
	}
	return out, nil
}

// MarkConflictResolved moves a pending conflict to resolved. Resolving a
// conflict that is not pending is a VALIDATION_ERROR.
func (s *Store) MarkConflictResolved(ctx context.Context, id, outcome, winnerID string, resolvedVersion int64, resolvedBy string) error {
	const op = "store.MarkConflictResolved"
	query, args, err := s.sb.Update("sync_conflicts").
		Set("status", ConflictResolved).
		Set("outcome", outcome).
		Set("winner_id", winnerID).
		Set("resolved_version", resolvedVersion).
		Set("resolved_by", resolvedBy).
		Set("resolved_at_ms", millis(s.now())).
		Where(sq.Eq{"id": id, "status": ConflictPending}).
		ToSql()
	if err != nil {
		return fault.Wrap(fault.CodeStorage, op, err)
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fault.Wrap(fault.CodeStorage, op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fault.Wrap(fault.CodeStorage, op, err)
	}
	if n == 0 {
		if _, err := s.GetConflict(ctx, id); err != nil {
			return err
		}
		return fault.New(fault.CodeValidation, op, "conflict %s is not pending", id)
	}
	return nil
}

func (s *Store) scanConflict(row rowScanner, op string) (ConflictRecord, error) {
	var (
		c           ConflictRecord
		candidateID string
		sealed      seal.Sealed
		createdMS   int64
		resolvedMS  sql.NullInt64
	)
	err := row.Scan(
		&c.ID, &c.AggregateType, &c.AggregateID, &c.Version, &c.ExistingID, &candidateID,
		&c.DeviceID, &c.Strategy, &c.Status, &c.Outcome, &c.WinnerID, &c.ResolvedVersion,
		&c.ResolvedBy, &c.Detail, &sealed.KeyID, &sealed.Nonce, &sealed.Ciphertext, &sealed.Tag,
		&createdMS, &resolvedMS,
	)
	if err != nil {
		return ConflictRecord{}, err
	}
	c.CreatedAt = time.UnixMilli(createdMS).UTC()
	if resolvedMS.Valid {
		t := time.UnixMilli(resolvedMS.Int64).UTC()
		c.ResolvedAt = &t
	}

	raw, err := s.sealer.Open(sealed, conflictAAD(c.ID))
	if err != nil {
		return ConflictRecord{}, s.corruption(op, "conflict:"+c.ID, err)
	}
	if err := json.Unmarshal(raw, &c.Candidate); err != nil {
		return ConflictRecord{}, s.corruption(op, "conflict:"+c.ID, err)
	}
	if c.Candidate.ID != candidateID {
		return ConflictRecord{}, s.corruption(op, "conflict:"+c.ID, errors.New("candidate id does not match sealed record"))
	}
	return c, nil
}
