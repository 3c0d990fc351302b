package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
	"github.com/roach88/tillguard/internal/seal"
)

// Snapshot is folded aggregate state at a version.
type Snapshot struct {
	AggregateID   string       `json:"aggregate_id"`
	AggregateType string       `json:"aggregate_type"`
	Version       int64        `json:"version"`
	State         event.Object `json:"state"`
	CreatedAt     time.Time    `json:"created_at"`
}

// SaveSnapshot stores snap, replacing any snapshot at the same version.
// The version must already be committed.
func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	const op = "store.SaveSnapshot"
	if snap.AggregateID == "" || snap.AggregateType == "" {
		return fault.New(fault.CodeValidation, op, "aggregate id and type are required")
	}
	if snap.Version < 1 {
		return fault.New(fault.CodeValidation, op, "version must be >= 1")
	}
	current, err := s.CurrentVersion(ctx, snap.AggregateID, snap.AggregateType)
	if err != nil {
		return err
	}
	if snap.Version > current {
		return fault.New(fault.CodeValidation, op, "snapshot version %d is beyond current version %d", snap.Version, current)
	}

	state := snap.State
	if state == nil {
		state = event.Object{}
	}
	plain, err := event.MarshalCanonical(state)
	if err != nil {
		return fault.New(fault.CodeValidation, op, "state: %v", err)
	}
	sealed, err := s.sealer.Seal(plain, snapshotAAD(snap.AggregateType, snap.AggregateID, snap.Version))
	if err != nil {
		return fault.Wrap(fault.CodeStorage, op, err)
	}

	query, args, err := s.sb.Insert("snapshots").
		Columns("aggregate_type", "aggregate_id", "version", "key_id", "nonce", "ciphertext", "tag", "created_at_ms").
		Values(snap.AggregateType, snap.AggregateID, snap.Version, sealed.KeyID, sealed.Nonce, sealed.Ciphertext, sealed.Tag, millis(s.now())).
		Suffix("ON CONFLICT (aggregate_type, aggregate_id, version) DO UPDATE SET " +
			"key_id = excluded.key_id, nonce = excluded.nonce, ciphertext = excluded.ciphertext, " +
			"tag = excluded.tag, created_at_ms = excluded.created_at_ms").
		ToSql()
	if err != nil {
		return fault.Wrap(fault.CodeStorage, op, err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fault.Wrap(fault.CodeStorage, op, err)
	}
	return nil
}

// GetLatestSnapshot returns the highest-version snapshot of an aggregate.
// ok is false when none exists.
func (s *Store) GetLatestSnapshot(ctx context.Context, aggregateID, aggregateType string) (snap Snapshot, ok bool, err error) {
	const op = "store.GetLatestSnapshot"
	query, args, err := s.sb.Select("version", "key_id", "nonce", "ciphertext", "tag", "created_at_ms").
		From("snapshots").
		Where(sq.Eq{"aggregate_type": aggregateType, "aggregate_id": aggregateID}).
		OrderBy("version DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return Snapshot{}, false, fault.Wrap(fault.CodeStorage, op, err)
	}

	var (
		sealed    seal.Sealed
		createdMS int64
	)
	snap = Snapshot{AggregateID: aggregateID, AggregateType: aggregateType}
	err = s.db.QueryRowContext(ctx, query, args...).
		Scan(&snap.Version, &sealed.KeyID, &sealed.Nonce, &sealed.Ciphertext, &sealed.Tag, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fault.Wrap(fault.CodeStorage, op, err)
	}

	label := event.AggregateKey{ID: aggregateID, Type: aggregateType}.String()
	state, err := s.openObject(sealed, snapshotAAD(aggregateType, aggregateID, snap.Version), op, "snapshot:"+label)
	if err != nil {
		return Snapshot{}, false, err
	}
	snap.State = state
	snap.CreatedAt = time.UnixMilli(createdMS).UTC()
	return snap, true, nil
}
