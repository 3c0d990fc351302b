package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
)

// SchemaViolation is a payload that did not match its schema. The event
// was still stored.
type SchemaViolation struct {
	EventID string `json:"event_id"`
	Message string `json:"message"`
}

// BatchResult describes a committed batch.
type BatchResult struct {
	// Appended holds the ids written by this call, in commit order.
	Appended []string `json:"appended"`
	// Duplicates holds ids that were already stored and were skipped.
	Duplicates       []string          `json:"duplicates,omitempty"`
	SchemaViolations []SchemaViolation `json:"schema_violations,omitempty"`
	// Versions is the committed version of every aggregate touched.
	Versions map[event.AggregateKey]int64 `json:"-"`
}

// AppendEvent appends a single event.
func (s *Store) AppendEvent(ctx context.Context, e event.Event) (BatchResult, error) {
	return s.AppendBatch(ctx, []event.Event{e})
}

// AppendBatch appends events all-or-nothing.
//
// Every event is validated first; any structural problem rejects the whole
// batch. Inside one transaction, ids that are already stored are skipped,
// and the remaining events of each aggregate must continue it exactly from
// its current version. Any gap, overlap or lost compare-and-swap rolls the
// transaction back with VERSION_CONFLICT.
func (s *Store) AppendBatch(ctx context.Context, events []event.Event) (BatchResult, error) {
	const op = "store.AppendBatch"
	res := BatchResult{Versions: map[event.AggregateKey]int64{}}
	if len(events) == 0 {
		return res, nil
	}

	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		report := s.Validate(e)
		if !report.OK() {
			return BatchResult{}, fault.New(fault.CodeValidation, op, "event %q: %s", e.ID, strings.Join(report.Problems, "; ")).
				With("event_id", e.ID)
		}
		if _, dup := seen[e.ID]; dup {
			return BatchResult{}, fault.New(fault.CodeValidation, op, "event %q appears twice in batch", e.ID).
				With("event_id", e.ID)
		}
		seen[e.ID] = struct{}{}
		if report.SchemaErr != nil {
			res.SchemaViolations = append(res.SchemaViolations, SchemaViolation{EventID: e.ID, Message: report.SchemaErr.Error()})
			s.log.Warn("schema violation",
				zap.String("event_id", e.ID),
				zap.String("event_type", string(e.Type)),
				zap.Error(report.SchemaErr),
			)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BatchResult{}, fault.Wrap(fault.CodeStorage, op, err)
	}
	defer tx.Rollback() // no-op after commit

	stored, err := s.existingIDs(ctx, tx, events)
	if err != nil {
		return BatchResult{}, fault.Wrap(fault.CodeStorage, op, err)
	}

	groups := make(map[event.AggregateKey][]event.Event)
	var order []event.AggregateKey
	for _, e := range events {
		if _, ok := stored[e.ID]; ok {
			res.Duplicates = append(res.Duplicates, e.ID)
			continue
		}
		k := e.Key()
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}

	for _, k := range order {
		group := groups[k]
		sort.SliceStable(group, func(i, j int) bool { return group[i].Version < group[j].Version })

		current, exists, err := s.currentVersion(ctx, tx, k)
		if err != nil {
			return BatchResult{}, fault.Wrap(fault.CodeStorage, op, err)
		}
		for i, e := range group {
			if want := current + int64(i) + 1; e.Version != want {
				return BatchResult{}, versionConflict(op, k, want, e)
			}
		}

		last := group[len(group)-1].Version
		if err := s.advanceVersion(ctx, tx, k, current, exists, last); err != nil {
			return BatchResult{}, fault.Ensure(fault.CodeStorage, op, err)
		}
		for _, e := range group {
			if err := s.insertEvent(ctx, tx, e); err != nil {
				if isUniqueViolation(err) {
					return BatchResult{}, versionConflict(op, k, e.Version, e)
				}
				return BatchResult{}, fault.Ensure(fault.CodeStorage, op, err)
			}
			res.Appended = append(res.Appended, e.ID)
		}
		res.Versions[k] = last
	}

	if err := tx.Commit(); err != nil {
		return BatchResult{}, fault.Wrap(fault.CodeStorage, op, err)
	}
	if len(res.Appended) > 0 {
		s.metrics.BatchCommitted(len(res.Appended))
		s.log.Debug("batch committed",
			zap.Int("appended", len(res.Appended)),
			zap.Int("duplicates", len(res.Duplicates)),
		)
	}
	return res, nil
}

func versionConflict(op string, k event.AggregateKey, want int64, e event.Event) error {
	return fault.New(fault.CodeVersionConflict, op, "%s: expected version %d, got %d (event %s)", k, want, e.Version, e.ID).
		With("aggregate", k.String()).
		With("expected", strconv.FormatInt(want, 10)).
		With("event_id", e.ID)
}

func (s *Store) existingIDs(ctx context.Context, q querier, events []event.Event) (map[string]struct{}, error) {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	query, args, err := s.sb.Select("id").From(eventsTable).Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query existing ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func (s *Store) currentVersion(ctx context.Context, q querier, k event.AggregateKey) (int64, bool, error) {
	query, args, err := s.sb.Select("version").From("aggregate_versions").
		Where(sq.Eq{"aggregate_type": k.Type, "aggregate_id": k.ID}).ToSql()
	if err != nil {
		return 0, false, err
	}
	var v int64
	err = q.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query version of %s: %w", k, err)
	}
	return v, true, nil
}

// advanceVersion moves the counter from current to next with a
// compare-and-swap. A concurrent writer that got there first makes the
// update (or the first insert) affect no rows.
func (s *Store) advanceVersion(ctx context.Context, q querier, k event.AggregateKey, current int64, exists bool, next int64) error {
	const op = "store.advanceVersion"
	now := millis(s.now())

	var b interface {
		ToSql() (string, []any, error)
	}
	if exists {
		b = s.sb.Update("aggregate_versions").
			Set("version", next).
			Set("updated_at_ms", now).
			Where(sq.Eq{"aggregate_type": k.Type, "aggregate_id": k.ID, "version": current})
	} else {
		b = s.sb.Insert("aggregate_versions").
			Columns("aggregate_type", "aggregate_id", "version", "updated_at_ms").
			Values(k.Type, k.ID, next, now).
			Suffix("ON CONFLICT (aggregate_type, aggregate_id) DO NOTHING")
	}
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("advance version of %s: %w", k, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fault.New(fault.CodeVersionConflict, op, "%s: version moved past %d", k, current).
			With("aggregate", k.String())
	}
	return nil
}

func (s *Store) insertEvent(ctx context.Context, q querier, e event.Event) error {
	sealed, err := s.sealPayload(e)
	if err != nil {
		return err
	}
	clock, err := encodeClock(e.VectorClock)
	if err != nil {
		return err
	}
	query, args, err := s.sb.Insert(eventsTable).
		Columns(append(append([]string{}, eventColumns...), "stored_at_ms")...).
		Values(
			e.ID, e.AggregateType, e.AggregateID, e.Version, string(e.Type), schemaVersionOf(e),
			millis(e.Timestamp), e.ActorID, e.DeviceID, e.BranchID, e.Hash, e.PreviousHash,
			e.CorrelationID, e.CausationID, clock, e.Offline, nullMillis(e.SyncedAt),
			sealed.KeyID, sealed.Nonce, sealed.Ciphertext, sealed.Tag,
			millis(s.now()),
		).ToSql()
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, query, args...)
	return err
}

// isUniqueViolation recognizes duplicate key errors from both dialects
// without importing driver error types.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}
