package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
)

// Listing limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Filter selects events for Search. Zero fields do not constrain.
type Filter struct {
	AggregateID   string       `json:"aggregate_id,omitempty"`
	AggregateType string       `json:"aggregate_type,omitempty"`
	Types         []event.Type `json:"types,omitempty"`
	ActorID       string       `json:"actor_id,omitempty"`
	DeviceID      string       `json:"device_id,omitempty"`
	BranchID      string       `json:"branch_id,omitempty"`
	Since         time.Time    `json:"since,omitempty"`
	Until         time.Time    `json:"until,omitempty"`
	Limit         int          `json:"limit,omitempty"`
}

// Position is a point in the (timestamp, id) order used for paging.
type Position struct {
	Timestamp time.Time
	ID        string
}

// IsZero reports whether p is the start of the log.
func (p Position) IsZero() bool { return p.Timestamp.IsZero() && p.ID == "" }

// PullQuery selects events for the sync pull path.
type PullQuery struct {
	// After excludes everything up to and including this position.
	After Position
	// Since and Until bound the timestamp window; zero is unbounded.
	Since         time.Time
	Until         time.Time
	AggregateID   string
	AggregateType string
	Limit         int
}

// Read returns an aggregate's events with version >= fromVersion, ascending.
func (s *Store) Read(ctx context.Context, aggregateID, aggregateType string, fromVersion int64) ([]event.Event, error) {
	const op = "store.Read"
	b := s.selectEvents().
		Where(sq.Eq{"aggregate_type": aggregateType, "aggregate_id": aggregateID}).
		Where(sq.GtOrEq{"version": fromVersion}).
		OrderBy("version ASC")
	return s.queryEvents(ctx, op, b)
}

// GetEvent returns the event with id, or NOT_FOUND.
func (s *Store) GetEvent(ctx context.Context, id string) (event.Event, error) {
	return s.getOne(ctx, "store.GetEvent", sq.Eq{"id": id}, id)
}

// EventAt returns the event occupying an aggregate version slot, or
// NOT_FOUND.
func (s *Store) EventAt(ctx context.Context, aggregateID, aggregateType string, version int64) (event.Event, error) {
	where := sq.Eq{"aggregate_type": aggregateType, "aggregate_id": aggregateID, "version": version}
	return s.getOne(ctx, "store.EventAt", where, fmt.Sprintf("%s/%s@%d", aggregateType, aggregateID, version))
}

// CurrentVersion returns the last committed version, 0 for an unknown
// aggregate.
func (s *Store) CurrentVersion(ctx context.Context, aggregateID, aggregateType string) (int64, error) {
	v, _, err := s.currentVersion(ctx, s.db, event.AggregateKey{ID: aggregateID, Type: aggregateType})
	if err != nil {
		return 0, fault.Wrap(fault.CodeStorage, "store.CurrentVersion", err)
	}
	return v, nil
}

// GetEventsByType returns up to limit events of typ, oldest first.
func (s *Store) GetEventsByType(ctx context.Context, typ event.Type, limit int) ([]event.Event, error) {
	return s.Search(ctx, Filter{Types: []event.Type{typ}, Limit: limit})
}

// Search returns events matching f ordered by (timestamp, id).
func (s *Store) Search(ctx context.Context, f Filter) ([]event.Event, error) {
	b := s.selectEvents()
	if f.AggregateID != "" {
		b = b.Where(sq.Eq{"aggregate_id": f.AggregateID})
	}
	if f.AggregateType != "" {
		b = b.Where(sq.Eq{"aggregate_type": f.AggregateType})
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		b = b.Where(sq.Eq{"type": types})
	}
	if f.ActorID != "" {
		b = b.Where(sq.Eq{"actor_id": f.ActorID})
	}
	if f.DeviceID != "" {
		b = b.Where(sq.Eq{"device_id": f.DeviceID})
	}
	if f.BranchID != "" {
		b = b.Where(sq.Eq{"branch_id": f.BranchID})
	}
	b = timeWindow(b, f.Since, f.Until)
	b = b.OrderBy("timestamp_ms ASC", "id ASC").Limit(uint64(clampLimit(f.Limit)))
	return s.queryEvents(ctx, "store.Search", b)
}

// Since returns events after q.After in (timestamp, id) order.
func (s *Store) Since(ctx context.Context, q PullQuery) ([]event.Event, error) {
	b := s.selectEvents()
	if q.AggregateID != "" {
		b = b.Where(sq.Eq{"aggregate_id": q.AggregateID})
	}
	if q.AggregateType != "" {
		b = b.Where(sq.Eq{"aggregate_type": q.AggregateType})
	}
	if !q.After.IsZero() {
		ts := millis(q.After.Timestamp)
		b = b.Where(sq.Or{
			sq.Gt{"timestamp_ms": ts},
			sq.And{sq.Eq{"timestamp_ms": ts}, sq.Gt{"id": q.After.ID}},
		})
	}
	b = timeWindow(b, q.Since, q.Until)
	b = b.OrderBy("timestamp_ms ASC", "id ASC").Limit(uint64(clampLimit(q.Limit)))
	return s.queryEvents(ctx, "store.Since", b)
}

func timeWindow(b sq.SelectBuilder, since, until time.Time) sq.SelectBuilder {
	if !since.IsZero() {
		b = b.Where(sq.GtOrEq{"timestamp_ms": millis(since)})
	}
	if !until.IsZero() {
		b = b.Where(sq.Lt{"timestamp_ms": millis(until)})
	}
	return b
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	default:
		return n
	}
}

func (s *Store) selectEvents() sq.SelectBuilder {
	return s.sb.Select(eventColumns...).From(eventsTable)
}

func (s *Store) getOne(ctx context.Context, op string, where sq.Sqlizer, label string) (event.Event, error) {
	query, args, err := s.selectEvents().Where(where).ToSql()
	if err != nil {
		return event.Event{}, fault.Wrap(fault.CodeStorage, op, err)
	}
	e, err := s.scanEvent(s.db.QueryRowContext(ctx, query, args...), op)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, fault.New(fault.CodeNotFound, op, "event %s not found", label)
	}
	if err != nil {
		return event.Event{}, fault.Ensure(fault.CodeStorage, op, err)
	}
	return e, nil
}

func (s *Store) queryEvents(ctx context.Context, op string, b sq.SelectBuilder) ([]event.Event, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fault.Wrap(fault.CodeStorage, op, err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStorage, op, err)
	}
	defer rows.Close()

	events := []event.Event{}
	for rows.Next() {
		e, err := s.scanEvent(rows, op)
		if err != nil {
			return nil, fault.Ensure(fault.CodeStorage, op, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.CodeStorage, op, err)
	}
	return events, nil
}
