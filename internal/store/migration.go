package store

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
	"github.com/roach88/tillguard/internal/schema"
)

// migrationPage is how many events Migrate loads per round trip.
const migrationPage = 100

// Migration rewrites the payloads of one event type from one schema
// version to the next.
type Migration struct {
	// ID names the migration in the marker table. Defaults to
	// "<TYPE>:v<from>->v<to>".
	ID         string
	EventType  event.Type
	FromSchema int
	ToSchema   int
	Transform  func(event.Object) (event.Object, error)
}

func (m Migration) id() string {
	if m.ID != "" {
		return m.ID
	}
	return fmt.Sprintf("%s:v%d->v%d", m.EventType, m.FromSchema, m.ToSchema)
}

// MigrationReport summarizes a run. On error it reflects the work done
// before the failure.
type MigrationReport struct {
	MigrationID string `json:"migration_id"`
	Migrated    int    `json:"migrated"`
	// AlreadyMigrated counts events marked by an earlier run.
	AlreadyMigrated int `json:"already_migrated"`
	// FailedEventID is the event that stopped the run, if any.
	FailedEventID string `json:"failed_event_id,omitempty"`
}

// Migrate applies m to every stored event of m.EventType still at
// m.FromSchema.
//
// Each event is transformed, checked against m.ToSchema when that schema is
// registered, resealed under a fresh nonce, and updated in the same
// transaction that writes its marker row. A rerun after a partial failure
// skips marked events, so no transform is applied twice.
func (s *Store) Migrate(ctx context.Context, m Migration) (MigrationReport, error) {
	const op = "store.Migrate"
	report := MigrationReport{MigrationID: m.id()}
	if !m.EventType.Valid() {
		return report, fault.New(fault.CodeValidation, op, "unknown event type %q", m.EventType)
	}
	if m.FromSchema < 1 || m.ToSchema <= m.FromSchema {
		return report, fault.New(fault.CodeValidation, op, "schema versions must satisfy 1 <= from < to")
	}
	if m.Transform == nil {
		return report, fault.New(fault.CodeValidation, op, "transform is required")
	}

	done, err := s.countMarked(ctx, report.MigrationID)
	if err != nil {
		return report, fault.Wrap(fault.CodeStorage, op, err)
	}
	report.AlreadyMigrated = done

	log := s.log.With(zap.String("migration", report.MigrationID))
	for {
		batch, err := s.pendingMigration(ctx, m, report.MigrationID)
		if err != nil {
			return report, fault.Ensure(fault.CodeStorage, op, err)
		}
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			if err := s.migrateOne(ctx, m, report.MigrationID, e); err != nil {
				report.FailedEventID = e.ID
				log.Error("migration stopped", zap.String("event_id", e.ID), zap.Int("migrated", report.Migrated), zap.Error(err))
				return report, err
			}
			report.Migrated++
		}
	}

	log.Info("migration complete", zap.Int("migrated", report.Migrated), zap.Int("already_migrated", report.AlreadyMigrated))
	return report, nil
}

func (s *Store) countMarked(ctx context.Context, migrationID string) (int, error) {
	query, args, err := s.sb.Select("COUNT(*)").From("event_migrations").
		Where(sq.Eq{"migration_id": migrationID}).ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) pendingMigration(ctx context.Context, m Migration, migrationID string) ([]event.Event, error) {
	// Built with question placeholders; the outer builder renumbers them.
	marked := sq.Select("1").From("event_migrations mk").
		Where("mk.event_id = events.id").
		Where(sq.Eq{"mk.migration_id": migrationID})
	notMarked, markedArgs, err := marked.ToSql()
	if err != nil {
		return nil, err
	}

	b := s.selectEvents().
		Where(sq.Eq{"type": string(m.EventType), "schema_version": m.FromSchema}).
		Where(sq.Expr("NOT EXISTS ("+notMarked+")", markedArgs...)).
		OrderBy("timestamp_ms ASC", "id ASC").
		Limit(migrationPage)
	return s.queryEvents(ctx, "store.Migrate", b)
}

func (s *Store) migrateOne(ctx context.Context, m Migration, migrationID string, e event.Event) error {
	const op = "store.Migrate"
	next, err := m.Transform(e.Payload.Clone())
	if err != nil {
		return fault.New(fault.CodeValidation, op, "transform event %s: %v", e.ID, err).With("event_id", e.ID)
	}
	if s.schemas != nil {
		err := s.schemas.Validate(m.EventType, m.ToSchema, next)
		if err != nil && !errors.Is(err, schema.ErrNoSchema) {
			return fault.New(fault.CodeValidation, op, "event %s: %v", e.ID, err).With("event_id", e.ID)
		}
	}

	e.Payload = next
	sealed, err := s.sealPayload(e)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.CodeStorage, op, err)
	}
	defer tx.Rollback()

	upd, args, err := s.sb.Update(eventsTable).
		Set("schema_version", m.ToSchema).
		Set("key_id", sealed.KeyID).
		Set("nonce", sealed.Nonce).
		Set("ciphertext", sealed.Ciphertext).
		Set("tag", sealed.Tag).
		Where(sq.Eq{"id": e.ID, "schema_version": m.FromSchema}).
		ToSql()
	if err != nil {
		return fault.Wrap(fault.CodeStorage, op, err)
	}
	if _, err := tx.ExecContext(ctx, upd, args...); err != nil {
		return fault.Wrap(fault.CodeStorage, op, err)
	}

	ins, args, err := s.sb.Insert("event_migrations").
		Columns("event_id", "migration_id", "migrated_at_ms").
		Values(e.ID, migrationID, millis(s.now())).
		ToSql()
	if err != nil {
		return fault.Wrap(fault.CodeStorage, op, err)
	}
	if _, err := tx.ExecContext(ctx, ins, args...); err != nil {
		return fault.Wrap(fault.CodeStorage, op, err)
	}
	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.CodeStorage, op, err)
	}
	return nil
}
