package edgelog

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/tillguard/internal/event"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial schema
// 1 - partial index over unsynced events
const currentSchemaVersion = 1

const eventColumns = `seq, id, type, aggregate_id, aggregate_type, version, schema_version,
	payload, timestamp_ms, actor_id, device_id, branch_id, hash, previous_hash,
	correlation_id, causation_id, vector_clock, offline, synced_at_ms`

// SQLiteStorage is the durable Storage for edge devices.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLite creates or opens the device database at path.
//
// The database is configured with:
//   - WAL mode so readers do not block the writer
//   - synchronous=FULL, since an acknowledged append must survive power loss
//   - 5 second busy timeout
//   - a single connection, matching the single-writer chain
func OpenSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open edge database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect edge database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply edge schema: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStorage{db: db}, nil
}

// migrate applies incremental migrations keyed on PRAGMA user_version.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_unsynced
			ON events(seq) WHERE synced_at_ms IS NULL`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Append implements Storage.
func (s *SQLiteStorage) Append(ctx context.Context, rec Record) error {
	e := rec.Event
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	clock, err := json.Marshal(e.VectorClock)
	if err != nil {
		return fmt.Errorf("encode vector clock: %w", err)
	}

	var prev any
	if e.PreviousHash != "" {
		prev = e.PreviousHash
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		rec.Seq, e.ID, string(e.Type), e.AggregateID, e.AggregateType, e.Version, e.SchemaVersion,
		string(payload), e.Timestamp.UnixMilli(), e.ActorID, e.DeviceID, e.BranchID, e.Hash, prev,
		e.CorrelationID, e.CausationID, string(clock), e.Offline,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

// Last implements Storage.
func (s *SQLiteStorage) Last(ctx context.Context) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY seq DESC LIMIT 1`)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// LastVersions implements Storage.
func (s *SQLiteStorage) LastVersions(ctx context.Context) (map[event.AggregateKey]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT aggregate_id, aggregate_type, MAX(version)
		FROM events
		GROUP BY aggregate_type, aggregate_id`)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	out := make(map[event.AggregateKey]int64)
	for rows.Next() {
		var k event.AggregateKey
		var v int64
		if err := rows.Scan(&k.ID, &k.Type, &v); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Range implements Storage.
func (s *SQLiteStorage) Range(ctx context.Context, afterSeq int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+`
		FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Unsynced implements Storage.
func (s *SQLiteStorage) Unsynced(ctx context.Context, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+`
		FROM events WHERE synced_at_ms IS NULL ORDER BY seq ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unsynced: %w", err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	out := make([]event.Event, len(recs))
	for i, r := range recs {
		out[i] = r.Event
	}
	return out, nil
}

// MarkSynced implements Storage.
func (s *SQLiteStorage) MarkSynced(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, at.UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET synced_at_ms = ? WHERE id IN (`+placeholders+`) AND synced_at_ms IS NULL`, args...)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// GetMeta implements Storage.
func (s *SQLiteStorage) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %s: %w", key, err)
	}
	return v, true, nil
}

// SetMeta implements Storage.
func (s *SQLiteStorage) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// Close implements Storage.
func (s *SQLiteStorage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec      Record
		typ      string
		payload  string
		tsMS     int64
		prev     sql.NullString
		clock    string
		syncedMS sql.NullInt64
	)
	e := &rec.Event
	err := row.Scan(&rec.Seq, &e.ID, &typ, &e.AggregateID, &e.AggregateType, &e.Version, &e.SchemaVersion,
		&payload, &tsMS, &e.ActorID, &e.DeviceID, &e.BranchID, &e.Hash, &prev,
		&e.CorrelationID, &e.CausationID, &clock, &e.Offline, &syncedMS)
	if err != nil {
		return Record{}, err
	}

	e.Type = event.Type(typ)
	e.Timestamp = time.UnixMilli(tsMS).UTC()
	e.PreviousHash = prev.String
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return Record{}, fmt.Errorf("decode payload of %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(clock), &e.VectorClock); err != nil {
		return Record{}, fmt.Errorf("decode vector clock of %s: %w", e.ID, err)
	}
	if len(e.VectorClock) == 0 {
		e.VectorClock = nil
	}
	if syncedMS.Valid {
		ts := time.UnixMilli(syncedMS.Int64).UTC()
		e.SyncedAt = &ts
	}
	return rec, nil
}
