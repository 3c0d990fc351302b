package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
	"github.com/roach88/tillguard/internal/seal"
)

const eventsTable = "events"

// eventColumns is the select list shared by every event query; scanEvent
// reads them in this order.
var eventColumns = []string{
	"id", "aggregate_type", "aggregate_id", "version", "type", "schema_version",
	"timestamp_ms", "actor_id", "device_id", "branch_id", "hash", "previous_hash",
	"correlation_id", "causation_id", "vector_clock", "offline", "synced_at_ms",
	"key_id", "nonce", "ciphertext", "tag",
}

// querier is satisfied by *sql.DB and *sql.Tx so helpers run inside or
// outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// eventAAD binds a sealed payload to its record, including its slot in the
// aggregate and its timestamp.
func eventAAD(e event.Event) []byte {
	return seal.AAD("event", e.ID, e.AggregateType, e.AggregateID, string(e.Type),
		strconv.FormatInt(e.Version, 10), strconv.FormatInt(e.Timestamp.UnixMilli(), 10))
}

func snapshotAAD(aggType, aggID string, version int64) []byte {
	return seal.AAD("snapshot", aggType, aggID, strconv.FormatInt(version, 10))
}

func conflictAAD(id string) []byte {
	return seal.AAD("conflict", id)
}

func (s *Store) sealPayload(e event.Event) (seal.Sealed, error) {
	payload := e.Payload
	if payload == nil {
		payload = event.Object{}
	}
	plain, err := event.MarshalCanonical(payload)
	if err != nil {
		return seal.Sealed{}, fault.New(fault.CodeValidation, "store.seal", "event %s: %v", e.ID, err)
	}
	sealed, err := s.sealer.Seal(plain, eventAAD(e))
	if err != nil {
		return seal.Sealed{}, fault.Wrap(fault.CodeStorage, "store.seal", err)
	}
	return sealed, nil
}

// openObject decrypts a sealed JSON object. Failures carry the record id.
func (s *Store) openObject(sealed seal.Sealed, aad []byte, op, recordID string) (event.Object, error) {
	plain, err := s.sealer.Open(sealed, aad)
	if err != nil {
		return nil, s.corruption(op, recordID, err)
	}
	v, err := event.DecodeValue(plain)
	if err != nil {
		return nil, s.corruption(op, recordID, err)
	}
	obj, ok := v.(event.Object)
	if !ok {
		return nil, s.corruption(op, recordID, fmt.Errorf("payload is %T, not an object", v))
	}
	return obj, nil
}

func (s *Store) corruption(op, recordID string, cause error) error {
	s.metrics.CorruptionDetected()
	s.log.Error("integrity check failed",
		zap.String("op", op),
		zap.String("record_id", recordID),
		zap.Error(cause),
	)
	return &fault.Error{
		Code:    fault.CodeCorruption,
		Op:      op,
		Message: "record " + recordID + " failed integrity check",
		Fields:  map[string]string{"record_id": recordID},
		Err:     cause,
	}
}

func (s *Store) scanEvent(row rowScanner, op string) (event.Event, error) {
	var (
		e        event.Event
		typ      string
		tsMS     int64
		clockRaw string
		syncedAt sql.NullInt64
		sealed   seal.Sealed
	)
	err := row.Scan(
		&e.ID, &e.AggregateType, &e.AggregateID, &e.Version, &typ, &e.SchemaVersion,
		&tsMS, &e.ActorID, &e.DeviceID, &e.BranchID, &e.Hash, &e.PreviousHash,
		&e.CorrelationID, &e.CausationID, &clockRaw, &e.Offline, &syncedAt,
		&sealed.KeyID, &sealed.Nonce, &sealed.Ciphertext, &sealed.Tag,
	)
	if err != nil {
		return event.Event{}, err
	}
	e.Type = event.Type(typ)
	e.Timestamp = time.UnixMilli(tsMS).UTC()
	if syncedAt.Valid {
		t := time.UnixMilli(syncedAt.Int64).UTC()
		e.SyncedAt = &t
	}
	if clockRaw != "" && clockRaw != "{}" {
		if err := json.Unmarshal([]byte(clockRaw), &e.VectorClock); err != nil {
			return event.Event{}, s.corruption(op, e.ID, fmt.Errorf("vector clock: %w", err))
		}
	}

	payload, err := s.openObject(sealed, eventAAD(e), op, e.ID)
	if err != nil {
		return event.Event{}, err
	}
	e.Payload = payload
	return e, nil
}

func encodeClock(vc event.VectorClock) (string, error) {
	if len(vc) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(vc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
