package event

import (
	"time"
)

// Event is an immutable fact about an aggregate.
//
// Hash and PreviousHash form the per-device chain on the edge. Version is
// the per-aggregate position; on the server it is strictly increasing with
// no gaps. SyncedAt is delivery metadata kept beside the event and is not
// part of the digest.
type Event struct {
	ID            string      `json:"id"`
	Type          Type        `json:"type"`
	AggregateID   string      `json:"aggregate_id"`
	AggregateType string      `json:"aggregate_type"`
	Payload       Object      `json:"payload"`
	Version       int64       `json:"version"`
	SchemaVersion int         `json:"schema_version,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	ActorID       string      `json:"actor_id"`
	DeviceID      string      `json:"device_id,omitempty"`
	BranchID      string      `json:"branch_id,omitempty"`
	Hash          string      `json:"hash,omitempty"`
	PreviousHash  string      `json:"previous_hash,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	CausationID   string      `json:"causation_id,omitempty"`
	VectorClock   VectorClock `json:"vector_clock,omitempty"`
	Offline       bool        `json:"offline,omitempty"`
	SyncedAt      *time.Time  `json:"synced_at,omitempty"`
}

// AggregateKey identifies an aggregate stream.
type AggregateKey struct {
	ID   string
	Type string
}

// String implements fmt.Stringer.
func (k AggregateKey) String() string {
	return k.Type + "/" + k.ID
}

// Key returns the aggregate key of e.
func (e Event) Key() AggregateKey {
	return AggregateKey{ID: e.AggregateID, Type: e.AggregateType}
}

// Genesis reports whether e starts a device chain.
func (e Event) Genesis() bool {
	return e.PreviousHash == ""
}

// Clone returns a copy that shares no mutable state with e.
func (e Event) Clone() Event {
	cp := e
	cp.Payload = e.Payload.Clone()
	cp.VectorClock = e.VectorClock.Clone()
	if e.SyncedAt != nil {
		t := *e.SyncedAt
		cp.SyncedAt = &t
	}
	return cp
}

// Truncate normalizes t to the millisecond precision used by digests.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Later reports whether a should win a last-write-wins comparison against b.
// Equal timestamps are ordered by id so the outcome is total and
// deterministic.
func Later(a, b Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID > b.ID
}
