package store

import (
	"errors"
	"time"

	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/schema"
)

// MaxClockSkew is how far in the future an event timestamp may be before
// it is rejected.
const MaxClockSkew = 5 * time.Minute

// Report is the result of Validate. Problems are structural and block
// persistence; SchemaErr is a payload schema violation, reported but not
// blocking.
type Report struct {
	Problems  []string
	SchemaErr error
}

// OK reports whether the event is structurally valid.
func (r Report) OK() bool { return len(r.Problems) == 0 }

// Validate checks e structurally and, when a schema registry is
// configured, against its payload schema.
func (s *Store) Validate(e event.Event) Report {
	var r Report
	if e.ID == "" {
		r.Problems = append(r.Problems, "id is required")
	}
	if !e.Type.Valid() {
		r.Problems = append(r.Problems, "unknown event type "+string(e.Type))
	}
	if e.AggregateID == "" {
		r.Problems = append(r.Problems, "aggregate_id is required")
	}
	if e.AggregateType == "" {
		r.Problems = append(r.Problems, "aggregate_type is required")
	}
	if e.Version < 1 {
		r.Problems = append(r.Problems, "version must be >= 1")
	}
	if e.ActorID == "" {
		r.Problems = append(r.Problems, "actor_id is required")
	}
	switch {
	case e.Timestamp.IsZero():
		r.Problems = append(r.Problems, "timestamp is required")
	case e.Timestamp.After(s.now().Add(MaxClockSkew)):
		r.Problems = append(r.Problems, "timestamp is in the future")
	}

	if s.schemas != nil && e.Type.Valid() {
		err := s.schemas.Validate(e.Type, schemaVersionOf(e), e.Payload)
		if err != nil && !errors.Is(err, schema.ErrNoSchema) {
			r.SchemaErr = err
		}
	}
	return r
}

func schemaVersionOf(e event.Event) int {
	if e.SchemaVersion < 1 {
		return 1
	}
	return e.SchemaVersion
}
