package event

import "github.com/google/uuid"

// IDGenerator produces event ids.
type IDGenerator interface {
	NewID() string
}

// UUIDv7 generates time-sortable UUIDv7 ids. Because the leading bits are a
// millisecond timestamp, comparing ids as strings approximates creation
// order, which is what the last-write-wins tie-break relies on.
//
// Safe for concurrent use.
type UUIDv7 struct{}

// NewID returns a new hyphenated UUIDv7. Panics only if the system random
// source fails.
func (UUIDv7) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewID is a convenience wrapper over UUIDv7.
func NewID() string {
	return UUIDv7{}.NewID()
}
