package edgelog

import (
	"context"
	"time"

	"github.com/roach88/tillguard/internal/event"
)

// Record is an event with its position in the device chain. Seq starts at 1
// and has no gaps.
type Record struct {
	Seq   int64
	Event event.Event
}

// Storage persists the device chain.
//
// Append must be atomic: either the record is durable or an error is
// returned and nothing was written.
type Storage interface {
	Append(ctx context.Context, rec Record) error

	// Last returns the most recent record, or ok=false for an empty log.
	Last(ctx context.Context) (rec Record, ok bool, err error)

	// LastVersions returns the highest version per aggregate.
	LastVersions(ctx context.Context) (map[event.AggregateKey]int64, error)

	// Range returns up to limit records with Seq > afterSeq, ascending.
	Range(ctx context.Context, afterSeq int64, limit int) ([]Record, error)

	// Unsynced returns up to limit events with no SyncedAt, in chain order.
	Unsynced(ctx context.Context, limit int) ([]event.Event, error)

	// MarkSynced sets SyncedAt for ids. Unknown ids are ignored.
	MarkSynced(ctx context.Context, ids []string, at time.Time) error

	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error

	Close() error
}
