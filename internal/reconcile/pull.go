package reconcile

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
	"github.com/roach88/tillguard/internal/store"
)

// Pull page sizes.
const (
	DefaultPullSize = 50
	MaxPullSize     = 500

	// maxPullScans bounds how many store pages one pull reads while
	// skipping events the caller has already seen.
	maxPullScans = 10
)

// PullRequest asks for server events. Cursor, when set, continues a
// previous pull.
type PullRequest struct {
	Since         time.Time         `json:"since,omitempty"`
	Until         time.Time         `json:"until,omitempty"`
	AggregateID   string            `json:"aggregate_id,omitempty"`
	AggregateType string            `json:"aggregate_type,omitempty"`
	VectorClock   event.VectorClock `json:"vector_clock,omitempty"`
	MaxEvents     int               `json:"max_events,omitempty"`
	Cursor        string            `json:"cursor,omitempty"`
}

// PullResult is one page of events.
type PullResult struct {
	Events      []event.Event     `json:"events"`
	HasMore     bool              `json:"has_more"`
	VectorClock event.VectorClock `json:"vector_clock"`
	// Cursor resumes after the last event examined.
	Cursor string `json:"cursor,omitempty"`
}

// Pull returns events in (timestamp, id) order. Events whose clock the
// caller's clock already covers are skipped. The returned clock merges the
// clocks of the returned events.
func (s *Service) Pull(ctx context.Context, req PullRequest) (PullResult, error) {
	limit := req.MaxEvents
	switch {
	case limit <= 0:
		limit = DefaultPullSize
	case limit > MaxPullSize:
		limit = MaxPullSize
	}
	after, err := ParseCursor(req.Cursor)
	if err != nil {
		return PullResult{}, err
	}

	res := PullResult{Events: []event.Event{}, VectorClock: event.VectorClock{}}
	for scan := 0; scan < maxPullScans; scan++ {
		page, err := s.store.Since(ctx, store.PullQuery{
			After:         after,
			Since:         req.Since,
			Until:         req.Until,
			AggregateID:   req.AggregateID,
			AggregateType: req.AggregateType,
			Limit:         limit + 1,
		})
		if err != nil {
			return PullResult{}, err
		}
		for _, e := range page {
			if len(res.Events) == limit {
				res.HasMore = true
				res.Cursor = FormatCursor(after)
				return res, nil
			}
			after = store.Position{Timestamp: e.Timestamp, ID: e.ID}
			if covered(req.VectorClock, e) {
				continue
			}
			res.Events = append(res.Events, e)
			res.VectorClock = res.VectorClock.Merge(e.VectorClock)
		}
		if len(page) <= limit {
			// Exhausted.
			if !after.IsZero() {
				res.Cursor = FormatCursor(after)
			}
			return res, nil
		}
	}
	res.HasMore = true
	res.Cursor = FormatCursor(after)
	return res, nil
}

func covered(caller event.VectorClock, e event.Event) bool {
	if len(caller) == 0 || len(e.VectorClock) == 0 {
		return false
	}
	return caller.Covers(e.VectorClock)
}

// FormatCursor encodes a position as "<unix ms>:<id>".
func FormatCursor(p store.Position) string {
	if p.IsZero() {
		return ""
	}
	return strconv.FormatInt(p.Timestamp.UnixMilli(), 10) + ":" + p.ID
}

// ParseCursor decodes FormatCursor output. Empty is the start.
func ParseCursor(s string) (store.Position, error) {
	if s == "" {
		return store.Position{}, nil
	}
	ms, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return store.Position{}, fault.New(fault.CodeValidation, "reconcile.ParseCursor", "malformed cursor %q", s)
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return store.Position{}, fault.New(fault.CodeValidation, "reconcile.ParseCursor", "malformed cursor %q", s)
	}
	return store.Position{Timestamp: time.UnixMilli(n).UTC(), ID: id}, nil
}
