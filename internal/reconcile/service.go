package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
	"github.com/roach88/tillguard/internal/logging"
	"github.com/roach88/tillguard/internal/store"
	"github.com/roach88/tillguard/internal/telemetry"
)

// EventStore is the part of the server store the protocol needs.
type EventStore interface {
	Validate(e event.Event) store.Report
	AppendEvent(ctx context.Context, e event.Event) (store.BatchResult, error)
	GetEvent(ctx context.Context, id string) (event.Event, error)
	EventAt(ctx context.Context, aggregateID, aggregateType string, version int64) (event.Event, error)
	CurrentVersion(ctx context.Context, aggregateID, aggregateType string) (int64, error)
	Since(ctx context.Context, q store.PullQuery) ([]event.Event, error)
	SaveConflict(ctx context.Context, c store.ConflictRecord) error
	GetConflict(ctx context.Context, id string) (store.ConflictRecord, error)
	ListConflicts(ctx context.Context, status string, limit int) ([]store.ConflictRecord, error)
	FindConflictByCandidate(ctx context.Context, candidateID string) (store.ConflictRecord, bool, error)
	MarkConflictResolved(ctx context.Context, id, outcome, winnerID string, resolvedVersion int64, resolvedBy string) error
}

// appendAttempts bounds retries when another writer advances an aggregate
// between our read of its version and our append.
const appendAttempts = 3

// Service runs push, pull and conflict resolution against a store.
type Service struct {
	store   EventStore
	ids     event.IDGenerator
	now     func() time.Time
	log     *zap.Logger
	metrics *telemetry.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithIDGenerator overrides the id generator used for conflicts and
// merged events.
func WithIDGenerator(g event.IDGenerator) Option {
	return func(s *Service) { s.ids = g }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = logging.OrNop(l).Named("reconcile") }
}

// WithMetrics sets the metric recorder.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New builds a Service over st.
func New(st EventStore, opts ...Option) *Service {
	s := &Service{
		store: st,
		ids:   event.UUIDv7{},
		now:   time.Now,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Choice is a manual decision.
type Choice string

const (
	KeepExisting  Choice = "keep_existing"
	TakeCandidate Choice = "take_candidate"
	Custom        Choice = "custom"
)

// Resolution is a manual decision for one conflict. Payload is required
// for Custom.
type Resolution struct {
	Choice  Choice       `json:"choice" validate:"required,oneof=keep_existing take_candidate custom"`
	Payload event.Object `json:"payload,omitempty"`
}

// PushRequest is a batch of edge events.
type PushRequest struct {
	DeviceID string        `json:"device_id"`
	Events   []event.Event `json:"events"`
	Strategy Strategy      `json:"strategy,omitempty"`
	// Resolutions are keyed by candidate event id; only used with Manual.
	Resolutions map[string]Resolution `json:"resolutions,omitempty"`
}

// Conflict reports one conflicting candidate.
type Conflict struct {
	ID              string     `json:"id"`
	AggregateID     string     `json:"aggregate_id"`
	AggregateType   string     `json:"aggregate_type"`
	Version         int64      `json:"version"`
	ExistingID      string     `json:"existing_id"`
	CandidateID     string     `json:"candidate_id"`
	Strategy        Strategy   `json:"strategy"`
	Outcome         Outcome    `json:"outcome"`
	WinnerID        string     `json:"winner_id,omitempty"`
	ResolvedVersion int64      `json:"resolved_version,omitempty"`
	Code            fault.Code `json:"code,omitempty"`
	Detail          string     `json:"detail,omitempty"`
}

// Rejection is a candidate the server refused. The edge keeps it unsynced.
type Rejection struct {
	EventID string     `json:"event_id"`
	Code    fault.Code `json:"code"`
	Message string     `json:"message"`
}

// PushResult summarizes a push.
type PushResult struct {
	AcceptedCount  int `json:"accepted_count"`
	DuplicateCount int `json:"duplicate_count"`
	ConflictCount  int `json:"conflict_count"`

	Accepted   []string    `json:"accepted"`
	Duplicates []string    `json:"duplicates,omitempty"`
	Conflicts  []Conflict  `json:"conflicts"`
	Rejected   []Rejection `json:"rejected,omitempty"`

	SchemaViolations []store.SchemaViolation `json:"schema_violations,omitempty"`
}

// Settled returns the candidate ids the server has durably handled:
// accepted, already stored, or recorded as a conflict. The edge marks
// these synced.
func (r PushResult) Settled() []string {
	out := make([]string, 0, len(r.Accepted)+len(r.Duplicates)+len(r.Conflicts))
	out = append(out, r.Accepted...)
	out = append(out, r.Duplicates...)
	for _, c := range r.Conflicts {
		out = append(out, c.CandidateID)
	}
	return out
}

// Push places each event in its aggregate stream, in (aggregate, version)
// order. Only infrastructure failures are returned as errors; everything
// about individual events is reported in the result.
func (s *Service) Push(ctx context.Context, req PushRequest) (PushResult, error) {
	const op = "reconcile.Push"
	strategy, err := ParseStrategy(string(req.Strategy))
	if err != nil {
		return PushResult{}, fault.New(fault.CodeValidation, op, "%v", err)
	}

	events := make([]event.Event, len(req.Events))
	copy(events, req.Events)
	sort.SliceStable(events, func(i, j int) bool {
		ki, kj := events[i].Key().String(), events[j].Key().String()
		if ki != kj {
			return ki < kj
		}
		return events[i].Version < events[j].Version
	})

	res := PushResult{Accepted: []string{}, Conflicts: []Conflict{}}
	// shift tracks how far later candidates of an aggregate move when an
	// earlier one in this push was rebased or merged forward.
	shift := make(map[event.AggregateKey]int64)

	for _, c := range events {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.pushOne(ctx, req, strategy, c, shift, &res); err != nil {
			return res, err
		}
	}

	res.AcceptedCount = len(res.Accepted)
	res.DuplicateCount = len(res.Duplicates)
	res.ConflictCount = len(res.Conflicts)
	s.metrics.SyncDuplicates(res.DuplicateCount)
	s.metrics.SyncConflicts(res.ConflictCount, string(strategy))
	s.log.Info("push processed",
		zap.String("device_id", req.DeviceID),
		zap.Int("accepted", res.AcceptedCount),
		zap.Int("duplicates", res.DuplicateCount),
		zap.Int("conflicts", res.ConflictCount),
		zap.Int("rejected", len(res.Rejected)),
	)
	return res, nil
}

func (s *Service) pushOne(ctx context.Context, req PushRequest, strategy Strategy, c event.Event, shift map[event.AggregateKey]int64, res *PushResult) error {
	report := s.store.Validate(c)
	if !report.OK() {
		res.Rejected = append(res.Rejected, Rejection{
			EventID: c.ID,
			Code:    fault.CodeValidation,
			Message: strings.Join(report.Problems, "; "),
		})
		return nil
	}

	stored, err := s.isStored(ctx, c.ID)
	if err != nil {
		return err
	}
	if stored {
		res.Duplicates = append(res.Duplicates, c.ID)
		return nil
	}
	// A candidate that already lost (or is queued) is settled too.
	if rec, ok, err := s.store.FindConflictByCandidate(ctx, c.ID); err != nil {
		return err
	} else if ok {
		res.Duplicates = append(res.Duplicates, c.ID)
		s.log.Debug("candidate already recorded as conflict", zap.String("event_id", c.ID), zap.String("conflict_id", rec.ID))
		return nil
	}

	key := c.Key()
	c.Version += shift[key]

	for attempt := 0; attempt < appendAttempts; attempt++ {
		current, err := s.store.CurrentVersion(ctx, c.AggregateID, c.AggregateType)
		if err != nil {
			return err
		}

		switch {
		case c.Version == current+1:
			out, err := s.store.AppendEvent(ctx, c)
			if fault.IsCode(err, fault.CodeVersionConflict) {
				continue
			}
			if err != nil {
				return err
			}
			res.SchemaViolations = append(res.SchemaViolations, out.SchemaViolations...)
			if len(out.Duplicates) > 0 {
				res.Duplicates = append(res.Duplicates, c.ID)
			} else {
				res.Accepted = append(res.Accepted, c.ID)
			}
			return nil

		case c.Version > current+1:
			res.Rejected = append(res.Rejected, Rejection{
				EventID: c.ID,
				Code:    fault.CodeVersionConflict,
				Message: fmt.Sprintf("version gap: server is at %d, event claims %d", current, c.Version),
			})
			return nil

		default:
			existing, err := s.store.EventAt(ctx, c.AggregateID, c.AggregateType, c.Version)
			if err != nil {
				return err
			}
			conflict, moved, err := s.resolveConflict(ctx, req, strategy, existing, c)
			if fault.IsCode(err, fault.CodeVersionConflict) {
				continue
			}
			if err != nil {
				return err
			}
			if moved {
				shift[key]++
				if conflict.Outcome == TookCandidate {
					res.Accepted = append(res.Accepted, c.ID)
				}
			}
			res.Conflicts = append(res.Conflicts, conflict)
			return nil
		}
	}
	return fault.New(fault.CodeVersionConflict, "reconcile.Push", "%s: lost %d races for the next version", key, appendAttempts).
		With("event_id", c.ID)
}

// resolveConflict decides a conflicting pair, applies the decision and
// records it. moved reports whether something was appended at the next
// version.
func (s *Service) resolveConflict(ctx context.Context, req PushRequest, strategy Strategy, existing, candidate event.Event) (Conflict, bool, error) {
	conflict := Conflict{
		ID:            s.ids.NewID(),
		AggregateID:   candidate.AggregateID,
		AggregateType: candidate.AggregateType,
		Version:       candidate.Version,
		ExistingID:    existing.ID,
		CandidateID:   candidate.ID,
		Strategy:      strategy,
	}

	var d decision
	if strategy == Manual {
		r, ok := req.Resolutions[candidate.ID]
		if !ok {
			conflict.Outcome = Queued
			conflict.Code = fault.CodeManualResolution
			conflict.Detail = "awaiting manual resolution"
			if err := s.record(ctx, conflict, candidate, req.DeviceID, store.ConflictPending); err != nil {
				return Conflict{}, false, err
			}
			s.log.Warn("conflict queued for manual resolution",
				zap.String("conflict_id", conflict.ID),
				zap.String("aggregate", candidate.Key().String()),
				zap.Int64("version", candidate.Version),
			)
			return conflict, false, nil
		}
		var err error
		d, err = manualDecision(r)
		if err != nil {
			return Conflict{}, false, err
		}
	} else {
		d = decide(strategy, existing, candidate)
	}

	conflict, err := s.apply(ctx, conflict, d, existing, candidate)
	if err != nil {
		return Conflict{}, false, err
	}
	if err := s.record(ctx, conflict, candidate, req.DeviceID, store.ConflictResolved); err != nil {
		return Conflict{}, false, err
	}
	return conflict, conflict.Outcome != KeptExisting, nil
}

func manualDecision(r Resolution) (decision, error) {
	switch r.Choice {
	case KeepExisting:
		return decision{outcome: KeptExisting, detail: "manual: keep existing"}, nil
	case TakeCandidate:
		return decision{outcome: TookCandidate, detail: "manual: take candidate"}, nil
	case Custom:
		if r.Payload == nil {
			return decision{}, fault.New(fault.CodeValidation, "reconcile.Resolve", "custom resolution needs a payload")
		}
		return decision{outcome: Merged, payload: r.Payload, detail: "manual: custom payload"}, nil
	default:
		return decision{}, fault.New(fault.CodeValidation, "reconcile.Resolve", "unknown choice %q", r.Choice)
	}
}

// apply carries out d. A winning candidate or merged event goes to the
// next free version; the existing event is never touched.
func (s *Service) apply(ctx context.Context, conflict Conflict, d decision, existing, candidate event.Event) (Conflict, error) {
	conflict.Outcome = d.outcome
	conflict.Detail = d.detail

	switch d.outcome {
	case KeptExisting:
		conflict.WinnerID = existing.ID
		return conflict, nil
	case TookCandidate:
		v, err := s.appendNext(ctx, candidate)
		if err != nil {
			return Conflict{}, err
		}
		conflict.WinnerID = candidate.ID
		conflict.ResolvedVersion = v
		return conflict, nil
	case Merged:
		merged := s.mergedEvent(existing, candidate, d.payload)
		v, err := s.appendNext(ctx, merged)
		if err != nil {
			return Conflict{}, err
		}
		conflict.WinnerID = merged.ID
		conflict.ResolvedVersion = v
		return conflict, nil
	default:
		return Conflict{}, fault.New(fault.CodeValidation, "reconcile.apply", "cannot apply outcome %q", d.outcome)
	}
}

// mergedEvent builds the server-authored event that carries a merged or
// custom payload. It is not part of any device chain.
func (s *Service) mergedEvent(existing, candidate event.Event, payload event.Object) event.Event {
	ts := candidate.Timestamp
	if existing.Timestamp.After(ts) {
		ts = existing.Timestamp
	}
	e := event.Event{
		ID:            s.ids.NewID(),
		Type:          candidate.Type,
		AggregateID:   candidate.AggregateID,
		AggregateType: candidate.AggregateType,
		Payload:       payload.Clone(),
		SchemaVersion: candidate.SchemaVersion,
		Timestamp:     ts,
		ActorID:       candidate.ActorID,
		DeviceID:      candidate.DeviceID,
		BranchID:      candidate.BranchID,
		CorrelationID: candidate.CorrelationID,
		CausationID:   candidate.ID,
		VectorClock:   existing.VectorClock.Merge(candidate.VectorClock),
	}
	if h, err := event.Digest(e); err == nil {
		e.Hash = h
	}
	return e
}

// appendNext appends e at current+1 and returns the version used.
func (s *Service) appendNext(ctx context.Context, e event.Event) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		current, err := s.store.CurrentVersion(ctx, e.AggregateID, e.AggregateType)
		if err != nil {
			return 0, err
		}
		e.Version = current + 1
		_, err = s.store.AppendEvent(ctx, e)
		if err == nil {
			return e.Version, nil
		}
		if !fault.IsCode(err, fault.CodeVersionConflict) {
			return 0, err
		}
		lastErr = err
	}
	return 0, lastErr
}

func (s *Service) record(ctx context.Context, c Conflict, candidate event.Event, deviceID, status string) error {
	rec := store.ConflictRecord{
		ID:              c.ID,
		AggregateID:     c.AggregateID,
		AggregateType:   c.AggregateType,
		Version:         c.Version,
		ExistingID:      c.ExistingID,
		Candidate:       candidate,
		DeviceID:        deviceID,
		Strategy:        string(c.Strategy),
		Status:          status,
		Outcome:         string(c.Outcome),
		WinnerID:        c.WinnerID,
		ResolvedVersion: c.ResolvedVersion,
		Detail:          c.Detail,
		CreatedAt:       s.now(),
	}
	if status == store.ConflictResolved {
		rec.ResolvedBy = "strategy:" + string(c.Strategy)
		at := rec.CreatedAt
		rec.ResolvedAt = &at
	}
	return s.store.SaveConflict(ctx, rec)
}

func (s *Service) isStored(ctx context.Context, id string) (bool, error) {
	_, err := s.store.GetEvent(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case fault.IsCode(err, fault.CodeNotFound):
		return false, nil
	default:
		return false, err
	}
}
