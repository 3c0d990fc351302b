package syncclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/tillguard/internal/alert"
	"github.com/roach88/tillguard/internal/edgelog"
	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/logging"
	"github.com/roach88/tillguard/internal/reconcile"
)

// Agent defaults.
const (
	DefaultBatchSize = 50
	SystemActor      = "sync-agent"

	// maxBatches bounds one RunOnce so a steady append rate cannot keep
	// it busy forever.
	maxBatches = 100
	// maxPullPages bounds the clock catch-up per round.
	maxPullPages = 10

	pullCursorKey = "sync.pull_cursor"
)

// Log is the edge log surface the agent drives.
type Log interface {
	DeviceID() string
	Append(ctx context.Context, typ event.Type, actorID string, payload event.Object, opts ...edgelog.AppendOption) (event.Event, error)
	Unsynced(ctx context.Context, limit int) ([]event.Event, error)
	MarkSynced(ctx context.Context, ids []string) error
	Clock() event.VectorClock
	ObserveClock(ctx context.Context, vc event.VectorClock) error
	SetOnline(online bool)
	Meta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
}

// Transport carries push and pull. *Client implements it.
type Transport interface {
	Push(ctx context.Context, req reconcile.PushRequest) (reconcile.PushResult, error)
	Pull(ctx context.Context, req reconcile.PullRequest) (reconcile.PullResult, error)
}

// Report summarizes one RunOnce.
type Report struct {
	Batches    int `json:"batches"`
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Conflicts  int `json:"conflicts"`
	Rejected   int `json:"rejected"`
	Pulled     int `json:"pulled"`
}

// Agent drains the edge log to the server.
type Agent struct {
	log       Log
	transport Transport
	batchSize int
	strategy  reconcile.Strategy
	notifier  *alert.Notifier
	logger    *zap.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithBatchSize sets how many events one push carries.
func WithBatchSize(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// WithStrategy sets the conflict strategy requested from the server.
func WithStrategy(s reconcile.Strategy) Option {
	return func(a *Agent) { a.strategy = s }
}

// WithNotifier raises a warning per conflict.
func WithNotifier(n *alert.Notifier) Option {
	return func(a *Agent) { a.notifier = n.For("sync") }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) { a.logger = logging.OrNop(l).Named("sync") }
}

// NewAgent returns an agent pushing log through t.
func NewAgent(log Log, t Transport, opts ...Option) *Agent {
	a := &Agent{
		log:       log,
		transport: t,
		batchSize: DefaultBatchSize,
		strategy:  reconcile.LastWriteWins,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RunOnce pushes unsynced events until none are left, a batch makes no
// progress, or the server cannot be reached, then catches up the clock.
func (a *Agent) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	pending, err := a.log.Unsynced(ctx, a.batchSize)
	if err != nil {
		return rep, err
	}
	// Sync markers alone do not open a new round, or every round would
	// leave fresh markers for the next one.
	marked := !onlySyncMarkers(pending)
	if marked {
		if _, err := a.log.Append(ctx, event.DataSyncStarted, SystemActor, event.Object{
			"pending": event.Int(int64(len(pending))),
		}); err != nil {
			return rep, err
		}
	}

	pushErr := a.drain(ctx, &rep)

	if marked {
		if _, err := a.log.Append(ctx, event.DataSyncCompleted, SystemActor, event.Object{
			"accepted":   event.Int(int64(rep.Accepted)),
			"duplicates": event.Int(int64(rep.Duplicates)),
			"conflicts":  event.Int(int64(rep.Conflicts)),
			"rejected":   event.Int(int64(rep.Rejected)),
		}); err != nil {
			return rep, errors.Join(pushErr, err)
		}
	}
	if pushErr != nil {
		return rep, pushErr
	}

	if err := a.catchUp(ctx, &rep); err != nil {
		return rep, err
	}
	a.logger.Info("sync round finished",
		zap.Int("batches", rep.Batches),
		zap.Int("accepted", rep.Accepted),
		zap.Int("duplicates", rep.Duplicates),
		zap.Int("conflicts", rep.Conflicts),
		zap.Int("rejected", rep.Rejected),
		zap.Int("pulled", rep.Pulled))
	return rep, nil
}

func (a *Agent) drain(ctx context.Context, rep *Report) error {
	rejected := make(map[string]struct{})
	defer func() { rep.Rejected = len(rejected) }()
	for range maxBatches {
		batch, err := a.log.Unsynced(ctx, a.batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		res, err := a.transport.Push(ctx, reconcile.PushRequest{
			DeviceID: a.log.DeviceID(),
			Events:   batch,
			Strategy: a.strategy,
		})
		if err != nil {
			a.connectivity(err)
			return fmt.Errorf("push: %w", err)
		}
		a.log.SetOnline(true)
		rep.Batches++

		settled := res.Settled()
		if len(settled) > 0 {
			if err := a.log.MarkSynced(ctx, settled); err != nil {
				return err
			}
		}
		rep.Accepted += res.AcceptedCount
		rep.Duplicates += res.DuplicateCount
		rep.Conflicts += len(res.Conflicts)

		for _, c := range res.Conflicts {
			a.notifier.Raise(ctx, alert.Warning, "sync_conflict", "Sync conflict",
				fmt.Sprintf("%s/%s v%d: %s", c.AggregateType, c.AggregateID, c.Version, c.Outcome),
				map[string]string{
					"conflict_id":  c.ID,
					"existing_id":  c.ExistingID,
					"candidate_id": c.CandidateID,
					"outcome":      string(c.Outcome),
				})
		}
		for _, r := range res.Rejected {
			if _, seen := rejected[r.EventID]; seen {
				continue
			}
			rejected[r.EventID] = struct{}{}
			a.logger.Warn("event rejected by server",
				zap.String("event_id", r.EventID),
				zap.String("code", string(r.Code)),
				zap.String("message", r.Message))
		}
		if len(settled) == 0 {
			// Everything left at the head was rejected; retry next round.
			return nil
		}
	}
	return nil
}

// catchUp pulls server events the device has not seen and merges their
// clocks. The pull cursor is kept in log metadata between rounds.
func (a *Agent) catchUp(ctx context.Context, rep *Report) error {
	cursor, _, err := a.log.Meta(ctx, pullCursorKey)
	if err != nil {
		return err
	}
	for range maxPullPages {
		page, err := a.transport.Pull(ctx, reconcile.PullRequest{
			VectorClock: a.log.Clock(),
			Cursor:      cursor,
		})
		if err != nil {
			a.connectivity(err)
			return fmt.Errorf("pull: %w", err)
		}
		a.log.SetOnline(true)
		rep.Pulled += len(page.Events)
		if len(page.VectorClock) > 0 {
			if err := a.log.ObserveClock(ctx, page.VectorClock); err != nil {
				return err
			}
		}
		if page.Cursor != "" && page.Cursor != cursor {
			cursor = page.Cursor
			if err := a.log.SetMeta(ctx, pullCursorKey, cursor); err != nil {
				return err
			}
		}
		if !page.HasMore {
			return nil
		}
	}
	return nil
}

func (a *Agent) connectivity(err error) {
	if unreachable(err) {
		a.log.SetOnline(false)
		a.logger.Warn("sync server unreachable, continuing offline", zap.Error(err))
	}
}

// Run calls RunOnce every interval until ctx is done. Round failures are
// logged and retried on the next tick.
func (a *Agent) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("sync round failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func onlySyncMarkers(events []event.Event) bool {
	for _, e := range events {
		if e.Type != event.DataSyncStarted && e.Type != event.DataSyncCompleted {
			return false
		}
	}
	return true
}
