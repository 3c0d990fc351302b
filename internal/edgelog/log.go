package edgelog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
	"github.com/roach88/tillguard/internal/logging"
	"github.com/roach88/tillguard/internal/telemetry"
)

// DeviceAggregate is the aggregate type used when an append names no
// aggregate: the event belongs to the device's own stream.
const DeviceAggregate = "device"

// Log is the hash-chained event log of one device.
//
// Thread-safety: all methods are safe for concurrent use. Appends are
// serialized by an internal mutex.
type Log struct {
	mu       sync.Mutex
	storage  Storage
	deviceID string
	branchID string
	ids      event.IDGenerator
	now      func() time.Time
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	onBreak  func(ChainReport)

	// Guarded by mu.
	seq      int64
	head     string
	clock    event.VectorClock
	versions map[event.AggregateKey]int64

	online   atomic.Bool
	degraded atomic.Bool

	subsMu  sync.RWMutex
	subs    []*Subscription
	pending atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Log.
type Option func(*Log)

// WithBranch sets the branch id stamped on every event.
func WithBranch(branchID string) Option {
	return func(l *Log) { l.branchID = branchID }
}

// WithIDGenerator overrides the UUIDv7 generator.
func WithIDGenerator(g event.IDGenerator) Option {
	return func(l *Log) { l.ids = g }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) { l.logger = logging.OrNop(logger).Named("edgelog") }
}

// WithMetrics sets the metric recorder.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Log) { l.metrics = m }
}

// WithBreakHook is called when Audit finds a broken chain.
func WithBreakHook(fn func(ChainReport)) Option {
	return func(l *Log) { l.onBreak = fn }
}

// New opens the log for deviceID over storage, restoring the chain head,
// per-aggregate versions and the device vector clock.
func New(ctx context.Context, storage Storage, deviceID string, opts ...Option) (*Log, error) {
	if deviceID == "" {
		return nil, fault.New(fault.CodeValidation, "edgelog.New", "device id is required")
	}
	l := &Log{
		storage:  storage,
		deviceID: deviceID,
		ids:      event.UUIDv7{},
		now:      time.Now,
		logger:   zap.NewNop(),
		versions: make(map[event.AggregateKey]int64),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.online.Store(true)

	last, ok, err := storage.Last(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStorage, "edgelog.New", err)
	}
	if ok {
		l.seq = last.Seq
		l.head = last.Event.Hash
		l.clock = last.Event.VectorClock.Clone()
	}
	versions, err := storage.LastVersions(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStorage, "edgelog.New", err)
	}
	l.versions = versions
	if raw, ok, err := storage.GetMeta(ctx, metaServerClock); err == nil && ok {
		if vc, err := decodeClock(raw); err == nil {
			l.clock = l.clock.Merge(vc)
		}
	}

	l.ctx, l.cancel = context.WithCancel(context.Background())
	return l, nil
}

// AppendOption adjusts a single append.
type AppendOption func(*appendOptions)

type appendOptions struct {
	aggregateID   string
	aggregateType string
	correlationID string
	causationID   string
	schemaVersion int
}

// WithAggregate files the event under an aggregate stream.
func WithAggregate(id, typ string) AppendOption {
	return func(o *appendOptions) {
		o.aggregateID = id
		o.aggregateType = typ
	}
}

// WithCorrelation sets the correlation id.
func WithCorrelation(id string) AppendOption {
	return func(o *appendOptions) { o.correlationID = id }
}

// WithCausation sets the id of the event that caused this one.
func WithCausation(id string) AppendOption {
	return func(o *appendOptions) { o.causationID = id }
}

// WithSchemaVersion stamps the payload schema version (default 1).
func WithSchemaVersion(v int) AppendOption {
	return func(o *appendOptions) { o.schemaVersion = v }
}

// Append records a new event and returns it once persisted.
//
// The event gets a fresh id, a millisecond timestamp, the next version of
// its aggregate, the device's ticked vector clock and PreviousHash set to
// the current head. Subscribers are notified after the write succeeds.
func (l *Log) Append(ctx context.Context, typ event.Type, actorID string, payload event.Object, opts ...AppendOption) (event.Event, error) {
	const op = "edgelog.Append"
	if !typ.Valid() {
		return event.Event{}, fault.New(fault.CodeValidation, op, "unknown event type %q", typ)
	}
	if actorID == "" {
		return event.Event{}, fault.New(fault.CodeValidation, op, "actor id is required")
	}

	o := appendOptions{aggregateID: l.deviceID, aggregateType: DeviceAggregate, schemaVersion: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.aggregateID == "" || o.aggregateType == "" {
		return event.Event{}, fault.New(fault.CodeValidation, op, "aggregate id and type are required")
	}
	if payload == nil {
		payload = event.Object{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := event.AggregateKey{ID: o.aggregateID, Type: o.aggregateType}
	clock := l.clock.Tick(l.deviceID)
	e := event.Event{
		ID:            l.ids.NewID(),
		Type:          typ,
		AggregateID:   o.aggregateID,
		AggregateType: o.aggregateType,
		Payload:       payload.Clone(),
		Version:       l.versions[key] + 1,
		SchemaVersion: o.schemaVersion,
		Timestamp:     event.Truncate(l.now()),
		ActorID:       actorID,
		DeviceID:      l.deviceID,
		BranchID:      l.branchID,
		PreviousHash:  l.head,
		CorrelationID: o.correlationID,
		CausationID:   o.causationID,
		VectorClock:   clock,
		Offline:       !l.online.Load(),
	}
	hash, err := event.Digest(e)
	if err != nil {
		return event.Event{}, fault.Wrap(fault.CodeValidation, op, err)
	}
	e.Hash = hash

	rec := Record{Seq: l.seq + 1, Event: e}
	if err := l.storage.Append(ctx, rec); err != nil {
		l.logger.Error("append failed", zap.String("event_type", string(typ)), zap.Error(err))
		return event.Event{}, fault.Wrap(fault.CodeStorage, op, err)
	}

	l.seq = rec.Seq
	l.head = hash
	l.clock = clock
	l.versions[key] = e.Version
	l.metrics.EventAppended(string(typ))

	l.dispatch(e)
	return e.Clone(), nil
}

// DeviceID returns the device this log belongs to.
func (l *Log) DeviceID() string { return l.deviceID }

// Head returns the chain position and hash of the last event.
func (l *Log) Head() (int64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq, l.head
}

// Clock returns a copy of the device vector clock.
func (l *Log) Clock() event.VectorClock {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clock.Clone()
}

// ObserveClock merges a clock learned from the server and persists it so
// it survives restart.
func (l *Log) ObserveClock(ctx context.Context, vc event.VectorClock) error {
	l.mu.Lock()
	l.clock = l.clock.Merge(vc)
	merged := l.clock.Clone()
	l.mu.Unlock()
	return l.SetMeta(ctx, metaServerClock, encodeClock(merged))
}

// SetOnline records connectivity. Events appended while offline carry
// Offline=true.
func (l *Log) SetOnline(online bool) {
	if l.online.Swap(online) != online {
		l.logger.Info("connectivity changed", zap.Bool("online", online))
	}
}

// Online reports the last recorded connectivity.
func (l *Log) Online() bool { return l.online.Load() }

// Degraded reports whether an audit found a broken chain that has not been
// reviewed.
func (l *Log) Degraded() bool { return l.degraded.Load() }

// ClearDegraded is the explicit operator review of a chain break.
func (l *Log) ClearDegraded(reviewer string) {
	if l.degraded.Swap(false) {
		l.logger.Warn("degraded flag cleared", zap.String("reviewer", reviewer))
	}
}

// Events pages through the device history.
func (l *Log) Events(ctx context.Context, afterSeq int64, limit int) ([]Record, error) {
	recs, err := l.storage.Range(ctx, afterSeq, limit)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStorage, "edgelog.Events", err)
	}
	return recs, nil
}

// Unsynced returns events not yet acknowledged by the server.
func (l *Log) Unsynced(ctx context.Context, limit int) ([]event.Event, error) {
	evs, err := l.storage.Unsynced(ctx, limit)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStorage, "edgelog.Unsynced", err)
	}
	return evs, nil
}

// MarkSynced records server acknowledgement for ids.
func (l *Log) MarkSynced(ctx context.Context, ids []string) error {
	if err := l.storage.MarkSynced(ctx, ids, l.now()); err != nil {
		return fault.Wrap(fault.CodeStorage, "edgelog.MarkSynced", err)
	}
	return nil
}

// Meta returns a device-local setting.
func (l *Log) Meta(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := l.storage.GetMeta(ctx, key)
	if err != nil {
		return "", false, fault.Wrap(fault.CodeStorage, "edgelog.Meta", err)
	}
	return v, ok, nil
}

// SetMeta stores a device-local setting.
func (l *Log) SetMeta(ctx context.Context, key, value string) error {
	if err := l.storage.SetMeta(ctx, key, value); err != nil {
		return fault.Wrap(fault.CodeStorage, "edgelog.SetMeta", err)
	}
	return nil
}

// Close drains and stops subscribers, then closes storage.
func (l *Log) Close() error {
	l.subsMu.RLock()
	subs := append([]*Subscription(nil), l.subs...)
	l.subsMu.RUnlock()
	for _, s := range subs {
		s.Close()
	}
	l.cancel()
	return l.storage.Close()
}
