package risk

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/tillguard/internal/alert"
	"github.com/roach88/tillguard/internal/edgelog"
	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
	"github.com/roach88/tillguard/internal/logging"
	"github.com/roach88/tillguard/internal/telemetry"
)

// SystemActor is recorded as the actor of events the engine appends on its
// own behalf.
const SystemActor = "risk-engine"

// Appender appends to the edge log.
type Appender interface {
	Append(ctx context.Context, typ event.Type, actorID string, payload event.Object, opts ...edgelog.AppendOption) (event.Event, error)
}

// Signal is one detector firing.
type Signal struct {
	TransactionID string
	ActorID       string
	Class         Class
	Detail        string
	At            time.Time
}

// Assessment is the state of a transaction after a signal.
type Assessment struct {
	TransactionID string
	Score         int
	Classes       []Class
	Synergy       bool
	Lockdown      bool
	// Triggered is true only for the signal that engaged the lockdown.
	Triggered bool
}

// Info describes an active lockdown.
type Info struct {
	TransactionID string
	Score         int
	Classes       []Class
	Since         time.Time
	Threats       []Signal
}

// Actor is the caller of a privileged operation.
type Actor struct {
	ID    string
	Roles []string
}

// HasRole reports whether a carries role.
func (a Actor) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// Engine is the risk correlation engine. One per node.
//
// Thread-safety: all methods are safe for concurrent use. IsLockedDown is a
// single atomic load.
type Engine struct {
	cfg    atomic.Pointer[Config]
	locked atomic.Bool

	mu      sync.Mutex
	firings map[string][]Signal
	info    Info

	log      Appender
	alerts   *alert.Notifier
	profiles *Profiles
	metrics  *telemetry.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithAppender records LOCKDOWN_ENGAGED and LOCKDOWN_LIFTED in the edge log.
func WithAppender(a Appender) Option {
	return func(e *Engine) { e.log = a }
}

// WithNotifier sets where lockdown alerts go.
func WithNotifier(n *alert.Notifier) Option {
	return func(e *Engine) { e.alerts = n.For("risk") }
}

// WithProfiles feeds every signal into per-actor profiles.
func WithProfiles(p *Profiles) Option {
	return func(e *Engine) { e.profiles = p }
}

// WithMetrics sets the metric recorder.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(l).Named("risk") }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine returns an engine with cfg.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fault.Wrap(fault.CodeValidation, "risk.NewEngine", err)
	}
	e := &Engine{
		firings: make(map[string][]Signal),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	c := cfg.clone()
	e.cfg.Store(&c)
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	return e.cfg.Load().clone()
}

// UpdateConfig swaps the configuration. Scores already accumulated are kept
// and re-evaluated against the new weights on the next signal.
func (e *Engine) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fault.Wrap(fault.CodeValidation, "risk.UpdateConfig", err)
	}
	c := cfg.clone()
	e.cfg.Store(&c)
	e.logger.Info("risk config updated",
		zap.Int("threshold", c.Threshold),
		zap.Int("synergy_bonus", c.SynergyBonus),
		zap.Duration("window", c.Window),
	)
	return nil
}

// IsLockedDown reports whether payment is frozen.
func (e *Engine) IsLockedDown() bool {
	return e.locked.Load()
}

// Lockdown returns the active lockdown, if any.
func (e *Engine) Lockdown() (Info, bool) {
	if !e.locked.Load() {
		return Info{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	info := e.info
	info.Classes = slices.Clone(e.info.Classes)
	info.Threats = slices.Clone(e.info.Threats)
	return info, true
}

// Ingest adds a signal and returns the transaction's assessment.
func (e *Engine) Ingest(ctx context.Context, sig Signal) Assessment {
	cfg := e.cfg.Load()
	if sig.At.IsZero() {
		sig.At = e.now()
	}
	sig.At = event.Truncate(sig.At)
	if _, ok := cfg.Weights[sig.Class]; !ok {
		e.logger.Warn("signal from unknown detector class ignored",
			zap.String("class", string(sig.Class)),
			zap.String("transaction_id", sig.TransactionID),
		)
		return e.Assess(sig.TransactionID)
	}

	e.mu.Lock()
	e.evictLocked(sig.At, cfg.Window)
	window := pruned(e.firings[sig.TransactionID], sig.At, cfg.Window)
	window = append(window, sig)
	e.firings[sig.TransactionID] = window
	a := score(cfg, sig.TransactionID, window)

	triggered := false
	if a.Score >= cfg.Threshold && !e.locked.Load() {
		e.info = Info{
			TransactionID: sig.TransactionID,
			Score:         a.Score,
			Classes:       slices.Clone(a.Classes),
			Since:         sig.At,
			Threats:       slices.Clone(window),
		}
		e.locked.Store(true)
		triggered = true
	} else if e.locked.Load() {
		e.info.Threats = append(e.info.Threats, sig)
	}
	e.mu.Unlock()

	a.Lockdown = e.locked.Load()
	a.Triggered = triggered

	if e.profiles != nil && sig.ActorID != "" {
		e.profiles.Record(sig.ActorID, Factor{
			Name:   string(sig.Class),
			Score:  min(a.Score, 100),
			Weight: max(cfg.Weights[sig.Class], 1),
			At:     sig.At,
		})
	}

	if triggered {
		e.engaged(ctx, cfg, a)
	}
	return a
}

// Assess returns the current assessment of a transaction without adding a
// signal.
func (e *Engine) Assess(txID string) Assessment {
	cfg := e.cfg.Load()
	e.mu.Lock()
	window := pruned(e.firings[txID], e.now(), cfg.Window)
	e.mu.Unlock()
	a := score(cfg, txID, window)
	a.Lockdown = e.locked.Load()
	return a
}

func (e *Engine) engaged(ctx context.Context, cfg *Config, a Assessment) {
	e.metrics.LockdownEngaged()
	names := make([]string, len(a.Classes))
	for i, c := range a.Classes {
		names[i] = string(c)
	}
	e.logger.Error("lockdown engaged",
		zap.String("transaction_id", a.TransactionID),
		zap.Int("score", a.Score),
		zap.Int("threshold", cfg.Threshold),
		zap.Strings("classes", names),
	)
	if e.log != nil {
		_, err := e.log.Append(ctx, event.LockdownEngaged, SystemActor, event.Object{
			"transaction_id": event.String(a.TransactionID),
			"score":          event.Int(int64(a.Score)),
			"threshold":      event.Int(int64(cfg.Threshold)),
			"classes":        event.Strs(names...),
		})
		if err != nil {
			e.logger.Error("record lockdown failed", zap.Error(err))
		}
	}
	e.alerts.Raise(ctx, alert.Critical, "lockdown", "Lockdown engaged",
		"correlated signals crossed the risk threshold; payment is frozen",
		map[string]string{
			"transaction_id": a.TransactionID,
			"score":          strconv.Itoa(a.Score),
			"classes":        strings.Join(names, ","),
		})
}

// LiftLockdown clears the lockdown, every score and the threat list. The
// actor must carry the privileged role. The lift is recorded before state
// is reset; if recording fails the lockdown stays in place.
func (e *Engine) LiftLockdown(ctx context.Context, actor Actor, reason string) error {
	const op = "risk.LiftLockdown"
	cfg := e.cfg.Load()
	if !actor.HasRole(cfg.PrivilegedRole) {
		return fault.New(fault.CodeInsufficientPermission, op,
			"lifting lockdown requires role %q", cfg.PrivilegedRole).With("actor_id", actor.ID)
	}
	if strings.TrimSpace(reason) == "" {
		return fault.New(fault.CodeValidation, op, "a reason is required")
	}
	if !e.locked.Load() {
		return fault.New(fault.CodeValidation, op, "no lockdown is active")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	previous := e.info.Score
	if e.log != nil {
		_, err := e.log.Append(ctx, event.LockdownLifted, actor.ID, event.Object{
			"lifted_by":      event.String(actor.ID),
			"reason":         event.String(reason),
			"previous_score": event.Int(int64(previous)),
		})
		if err != nil {
			return fault.Ensure(fault.CodeStorage, op, err)
		}
	}
	e.firings = make(map[string][]Signal)
	e.info = Info{}
	e.locked.Store(false)

	e.logger.Warn("lockdown lifted",
		zap.String("actor_id", actor.ID),
		zap.String("reason", reason),
		zap.Int("previous_score", previous),
	)
	e.alerts.Raise(ctx, alert.Info, "lockdown", "Lockdown lifted", reason,
		map[string]string{"lifted_by": actor.ID, "previous_score": strconv.Itoa(previous)})
	return nil
}

// Observe maps stream events to signals. It has the shape of an edge log
// subscriber.
func (e *Engine) Observe(ctx context.Context, ev event.Event) error {
	sig, ok := SignalFrom(ev)
	if !ok {
		return nil
	}
	e.Ingest(ctx, sig)
	return nil
}

// SignalFrom maps an event to a detector signal. Only camera mismatches,
// fraud anomalies, unauthorized gate passes and failed weight checks
// produce signals.
func SignalFrom(ev event.Event) (Signal, bool) {
	sig := Signal{
		TransactionID: transactionOf(ev),
		ActorID:       ev.ActorID,
		Detail:        string(ev.Type),
		At:            ev.Timestamp,
	}
	p := ev.Payload
	switch ev.Type {
	case event.CameraEventRecorded:
		if mismatch, _ := p.Bool("mismatch"); !mismatch {
			return Signal{}, false
		}
		sig.Class = Vision
		if d, ok := p.Str("detection"); ok {
			sig.Detail = d
		}
	case event.FraudAnomalyDetected:
		sig.Class = Fraud
		if rule, ok := p.Str("rule"); ok {
			sig.Detail = rule
		}
		if actor, ok := p.Str("actor_id"); ok {
			sig.ActorID = actor
		}
	case event.EASGateTriggered:
		if authorized, _ := p.Bool("authorized"); authorized {
			return Signal{}, false
		}
		sig.Class = Gate
		if gate, ok := p.Str("gate_id"); ok {
			sig.Detail = gate
		}
	case event.BagWeightVerified:
		if verified, _ := p.Bool("verified"); verified {
			return Signal{}, false
		}
		sig.Class = Weight
	default:
		return Signal{}, false
	}
	if sig.TransactionID == "" {
		return Signal{}, false
	}
	return sig, true
}

// transactionOf finds the transaction an event concerns: the payload's
// transaction_id, then a transaction aggregate, then an anomaly session.
func transactionOf(ev event.Event) string {
	if tx, ok := ev.Payload.Str("transaction_id"); ok && tx != "" {
		return tx
	}
	if ev.AggregateType == "transaction" {
		return ev.AggregateID
	}
	if s, ok := ev.Payload.Str("session_id"); ok {
		return s
	}
	return ""
}

// evictLocked drops every transaction whose window has emptied. Callers
// hold e.mu.
func (e *Engine) evictLocked(now time.Time, window time.Duration) {
	for tx, signals := range e.firings {
		if kept := pruned(signals, now, window); len(kept) == 0 {
			delete(e.firings, tx)
		} else {
			e.firings[tx] = kept
		}
	}
}

func pruned(signals []Signal, now time.Time, window time.Duration) []Signal {
	cutoff := now.Add(-window)
	out := signals[:0:0]
	for _, s := range signals {
		if s.At.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// score counts each detector class once per window: repeated firings of
// one class never add up past that class's weight.
func score(cfg *Config, txID string, window []Signal) Assessment {
	a := Assessment{TransactionID: txID}
	seen := make(map[Class]bool)
	for _, s := range window {
		if seen[s.Class] {
			continue
		}
		seen[s.Class] = true
		a.Score += cfg.Weights[s.Class]
		a.Classes = append(a.Classes, s.Class)
	}
	if len(seen) >= 2 {
		a.Synergy = true
		a.Score += cfg.SynergyBonus
	}
	slices.Sort(a.Classes)
	return a
}
