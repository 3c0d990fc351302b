package anomaly

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/tillguard/internal/alert"
	"github.com/roach88/tillguard/internal/anchor"
	"github.com/roach88/tillguard/internal/edgelog"
	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
	"github.com/roach88/tillguard/internal/logging"
	"github.com/roach88/tillguard/internal/risk"
	"github.com/roach88/tillguard/internal/telemetry"
)

// SystemActor is recorded as the actor of anomaly events.
const SystemActor = "anomaly-detector"

// Appender appends to the edge log.
type Appender interface {
	Append(ctx context.Context, typ event.Type, actorID string, payload event.Object, opts ...edgelog.AppendOption) (event.Event, error)
}

// Record is one void, refund or discount.
type Record struct {
	ActorID       string
	SessionID     string
	TransactionID string
	Amount        int64
	At            time.Time
	// CauseID is the id of the event the record came from, if any.
	CauseID string
}

// Anomaly is a fired rule.
type Anomaly struct {
	Rule          Rule
	Scope         Scope
	ActorID       string
	SessionID     string
	TransactionID string
	Severity      int
	Threshold     int64
	Observed      int64
	At            time.Time
	// EventID is the id of the recorded FRAUD_ANOMALY_DETECTED event.
	EventID string
}

type dayKey struct {
	actor string
	day   string
}

type dayCounters struct {
	refunds    int64
	discounts  int64
	voidAmount int64
}

// Detector is the anomaly detector. One per node.
//
// Thread-safety: safe for concurrent use. Counter updates are serialized;
// recording and alerting happen outside the lock. Thresholds are read from
// an atomically swapped config.
type Detector struct {
	cfg atomic.Pointer[Config]

	mu       sync.Mutex
	sessions map[string]int64
	days     map[dayKey]*dayCounters

	log        Appender
	alerts     *alert.Notifier
	dispatcher *anchor.Dispatcher
	profiles   *risk.Profiles
	metrics    *telemetry.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithAppender records anomalies in the edge log.
func WithAppender(a Appender) Option {
	return func(d *Detector) { d.log = a }
}

// WithNotifier sets where critical anomaly alerts go.
func WithNotifier(n *alert.Notifier) Option {
	return func(d *Detector) { d.alerts = n.For("anomaly") }
}

// WithDispatcher anchors evidence for critical anomalies.
func WithDispatcher(disp *anchor.Dispatcher) Option {
	return func(d *Detector) { d.dispatcher = disp }
}

// WithProfiles records each anomaly as a profile factor of its actor.
func WithProfiles(p *risk.Profiles) Option {
	return func(d *Detector) { d.profiles = p }
}

// WithMetrics sets the metric recorder.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) { d.logger = logging.OrNop(l).Named("anomaly") }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// New returns a detector with cfg.
func New(cfg Config, opts ...Option) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fault.Wrap(fault.CodeValidation, "anomaly.New", err)
	}
	d := &Detector{
		sessions: make(map[string]int64),
		days:     make(map[dayKey]*dayCounters),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	d.cfg.Store(&cfg)
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Config returns the active thresholds.
func (d *Detector) Config() Config {
	return *d.cfg.Load()
}

// UpdateConfig swaps the thresholds. Counters are kept; the next record is
// checked against the new values.
func (d *Detector) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fault.Wrap(fault.CodeValidation, "anomaly.UpdateConfig", err)
	}
	d.cfg.Store(&cfg)
	d.logger.Info("anomaly thresholds updated",
		zap.Int64("max_session_voids", cfg.MaxSessionVoids),
		zap.Int64("max_daily_refunds", cfg.MaxDailyRefunds),
		zap.Int("critical_severity", cfg.CriticalSeverity),
	)
	return nil
}

// RecordVoid counts a voided item against the session and the actor's day.
func (d *Detector) RecordVoid(ctx context.Context, r Record) ([]Anomaly, error) {
	r, err := d.normalize("anomaly.RecordVoid", r)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.sessions[r.SessionID]++
	voids := d.sessions[r.SessionID]
	day := d.day(r)
	day.voidAmount += r.Amount
	amount := day.voidAmount
	d.mu.Unlock()

	cfg := d.cfg.Load()
	fired := d.check(r, ExcessiveVoids, voids, cfg.MaxSessionVoids)
	fired = append(fired, d.check(r, HighVoidAmount, amount, cfg.MaxDailyVoidAmount)...)
	return d.emit(ctx, r, fired)
}

// RecordRefund counts a refund against the actor's day.
func (d *Detector) RecordRefund(ctx context.Context, r Record) ([]Anomaly, error) {
	r, err := d.normalize("anomaly.RecordRefund", r)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	day := d.day(r)
	day.refunds++
	refunds := day.refunds
	d.mu.Unlock()

	return d.emit(ctx, r, d.check(r, ExcessiveRefunds, refunds, d.cfg.Load().MaxDailyRefunds))
}

// RecordDiscount adds a discount amount to the actor's day.
func (d *Detector) RecordDiscount(ctx context.Context, r Record) ([]Anomaly, error) {
	r, err := d.normalize("anomaly.RecordDiscount", r)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	day := d.day(r)
	day.discounts += r.Amount
	total := day.discounts
	d.mu.Unlock()

	return d.emit(ctx, r, d.check(r, HighDiscountTotal, total, d.cfg.Load().MaxDailyDiscount))
}

// EndSession forgets a session's counters.
func (d *Detector) EndSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}

// Counters returns the current session void count and the actor's daily
// totals for the day of at.
func (d *Detector) Counters(sessionID, actorID string, at time.Time) (voids, refunds, discounts, voidAmount int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	voids = d.sessions[sessionID]
	if c, ok := d.days[dayKey{actor: actorID, day: dayOf(at)}]; ok {
		refunds, discounts, voidAmount = c.refunds, c.discounts, c.voidAmount
	}
	return voids, refunds, discounts, voidAmount
}

// Observe feeds stream events into the counters. It has the shape of an
// edge log subscriber.
func (d *Detector) Observe(ctx context.Context, e event.Event) error {
	var record func(context.Context, Record) ([]Anomaly, error)
	switch e.Type {
	case event.OrderItemVoided:
		record = d.RecordVoid
	case event.PaymentRefunded:
		record = d.RecordRefund
	case event.OrderDiscountApplied:
		record = d.RecordDiscount
	case event.CashierSessionEnded:
		if s, ok := e.Payload.Str("session_id"); ok {
			d.EndSession(s)
		}
		return nil
	default:
		return nil
	}
	r := Record{ActorID: e.ActorID, At: e.Timestamp, CauseID: e.ID}
	r.SessionID, _ = e.Payload.Str("session_id")
	r.TransactionID, _ = e.Payload.Str("transaction_id")
	r.Amount, _ = e.Payload.Int("amount")
	_, err := record(ctx, r)
	return err
}

func (d *Detector) normalize(op string, r Record) (Record, error) {
	if r.ActorID == "" || r.SessionID == "" {
		return r, fault.New(fault.CodeValidation, op, "actor id and session id are required")
	}
	if r.Amount < 0 {
		return r, fault.New(fault.CodeValidation, op, "amount must not be negative")
	}
	if r.At.IsZero() {
		r.At = d.now()
	}
	r.At = event.Truncate(r.At)
	return r, nil
}

// day returns the actor's counters for r's UTC day, dropping days older
// than yesterday. Caller holds mu.
func (d *Detector) day(r Record) *dayCounters {
	key := dayKey{actor: r.ActorID, day: dayOf(r.At)}
	c, ok := d.days[key]
	if !ok {
		yesterday := dayOf(r.At.AddDate(0, 0, -1))
		for k := range d.days {
			if k.day < yesterday {
				delete(d.days, k)
			}
		}
		c = &dayCounters{}
		d.days[key] = c
	}
	return c
}

func (d *Detector) check(r Record, name Rule, observed, threshold int64) []Anomaly {
	if observed <= threshold {
		return nil
	}
	return []Anomaly{{
		Rule:          name,
		Scope:         rules[name].scope,
		ActorID:       r.ActorID,
		SessionID:     r.SessionID,
		TransactionID: r.TransactionID,
		Severity:      Severity(name, observed, threshold),
		Threshold:     threshold,
		Observed:      observed,
		At:            r.At,
	}}
}

func (d *Detector) emit(ctx context.Context, r Record, fired []Anomaly) ([]Anomaly, error) {
	for i := range fired {
		a := &fired[i]
		d.metrics.AnomalyFired(string(a.Rule))
		d.logger.Warn("anomaly detected",
			zap.String("rule", string(a.Rule)),
			zap.String("actor_id", a.ActorID),
			zap.String("session_id", a.SessionID),
			zap.Int("severity", a.Severity),
			zap.Int64("observed", a.Observed),
			zap.Int64("threshold", a.Threshold),
		)
		if d.profiles != nil {
			d.profiles.Record(a.ActorID, risk.Factor{Name: string(a.Rule), Score: a.Severity, Weight: 1, At: a.At})
		}

		var recorded event.Event
		if d.log != nil {
			var opts []edgelog.AppendOption
			if r.CauseID != "" {
				opts = append(opts, edgelog.WithCausation(r.CauseID))
			}
			e, err := d.log.Append(ctx, event.FraudAnomalyDetected, SystemActor, payload(*a), opts...)
			if err != nil {
				return fired, fault.Ensure(fault.CodeStorage, "anomaly.emit", err)
			}
			a.EventID = e.ID
			recorded = e
		}

		if a.Severity >= d.cfg.Load().CriticalSeverity {
			d.critical(ctx, *a, recorded)
		}
	}
	return fired, nil
}

func (d *Detector) critical(ctx context.Context, a Anomaly, recorded event.Event) {
	d.alerts.Raise(ctx, alert.Critical, "fraud", "Critical anomaly: "+string(a.Rule), "",
		map[string]string{
			"actor_id":   a.ActorID,
			"session_id": a.SessionID,
			"severity":   strconv.Itoa(a.Severity),
			"observed":   strconv.FormatInt(a.Observed, 10),
			"threshold":  strconv.FormatInt(a.Threshold, 10),
		})
	if recorded.ID == "" {
		return
	}
	digest, err := anchor.BatchDigest([]event.Event{recorded})
	if err != nil {
		d.logger.Warn("anchor digest failed", zap.String("event_id", recorded.ID), zap.Error(err))
		return
	}
	d.dispatcher.Dispatch(anchor.Request{
		BatchID:  recorded.ID,
		Digest:   digest,
		EventIDs: []string{recorded.ID},
		Reason:   string(a.Rule),
	})
}

func payload(a Anomaly) event.Object {
	p := event.Object{
		"rule":       event.String(a.Rule),
		"scope":      event.String(a.Scope),
		"actor_id":   event.String(a.ActorID),
		"severity":   event.Int(int64(a.Severity)),
		"threshold":  event.Int(a.Threshold),
		"observed":   event.Int(a.Observed),
		"session_id": event.String(a.SessionID),
	}
	if a.TransactionID != "" {
		p["transaction_id"] = event.String(a.TransactionID)
	}
	return p
}

func dayOf(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
