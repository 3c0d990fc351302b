package harness

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/tillguard/internal/alert"
	"github.com/roach88/tillguard/internal/anomaly"
	"github.com/roach88/tillguard/internal/edgelog"
	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
	"github.com/roach88/tillguard/internal/risk"
	"github.com/roach88/tillguard/internal/security"
	"github.com/roach88/tillguard/internal/testutil"
)

// DeviceID is the device every scenario runs on.
const DeviceID = "till-1"

const (
	sessionAggregate = "session"
	pumpPage         = 100
	// maxPumpRounds stops a feedback loop between components from hanging
	// a run.
	maxPumpRounds = 64
)

// Harness is one isolated edge stack: an in-memory log, the transaction
// guard, the risk engine and the anomaly detector, all on a manual clock.
//
// The production wiring delivers log events to the risk engine and the
// anomaly detector through asynchronous subscriptions. The harness instead
// pumps new events into both after every step, in chain order, so the
// trace is identical on every run.
type Harness struct {
	clock    *testutil.ManualClock
	log      *edgelog.Log
	guard    *security.Guard
	engine   *risk.Engine
	detector *anomaly.Detector
	alerts   *alert.Memory
	seen     int64
}

// New builds a harness with the scenario's overrides applied.
func New(ctx context.Context, o *Overrides) (*Harness, error) {
	clock := testutil.NewManualClock(testutil.Epoch)
	log, err := edgelog.New(ctx, edgelog.NewMemoryStorage(), DeviceID,
		edgelog.WithClock(clock.Now),
		edgelog.WithIDGenerator(testutil.NewSequentialIDs("evt")))
	if err != nil {
		return nil, fmt.Errorf("failed to create edge log: %w", err)
	}

	memory := &alert.Memory{}
	notifier := alert.NewNotifier(
		alert.Fanout{memory, alert.EventSink{Log: log}},
		alert.WithClock(clock.Now),
		alert.WithIDGenerator(testutil.NewSequentialIDs("alert")),
	)

	riskCfg, anomalyCfg := risk.DefaultConfig(), anomaly.DefaultConfig()
	guardOpts := []security.Option{security.WithClock(clock.Now), security.WithNotifier(notifier)}
	if o != nil {
		if o.ToleranceBps > 0 {
			guardOpts = append(guardOpts, security.WithToleranceBps(o.ToleranceBps))
		}
		if o.TransactionTimeout > 0 {
			guardOpts = append(guardOpts, security.WithTimeout(o.TransactionTimeout))
		}
		applyRisk(&riskCfg, o.Risk)
		applyAnomaly(&anomalyCfg, o.Anomaly)
	}

	engine, err := risk.NewEngine(riskCfg,
		risk.WithAppender(log),
		risk.WithNotifier(notifier),
		risk.WithClock(clock.Now))
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("invalid risk config: %w", err)
	}
	detector, err := anomaly.New(anomalyCfg,
		anomaly.WithAppender(log),
		anomaly.WithNotifier(notifier),
		anomaly.WithClock(clock.Now))
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("invalid anomaly config: %w", err)
	}
	guardOpts = append(guardOpts, security.WithLockdownGate(engine))

	return &Harness{
		clock:    clock,
		log:      log,
		guard:    security.NewGuard(log, guardOpts...),
		engine:   engine,
		detector: detector,
		alerts:   memory,
	}, nil
}

func applyRisk(cfg *risk.Config, o *RiskOverrides) {
	if o == nil {
		return
	}
	for class, w := range o.Weights {
		cfg.Weights[risk.Class(class)] = w
	}
	if o.SynergyBonus != nil {
		cfg.SynergyBonus = *o.SynergyBonus
	}
	if o.Threshold > 0 {
		cfg.Threshold = o.Threshold
	}
	if o.Window > 0 {
		cfg.Window = o.Window
	}
}

func applyAnomaly(cfg *anomaly.Config, o *AnomalyOverrides) {
	if o == nil {
		return
	}
	if o.MaxSessionVoids > 0 {
		cfg.MaxSessionVoids = o.MaxSessionVoids
	}
	if o.MaxDailyRefunds > 0 {
		cfg.MaxDailyRefunds = o.MaxDailyRefunds
	}
	if o.MaxDailyDiscount > 0 {
		cfg.MaxDailyDiscount = o.MaxDailyDiscount
	}
	if o.MaxDailyVoidAmount > 0 {
		cfg.MaxDailyVoidAmount = o.MaxDailyVoidAmount
	}
	if o.CriticalSeverity > 0 {
		cfg.CriticalSeverity = o.CriticalSeverity
	}
}

// Close releases the edge log.
func (h *Harness) Close() error {
	return h.log.Close()
}

// Log returns the harness edge log.
func (h *Harness) Log() *edgelog.Log { return h.log }

// Run executes a scenario on a fresh harness and evaluates its
// expectations and assertions. The returned error is reserved for harness
// failures; a scenario that does not behave as expected yields a failed
// Result.
func Run(ctx context.Context, s *Scenario) (*Result, error) {
	h, err := New(ctx, s.Config)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	result := NewResult(s.Name)
	for i, step := range s.Steps {
		sr, err := h.Step(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
		result.Trace.Steps = append(result.Trace.Steps, sr)
		for _, msg := range h.check(step, sr) {
			result.AddError(fmt.Sprintf("step %d (%s): %s", i, step.Op, msg))
		}
	}

	for _, msg := range EvaluateAssertions(result.Trace, s.Assertions, h) {
		result.AddError(msg)
	}
	return result, nil
}

// Step runs one operation and everything it sets off. Operation failures
// are reported in the result; the error is reserved for the harness
// itself.
func (h *Harness) Step(ctx context.Context, s Step) (StepResult, error) {
	sr := StepResult{Op: s.Op, Tx: s.Tx}
	raised := len(h.alerts.Alerts())

	st, err := h.apply(ctx, s, &sr)
	if err != nil {
		sr.Code = string(fault.CodeOf(err))
		if sr.Code == "" {
			return sr, err
		}
	} else if st.TransactionID != "" {
		sr.Phase = string(st.Phase)
	}

	types, err := h.pump(ctx)
	if err != nil {
		return sr, err
	}
	sr.Events = types
	for _, a := range h.alerts.Alerts()[raised:] {
		sr.Alerts = append(sr.Alerts, string(a.Severity)+"/"+a.Category)
	}
	sr.Lockdown = h.engine.IsLockedDown()
	return sr, nil
}

func (h *Harness) apply(ctx context.Context, s Step, sr *StepResult) (security.State, error) {
	actor := s.Actor
	if actor == "" {
		actor = DefaultActor
	}
	switch s.Op {
	case OpBegin:
		return h.guard.Begin(ctx, s.Tx, actor)
	case OpScan:
		item := security.Item{ProductID: s.Product, Quantity: s.Quantity, UnitPrice: s.Price}
		if s.Grams != nil {
			item.ExpectedGrams = *s.Grams
		}
		return h.guard.ScanItem(ctx, s.Tx, actor, item)
	case OpBag:
		return h.guard.BagItem(ctx, s.Tx, actor, s.Product, s.Grams)
	case OpWeigh:
		if _, err := h.guard.VerifyWeight(ctx, s.Tx, actor, *s.Grams); err != nil {
			return security.State{}, err
		}
		st, _ := h.guard.State(s.Tx)
		return st, nil
	case OpLock:
		return h.guard.Lock(ctx, s.Tx, actor, s.Reason)
	case OpUnlock:
		return h.guard.Unlock(ctx, s.Tx, actor)
	case OpPay:
		return h.guard.MarkPaid(ctx, s.Tx, actor)
	case OpCancel:
		return h.guard.Cancel(ctx, s.Tx, actor, s.Reason)
	case OpSignal:
		return security.State{}, h.signal(ctx, s, actor)
	case OpVoid:
		return security.State{}, h.adjust(ctx, s, actor, event.OrderItemVoided)
	case OpRefund:
		return security.State{}, h.adjust(ctx, s, actor, event.PaymentRefunded)
	case OpDiscount:
		return security.State{}, h.adjust(ctx, s, actor, event.OrderDiscountApplied)
	case OpLift:
		return security.State{}, h.engine.LiftLockdown(ctx, risk.Actor{ID: actor, Roles: s.Roles}, s.Reason)
	case OpSweep:
		sr.Abandoned = h.guard.Sweep(ctx, h.clock.Now())
		slices.Sort(sr.Abandoned)
		return security.State{}, nil
	case OpAdvance:
		h.clock.Advance(s.Duration)
		return security.State{}, nil
	}
	return security.State{}, fmt.Errorf("unknown op %q", s.Op)
}

// signal records a hardware signal the way the edge API does.
func (h *Harness) signal(ctx context.Context, s Step, actor string) error {
	var (
		typ     event.Type
		payload event.Object
	)
	device := s.Device
	switch s.Kind {
	case SignalCamera:
		if device == "" {
			device = "cam-1"
		}
		typ = event.CameraEventRecorded
		payload = event.Object{
			"camera_id":  event.String(device),
			"detection":  event.String(s.Detection),
			"mismatch":   event.Bool(s.Mismatch),
			"confidence": event.Int(100),
		}
	case SignalGate:
		if device == "" {
			device = "gate-1"
		}
		typ = event.EASGateTriggered
		payload = event.Object{
			"gate_id":    event.String(device),
			"authorized": event.Bool(s.Authorized),
		}
	default:
		return fmt.Errorf("unknown signal kind %q", s.Kind)
	}
	payload["transaction_id"] = event.String(s.Tx)
	_, err := h.log.Append(ctx, typ, actor, payload, edgelog.WithCorrelation(s.Tx))
	return err
}

// adjust records a void, refund or discount against a cashier session.
func (h *Harness) adjust(ctx context.Context, s Step, actor string, typ event.Type) error {
	payload := event.Object{
		"session_id": event.String(s.Session),
		"amount":     event.Int(s.Amount),
	}
	if s.Tx != "" {
		payload["transaction_id"] = event.String(s.Tx)
	}
	if s.Product != "" && typ == event.OrderItemVoided {
		payload["product_id"] = event.String(s.Product)
	}
	_, err := h.log.Append(ctx, typ, actor, payload, edgelog.WithAggregate(s.Session, sessionAggregate))
	return err
}

// pump delivers every event appended since the last pump to the risk
// engine, then the anomaly detector, until nothing new is appended. It
// returns the delivered event types in chain order.
func (h *Harness) pump(ctx context.Context) ([]string, error) {
	var types []string
	for round := 0; round < maxPumpRounds; round++ {
		recs, err := h.log.Events(ctx, h.seen, pumpPage)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			return types, nil
		}
		for _, rec := range recs {
			h.seen = rec.Seq
			types = append(types, string(rec.Event.Type))
			if err := h.engine.Observe(ctx, rec.Event); err != nil {
				return nil, err
			}
			if err := h.detector.Observe(ctx, rec.Event); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("events still being appended after %d rounds", maxPumpRounds)
}

// check compares a step result with the step's expect clause.
func (h *Harness) check(s Step, sr StepResult) []string {
	var errs []string
	want := s.Expect
	if want == nil {
		want = &Expect{}
	}
	if sr.Code != want.Code {
		switch {
		case want.Code == "":
			errs = append(errs, fmt.Sprintf("expected success, got %s", sr.Code))
		case sr.Code == "":
			errs = append(errs, fmt.Sprintf("expected %s, got success", want.Code))
		default:
			errs = append(errs, fmt.Sprintf("expected %s, got %s", want.Code, sr.Code))
		}
	}
	if want.Phase != "" && sr.Phase != want.Phase {
		errs = append(errs, fmt.Sprintf("expected phase %s, got %q", want.Phase, sr.Phase))
	}
	if want.Allowed != nil || want.Reasons != nil {
		r := h.guard.CanProceedToPayment(s.Tx)
		if want.Allowed != nil && r.Allowed != *want.Allowed {
			errs = append(errs, fmt.Sprintf("expected allowed=%t, got %t (reasons %v)", *want.Allowed, r.Allowed, r.Reasons))
		}
		if want.Reasons != nil && !slices.Equal(r.Reasons, want.Reasons) {
			errs = append(errs, fmt.Sprintf("expected reasons %q, got %q", want.Reasons, r.Reasons))
		}
	}
	if want.Lockdown != nil && sr.Lockdown != *want.Lockdown {
		errs = append(errs, fmt.Sprintf("expected lockdown=%t, got %t", *want.Lockdown, sr.Lockdown))
	}
	return errs
}
