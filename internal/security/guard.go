package security

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/tillguard/internal/alert"
	"github.com/roach88/tillguard/internal/edgelog"
	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
	"github.com/roach88/tillguard/internal/logging"
)

// AggregateType is the aggregate type of transaction events.
const AggregateType = "transaction"

// SystemActor is recorded for transitions nobody initiated, such as
// abandonment.
const SystemActor = "transaction-guard"

const (
	DefaultToleranceBps = 500
	DefaultTimeout      = 30 * time.Minute
)

// Appender appends to the edge log.
type Appender interface {
	Append(ctx context.Context, typ event.Type, actorID string, payload event.Object, opts ...edgelog.AppendOption) (event.Event, error)
}

// LockdownGate reports the global lockdown flag.
type LockdownGate interface {
	IsLockedDown() bool
}

type noLockdown struct{}

func (noLockdown) IsLockedDown() bool { return false }

type entry struct {
	mu    sync.Mutex
	state *txState
	gone  bool
}

type tombstone struct {
	phase Phase
	at    time.Time
}

// Guard owns the security state of every open transaction on a device.
//
// Thread-safety: safe for concurrent use. Operations on one transaction
// are serialized by a per-transaction mutex; different transactions do not
// contend beyond a map lookup.
type Guard struct {
	mu     sync.Mutex
	txs    map[string]*entry
	closed map[string]tombstone

	log       Appender
	gate      LockdownGate
	alerts    *alert.Notifier
	tolerance int64
	timeout   time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithLockdownGate sets the global lockdown source.
func WithLockdownGate(g LockdownGate) Option {
	return func(gd *Guard) { gd.gate = g }
}

// WithNotifier sets where security alerts go.
func WithNotifier(n *alert.Notifier) Option {
	return func(g *Guard) { g.alerts = n.For("security") }
}

// WithToleranceBps sets the bag weight tolerance in basis points.
func WithToleranceBps(bps int64) Option {
	return func(g *Guard) { g.tolerance = bps }
}

// WithTimeout sets the idle time after which a transaction is abandoned.
func WithTimeout(d time.Duration) Option {
	return func(g *Guard) { g.timeout = d }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Guard) { g.logger = logging.OrNop(l).Named("security") }
}

// NewGuard returns a guard recording transitions to log.
func NewGuard(log Appender, opts ...Option) *Guard {
	g := &Guard{
		txs:       make(map[string]*entry),
		closed:    make(map[string]tombstone),
		log:       log,
		gate:      noLockdown{},
		tolerance: DefaultToleranceBps,
		timeout:   DefaultTimeout,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Begin opens a transaction.
func (g *Guard) Begin(ctx context.Context, txID, actor string) (State, error) {
	const op = "security.Begin"
	if txID == "" || actor == "" {
		return State{}, fault.New(fault.CodeValidation, op, "transaction id and actor are required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.txs[txID]; ok {
		return State{}, fault.New(fault.CodeValidation, op, "transaction already open").With("transaction_id", txID)
	}
	if t, ok := g.closed[txID]; ok {
		return State{}, closedError(op, txID, t.phase)
	}
	e, err := g.record(ctx, event.OrderCreated, txID, actor, event.Object{})
	if err != nil {
		return State{}, fault.Ensure(fault.CodeStorage, op, err)
	}
	st := newTxState(e)
	g.txs[txID] = &entry{state: st}
	g.logger.Debug("transaction opened", zap.String("transaction_id", txID), zap.String("actor_id", actor))
	return st.snapshot(), nil
}

// ScanItem adds a product. A product already in the transaction is
// rejected with DUPLICATE_SCAN and leaves state unchanged; the attempt is
// still recorded.
func (g *Guard) ScanItem(ctx context.Context, txID, actor string, item Item) (State, error) {
	const op = "security.ScanItem"
	if item.ProductID == "" {
		return State{}, fault.New(fault.CodeValidation, op, "product id is required")
	}
	if item.Quantity == 0 {
		item.Quantity = 1
	}
	if item.Quantity < 0 || item.UnitPrice < 0 || item.ExpectedGrams < 0 {
		return State{}, fault.New(fault.CodeValidation, op, "quantity, price and weight must not be negative")
	}

	var out State
	err := g.with(op, txID, func(st *txState) error {
		if _, dup := st.items[item.ProductID]; dup {
			_, err := g.record(ctx, event.ScanDuplicateDetected, txID, actor, event.Object{
				"product_id": event.String(item.ProductID),
				"action":     event.String("blocked"),
			})
			if err != nil {
				g.logger.Error("record duplicate scan failed", zap.String("transaction_id", txID), zap.Error(err))
			}
			g.alerts.Raise(ctx, alert.Warning, "scan", "Duplicate scan blocked", "",
				map[string]string{"transaction_id": txID, "product_id": item.ProductID})
			return fault.New(fault.CodeDuplicateScan, op, "product already scanned").
				With("transaction_id", txID).With("product_id", item.ProductID)
		}
		p := event.Object{
			"product_id":     event.String(item.ProductID),
			"quantity":       event.Int(item.Quantity),
			"unit_price":     event.Int(item.UnitPrice),
			"expected_grams": event.Int(item.ExpectedGrams),
		}
		optional(p, "name", item.Name)
		optional(p, "barcode", item.Barcode)
		optional(p, "scanner_id", item.ScannerID)
		if err := g.commit(ctx, st, event.ItemScanned, actor, p); err != nil {
			return err
		}
		out = st.snapshot()
		return nil
	})
	return out, err
}

// BagItem marks a scanned product as bagged. actualGrams is the per-item
// reading when the bagging scale reports one.
func (g *Guard) BagItem(ctx context.Context, txID, actor, productID string, actualGrams *int64) (State, error) {
	const op = "security.BagItem"
	if actualGrams != nil && *actualGrams < 0 {
		return State{}, fault.New(fault.CodeValidation, op, "weight must not be negative")
	}
	var out State
	err := g.with(op, txID, func(st *txState) error {
		it, ok := st.items[productID]
		if !ok {
			return fault.New(fault.CodeNotFound, op, "product not scanned in this transaction").
				With("transaction_id", txID).With("product_id", productID)
		}
		if it.Status == ItemBagged {
			out = st.snapshot()
			return nil
		}
		p := event.Object{"product_id": event.String(productID)}
		if actualGrams != nil {
			p["actual_grams"] = event.Int(*actualGrams)
		}
		if err := g.commit(ctx, st, event.ItemBagged, actor, p); err != nil {
			return err
		}
		out = st.snapshot()
		return nil
	})
	return out, err
}

// VerifyWeight compares the bagging area reading against the expected
// total. A mismatch is recorded and alerted but does not lock.
func (g *Guard) VerifyWeight(ctx context.Context, txID, actor string, totalActual int64) (WeightCheck, error) {
	const op = "security.VerifyWeight"
	if totalActual < 0 {
		return WeightCheck{}, fault.New(fault.CodeValidation, op, "weight must not be negative")
	}
	var check WeightCheck
	err := g.with(op, txID, func(st *txState) error {
		check = checkWeight(st.expected, totalActual, g.tolerance)
		err := g.commit(ctx, st, event.BagWeightVerified, actor, event.Object{
			"expected_grams":  event.Int(check.ExpectedGrams),
			"actual_grams":    event.Int(check.ActualGrams),
			"variance_grams":  event.Int(check.VarianceGrams),
			"tolerance_grams": event.Int(check.ToleranceGrams),
			"verified":        event.Bool(check.Verified),
		})
		if err != nil {
			return err
		}
		if !check.Verified {
			g.alerts.Raise(ctx, alert.High, "weight", "Bag weight mismatch",
				"variance of "+strconv.FormatInt(check.VarianceGrams, 10)+"g exceeds tolerance",
				map[string]string{
					"transaction_id":  txID,
					"expected_grams":  strconv.FormatInt(check.ExpectedGrams, 10),
					"actual_grams":    strconv.FormatInt(check.ActualGrams, 10),
					"tolerance_grams": strconv.FormatInt(check.ToleranceGrams, 10),
				})
		}
		return nil
	})
	return check, err
}

// Lock blocks payment on the transaction until Unlock.
func (g *Guard) Lock(ctx context.Context, txID, actor, reason string) (State, error) {
	const op = "security.Lock"
	if strings.TrimSpace(reason) == "" {
		return State{}, fault.New(fault.CodeValidation, op, "a lock reason is required")
	}
	var out State
	err := g.with(op, txID, func(st *txState) error {
		if st.locked {
			return fault.New(fault.CodeValidation, op, "transaction already locked").With("transaction_id", txID)
		}
		if err := g.commit(ctx, st, event.TransactionLocked, actor, event.Object{"reason": event.String(reason)}); err != nil {
			return err
		}
		g.logger.Warn("transaction locked",
			zap.String("transaction_id", txID),
			zap.String("actor_id", actor),
			zap.String("reason", reason),
		)
		g.alerts.Raise(ctx, alert.Warning, "transaction", "Transaction locked", reason,
			map[string]string{"transaction_id": txID, "actor_id": actor})
		out = st.snapshot()
		return nil
	})
	return out, err
}

// Unlock clears a transaction lock.
func (g *Guard) Unlock(ctx context.Context, txID, actor string) (State, error) {
	const op = "security.Unlock"
	var out State
	err := g.with(op, txID, func(st *txState) error {
		if !st.locked {
			return fault.New(fault.CodeValidation, op, "transaction is not locked").With("transaction_id", txID)
		}
		p := event.Object{}
		optional(p, "previous_reason", st.lockReason)
		if err := g.commit(ctx, st, event.TransactionUnlocked, actor, p); err != nil {
			return err
		}
		g.logger.Info("transaction unlocked", zap.String("transaction_id", txID), zap.String("actor_id", actor))
		out = st.snapshot()
		return nil
	})
	return out, err
}

// CanProceedToPayment evaluates the payment gate. Global lockdown is read
// on every call.
func (g *Guard) CanProceedToPayment(txID string) Readiness {
	e := g.lookup(txID)
	if e == nil {
		return Readiness{Reasons: []string{"unknown transaction"}}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return Readiness{Reasons: []string{"unknown transaction"}}
	}
	return e.state.readiness(g.gate.IsLockedDown())
}

// MarkPaid completes the transaction. It fails with PAYMENT_BLOCKED unless
// the gate allows payment. On success the state is discarded and later
// operations on the id fail with TRANSACTION_CLOSED.
func (g *Guard) MarkPaid(ctx context.Context, txID, actor string) (State, error) {
	const op = "security.MarkPaid"
	var out State
	err := g.with(op, txID, func(st *txState) error {
		r := st.readiness(g.gate.IsLockedDown())
		if !r.Allowed {
			return fault.New(fault.CodePaymentBlocked, op, "%s", strings.Join(r.Reasons, "; ")).
				With("transaction_id", txID)
		}
		total := st.snapshot().Total()
		err := g.commit(ctx, st, event.OrderCompleted, actor, event.Object{
			"item_count": event.Int(int64(len(st.items))),
			"total":      event.Int(total),
		})
		if err != nil {
			return err
		}
		out = st.snapshot()
		return nil
	})
	if err == nil {
		g.close(txID, Paid)
	}
	return out, err
}

// Cancel ends the transaction without payment.
func (g *Guard) Cancel(ctx context.Context, txID, actor, reason string) (State, error) {
	const op = "security.Cancel"
	var out State
	err := g.with(op, txID, func(st *txState) error {
		p := event.Object{}
		optional(p, "reason", reason)
		if err := g.commit(ctx, st, event.OrderCancelled, actor, p); err != nil {
			return err
		}
		out = st.snapshot()
		return nil
	})
	if err == nil {
		g.close(txID, Cancelled)
	}
	return out, err
}

// State returns a snapshot of an open transaction.
func (g *Guard) State(txID string) (State, bool) {
	e := g.lookup(txID)
	if e == nil {
		return State{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return State{}, false
	}
	return e.state.snapshot(), true
}

// Open returns snapshots of every open transaction.
func (g *Guard) Open() []State {
	g.mu.Lock()
	entries := make([]*entry, 0, len(g.txs))
	for _, e := range g.txs {
		entries = append(entries, e)
	}
	g.mu.Unlock()

	out := make([]State, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.gone {
			out = append(out, e.state.snapshot())
		}
		e.mu.Unlock()
	}
	return out
}

func (g *Guard) lookup(txID string) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.txs[txID]
}

// with runs fn holding the transaction's lock.
func (g *Guard) with(op, txID string, fn func(*txState) error) error {
	g.mu.Lock()
	e, ok := g.txs[txID]
	t, isClosed := g.closed[txID]
	g.mu.Unlock()
	if !ok {
		if isClosed {
			return closedError(op, txID, t.phase)
		}
		return fault.New(fault.CodeNotFound, op, "unknown transaction").With("transaction_id", txID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone || e.state.terminal != "" {
		return closedError(op, txID, e.state.phase())
	}
	return fn(e.state)
}

// commit records the event, then applies it. A failed append leaves st
// untouched.
func (g *Guard) commit(ctx context.Context, st *txState, typ event.Type, actor string, p event.Object) error {
	if actor == "" {
		return fault.New(fault.CodeValidation, "security.commit", "actor is required")
	}
	e, err := g.record(ctx, typ, st.id, actor, p)
	if err != nil {
		return fault.Ensure(fault.CodeStorage, "security.commit", err)
	}
	st.apply(e)
	return nil
}

func (g *Guard) record(ctx context.Context, typ event.Type, txID, actor string, p event.Object) (event.Event, error) {
	p["transaction_id"] = event.String(txID)
	return g.log.Append(ctx, typ, actor, p, edgelog.WithAggregate(txID, AggregateType), edgelog.WithCorrelation(txID))
}

// close discards a transaction after a terminal transition. Caller must
// not hold the entry lock.
func (g *Guard) close(txID string, phase Phase) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.txs[txID]; ok {
		e.mu.Lock()
		e.gone = true
		e.mu.Unlock()
		delete(g.txs, txID)
	}
	g.closed[txID] = tombstone{phase: phase, at: g.now()}
}

func closedError(op, txID string, phase Phase) error {
	return fault.New(fault.CodeTransactionClosed, op, "transaction is %s", strings.ToLower(string(phase))).
		With("transaction_id", txID)
}

func optional(p event.Object, key, value string) {
	if value != "" {
		p[key] = event.String(value)
	}
}
