package security

import (
	"strings"
	"time"

	"github.com/roach88/tillguard/internal/event"
)

// Phase is the lifecycle position of a transaction.
type Phase string

const (
	Open            Phase = "OPEN"
	Scanning        Phase = "SCANNING"
	Bagging         Phase = "BAGGING"
	ReadyForPayment Phase = "READY_FOR_PAYMENT"
	Paid            Phase = "PAID"
	Cancelled       Phase = "CANCELLED"
)

// Terminal reports whether p ends the transaction.
func (p Phase) Terminal() bool {
	return p == Paid || p == Cancelled
}

// ItemStatus is the status of one scanned product.
type ItemStatus string

const (
	ItemScanned ItemStatus = "scanned"
	ItemBagged  ItemStatus = "bagged"
	ItemPaid    ItemStatus = "paid"
)

// Item is a product presented at the scanner.
type Item struct {
	ProductID     string `json:"product_id" validate:"required"`
	Name          string `json:"name,omitempty"`
	Barcode       string `json:"barcode,omitempty"`
	ScannerID     string `json:"scanner_id,omitempty"`
	Quantity      int64  `json:"quantity" validate:"omitempty,min=1"`
	UnitPrice     int64  `json:"unit_price" validate:"min=0"`
	ExpectedGrams int64  `json:"expected_grams" validate:"min=0"`
}

// ItemState is an item inside a transaction.
type ItemState struct {
	Item
	Status      ItemStatus `json:"status"`
	ActualGrams *int64     `json:"actual_grams,omitempty"`
	ScannedAt   time.Time  `json:"scanned_at"`
}

// State is a snapshot of a transaction.
type State struct {
	TransactionID  string      `json:"transaction_id"`
	ActorID        string      `json:"actor_id"`
	Phase          Phase       `json:"phase"`
	Items          []ItemState `json:"items"`
	ExpectedGrams  int64       `json:"expected_grams"`
	ActualGrams    *int64      `json:"actual_grams,omitempty"`
	WeightVerified bool        `json:"weight_verified"`
	Locked         bool        `json:"locked"`
	LockReason     string      `json:"lock_reason,omitempty"`
	Abandoned      bool        `json:"abandoned,omitempty"`
	StartedAt      time.Time   `json:"started_at"`
	LastActivity   time.Time   `json:"last_activity"`
}

// Total returns the sum of unit price times quantity, in minor units.
func (s State) Total() int64 {
	var total int64
	for _, it := range s.Items {
		total += it.UnitPrice * it.Quantity
	}
	return total
}

// Readiness is the payment gate verdict.
type Readiness struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}

// WeightCheck is the outcome of a bag weight verification.
type WeightCheck struct {
	ExpectedGrams  int64 `json:"expected_grams"`
	ActualGrams    int64 `json:"actual_grams"`
	VarianceGrams  int64 `json:"variance_grams"`
	ToleranceGrams int64 `json:"tolerance_grams"`
	Verified       bool  `json:"verified"`
}

// txState is the mutable state behind State.
type txState struct {
	id             string
	actor          string
	items          map[string]*ItemState
	order          []string
	expected       int64
	actual         *int64
	weightVerified bool
	locked         bool
	lockReason     string
	terminal       Phase
	abandoned      bool
	startedAt      time.Time
	lastActivity   time.Time
}

func newTxState(e event.Event) *txState {
	id, _ := e.Payload.Str("transaction_id")
	return &txState{
		id:           id,
		actor:        e.ActorID,
		items:        make(map[string]*ItemState),
		startedAt:    e.Timestamp,
		lastActivity: e.Timestamp,
	}
}

// apply advances st by one recorded event. Unrelated types are ignored.
func (st *txState) apply(e event.Event) {
	p := e.Payload
	switch e.Type {
	case event.ItemScanned:
		it := &ItemState{Status: ItemScanned, ScannedAt: e.Timestamp}
		it.ProductID, _ = p.Str("product_id")
		it.Name, _ = p.Str("name")
		it.Barcode, _ = p.Str("barcode")
		it.ScannerID, _ = p.Str("scanner_id")
		it.Quantity, _ = p.Int("quantity")
		it.UnitPrice, _ = p.Int("unit_price")
		it.ExpectedGrams, _ = p.Int("expected_grams")
		if _, dup := st.items[it.ProductID]; dup {
			return
		}
		st.items[it.ProductID] = it
		st.order = append(st.order, it.ProductID)
		st.expected += it.ExpectedGrams * it.Quantity
		st.weightVerified = false
	case event.ItemBagged:
		product, _ := p.Str("product_id")
		if it, ok := st.items[product]; ok {
			it.Status = ItemBagged
			if g, ok := p.Int("actual_grams"); ok {
				it.ActualGrams = &g
			}
		}
	case event.BagWeightVerified:
		actual, _ := p.Int("actual_grams")
		st.actual = &actual
		st.weightVerified, _ = p.Bool("verified")
	case event.TransactionLocked:
		st.locked = true
		st.lockReason, _ = p.Str("reason")
	case event.TransactionUnlocked:
		st.locked = false
		st.lockReason = ""
	case event.OrderCompleted:
		for _, it := range st.items {
			it.Status = ItemPaid
		}
		st.terminal = Paid
	case event.OrderCancelled:
		st.terminal = Cancelled
	case event.TransactionAbandoned:
		st.terminal = Cancelled
		st.abandoned = true
	default:
		return
	}
	st.lastActivity = e.Timestamp
}

func (st *txState) phase() Phase {
	switch {
	case st.terminal != "":
		return st.terminal
	case len(st.items) == 0:
		return Open
	case len(st.unbagged()) > 0:
		return Scanning
	case st.expected > 0 && !st.weightVerified:
		return Bagging
	default:
		return ReadyForPayment
	}
}

func (st *txState) unbagged() []string {
	var out []string
	for _, id := range st.order {
		if s := st.items[id].Status; s != ItemBagged && s != ItemPaid {
			out = append(out, id)
		}
	}
	return out
}

// readiness evaluates the payment gate. lockdown is read by the caller
// immediately before.
func (st *txState) readiness(lockdown bool) Readiness {
	var reasons []string
	if lockdown {
		reasons = append(reasons, "lockdown active")
	}
	if st.locked {
		reasons = append(reasons, "transaction locked: "+st.lockReason)
	}
	if len(st.items) == 0 {
		reasons = append(reasons, "no items scanned")
	}
	if st.expected > 0 && !st.weightVerified {
		reasons = append(reasons, "weight not verified")
	}
	if ids := st.unbagged(); len(ids) > 0 {
		reasons = append(reasons, "items not bagged: "+strings.Join(ids, ","))
	}
	return Readiness{Allowed: len(reasons) == 0, Reasons: reasons}
}

func (st *txState) snapshot() State {
	s := State{
		TransactionID:  st.id,
		ActorID:        st.actor,
		Phase:          st.phase(),
		Items:          make([]ItemState, 0, len(st.order)),
		ExpectedGrams:  st.expected,
		WeightVerified: st.weightVerified,
		Locked:         st.locked,
		LockReason:     st.lockReason,
		Abandoned:      st.abandoned,
		StartedAt:      st.startedAt,
		LastActivity:   st.lastActivity,
	}
	if st.actual != nil {
		a := *st.actual
		s.ActualGrams = &a
	}
	for _, id := range st.order {
		it := *st.items[id]
		if it.ActualGrams != nil {
			g := *it.ActualGrams
			it.ActualGrams = &g
		}
		s.Items = append(s.Items, it)
	}
	return s
}

// checkWeight compares actual against expected with a tolerance in basis
// points of the expected total.
func checkWeight(expected, actual, toleranceBps int64) WeightCheck {
	variance := actual - expected
	if variance < 0 {
		variance = -variance
	}
	tolerance := expected * toleranceBps / 10000
	return WeightCheck{
		ExpectedGrams:  expected,
		ActualGrams:    actual,
		VarianceGrams:  variance,
		ToleranceGrams: tolerance,
		Verified:       variance <= tolerance,
	}
}
