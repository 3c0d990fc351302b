package event

import "sort"

// Type is the closed enumeration of event types.
type Type string

// Order lifecycle.
const (
	OrderCreated         Type = "ORDER_CREATED"
	OrderItemAdded       Type = "ORDER_ITEM_ADDED"
	OrderItemRemoved     Type = "ORDER_ITEM_REMOVED"
	OrderItemVoided      Type = "ORDER_ITEM_VOIDED"
	OrderDiscountApplied Type = "ORDER_DISCOUNT_APPLIED"
	OrderSubmitted       Type = "ORDER_SUBMITTED"
	OrderCompleted       Type = "ORDER_COMPLETED"
	OrderCancelled       Type = "ORDER_CANCELLED"
)

// Payments.
const (
	PaymentInitiated Type = "PAYMENT_INITIATED"
	PaymentCollected Type = "PAYMENT_COLLECTED"
	PaymentFailed    Type = "PAYMENT_FAILED"
	PaymentRefunded  Type = "PAYMENT_REFUNDED"
)

// Staff and cash handling.
const (
	CashierSessionStarted Type = "CASHIER_SESSION_STARTED"
	CashierSessionEnded   Type = "CASHIER_SESSION_ENDED"
	CashDrawerOpened      Type = "CASH_DRAWER_OPENED"
)

// Checkout security and hardware signals.
const (
	ItemScanned           Type = "ITEM_SCANNED"
	ItemBagged            Type = "ITEM_BAGGED"
	BagWeightVerified     Type = "BAG_WEIGHT_VERIFIED"
	ScanDuplicateDetected Type = "SCAN_DUPLICATE_DETECTED"
	TransactionLocked     Type = "TRANSACTION_LOCKED"
	TransactionUnlocked   Type = "TRANSACTION_UNLOCKED"
	TransactionAbandoned  Type = "TRANSACTION_ABANDONED"
	CameraEventRecorded   Type = "CAMERA_EVENT_RECORDED"
	EASGateTriggered      Type = "EAS_GATE_TRIGGERED"
	FraudAnomalyDetected  Type = "FRAUD_ANOMALY_DETECTED"
	AlertTriggered        Type = "ALERT_TRIGGERED"
	LockdownEngaged       Type = "LOCKDOWN_ENGAGED"
	LockdownLifted        Type = "LOCKDOWN_LIFTED"
)

// System.
const (
	DataSyncStarted    Type = "DATA_SYNC_STARTED"
	DataSyncCompleted  Type = "DATA_SYNC_COMPLETED"
	ChainBreakDetected Type = "CHAIN_BREAK_DETECTED"
	EvidenceAnchored   Type = "EVIDENCE_ANCHORED"
)

var knownTypes = map[Type]struct{}{
	OrderCreated: {}, OrderItemAdded: {}, OrderItemRemoved: {}, OrderItemVoided: {},
	OrderDiscountApplied: {}, OrderSubmitted: {}, OrderCompleted: {}, OrderCancelled: {},
	PaymentInitiated: {}, PaymentCollected: {}, PaymentFailed: {}, PaymentRefunded: {},
	CashierSessionStarted: {}, CashierSessionEnded: {}, CashDrawerOpened: {},
	ItemScanned: {}, ItemBagged: {}, BagWeightVerified: {}, ScanDuplicateDetected: {},
	TransactionLocked: {}, TransactionUnlocked: {}, TransactionAbandoned: {},
	CameraEventRecorded: {}, EASGateTriggered: {}, FraudAnomalyDetected: {},
	AlertTriggered: {}, LockdownEngaged: {}, LockdownLifted: {},
	DataSyncStarted: {}, DataSyncCompleted: {}, ChainBreakDetected: {}, EvidenceAnchored: {},
}

// Valid reports whether t is a member of the enumeration.
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Types returns every known type in lexical order.
func Types() []Type {
	out := make([]Type, 0, len(knownTypes))
	for t := range knownTypes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
