package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Step operations.
const (
	OpBegin    = "begin"
	OpScan     = "scan"
	OpBag      = "bag"
	OpWeigh    = "weigh"
	OpLock     = "lock"
	OpUnlock   = "unlock"
	OpPay      = "pay"
	OpCancel   = "cancel"
	OpSignal   = "signal"
	OpVoid     = "void"
	OpRefund   = "refund"
	OpDiscount = "discount"
	OpLift     = "lift"
	OpSweep    = "sweep"
	OpAdvance  = "advance"
)

var ops = []string{
	OpBegin, OpScan, OpBag, OpWeigh, OpLock, OpUnlock, OpPay, OpCancel,
	OpSignal, OpVoid, OpRefund, OpDiscount, OpLift, OpSweep, OpAdvance,
}

// Signal kinds.
const (
	SignalCamera = "camera"
	SignalGate   = "gate"
)

// DefaultActor performs steps that name no actor.
const DefaultActor = "cashier-1"

// Scenario is a scripted checkout run against a fresh edge stack.
type Scenario struct {
	// Name identifies the scenario and its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario exercises.
	Description string `yaml:"description"`

	// Config overrides the stock guard, risk and anomaly settings.
	Config *Overrides `yaml:"config,omitempty"`

	// Steps run in order. Each step's outcome is checked against its
	// expect clause; a step without one must succeed.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and final state after every step ran.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Overrides adjusts component configuration for one scenario.
type Overrides struct {
	ToleranceBps       int64             `yaml:"tolerance_bps,omitempty"`
	TransactionTimeout time.Duration     `yaml:"transaction_timeout,omitempty"`
	Risk               *RiskOverrides    `yaml:"risk,omitempty"`
	Anomaly            *AnomalyOverrides `yaml:"anomaly,omitempty"`
}

// RiskOverrides replaces individual risk settings. Zero values keep the
// default.
type RiskOverrides struct {
	Weights      map[string]int `yaml:"weights,omitempty"`
	SynergyBonus *int           `yaml:"synergy_bonus,omitempty"`
	Threshold    int            `yaml:"threshold,omitempty"`
	Window       time.Duration  `yaml:"window,omitempty"`
}

// AnomalyOverrides replaces individual anomaly thresholds. Zero values keep
// the default.
type AnomalyOverrides struct {
	MaxSessionVoids    int64 `yaml:"max_session_voids,omitempty"`
	MaxDailyRefunds    int64 `yaml:"max_daily_refunds,omitempty"`
	MaxDailyDiscount   int64 `yaml:"max_daily_discount,omitempty"`
	MaxDailyVoidAmount int64 `yaml:"max_daily_void_amount,omitempty"`
	CriticalSeverity   int   `yaml:"critical_severity,omitempty"`
}

// Step is one operation. Which fields apply depends on Op.
type Step struct {
	Op    string   `yaml:"op"`
	Tx    string   `yaml:"tx,omitempty"`
	Actor string   `yaml:"actor,omitempty"`
	Roles []string `yaml:"roles,omitempty"`

	// scan, bag
	Product  string `yaml:"product,omitempty"`
	Quantity int64  `yaml:"quantity,omitempty"`
	Price    int64  `yaml:"price,omitempty"`
	// Grams is the expected unit weight for scan, the scale reading for
	// bag and the bagging area total for weigh.
	Grams *int64 `yaml:"grams,omitempty"`

	// lock, cancel, lift
	Reason string `yaml:"reason,omitempty"`

	// signal
	Kind       string `yaml:"kind,omitempty"`
	Device     string `yaml:"device,omitempty"`
	Detection  string `yaml:"detection,omitempty"`
	Mismatch   bool   `yaml:"mismatch,omitempty"`
	Authorized bool   `yaml:"authorized,omitempty"`

	// void, refund, discount
	Session string `yaml:"session,omitempty"`
	Amount  int64  `yaml:"amount,omitempty"`

	// advance
	Duration time.Duration `yaml:"duration,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is checked after a step.
type Expect struct {
	// Code is the expected error code. Empty means success.
	Code string `yaml:"code,omitempty"`
	// Phase is the transaction phase after the step.
	Phase string `yaml:"phase,omitempty"`
	// Allowed and Reasons check the payment gate after the step.
	Allowed *bool    `yaml:"allowed,omitempty"`
	Reasons []string `yaml:"reasons,omitempty"`
	// Lockdown checks the global lockdown flag after the step.
	Lockdown *bool `yaml:"lockdown,omitempty"`
}

// Assertion validates the finished run.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count, final_state.
	Type string `yaml:"type"`

	// Event is the event type for trace_contains and trace_count.
	Event string `yaml:"event,omitempty"`
	// Count is the exact number of occurrences for trace_count.
	Count int `yaml:"count,omitempty"`
	// Events is the expected relative order for trace_order.
	Events []string `yaml:"events,omitempty"`

	// Subject is "transaction" or "lockdown" for final_state.
	Subject string `yaml:"subject,omitempty"`
	// Tx selects the transaction for final_state.
	Tx string `yaml:"tx,omitempty"`
	// Expect is a subset match against the final state.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// Final state subjects.
const (
	SubjectTransaction = "transaction"
	SubjectLockdown    = "lockdown"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(s Step) error {
	if !slices.Contains(ops, s.Op) {
		return fmt.Errorf("unknown op %q", s.Op)
	}
	switch s.Op {
	case OpBegin, OpBag, OpWeigh, OpLock, OpUnlock, OpPay, OpCancel:
		if s.Tx == "" {
			return fmt.Errorf("%s: tx is required", s.Op)
		}
	case OpScan:
		if s.Tx == "" || s.Product == "" {
			return fmt.Errorf("scan: tx and product are required")
		}
	case OpSignal:
		if s.Kind != SignalCamera && s.Kind != SignalGate {
			return fmt.Errorf("signal: kind must be %s or %s", SignalCamera, SignalGate)
		}
		if s.Tx == "" {
			return fmt.Errorf("signal: tx is required")
		}
	case OpVoid, OpRefund, OpDiscount:
		if s.Session == "" {
			return fmt.Errorf("%s: session is required", s.Op)
		}
	case OpAdvance:
		if s.Duration <= 0 {
			return fmt.Errorf("advance: duration must be positive")
		}
	}
	if s.Op == OpBag && s.Product == "" {
		return fmt.Errorf("bag: product is required")
	}
	if s.Op == OpWeigh && s.Grams == nil {
		return fmt.Errorf("weigh: grams is required")
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("event is required for trace_contains")
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("events list is required for trace_order")
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("event is required for trace_count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for trace_count")
		}
	case AssertFinalState:
		if a.Subject != SubjectTransaction && a.Subject != SubjectLockdown {
			return fmt.Errorf("subject must be %s or %s for final_state", SubjectTransaction, SubjectLockdown)
		}
		if a.Subject == SubjectTransaction && a.Tx == "" {
			return fmt.Errorf("tx is required for a transaction final_state")
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("expect is required for final_state")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
