package anomaly

import "fmt"

// Rule names an anomaly.
type Rule string

const (
	ExcessiveVoids    Rule = "EXCESSIVE_VOIDS"
	ExcessiveRefunds  Rule = "EXCESSIVE_REFUNDS"
	HighDiscountTotal Rule = "HIGH_DISCOUNT_TOTAL"
	HighVoidAmount    Rule = "HIGH_VOID_AMOUNT"
)

// Scope is the counter horizon a rule reads.
type Scope string

const (
	SessionScope  Scope = "session"
	ActorDayScope Scope = "actor_day"
)

// Config holds rule thresholds. Amounts are minor currency units.
type Config struct {
	MaxSessionVoids    int64
	MaxDailyRefunds    int64
	MaxDailyDiscount   int64
	MaxDailyVoidAmount int64
	// CriticalSeverity is the severity at which an anomaly alerts and is
	// anchored.
	CriticalSeverity int
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MaxSessionVoids:    3,
		MaxDailyRefunds:    5,
		MaxDailyDiscount:   50000,
		MaxDailyVoidAmount: 100000,
		CriticalSeverity:   80,
	}
}

// Validate reports the first invalid threshold.
func (c Config) Validate() error {
	switch {
	case c.MaxSessionVoids <= 0:
		return fmt.Errorf("max session voids must be positive, got %d", c.MaxSessionVoids)
	case c.MaxDailyRefunds <= 0:
		return fmt.Errorf("max daily refunds must be positive, got %d", c.MaxDailyRefunds)
	case c.MaxDailyDiscount <= 0:
		return fmt.Errorf("max daily discount must be positive, got %d", c.MaxDailyDiscount)
	case c.MaxDailyVoidAmount <= 0:
		return fmt.Errorf("max daily void amount must be positive, got %d", c.MaxDailyVoidAmount)
	case c.CriticalSeverity <= 0 || c.CriticalSeverity > 100:
		return fmt.Errorf("critical severity must be in 1..100, got %d", c.CriticalSeverity)
	}
	return nil
}

type rule struct {
	name  Rule
	scope Scope
	base  int
	// step is how far past the threshold the counter must move for each
	// extra 10 severity points.
	step      func(threshold int64) int64
	threshold func(Config) int64
}

func countStep(int64) int64 { return 1 }

func amountStep(threshold int64) int64 { return max(threshold/5, 1) }

var rules = map[Rule]rule{
	ExcessiveVoids: {
		name: ExcessiveVoids, scope: SessionScope, base: 60, step: countStep,
		threshold: func(c Config) int64 { return c.MaxSessionVoids },
	},
	ExcessiveRefunds: {
		name: ExcessiveRefunds, scope: ActorDayScope, base: 70, step: countStep,
		threshold: func(c Config) int64 { return c.MaxDailyRefunds },
	},
	HighDiscountTotal: {
		name: HighDiscountTotal, scope: ActorDayScope, base: 65, step: amountStep,
		threshold: func(c Config) int64 { return c.MaxDailyDiscount },
	},
	HighVoidAmount: {
		name: HighVoidAmount, scope: ActorDayScope, base: 75, step: amountStep,
		threshold: func(c Config) int64 { return c.MaxDailyVoidAmount },
	},
}

// Severity returns the severity of rule r for observed against threshold.
// The first value over the threshold scores the base severity; every
// further step adds 10, capped at 100.
func Severity(r Rule, observed, threshold int64) int {
	def, ok := rules[r]
	if !ok || observed <= threshold {
		return 0
	}
	steps := (observed - threshold - 1) / def.step(threshold)
	return int(min(int64(def.base)+10*steps, 100))
}
