package risk

import (
	"fmt"
	"time"
)

// Class is a detector class.
type Class string

const (
	Vision Class = "vision"
	Fraud  Class = "fraud"
	Gate   Class = "gate"
	Weight Class = "weight"
)

// Classes lists every detector class in a stable order.
func Classes() []Class {
	return []Class{Vision, Fraud, Gate, Weight}
}

// Config holds the tunable parameters of the engine.
type Config struct {
	Weights        map[Class]int
	SynergyBonus   int
	Threshold      int
	Window         time.Duration
	PrivilegedRole string
}

// DefaultConfig returns the stock weights and threshold.
func DefaultConfig() Config {
	return Config{
		Weights: map[Class]int{
			Vision: 40,
			Fraud:  30,
			Gate:   35,
			Weight: 25,
		},
		SynergyBonus:   15,
		Threshold:      85,
		Window:         5 * time.Minute,
		PrivilegedRole: "security_admin",
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Threshold <= 0 {
		return fmt.Errorf("risk threshold must be positive, got %d", c.Threshold)
	}
	if c.Window <= 0 {
		return fmt.Errorf("risk window must be positive, got %s", c.Window)
	}
	if c.SynergyBonus < 0 {
		return fmt.Errorf("synergy bonus must not be negative, got %d", c.SynergyBonus)
	}
	if c.PrivilegedRole == "" {
		return fmt.Errorf("privileged role is required")
	}
	for class, w := range c.Weights {
		if w < 0 {
			return fmt.Errorf("weight for %s must not be negative, got %d", class, w)
		}
	}
	return nil
}

func (c Config) clone() Config {
	cp := c
	cp.Weights = make(map[Class]int, len(c.Weights))
	for k, v := range c.Weights {
		cp.Weights[k] = v
	}
	return cp
}
