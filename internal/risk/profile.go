package risk

import (
	"math"
	"slices"
	"sort"
	"sync"
	"time"
)

// Trend classifies the direction of a profile.
type Trend string

const (
	Increasing Trend = "increasing"
	Stable     Trend = "stable"
	Decreasing Trend = "decreasing"
)

const (
	maxFactors   = 100
	scoredWindow = 10
	trendWindow  = 5
	trendBand    = 10
	dailyDecay   = 0.95
)

// Factor is one contribution to a profile. Score is 0..100.
type Factor struct {
	Name   string    `json:"name"`
	Score  int       `json:"score"`
	Weight int       `json:"weight"`
	At     time.Time `json:"at"`
}

// Profile is the risk view of one actor or session.
type Profile struct {
	Subject      string    `json:"subject"`
	Overall      int       `json:"overall"`
	Trend        Trend     `json:"trend"`
	Factors      []Factor  `json:"factors"`
	LastActivity time.Time `json:"last_activity"`
}

// Profiles keeps a RiskProfile per subject.
//
// Thread-safety: safe for concurrent use.
type Profiles struct {
	mu       sync.Mutex
	subjects map[string][]Factor
	now      func() time.Time
}

// NewProfiles returns an empty set. A nil now uses time.Now.
func NewProfiles(now func() time.Time) *Profiles {
	if now == nil {
		now = time.Now
	}
	return &Profiles{subjects: make(map[string][]Factor), now: now}
}

// Record adds f to subject's profile and returns the updated profile.
// Only the most recent factors are kept.
func (p *Profiles) Record(subject string, f Factor) Profile {
	if f.At.IsZero() {
		f.At = p.now()
	}
	f.Score = min(max(f.Score, 0), 100)
	if f.Weight <= 0 {
		f.Weight = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	factors := append(p.subjects[subject], f)
	if len(factors) > maxFactors {
		factors = slices.Clone(factors[len(factors)-maxFactors:])
	}
	p.subjects[subject] = factors
	return build(subject, factors, p.now())
}

// Get returns subject's profile with decay applied as of now.
func (p *Profiles) Get(subject string) (Profile, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	factors, ok := p.subjects[subject]
	if !ok {
		return Profile{}, false
	}
	return build(subject, factors, p.now()), true
}

// Top returns up to n profiles ordered by overall score, highest first.
func (p *Profiles) Top(n int) []Profile {
	p.mu.Lock()
	now := p.now()
	out := make([]Profile, 0, len(p.subjects))
	for subject, factors := range p.subjects {
		out = append(out, build(subject, factors, now))
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Overall != out[j].Overall {
			return out[i].Overall > out[j].Overall
		}
		return out[i].Subject < out[j].Subject
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func build(subject string, factors []Factor, now time.Time) Profile {
	last := factors[len(factors)-1].At
	return Profile{
		Subject:      subject,
		Overall:      overall(factors, now.Sub(last)),
		Trend:        trend(factors),
		Factors:      slices.Clone(factors),
		LastActivity: last,
	}
}

// overall is the weight-weighted mean of the last factors, decayed by 5%
// per whole idle day.
func overall(factors []Factor, idle time.Duration) int {
	recent := factors[max(len(factors)-scoredWindow, 0):]
	var sum, weights int
	for _, f := range recent {
		sum += f.Score * f.Weight
		weights += f.Weight
	}
	if weights == 0 {
		return 0
	}
	mean := float64(sum) / float64(weights)
	if days := int(idle / (24 * time.Hour)); days > 0 {
		mean *= math.Pow(dailyDecay, float64(days))
	}
	return int(math.Round(mean))
}

func trend(factors []Factor) Trend {
	n := len(factors)
	if n <= trendWindow {
		return Stable
	}
	recent := factors[n-trendWindow:]
	older := factors[max(n-2*trendWindow, 0) : n-trendWindow]
	change := mean(recent) - mean(older)
	switch {
	case change > trendBand:
		return Increasing
	case change < -trendBand:
		return Decreasing
	default:
		return Stable
	}
}

func mean(fs []Factor) float64 {
	var sum int
	for _, f := range fs {
		sum += f.Score
	}
	return float64(sum) / float64(len(fs))
}
