package reconcile

import (
	"fmt"

	"github.com/roach88/tillguard/internal/event"
)

// Strategy selects how a version conflict is decided.
type Strategy string

const (
	LastWriteWins Strategy = "last_write_wins"
	VectorClock   Strategy = "vector_clock"
	Merge         Strategy = "merge"
	Manual        Strategy = "manual"
)

// ParseStrategy accepts the wire names. Empty means LastWriteWins.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return LastWriteWins, nil
	case LastWriteWins, VectorClock, Merge, Manual:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown conflict strategy %q", s)
	}
}

// Outcome is what happened to a conflicting candidate.
type Outcome string

const (
	// KeptExisting: the stored event won; the candidate was discarded.
	KeptExisting Outcome = "kept_existing"
	// TookCandidate: the candidate won and was appended at the next version.
	TookCandidate Outcome = "took_candidate"
	// Merged: a merged event was appended at the next version.
	Merged Outcome = "merged"
	// Queued: waiting for a manual decision.
	Queued Outcome = "queued"
)

// decision is the pure result of applying a strategy to a pair.
type decision struct {
	outcome Outcome
	// payload is set when outcome is Merged.
	payload event.Object
	detail  string
}

// decide applies strategy to a conflicting pair. Manual is handled by the
// caller because it needs the caller's resolutions.
func decide(strategy Strategy, existing, candidate event.Event) decision {
	switch strategy {
	case VectorClock:
		return byVectorClock(existing, candidate)
	case Merge:
		return byMerge(existing, candidate)
	default:
		return byLastWrite(existing, candidate)
	}
}

func byLastWrite(existing, candidate event.Event) decision {
	if event.Later(candidate, existing) {
		return decision{outcome: TookCandidate, detail: "candidate is later"}
	}
	return decision{outcome: KeptExisting, detail: "existing is later"}
}

func byVectorClock(existing, candidate event.Event) decision {
	switch candidate.VectorClock.Compare(existing.VectorClock) {
	case event.After:
		return decision{outcome: TookCandidate, detail: "candidate clock dominates"}
	case event.Before:
		return decision{outcome: KeptExisting, detail: "existing clock dominates"}
	default:
		d := byLastWrite(existing, candidate)
		d.detail = "clocks concurrent, " + d.detail
		return d
	}
}

func byMerge(existing, candidate event.Event) decision {
	if existing.Type != candidate.Type {
		d := byLastWrite(existing, candidate)
		d.detail = "types differ, " + d.detail
		return d
	}
	merged, conflict := mergeObjects(existing.Payload, candidate.Payload)
	if conflict != "" {
		d := byLastWrite(existing, candidate)
		d.detail = fmt.Sprintf("field %q disagrees, %s", conflict, d.detail)
		return d
	}
	return decision{outcome: Merged, payload: merged, detail: "payloads merged"}
}

// mergeObjects merges b into a. Arrays take the union of distinct elements
// (a's order first), nested objects merge recursively, and a key present on
// one side only is taken from that side. It returns the path of the first
// disagreeing scalar, in sorted key order, instead of a result when the
// two cannot be merged.
func mergeObjects(a, b event.Object) (event.Object, string) {
	out := a.Clone()
	if out == nil {
		out = event.Object{}
	}
	for _, k := range b.SortedKeys() {
		bv := b[k]
		av, ok := out[k]
		if !ok {
			out[k] = bv
			continue
		}
		if event.Equal(av, bv) {
			continue
		}
		switch at := av.(type) {
		case event.Array:
			bt, ok := bv.(event.Array)
			if !ok {
				return nil, k
			}
			out[k] = unionArrays(at, bt)
		case event.Object:
			bt, ok := bv.(event.Object)
			if !ok {
				return nil, k
			}
			sub, conflict := mergeObjects(at, bt)
			if conflict != "" {
				return nil, k + "." + conflict
			}
			out[k] = sub
		default:
			return nil, k
		}
	}
	return out, ""
}

func unionArrays(a, b event.Array) event.Array {
	out := append(event.Array{}, a...)
	for _, v := range b {
		found := false
		for _, w := range out {
			if event.Equal(v, w) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, v)
		}
	}
	return out
}
