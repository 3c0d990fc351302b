package event

// VectorClock maps device ids to per-device event counters.
type VectorClock map[string]uint64

// Ordering is the causal relation between two clocks.
type Ordering int

const (
	Identical Ordering = iota
	Before
	After
	Concurrent
)

// String implements fmt.Stringer.
func (o Ordering) String() string {
	switch o {
	case Identical:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// Clone returns a copy of vc. A nil clock stays nil.
func (vc VectorClock) Clone() VectorClock {
	if vc == nil {
		return nil
	}
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Tick returns a copy of vc with device's counter incremented.
func (vc VectorClock) Tick(device string) VectorClock {
	out := vc.Clone()
	if out == nil {
		out = VectorClock{}
	}
	out[device]++
	return out
}

// Merge returns the component-wise maximum of vc and other.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := make(VectorClock, len(vc)+len(other))
	for k, v := range vc {
		out[k] = v
	}
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Compare returns the causal ordering of vc relative to other. Missing
// components count as zero.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	var less, greater bool
	for k, v := range vc {
		switch w := other[k]; {
		case v > w:
			greater = true
		case v < w:
			less = true
		}
	}
	for k, w := range other {
		if _, ok := vc[k]; !ok && w > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case greater:
		return After
	case less:
		return Before
	default:
		return Identical
	}
}

// Dominates reports whether every component of vc is >= other's and at
// least one is strictly greater.
func (vc VectorClock) Dominates(other VectorClock) bool {
	return vc.Compare(other) == After
}

// Covers reports whether vc has seen everything other has.
func (vc VectorClock) Covers(other VectorClock) bool {
	o := vc.Compare(other)
	return o == After || o == Identical
}
