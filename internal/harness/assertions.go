package harness

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
	Trace    Trace  // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace.Steps) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, s := range e.Trace.Steps {
			fmt.Fprintf(&buf, "  [%d] %s %s %v\n", i+1, s.Op, s.Tx, s.Events)
		}
	}
	return buf.String()
}

// assertTraceContains checks that an event type was appended at least once.
func assertTraceContains(trace Trace, a Assertion) error {
	for _, typ := range trace.EventTypes() {
		if typ == a.Event {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("event %s", a.Event),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrences of the listed event
// types appear in the given order. Other events may sit between them.
func assertTraceOrder(trace Trace, a Assertion) error {
	positions := make(map[string]int)
	for i, typ := range trace.EventTypes() {
		if _, seen := positions[typ]; !seen {
			positions[typ] = i + 1
		}
	}

	for _, typ := range a.Events {
		if positions[typ] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all events present: %v", a.Events),
				Actual:   fmt.Sprintf("missing event: %s", typ),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Events); i++ {
		prev, curr := a.Events[i-1], a.Events[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", a.Events),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that an event type was appended exactly Count
// times.
func assertTraceCount(trace Trace, a Assertion) error {
	count := 0
	for _, typ := range trace.EventTypes() {
		if typ == a.Event {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Event),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// StateSource exposes final state to final_state assertions.
type StateSource interface {
	FinalState(subject, tx string) map[string]any
}

// FinalState describes a transaction or the lockdown as a flat map. A
// transaction that is no longer open reports only open=false.
func (h *Harness) FinalState(subject, tx string) map[string]any {
	switch subject {
	case SubjectTransaction:
		st, ok := h.guard.State(tx)
		if !ok {
			return map[string]any{"open": false}
		}
		return map[string]any{
			"open":            true,
			"phase":           string(st.Phase),
			"locked":          st.Locked,
			"lock_reason":     st.LockReason,
			"items":           len(st.Items),
			"expected_grams":  int(st.ExpectedGrams),
			"weight_verified": st.WeightVerified,
		}
	case SubjectLockdown:
		info, active := h.engine.Lockdown()
		return map[string]any{
			"active":         active,
			"score":          info.Score,
			"transaction_id": info.TransactionID,
		}
	}
	return nil
}

// assertFinalState checks the expected fields against the final state
// using subset semantics.
func assertFinalState(src StateSource, a Assertion) error {
	actual := src.FinalState(a.Subject, a.Tx)
	if actual == nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("state for %s", a.Subject),
			Actual:   "no state",
		}
	}

	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		want := a.Expect[key]
		got, exists := actual[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in %s state", key, a.Subject),
			}
		}
		if !stateValuesEqual(want, got) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, want, want),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, got, got),
			}
		}
	}
	return nil
}

// stateValuesEqual compares a YAML decoded expectation with a state value.
// Integers compare across widths.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}
	if e, ok := asInt64(expected); ok {
		a, ok := asInt64(actual)
		return ok && e == a
	}
	return reflect.DeepEqual(expected, actual)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	}
	return 0, false
}

// EvaluateAssertions evaluates every assertion against the trace and the
// final state. It returns one message per failed assertion.
func EvaluateAssertions(trace Trace, assertions []Assertion, src StateSource) []string {
	var errors []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(trace, a)
		case AssertTraceCount:
			err = assertTraceCount(trace, a)
		case AssertFinalState:
			if src == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires a state source", i)
			} else {
				err = assertFinalState(src, a)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}
