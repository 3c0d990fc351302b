package security

import (
	"fmt"
	"sort"

	"github.com/roach88/tillguard/internal/event"
)

// Mismatch is a difference between live state and replayed history.
type Mismatch struct {
	TransactionID string `json:"transaction_id"`
	Field         string `json:"field"`
	Live          string `json:"live"`
	Replayed      string `json:"replayed"`
}

// Replay rebuilds transaction states from a history in log order.
// Transactions that reached a terminal phase are included with that phase.
func Replay(events []event.Event) map[string]State {
	states := make(map[string]*txState)
	for _, e := range events {
		txID, ok := e.Payload.Str("transaction_id")
		if !ok || txID == "" {
			continue
		}
		if e.Type == event.OrderCreated {
			states[txID] = newTxState(e)
			continue
		}
		if st, ok := states[txID]; ok {
			st.apply(e)
		}
	}
	out := make(map[string]State, len(states))
	for id, st := range states {
		out[id] = st.snapshot()
	}
	return out
}

// Reconcile replays events and compares the result with the guard's open
// transactions. It is a verification job: nothing is changed.
func (g *Guard) Reconcile(events []event.Event) []Mismatch {
	replayed := Replay(events)
	live := make(map[string]State)
	for _, s := range g.Open() {
		live[s.TransactionID] = s
	}

	var out []Mismatch
	for id, l := range live {
		r, ok := replayed[id]
		if !ok {
			out = append(out, Mismatch{TransactionID: id, Field: "presence", Live: "open", Replayed: "missing"})
			continue
		}
		out = append(out, compare(id, l, r)...)
	}
	for id, r := range replayed {
		if _, ok := live[id]; !ok && !r.Phase.Terminal() {
			out = append(out, Mismatch{TransactionID: id, Field: "presence", Live: "missing", Replayed: "open"})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TransactionID != out[j].TransactionID {
			return out[i].TransactionID < out[j].TransactionID
		}
		return out[i].Field < out[j].Field
	})
	return out
}

func compare(id string, live, replayed State) []Mismatch {
	var out []Mismatch
	diff := func(field string, l, r any) {
		ls, rs := fmt.Sprint(l), fmt.Sprint(r)
		if ls != rs {
			out = append(out, Mismatch{TransactionID: id, Field: field, Live: ls, Replayed: rs})
		}
	}
	diff("phase", live.Phase, replayed.Phase)
	diff("items", len(live.Items), len(replayed.Items))
	diff("expected_grams", live.ExpectedGrams, replayed.ExpectedGrams)
	diff("weight_verified", live.WeightVerified, replayed.WeightVerified)
	diff("locked", live.Locked, replayed.Locked)
	diff("lock_reason", live.LockReason, replayed.LockReason)

	statuses := make(map[string]ItemStatus, len(replayed.Items))
	for _, it := range replayed.Items {
		statuses[it.ProductID] = it.Status
	}
	for _, it := range live.Items {
		diff("item."+it.ProductID, it.Status, statuses[it.ProductID])
	}
	return out
}
