package edgelog

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
)

const (
	auditPageSize   = 500
	metaServerClock = "server_vector_clock"
)

// ChainReport is the outcome of a chain verification.
type ChainReport struct {
	Valid bool `json:"valid"`
	// Checked counts events examined, including the broken one.
	Checked int `json:"checked"`
	// BreakIndex is the zero-based position of the first bad event, or -1.
	BreakIndex int    `json:"break_index"`
	EventID    string `json:"event_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Verify recomputes e's digest and compares it with e.Hash.
func Verify(e event.Event) bool {
	return event.Verify(e)
}

// VerifyChain checks a full device history starting at genesis. It stops
// at the first break.
func VerifyChain(events []event.Event) ChainReport {
	v := chainVerifier{}
	for _, e := range events {
		if !v.next(e) {
			return v.report
		}
	}
	return v.done()
}

type chainVerifier struct {
	prev   string
	index  int
	report ChainReport
}

func (v *chainVerifier) next(e event.Event) bool {
	reason := ""
	switch {
	case v.index == 0 && e.PreviousHash != "":
		reason = "first event has a previous hash"
	case v.index > 0 && e.PreviousHash != v.prev:
		reason = "previous hash does not match predecessor"
	case !event.Verify(e):
		reason = "hash does not match contents"
	}
	if reason != "" {
		v.report = ChainReport{Checked: v.index + 1, BreakIndex: v.index, EventID: e.ID, Reason: reason}
		return false
	}
	v.prev = e.Hash
	v.index++
	return true
}

func (v *chainVerifier) done() ChainReport {
	return ChainReport{Valid: true, Checked: v.index, BreakIndex: -1}
}

// Audit verifies the persisted chain page by page. A break flags the log
// degraded and fires the break hook; it is never repaired. Seq gaps count
// as breaks because they mean a record was removed.
func (l *Log) Audit(ctx context.Context) (ChainReport, error) {
	v := chainVerifier{}
	var after int64
	for {
		recs, err := l.storage.Range(ctx, after, auditPageSize)
		if err != nil {
			return ChainReport{}, fault.Wrap(fault.CodeStorage, "edgelog.Audit", err)
		}
		for _, r := range recs {
			if r.Seq != after+1 {
				v.report = ChainReport{Checked: v.index + 1, BreakIndex: v.index, EventID: r.Event.ID, Reason: "sequence gap"}
				return l.broken(v.report), nil
			}
			if !v.next(r.Event) {
				return l.broken(v.report), nil
			}
			after = r.Seq
		}
		if len(recs) < auditPageSize {
			return v.done(), nil
		}
	}
}

func (l *Log) broken(r ChainReport) ChainReport {
	l.degraded.Store(true)
	l.logger.Error("chain verification failed",
		zap.String("device_id", l.deviceID),
		zap.Int("break_index", r.BreakIndex),
		zap.String("event_id", r.EventID),
		zap.String("reason", r.Reason))
	if l.onBreak != nil {
		l.onBreak(r)
	}
	return r
}

func encodeClock(vc event.VectorClock) string {
	b, _ := json.Marshal(vc)
	return string(b)
}

func decodeClock(s string) (event.VectorClock, error) {
	var vc event.VectorClock
	err := json.Unmarshal([]byte(s), &vc)
	return vc, err
}
