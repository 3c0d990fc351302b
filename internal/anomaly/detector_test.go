package anomaly

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillguard/internal/alert"
	"github.com/roach88/tillguard/internal/anchor"
	"github.com/roach88/tillguard/internal/edgelog"
	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
	"github.com/roach88/tillguard/internal/risk"
	"github.com/roach88/tillguard/internal/testutil"
)

type recordingAnchorer struct {
	mu   sync.Mutex
	reqs []anchor.Request
}

func (r *recordingAnchorer) Anchor(_ context.Context, req anchor.Request) (anchor.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return anchor.Receipt{Reference: "ref"}, nil
}

func (r *recordingAnchorer) requests() []anchor.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]anchor.Request(nil), r.reqs...)
}

type fixture struct {
	det        *Detector
	log        *edgelog.Log
	alerts     *alert.Memory
	anchorer   *recordingAnchorer
	dispatcher *anchor.Dispatcher
	profiles   *risk.Profiles
	clock      *testutil.ManualClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := testutil.NewManualClock(testutil.Epoch)
	log, err := edgelog.New(ctx, edgelog.NewMemoryStorage(), "till-1",
		edgelog.WithIDGenerator(testutil.NewSequentialIDs("evt")),
		edgelog.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	f := &fixture{
		log:      log,
		alerts:   &alert.Memory{},
		anchorer: &recordingAnchorer{},
		profiles: risk.NewProfiles(clock.Now),
		clock:    clock,
	}
	f.dispatcher = anchor.NewDispatcher(f.anchorer)
	f.det, err = New(DefaultConfig(),
		WithAppender(log),
		WithNotifier(alert.NewNotifier(f.alerts, alert.WithClock(clock.Now))),
		WithDispatcher(f.dispatcher),
		WithProfiles(f.profiles),
		WithClock(clock.Now))
	require.NoError(t, err)
	return f
}

func rec(amount int64) Record {
	return Record{ActorID: "cashier-1", SessionID: "sess-1", Amount: amount}
}

func TestSeverity(t *testing.T) {
	tests := []struct {
		rule      Rule
		observed  int64
		threshold int64
		want      int
	}{
		{ExcessiveVoids, 3, 3, 0},
		{ExcessiveVoids, 4, 3, 60},
		{ExcessiveVoids, 5, 3, 70},
		{ExcessiveVoids, 6, 3, 80},
		{ExcessiveVoids, 20, 3, 100},
		{ExcessiveRefunds, 6, 5, 70},
		{ExcessiveRefunds, 7, 5, 80},
		{HighDiscountTotal, 50001, 50000, 65},
		{HighDiscountTotal, 60000, 50000, 65},
		{HighDiscountTotal, 60001, 50000, 75},
		{HighDiscountTotal, 70001, 50000, 85},
		{HighVoidAmount, 100001, 100000, 75},
		{HighVoidAmount, 120001, 100000, 85},
		{"UNKNOWN", 10, 1, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Severity(tt.rule, tt.observed, tt.threshold), "%s %d/%d", tt.rule, tt.observed, tt.threshold)
	}
}

func TestDetector_ExcessiveVoids(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		fired, err := f.det.RecordVoid(ctx, rec(100))
		require.NoError(t, err)
		assert.Empty(t, fired)
	}

	fired, err := f.det.RecordVoid(ctx, rec(100))
	require.NoError(t, err)
	require.Len(t, fired, 1)
	a := fired[0]
	assert.Equal(t, ExcessiveVoids, a.Rule)
	assert.Equal(t, SessionScope, a.Scope)
	assert.Equal(t, 60, a.Severity)
	assert.Equal(t, int64(4), a.Observed)
	assert.NotEmpty(t, a.EventID)

	fired, err = f.det.RecordVoid(ctx, rec(100))
	require.NoError(t, err)
	require.Len(t, fired, 1, "fires on every record above the threshold")
	assert.Equal(t, 70, fired[0].Severity)

	assert.Empty(t, f.alerts.Alerts(), "below critical severity")

	recs, err := f.log.Events(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	e := recs[0].Event
	assert.Equal(t, event.FraudAnomalyDetected, e.Type)
	assert.Equal(t, SystemActor, e.ActorID)
	rule, _ := e.Payload.Str("rule")
	assert.Equal(t, "EXCESSIVE_VOIDS", rule)
	session, _ := e.Payload.Str("session_id")
	assert.Equal(t, "sess-1", session)
}

func TestDetector_UpdateConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.det.RecordVoid(ctx, rec(100))
		require.NoError(t, err)
	}

	cfg := f.det.Config()
	cfg.MaxSessionVoids = 2
	require.NoError(t, f.det.UpdateConfig(cfg))

	fired, err := f.det.RecordVoid(ctx, rec(100))
	require.NoError(t, err)
	require.Len(t, fired, 1, "counters survive the swap and meet the lower threshold")
	assert.Equal(t, ExcessiveVoids, fired[0].Rule)

	cfg.MaxSessionVoids = 0
	err = f.det.UpdateConfig(cfg)
	require.Error(t, err)
	assert.Equal(t, fault.CodeValidation, fault.CodeOf(err))
	assert.Equal(t, int64(2), f.det.Config().MaxSessionVoids)
}

func TestDetector_CriticalAlertsAndAnchors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var last []Anomaly
	for i := 0; i < 6; i++ {
		var err error
		last, err = f.det.RecordVoid(ctx, rec(10))
		require.NoError(t, err)
	}
	require.Len(t, last, 1)
	require.Equal(t, 80, last[0].Severity)
	f.dispatcher.Wait()

	alerts := f.alerts.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.Critical, alerts[0].Severity)
	assert.Equal(t, "anomaly", alerts[0].Source)

	reqs := f.anchorer.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, last[0].EventID, reqs[0].BatchID)
	assert.Equal(t, "EXCESSIVE_VOIDS", reqs[0].Reason)
	assert.Len(t, reqs[0].Digest, 64)
}

func TestDetector_AnchoringFailureDoesNotFail(t *testing.T) {
	f := newFixture(t)
	failing := anchor.NewDispatcher(anchorFunc(func(context.Context, anchor.Request) (anchor.Receipt, error) {
		return anchor.Receipt{}, assert.AnError
	}))
	det, err := New(DefaultConfig(), WithAppender(f.log), WithDispatcher(failing), WithClock(f.clock.Now))
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, err := det.RecordVoid(context.Background(), rec(1))
		require.NoError(t, err)
	}
	failing.Wait()
}

type anchorFunc func(context.Context, anchor.Request) (anchor.Receipt, error)

func (f anchorFunc) Anchor(ctx context.Context, r anchor.Request) (anchor.Receipt, error) { return f(ctx, r) }

func TestDetector_DailyCountersPerActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		fired, err := f.det.RecordRefund(ctx, rec(500))
		require.NoError(t, err)
		assert.Empty(t, fired)
	}
	other := rec(500)
	other.ActorID = "cashier-2"
	fired, err := f.det.RecordRefund(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, fired, "another actor has its own counter")

	fired, err = f.det.RecordRefund(ctx, rec(500))
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, ExcessiveRefunds, fired[0].Rule)
	assert.Equal(t, ActorDayScope, fired[0].Scope)

	f.clock.Advance(24 * time.Hour)
	fired, err = f.det.RecordRefund(ctx, rec(500))
	require.NoError(t, err)
	assert.Empty(t, fired, "a new UTC day starts from zero")
}

func TestDetector_DiscountAndVoidAmounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fired, err := f.det.RecordDiscount(ctx, rec(50000))
	require.NoError(t, err)
	assert.Empty(t, fired)
	fired, err = f.det.RecordDiscount(ctx, rec(1))
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, HighDiscountTotal, fired[0].Rule)
	assert.Equal(t, 65, fired[0].Severity)

	r := rec(100001)
	r.SessionID = "sess-2"
	fired, err = f.det.RecordVoid(ctx, r)
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, HighVoidAmount, fired[0].Rule)
}

func TestDetector_RecordsProfileFactor(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 4; i++ {
		_, err := f.det.RecordVoid(context.Background(), rec(1))
		require.NoError(t, err)
	}
	prof, ok := f.profiles.Get("cashier-1")
	require.True(t, ok)
	assert.Equal(t, 60, prof.Overall)
}

func TestDetector_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.det.RecordVoid(context.Background(), Record{ActorID: "a"})
	assert.True(t, fault.IsCode(err, fault.CodeValidation))
	_, err = f.det.RecordRefund(context.Background(), Record{ActorID: "a", SessionID: "s", Amount: -1})
	assert.True(t, fault.IsCode(err, fault.CodeValidation))

	_, err = New(Config{})
	assert.True(t, fault.IsCode(err, fault.CodeValidation))
}

func TestDetector_ObserveStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.log.Subscribe("anomaly", f.det.Observe, 0)

	for i := 0; i < 4; i++ {
		_, err := f.log.Append(ctx, event.OrderItemVoided, "cashier-1", event.Object{
			"session_id": event.String("sess-1"), "amount": event.Int(250),
		})
		require.NoError(t, err)
	}
	require.NoError(t, f.log.Flush(ctx))

	voids, _, _, amount := f.det.Counters("sess-1", "cashier-1", f.clock.Now())
	assert.Equal(t, int64(4), voids)
	assert.Equal(t, int64(1000), amount)

	recs, err := f.log.Events(ctx, 0, 20)
	require.NoError(t, err)
	last := recs[len(recs)-1].Event
	assert.Equal(t, event.FraudAnomalyDetected, last.Type)
	assert.Equal(t, recs[3].Event.ID, last.CausationID)

	_, err = f.log.Append(ctx, event.CashierSessionEnded, "cashier-1", event.Object{"session_id": event.String("sess-1")})
	require.NoError(t, err)
	require.NoError(t, f.log.Flush(ctx))
	voids, _, _, _ = f.det.Counters("sess-1", "cashier-1", f.clock.Now())
	assert.Zero(t, voids)
}
