package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillguard/internal/edgelog"
	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
	"github.com/roach88/tillguard/internal/security"
)

func (f edgeFixture) begin(t *testing.T, txID string) {
	t.Helper()
	code, res := do(t, f.handler, http.MethodPost, "/v1/transactions", f.cashier, map[string]string{"transaction_id": txID})
	require.Equal(t, http.StatusCreated, code, res.Error)
}

func (f edgeFixture) scan(t *testing.T, txID, productID string, grams int64) (int, response) {
	t.Helper()
	return do(t, f.handler, http.MethodPost, "/v1/transactions/"+txID+"/scan", f.cashier, security.Item{
		ProductID: productID, Quantity: 1, UnitPrice: 250, ExpectedGrams: grams,
	})
}

func (f edgeFixture) types(t *testing.T) []event.Type {
	t.Helper()
	require.NoError(t, f.log.Flush(context.Background()))
	records, err := f.log.Events(context.Background(), 0, 1000)
	require.NoError(t, err)
	out := make([]event.Type, len(records))
	for i, r := range records {
		out[i] = r.Event.Type
	}
	return out
}

func TestEdge_RequiresToken(t *testing.T) {
	f := newEdgeFixture(t)

	code, res := do(t, f.handler, http.MethodGet, "/v1/lockdown", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, codeUnauthorized, res.Error.Code)

	code, _ = do(t, f.handler, http.MethodGet, "/v1/lockdown", "Bearer not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, res = do(t, f.handler, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, res.Success)
}

func TestEdge_CheckoutHappyPath(t *testing.T) {
	f := newEdgeFixture(t)
	f.begin(t, "tx-1")

	code, _ := f.scan(t, "tx-1", "apple", 200)
	require.Equal(t, http.StatusOK, code)
	code, _ = f.scan(t, "tx-1", "pear", 300)
	require.Equal(t, http.StatusOK, code)

	for _, p := range []string{"apple", "pear"} {
		code, _ = do(t, f.handler, http.MethodPost, "/v1/transactions/tx-1/bag", f.cashier, map[string]any{"product_id": p})
		require.Equal(t, http.StatusOK, code)
	}

	code, res := do(t, f.handler, http.MethodPost, "/v1/transactions/tx-1/weigh", f.cashier, map[string]any{"actual_grams": 510})
	require.Equal(t, http.StatusOK, code)
	check := decodeData[security.WeightCheck](t, res)
	assert.True(t, check.Verified)
	assert.Equal(t, int64(500), check.ExpectedGrams)

	code, res = do(t, f.handler, http.MethodGet, "/v1/transactions/tx-1/readiness", f.cashier, nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, decodeData[security.Readiness](t, res).Allowed)

	code, res = do(t, f.handler, http.MethodPost, "/v1/transactions/tx-1/pay", f.cashier, nil)
	require.Equal(t, http.StatusOK, code, res.Error)
	assert.Equal(t, security.Paid, decodeData[security.State](t, res).Phase)

	code, res = f.scan(t, "tx-1", "plum", 100)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(fault.CodeTransactionClosed), res.Error.Code)

	assert.Contains(t, f.types(t), event.OrderCompleted)
}

func TestEdge_BeginGeneratesID(t *testing.T) {
	f := newEdgeFixture(t)

	code, res := do(t, f.handler, http.MethodPost, "/v1/transactions", f.cashier, nil)
	require.Equal(t, http.StatusCreated, code)
	st := decodeData[security.State](t, res)
	assert.NotEmpty(t, st.TransactionID)
	assert.Equal(t, "cashier-1", st.ActorID)
}

func TestEdge_ErrorMapping(t *testing.T) {
	f := newEdgeFixture(t)
	f.begin(t, "tx-1")
	_, _ = f.scan(t, "tx-1", "apple", 200)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"duplicate scan", http.MethodPost, "/v1/transactions/tx-1/scan",
			security.Item{ProductID: "apple", Quantity: 1, ExpectedGrams: 200}, http.StatusConflict, string(fault.CodeDuplicateScan)},
		{"payment blocked", http.MethodPost, "/v1/transactions/tx-1/pay", nil, http.StatusConflict, string(fault.CodePaymentBlocked)},
		{"missing product", http.MethodPost, "/v1/transactions/tx-1/scan",
			map[string]any{"quantity": 1}, http.StatusBadRequest, string(fault.CodeValidation)},
		{"unknown field", http.MethodPost, "/v1/transactions/tx-1/lock",
			map[string]any{"reason": "x", "extra": true}, http.StatusBadRequest, string(fault.CodeValidation)},
		{"missing weight", http.MethodPost, "/v1/transactions/tx-1/weigh",
			map[string]any{}, http.StatusBadRequest, string(fault.CodeValidation)},
		{"unknown transaction", http.MethodGet, "/v1/transactions/nope", nil, http.StatusNotFound, string(fault.CodeNotFound)},
		{"lift without role", http.MethodDelete, "/v1/lockdown",
			map[string]string{"reason": "false alarm"}, http.StatusForbidden, string(fault.CodeInsufficientPermission)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, res := do(t, f.handler, tt.method, tt.path, f.cashier, tt.body)
			assert.Equal(t, tt.status, code)
			require.NotNil(t, res.Error)
			assert.False(t, res.Success)
			assert.Equal(t, tt.code, res.Error.Code)
		})
	}
}

func TestEdge_LockAndCancel(t *testing.T) {
	f := newEdgeFixture(t)
	f.begin(t, "tx-1")

	code, res := do(t, f.handler, http.MethodPost, "/v1/transactions/tx-1/lock", f.cashier, map[string]string{"reason": "weight tamper"})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, decodeData[security.State](t, res).Locked)

	code, res = do(t, f.handler, http.MethodGet, "/v1/transactions/tx-1/readiness", f.cashier, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, decodeData[security.Readiness](t, res).Reasons, "transaction locked: weight tamper")

	code, _ = do(t, f.handler, http.MethodPost, "/v1/transactions/tx-1/unlock", f.cashier, nil)
	require.Equal(t, http.StatusOK, code)

	code, res = do(t, f.handler, http.MethodDelete, "/v1/transactions/tx-1?reason=customer+left", f.cashier, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, security.Cancelled, decodeData[security.State](t, res).Phase)

	assert.Equal(t, []event.Type{
		event.OrderCreated, event.TransactionLocked, event.TransactionUnlocked, event.OrderCancelled,
	}, f.types(t))
}

func TestEdge_SignalsEngageAndLiftLockdown(t *testing.T) {
	f := newEdgeFixture(t)
	f.begin(t, "tx-1")

	code, _ := do(t, f.handler, http.MethodPost, "/v1/signals", f.cashier, map[string]any{
		"kind": "camera", "transaction_id": "tx-1", "camera_id": "cam-2",
		"detection": "item_not_scanned", "mismatch": true, "confidence": 91,
	})
	require.Equal(t, http.StatusAccepted, code)
	code, _ = do(t, f.handler, http.MethodPost, "/v1/signals", f.cashier, map[string]any{
		"kind": "gate", "transaction_id": "tx-1", "gate_id": "gate-1", "authorized": false,
	})
	require.Equal(t, http.StatusAccepted, code)
	require.NoError(t, f.log.Flush(context.Background()))

	code, res := do(t, f.handler, http.MethodGet, "/v1/lockdown", f.cashier, nil)
	require.Equal(t, http.StatusOK, code)
	view := decodeData[lockdownView](t, res)
	assert.True(t, view.LockedDown)
	assert.Equal(t, "tx-1", view.TransactionID)
	assert.Equal(t, 90, view.Score)

	code, res = do(t, f.handler, http.MethodGet, "/v1/transactions/tx-1/readiness", f.cashier, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "lockdown active", decodeData[security.Readiness](t, res).Reasons[0])

	code, _ = do(t, f.handler, http.MethodDelete, "/v1/lockdown", f.admin, map[string]string{"reason": "reviewed footage"})
	require.Equal(t, http.StatusOK, code)
	assert.False(t, f.engine.IsLockedDown())

	types := f.types(t)
	assert.Contains(t, types, event.LockdownEngaged)
	assert.Contains(t, types, event.LockdownLifted)
}

func TestEdge_SignalValidation(t *testing.T) {
	f := newEdgeFixture(t)

	code, res := do(t, f.handler, http.MethodPost, "/v1/signals", f.cashier, map[string]any{"kind": "gate", "gate_id": "g1"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(fault.CodeValidation), res.Error.Code)

	code, _ = do(t, f.handler, http.MethodPost, "/v1/signals", f.cashier, map[string]any{"kind": "sonar"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEdge_SessionAdjustmentsFeedAnomalyDetector(t *testing.T) {
	f := newEdgeFixture(t)

	for range 4 {
		code, res := do(t, f.handler, http.MethodPost, "/v1/sessions/s-1/voids", f.cashier, map[string]any{"amount": 500})
		require.Equal(t, http.StatusCreated, code)
		ev := decodeData[event.Event](t, res)
		assert.Equal(t, SessionAggregate, ev.AggregateType)
		assert.Equal(t, "s-1", ev.AggregateID)
	}
	code, res := do(t, f.handler, http.MethodPost, "/v1/sessions/s-1/discounts", f.cashier, map[string]any{"amount": 100, "reason_code": "loyalty"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, 2, decodeData[event.Event](t, res).SchemaVersion)

	code, _ = do(t, f.handler, http.MethodPost, "/v1/sessions/s-1/end", f.cashier, nil)
	require.Equal(t, http.StatusCreated, code)

	var anomalies int
	for _, typ := range f.types(t) {
		if typ == event.FraudAnomalyDetected {
			anomalies++
		}
	}
	assert.Equal(t, 1, anomalies)
}

func TestEdge_VerifyChain(t *testing.T) {
	f := newEdgeFixture(t)
	f.begin(t, "tx-1")

	code, res := do(t, f.handler, http.MethodGet, "/v1/chain/verify", f.cashier, nil)
	require.Equal(t, http.StatusOK, code)
	report := decodeData[edgelog.ChainReport](t, res)
	assert.True(t, report.Valid)
	assert.Equal(t, 1, report.Checked)
}

func TestEdge_ChainReviewRequiresRole(t *testing.T) {
	f := newEdgeFixture(t)

	code, res := do(t, f.handler, http.MethodPost, "/v1/chain/review", f.cashier, nil)
	require.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "INSUFFICIENT_PERMISSION", res.Error.Code)

	code, res = do(t, f.handler, http.MethodPost, "/v1/chain/review", f.admin, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]bool{"degraded": false}, decodeData[map[string]bool](t, res))
}

func TestEdge_ReconcileMatchesLiveState(t *testing.T) {
	f := newEdgeFixture(t)
	f.begin(t, "tx-1")
	code, _ := f.scan(t, "tx-1", "milk", 1030)
	require.Equal(t, http.StatusOK, code)

	code, res := do(t, f.handler, http.MethodGet, "/v1/reconcile", f.cashier, nil)
	require.Equal(t, http.StatusOK, code)
	view := decodeData[reconcileView](t, res)
	assert.Equal(t, 2, view.Events)
	assert.Empty(t, view.Mismatches)
}
