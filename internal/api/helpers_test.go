package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tillguard/internal/anomaly"
	"github.com/roach88/tillguard/internal/edgelog"
	"github.com/roach88/tillguard/internal/reconcile"
	"github.com/roach88/tillguard/internal/risk"
	"github.com/roach88/tillguard/internal/seal"
	"github.com/roach88/tillguard/internal/security"
	"github.com/roach88/tillguard/internal/store"
	"github.com/roach88/tillguard/internal/testutil"
)

const testSecret = "test-secret"

func testTokens(t *testing.T) *Tokens {
	t.Helper()
	tokens, err := NewTokens(testSecret, "tillguard")
	require.NoError(t, err)
	return tokens
}

func bearer(t *testing.T, tokens *Tokens, p Principal) string {
	t.Helper()
	tok, err := tokens.Issue(p, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *errorBody      `json:"error"`
}

func do(t *testing.T, h http.Handler, method, path, auth string, body any) (int, response) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		rd = &buf
	}
	req := httptest.NewRequest(method, path, rd)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func decodeData[T any](t *testing.T, r response) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(r.Data, &v))
	return v
}

type edgeFixture struct {
	handler http.Handler
	log     *edgelog.Log
	guard   *security.Guard
	engine  *risk.Engine
	clock   *testutil.ManualClock
	tokens  *Tokens
	cashier string
	admin   string
}

func newEdgeFixture(t *testing.T) edgeFixture {
	t.Helper()
	ctx := context.Background()
	clock := testutil.NewManualClock(testutil.Epoch)

	log, err := edgelog.New(ctx, edgelog.NewMemoryStorage(), "till-1",
		edgelog.WithClock(clock.Now),
		edgelog.WithIDGenerator(testutil.NewSequentialIDs("evt")))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	engine, err := risk.NewEngine(risk.DefaultConfig(), risk.WithAppender(log), risk.WithClock(clock.Now))
	require.NoError(t, err)
	detector, err := anomaly.New(anomaly.DefaultConfig(), anomaly.WithAppender(log), anomaly.WithClock(clock.Now))
	require.NoError(t, err)
	log.Subscribe("risk", engine.Observe, 64)
	log.Subscribe("anomaly", detector.Observe, 64)

	guard := security.NewGuard(log, security.WithLockdownGate(engine), security.WithClock(clock.Now))
	tokens := testTokens(t)

	return edgeFixture{
		handler: NewEdge(log, guard, engine, tokens).Routes(),
		log:     log,
		guard:   guard,
		engine:  engine,
		clock:   clock,
		tokens:  tokens,
		cashier: bearer(t, tokens, Principal{ActorID: "cashier-1", DeviceID: "till-1"}),
		admin:   bearer(t, tokens, Principal{ActorID: "sec-1", Roles: []string{"security_admin"}}),
	}
}

type serverFixture struct {
	handler http.Handler
	store   *store.Store
	tokens  *Tokens
	device  string
}

func newServerFixture(t *testing.T, opts ...Option) serverFixture {
	t.Helper()
	kr, err := seal.NewKeyring(bytes.Repeat([]byte{3}, seal.MinMasterKeySize), "k1")
	require.NoError(t, err)
	sealer, err := seal.New(kr)
	require.NoError(t, err)

	clock := testutil.NewManualClock(testutil.Epoch.Add(time.Hour))
	st, err := store.Open(context.Background(), store.Options{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "server.db"),
		Sealer: sealer,
		Now:    clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc := reconcile.New(st, reconcile.WithClock(clock.Now), reconcile.WithIDGenerator(testutil.NewSequentialIDs("srv")))
	tokens := testTokens(t)
	return serverFixture{
		handler: NewServer(st, svc, tokens, opts...).Routes(),
		store:   st,
		tokens:  tokens,
		device:  bearer(t, tokens, Principal{ActorID: "sync-agent", DeviceID: "till-1"}),
	}
}
