package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/testutil"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type anchorFunc func(ctx context.Context, req Request) (Receipt, error)

func (f anchorFunc) Anchor(ctx context.Context, req Request) (Receipt, error) { return f(ctx, req) }

func TestBatchDigest(t *testing.T) {
	a := []event.Event{{ID: "e1", Hash: "aa"}, {ID: "e2", Hash: "bb"}}
	b := []event.Event{{ID: "e2", Hash: "bb"}, {ID: "e1", Hash: "aa"}}

	da, err := BatchDigest(a)
	require.NoError(t, err)
	db, err := BatchDigest(b)
	require.NoError(t, err)

	assert.Len(t, da, 64)
	assert.NotEqual(t, da, db, "order matters")

	again, err := BatchDigest(a)
	require.NoError(t, err)
	assert.Equal(t, da, again)
}

func TestBatchDigest_DomainSeparated(t *testing.T) {
	events := []event.Event{{ID: "e1", Hash: "aa"}}
	d, err := BatchDigest(events)
	require.NoError(t, err)

	canonical, err := event.MarshalCanonical(event.Strs("aa"))
	require.NoError(t, err)
	assert.NotEqual(t, event.HashWithDomain(event.DomainBatch, canonical), d)
	assert.Equal(t, event.HashWithDomain(DomainAnchor, canonical), d)
}

func TestBatchDigest_MissingHash(t *testing.T) {
	_, err := BatchDigest([]event.Event{{ID: "e1"}})
	assert.Error(t, err)
}

func TestKafkaAnchorer_Anchor(t *testing.T) {
	w := &fakeWriter{}
	clock := testutil.NewManualClock(testutil.Epoch)
	a := NewKafkaAnchorerWithWriter(w, "tillguard.anchor", clock.Now)

	receipt, err := a.Anchor(context.Background(), Request{BatchID: "b1", Digest: "abc", EventIDs: []string{"e1"}})
	require.NoError(t, err)

	assert.Equal(t, "kafka://tillguard.anchor/b1", receipt.Reference)
	assert.Equal(t, testutil.Epoch, receipt.At)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "b1", string(w.msgs[0].Key))

	var got Request
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "abc", got.Digest)
	assert.Equal(t, []string{"e1"}, got.EventIDs)

	topic, batch, ok := ParseReference(receipt.Reference)
	require.True(t, ok)
	assert.Equal(t, "tillguard.anchor", topic)
	assert.Equal(t, "b1", batch)
}

func TestKafkaAnchorer_Errors(t *testing.T) {
	a := NewKafkaAnchorerWithWriter(&fakeWriter{err: errors.New("timeout")}, "t", nil)

	_, err := a.Anchor(context.Background(), Request{BatchID: "b1"})
	assert.Error(t, err, "digest is required")

	_, err = a.Anchor(context.Background(), Request{BatchID: "b1", Digest: "d"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestParseReference_Invalid(t *testing.T) {
	for _, ref := range []string{"", "s3://x/y", "kafka://", "kafka://topic", "kafka:///b"} {
		_, _, ok := ParseReference(ref)
		assert.False(t, ok, ref)
	}
}

func TestDispatcher_Success(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []Receipt
	)
	d := NewDispatcher(anchorFunc(func(_ context.Context, req Request) (Receipt, error) {
		return Receipt{Reference: "ref-" + req.BatchID}, nil
	}), WithReceiptHook(func(_ context.Context, _ Request, r Receipt) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r)
	}))

	d.Dispatch(Request{BatchID: "b1", Digest: "d"})
	d.Dispatch(Request{BatchID: "b2", Digest: "d"})
	d.Wait()

	assert.Len(t, seen, 2)
}

func TestDispatcher_FailureIsLoggedOnly(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	called := false
	d := NewDispatcher(anchorFunc(func(context.Context, Request) (Receipt, error) {
		return Receipt{}, errors.New("service down")
	}), WithLogger(zap.New(core)), WithReceiptHook(func(context.Context, Request, Receipt) {
		called = true
	}))

	d.Dispatch(Request{BatchID: "b1", Digest: "d"})
	d.Wait()

	assert.False(t, called)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "anchoring failed", logs.All()[0].Message)
}

func TestDispatcher_Timeout(t *testing.T) {
	d := NewDispatcher(anchorFunc(func(ctx context.Context, _ Request) (Receipt, error) {
		<-ctx.Done()
		return Receipt{}, ctx.Err()
	}), WithTimeout(10*time.Millisecond))

	start := time.Now()
	d.Dispatch(Request{BatchID: "b1", Digest: "d"})
	d.Wait()
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDispatcher_NilIsNoop(t *testing.T) {
	var d *Dispatcher
	d.Dispatch(Request{BatchID: "b"})
	d.Wait()

	NewDispatcher(nil).Dispatch(Request{BatchID: "b"})
}
