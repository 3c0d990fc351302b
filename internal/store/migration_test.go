package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
	"github.com/roach88/tillguard/internal/testutil"
)

func discountEvent(i int) event.Event {
	return event.Event{
		ID:            fmt.Sprintf("d-%d", i),
		Type:          event.OrderDiscountApplied,
		AggregateID:   fmt.Sprintf("session-%d", i),
		AggregateType: "session",
		Payload: event.Object{
			"session_id": event.String(fmt.Sprintf("session-%d", i)),
			"amount":     event.Int(int64(100 * i)),
		},
		Version:       1,
		SchemaVersion: 1,
		Timestamp:     testutil.Epoch.Add(time.Duration(i) * 10 * time.Millisecond),
		ActorID:       "cashier-1",
	}
}

func addReasonCode(p event.Object) (event.Object, error) {
	p["reason_code"] = event.String("unspecified")
	return p, nil
}

func TestMigrate_RewritesAndValidates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	var events []event.Event
	for i := 1; i <= 3; i++ {
		events = append(events, discountEvent(i))
	}
	_, err := s.AppendBatch(ctx, events)
	require.NoError(t, err)

	report, err := s.Migrate(ctx, Migration{
		EventType: event.OrderDiscountApplied, FromSchema: 1, ToSchema: 2, Transform: addReasonCode,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Migrated)
	assert.Equal(t, "ORDER_DISCOUNT_APPLIED:v1->v2", report.MigrationID)

	got, err := s.GetEvent(ctx, "d-2")
	require.NoError(t, err)
	assert.Equal(t, 2, got.SchemaVersion)
	assert.Equal(t, event.String("unspecified"), got.Payload["reason_code"])
	assert.Equal(t, event.Int(200), got.Payload["amount"])
}

func TestMigrate_ResumesAfterPartialFailure(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	var events []event.Event
	for i := 1; i <= 4; i++ {
		events = append(events, discountEvent(i))
	}
	_, err := s.AppendBatch(ctx, events)
	require.NoError(t, err)

	calls := map[string]int{}
	failOn := "session-3"
	transform := func(p event.Object) (event.Object, error) {
		id, _ := p.Str("session_id")
		calls[id]++
		if id == failOn {
			return nil, errors.New("boom")
		}
		return addReasonCode(p)
	}
	m := Migration{EventType: event.OrderDiscountApplied, FromSchema: 1, ToSchema: 2, Transform: transform}

	report, err := s.Migrate(ctx, m)
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeValidation))
	assert.Equal(t, 2, report.Migrated)
	assert.Equal(t, "d-3", report.FailedEventID)

	failOn = ""
	report, err = s.Migrate(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Migrated)
	assert.Equal(t, 2, report.AlreadyMigrated)

	for _, id := range []string{"session-1", "session-2", "session-4"} {
		assert.Equal(t, 1, calls[id], "transform applied once to %s", id)
	}
	assert.Equal(t, 2, calls["session-3"])

	report, err = s.Migrate(ctx, m)
	require.NoError(t, err)
	assert.Zero(t, report.Migrated)
	assert.Equal(t, 4, report.AlreadyMigrated)
}

func TestMigrate_TargetSchemaViolationStops(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.AppendEvent(ctx, discountEvent(1))
	require.NoError(t, err)

	report, err := s.Migrate(ctx, Migration{
		EventType: event.OrderDiscountApplied, FromSchema: 1, ToSchema: 2,
		Transform: func(p event.Object) (event.Object, error) { return p, nil },
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reason_code")
	assert.Zero(t, report.Migrated)

	got, err := s.GetEvent(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.SchemaVersion)
}

func TestMigrate_RejectsBadDefinition(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Migrate(context.Background(), Migration{EventType: event.OrderDiscountApplied, FromSchema: 2, ToSchema: 1, Transform: addReasonCode})
	assert.True(t, fault.IsCode(err, fault.CodeValidation))
}
