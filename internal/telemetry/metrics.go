package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the counters recorded across tillguard. A nil *Metrics is
// valid and records nothing, so components can take it as an optional
// dependency.
type Metrics struct {
	eventsAppended    metric.Int64Counter
	storeBatches      metric.Int64Counter
	corruption        metric.Int64Counter
	syncConflicts     metric.Int64Counter
	syncDuplicates    metric.Int64Counter
	lockdowns         metric.Int64Counter
	anomalies         metric.Int64Counter
	subscriberDropped metric.Int64Counter
}

// NewMetrics registers the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter("github.com/roach88/tillguard")
	var (
		out Metrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&out.eventsAppended, "tillguard.events.appended", "Events appended to the edge log"},
		{&out.storeBatches, "tillguard.store.batches", "Batches committed to the server store"},
		{&out.corruption, "tillguard.store.corruption", "Records that failed integrity checks"},
		{&out.syncConflicts, "tillguard.sync.conflicts", "Sync conflicts detected"},
		{&out.syncDuplicates, "tillguard.sync.duplicates", "Pushed events already stored"},
		{&out.lockdowns, "tillguard.risk.lockdowns", "Lockdowns engaged"},
		{&out.anomalies, "tillguard.anomaly.fired", "Anomalies fired"},
		{&out.subscriberDropped, "tillguard.edgelog.subscriber_dropped", "Events dropped by full subscriber queues"},
	}
	for _, c := range counters {
		*c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}
	return &out, nil
}

func add(c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil || n == 0 {
		return
	}
	c.Add(context.Background(), n, metric.WithAttributes(attrs...))
}

// EventAppended records an edge append.
func (m *Metrics) EventAppended(eventType string) {
	if m == nil {
		return
	}
	add(m.eventsAppended, 1, attribute.String("type", eventType))
}

// BatchCommitted records a committed store batch of n events.
func (m *Metrics) BatchCommitted(n int) {
	if m == nil {
		return
	}
	add(m.storeBatches, 1, attribute.Int("events", n))
}

// CorruptionDetected records an integrity failure.
func (m *Metrics) CorruptionDetected() {
	if m == nil {
		return
	}
	add(m.corruption, 1)
}

// SyncConflicts records n conflicts resolved with strategy.
func (m *Metrics) SyncConflicts(n int, strategy string) {
	if m == nil {
		return
	}
	add(m.syncConflicts, int64(n), attribute.String("strategy", strategy))
}

// SyncDuplicates records n duplicate pushes.
func (m *Metrics) SyncDuplicates(n int) {
	if m == nil {
		return
	}
	add(m.syncDuplicates, int64(n))
}

// LockdownEngaged records a lockdown.
func (m *Metrics) LockdownEngaged() {
	if m == nil {
		return
	}
	add(m.lockdowns, 1)
}

// AnomalyFired records an anomaly by rule name.
func (m *Metrics) AnomalyFired(rule string) {
	if m == nil {
		return
	}
	add(m.anomalies, 1, attribute.String("rule", rule))
}

// SubscriberDropped records an event dropped for a subscriber.
func (m *Metrics) SubscriberDropped(subscriber string) {
	if m == nil {
		return
	}
	add(m.subscriberDropped, 1, attribute.String("subscriber", subscriber))
}
