package edgelog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/tillguard/internal/event"
)

// MemoryStorage keeps the chain in process memory. For tests and tools.
type MemoryStorage struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]int
	meta    map[string]string
}

// NewMemoryStorage returns an empty store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		byID: make(map[string]int),
		meta: make(map[string]string),
	}
}

// Append implements Storage.
func (m *MemoryStorage) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if want := int64(len(m.records)) + 1; rec.Seq != want {
		return fmt.Errorf("append seq %d: expected %d", rec.Seq, want)
	}
	if _, dup := m.byID[rec.Event.ID]; dup {
		return fmt.Errorf("append: duplicate event id %s", rec.Event.ID)
	}
	m.byID[rec.Event.ID] = len(m.records)
	m.records = append(m.records, Record{Seq: rec.Seq, Event: rec.Event.Clone()})
	return nil
}

// Last implements Storage.
func (m *MemoryStorage) Last(context.Context) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return Record{}, false, nil
	}
	r := m.records[len(m.records)-1]
	return Record{Seq: r.Seq, Event: r.Event.Clone()}, true, nil
}

// LastVersions implements Storage.
func (m *MemoryStorage) LastVersions(context.Context) (map[event.AggregateKey]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[event.AggregateKey]int64)
	for _, r := range m.records {
		if k := r.Event.Key(); r.Event.Version > out[k] {
			out[k] = r.Event.Version
		}
	}
	return out, nil
}

// Range implements Storage.
func (m *MemoryStorage) Range(_ context.Context, afterSeq int64, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if r.Seq <= afterSeq {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, Record{Seq: r.Seq, Event: r.Event.Clone()})
	}
	return out, nil
}

// Unsynced implements Storage.
func (m *MemoryStorage) Unsynced(_ context.Context, limit int) ([]event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []event.Event
	for _, r := range m.records {
		if r.Event.SyncedAt != nil {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, r.Event.Clone())
	}
	return out, nil
}

// MarkSynced implements Storage.
func (m *MemoryStorage) MarkSynced(_ context.Context, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		i, ok := m.byID[id]
		if !ok {
			continue
		}
		ts := event.Truncate(at)
		m.records[i].Event.SyncedAt = &ts
	}
	return nil
}

// GetMeta implements Storage.
func (m *MemoryStorage) GetMeta(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.meta[key]
	return v, ok, nil
}

// SetMeta implements Storage.
func (m *MemoryStorage) SetMeta(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = value
	return nil
}

// Close implements Storage.
func (m *MemoryStorage) Close() error { return nil }

// Tamper replaces the stored event at seq. It exists so integrity checks
// can be exercised against a store that was modified behind the log's back.
func (m *MemoryStorage) Tamper(seq int64, mutate func(*event.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq < 1 || seq > int64(len(m.records)) {
		return
	}
	mutate(&m.records[seq-1].Event)
}
