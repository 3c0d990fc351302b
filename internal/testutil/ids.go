package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates "<prefix>-000001", "<prefix>-000002", ...
//
// The zero padding keeps string order equal to creation order, matching the
// property UUIDv7 ids have in production.
//
// Thread-safety: safe for concurrent use.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix uses "evt".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "evt"
	}
	return &SequentialIDs{prefix: prefix}
}

// NewID implements event.IDGenerator.
func (g *SequentialIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%06d", g.prefix, g.n)
}

// Reset restarts the sequence at 1.
func (g *SequentialIDs) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
