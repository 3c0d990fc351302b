package security

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/tillguard/internal/alert"
	"github.com/roach88/tillguard/internal/event"
)

// tombstoneTTL is how long a closed transaction id keeps rejecting reuse.
const tombstoneTTL = 24 * time.Hour

// Sweep abandons every transaction idle for longer than the timeout and
// returns their ids. A transaction whose abandonment cannot be recorded is
// kept and retried on the next sweep.
func (g *Guard) Sweep(ctx context.Context, now time.Time) []string {
	g.mu.Lock()
	candidates := make(map[string]*entry)
	for id, e := range g.txs {
		candidates[id] = e
	}
	for id, t := range g.closed {
		if now.Sub(t.at) > tombstoneTTL {
			delete(g.closed, id)
		}
	}
	g.mu.Unlock()

	var abandoned []string
	for id, e := range candidates {
		if g.abandon(ctx, id, e, now) {
			abandoned = append(abandoned, id)
		}
	}
	return abandoned
}

func (g *Guard) abandon(ctx context.Context, txID string, e *entry, now time.Time) bool {
	e.mu.Lock()
	if e.gone || e.state.terminal != "" {
		e.mu.Unlock()
		return false
	}
	idle := now.Sub(e.state.lastActivity)
	if idle <= g.timeout {
		e.mu.Unlock()
		return false
	}
	items := int64(len(e.state.items))
	err := g.commit(ctx, e.state, event.TransactionAbandoned, SystemActor, event.Object{
		"idle_seconds": event.Int(int64(idle / time.Second)),
		"item_count":   event.Int(items),
	})
	e.mu.Unlock()
	if err != nil {
		g.logger.Error("record abandonment failed", zap.String("transaction_id", txID), zap.Error(err))
		return false
	}

	g.close(txID, Cancelled)
	g.logger.Info("transaction abandoned",
		zap.String("transaction_id", txID),
		zap.Duration("idle", idle),
		zap.Int64("item_count", items),
	)
	if items > 0 {
		g.alerts.Raise(ctx, alert.Info, "transaction", "Transaction abandoned", "",
			map[string]string{"transaction_id": txID})
	}
	return true
}

// RunSweeper sweeps every interval until ctx is done.
func (g *Guard) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if ids := g.Sweep(ctx, g.now()); len(ids) > 0 {
				g.logger.Info("sweep abandoned transactions", zap.Strings("transaction_ids", ids))
			}
		}
	}
}
