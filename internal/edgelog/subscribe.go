package edgelog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/tillguard/internal/event"
)

// DefaultBuffer is the queue capacity used when Subscribe gets a
// non-positive buffer.
const DefaultBuffer = 256

// Handler consumes one event. Returned errors are logged.
type Handler func(ctx context.Context, e event.Event) error

// Subscription is one consumer of the append stream.
type Subscription struct {
	name    string
	handler Handler
	queue   *boundedQueue
	log     *Log
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
}

// Subscribe registers handler. Events appended after this call are
// delivered in append order on a dedicated goroutine.
func (l *Log) Subscribe(name string, handler Handler, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{
		name:    name,
		handler: handler,
		queue:   newBoundedQueue(buffer),
		log:     l,
		done:    make(chan struct{}),
	}

	l.subsMu.Lock()
	l.subs = append(l.subs, s)
	l.subsMu.Unlock()

	go s.run()
	return s
}

// Name returns the subscriber name.
func (s *Subscription) Name() string { return s.name }

// Dropped returns how many events this subscriber missed due to a full
// queue.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close stops accepting events, delivers what is already queued and waits
// for the goroutine to exit.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.log.unsubscribe(s)
		s.queue.close()
	})
	<-s.done
}

func (s *Subscription) run() {
	defer close(s.done)
	for {
		if e, ok := s.queue.tryDequeue(); ok {
			s.deliver(e)
			continue
		}
		if s.queue.drained() {
			return
		}
		<-s.queue.signal
	}
}

func (s *Subscription) deliver(e event.Event) {
	defer s.log.pending.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			s.log.logger.Error("subscriber panicked",
				zap.String("subscriber", s.name),
				zap.String("event_id", e.ID),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()

	if err := s.handler(s.log.ctx, e); err != nil {
		s.log.logger.Warn("subscriber failed",
			zap.String("subscriber", s.name),
			zap.String("event_id", e.ID),
			zap.String("event_type", string(e.Type)),
			zap.Error(err))
	}
}

// dispatch hands e to every subscriber in registration order. Called with
// l.mu held so queue order matches chain order.
func (l *Log) dispatch(e event.Event) {
	l.subsMu.RLock()
	defer l.subsMu.RUnlock()
	for _, s := range l.subs {
		l.pending.Add(1)
		if s.queue.enqueue(e.Clone()) {
			continue
		}
		l.pending.Add(-1)
		s.dropped.Add(1)
		l.metrics.SubscriberDropped(s.name)
		l.logger.Warn("subscriber queue full, event dropped",
			zap.String("subscriber", s.name),
			zap.String("event_id", e.ID))
	}
}

func (l *Log) unsubscribe(s *Subscription) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	for i, cur := range l.subs {
		if cur == s {
			l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
			return
		}
	}
}

// Flush blocks until every enqueued event has been handled, including
// events appended by handlers while flushing. Intended for tests, replay
// tools and orderly shutdown.
func (l *Log) Flush(ctx context.Context) error {
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for l.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
