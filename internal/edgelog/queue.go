package edgelog

import (
	"sync"

	"github.com/roach88/tillguard/internal/event"
)

// boundedQueue is a FIFO with a fixed capacity. Enqueue never blocks: when
// the queue is full it reports false and the caller records a drop.
//
// The signal channel (buffer 1) coalesces wakeups for the consumer
// goroutine.
type boundedQueue struct {
	mu     sync.Mutex
	items  []event.Event
	cap    int
	closed bool
	signal chan struct{}
}

func newBoundedQueue(capacity int) *boundedQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &boundedQueue{
		items:  make([]event.Event, 0, capacity),
		cap:    capacity,
		signal: make(chan struct{}, 1),
	}
}

func (q *boundedQueue) enqueue(e event.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) >= q.cap {
		return false
	}
	q.items = append(q.items, e)
	q.wake()
	return true
}

func (q *boundedQueue) tryDequeue() (event.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return event.Event{}, false
	}
	e := q.items[0]
	q.items[0] = event.Event{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = make([]event.Event, 0, q.cap)
	}
	return e, true
}

// drained reports whether the queue is closed and empty.
func (q *boundedQueue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

func (q *boundedQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.wake()
}

func (q *boundedQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
