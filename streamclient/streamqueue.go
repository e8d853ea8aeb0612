package streamclient

import (
	"sync"

	"github.com/ankitprabhu/viewmerge/protocol"
)

// StreamQueue buffers decoded event frames for one open partition stream
// between the Receive Worker (the producer) and whatever goroutine calls
// GetStreamEvent (the consumer). At any instant at most one of "buffered
// events" and "blocked waiters" is non-empty: a Push either satisfies an
// already-blocked waiter or grows the buffer; a Pop either drains the
// buffer or blocks (§5 socket lifecycle invariants).
type StreamQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []protocol.DecodedFrame
	closed bool
}

// NewStreamQueue returns an empty queue.
func NewStreamQueue() *StreamQueue {
	q := &StreamQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues ev, waking one blocked consumer if any.
func (q *StreamQueue) Push(ev protocol.DecodedFrame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.events = append(q.events, ev)
	q.cond.Signal()
}

// Pop blocks until an event is available or the queue is closed.
func (q *StreamQueue) Pop() (protocol.DecodedFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.events) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.events) == 0 {
		return protocol.DecodedFrame{}, false
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return ev, true
}

// Close unblocks any waiting consumer with ok=false.
func (q *StreamQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
