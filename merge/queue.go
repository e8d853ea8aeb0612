package merge

import (
	"container/heap"
	"sync"

	"github.com/ankitprabhu/viewmerge/errors"
)

// ErrQueueShutdown is returned by Push once the queue has been shut down,
// and is the sentinel recovered locally by a Folder Worker mid-drain.
var ErrQueueShutdown = errors.New(errors.CodeQueueShutdown, "queue_shutdown")

// itemRank gives sentinels strict precedence over data rows, in the order
// named by §4.1: RevisionMismatch, SetViewOutdated, Error, RowCount,
// DebugInfo, then Row last.
func itemRank(k ItemKind) int {
	switch k {
	case ItemRevisionMismatch:
		return 0
	case ItemSetViewOutdated:
		return 1
	case ItemError:
		return 2
	case ItemRowCount:
		return 3
	case ItemDebugInfo:
		return 4
	default: // ItemRow
		return 5
	}
}

type omqEntry struct {
	producer int
	seq      uint64
	item     QueueItem
}

// entryHeap implements container/heap.Interface over the currently-ready
// entries (at most one per live producer, by the push windowing below).
type entryHeap struct {
	entries []*omqEntry
	less    Comparator
}

func (h *entryHeap) Len() int { return len(h.entries) }

func (h *entryHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	ra, rb := itemRank(a.item.Kind), itemRank(b.item.Kind)
	if ra != rb {
		return ra < rb
	}
	if ra == itemRank(ItemRow) && h.less != nil {
		return h.less(a.item.Row, b.item.Row)
	}
	// Either both sentinels of the same rank, or a comparator-less (unordered)
	// index type: fall back to insertion order. This keeps Less a valid
	// strict weak ordering while preserving the spec's documented semantics
	// that cross-producer order is undefined for unordered index types (open
	// question 2) and that per-producer FIFO is always preserved.
	return a.seq < b.seq
}

func (h *entryHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }

func (h *entryHeap) Push(x interface{}) { h.entries = append(h.entries, x.(*omqEntry)) }

func (h *entryHeap) Pop() interface{} {
	n := len(h.entries)
	e := h.entries[n-1]
	h.entries[n-1] = nil
	h.entries = h.entries[:n-1]
	return e
}

// OrderedMergeQueue is a bounded multi-producer priority queue that delivers
// the globally smallest row across N producers (§4.1). It is the only
// mutable object shared across Folder Worker goroutines; all synchronization
// lives here.
type OrderedMergeQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	heap      entryHeap
	pending   map[int]*omqEntry // producer -> its one in-flight, unread entry
	done      map[int]bool
	producers int // fixed at construction; see Producers
	nLive     int // producers not yet done
	seq       uint64
	shutdown  bool
}

// NewOrderedMergeQueue returns a queue for n producers, comparing data rows
// with less (which may be nil for unordered index types).
func NewOrderedMergeQueue(n int, less Comparator) *OrderedMergeQueue {
	q := &OrderedMergeQueue{
		heap:      entryHeap{less: less},
		pending:   make(map[int]*omqEntry, n),
		done:      make(map[int]bool, n),
		producers: n,
		nLive:     n,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Producers reports the fixed number of producers this queue was built
// for, the N the Row Collector expects a RowCount sentinel from before it
// may safely finalize the {start, total} event (§4.2).
func (q *OrderedMergeQueue) Producers() int { return q.producers }

// Push delivers item on behalf of producerID. It blocks while the queue
// still holds an unread item previously pushed by the same producer (the
// "one in-flight item per producer" window), and returns ErrQueueShutdown
// if the queue is shut down before or during that wait.
func (q *OrderedMergeQueue) Push(producerID int, item QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.shutdown {
			return ErrQueueShutdown
		}
		if q.pending[producerID] == nil {
			break
		}
		q.cond.Wait()
	}

	q.seq++
	e := &omqEntry{producer: producerID, seq: q.seq, item: item}
	q.pending[producerID] = e
	heap.Push(&q.heap, e)
	q.cond.Broadcast()
	return nil
}

// Done declares that producerID will push no more items.
func (q *OrderedMergeQueue) Done(producerID int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done[producerID] {
		return
	}
	q.done[producerID] = true
	q.nLive--
	q.cond.Broadcast()
}

// Flush is a consumer-side hook that forces visibility of the latest
// producer state before the next Pop; since every mutation already happens
// under q.mu, this just round-trips the lock.
func (q *OrderedMergeQueue) Flush() {
	q.mu.Lock()
	q.mu.Unlock() // nolint: staticcheck
}

// Pop returns the smallest item across all producers, blocking until every
// live producer has either enqueued its next item or signaled Done.
// closed is true once all producers are done and the queue is empty; no
// further items will ever be returned after that.
func (q *OrderedMergeQueue) Pop() (item QueueItem, closed bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.nLive == 0 && q.heap.Len() == 0 {
			return QueueItem{Kind: ItemClosed}, true, nil
		}
		// Ready once every producer is either Done or has an unread item;
		// a Done producer may still have one unread item in the heap.
		ready := q.heap.Len() > 0
		for p := 0; ready && p < q.producers; p++ {
			ready = q.done[p] || q.pending[p] != nil
		}
		if ready || (q.shutdown && q.heap.Len() > 0) {
			break
		}
		if q.shutdown {
			return QueueItem{Kind: ItemClosed}, true, nil
		}
		q.cond.Wait()
	}

	e := heap.Pop(&q.heap).(*omqEntry)
	delete(q.pending, e.producer)
	q.cond.Broadcast()
	return e.item, false, nil
}

// Shutdown unblocks all producers with ErrQueueShutdown and causes Pop to
// drain any already-queued items before returning Closed.
func (q *OrderedMergeQueue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.shutdown = true
	q.cond.Broadcast()
}
