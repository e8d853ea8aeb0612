package merge

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rowBytes(n int) Row {
	return Row([]byte{byte('0' + n)})
}

func numericLess(a, b Row) bool {
	return string(a) < string(b)
}

func TestOrderedMergeQueue_MergesInOrder(t *testing.T) {
	q := NewOrderedMergeQueue(2, numericLess)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer q.Done(0)
		for _, n := range []int{1, 3, 5} {
			require.NoError(t, q.Push(0, QueueItem{Kind: ItemRow, Row: rowBytes(n)}))
		}
	}()
	go func() {
		defer wg.Done()
		defer q.Done(1)
		for _, n := range []int{2, 4, 6} {
			require.NoError(t, q.Push(1, QueueItem{Kind: ItemRow, Row: rowBytes(n)}))
		}
	}()

	var got []string
	for {
		item, closed, err := q.Pop()
		require.NoError(t, err)
		if closed {
			break
		}
		got = append(got, string(item.Row))
	}
	wg.Wait()

	assert.True(t, sort.StringsAreSorted(got), "expected sorted merge, got %v", got)
	assert.Len(t, got, 6)
}

func TestOrderedMergeQueue_SentinelPrecedence(t *testing.T) {
	q := NewOrderedMergeQueue(2, numericLess)

	// Producer 0's row is pushed first, yet producer 1's sentinel must be
	// popped ahead of it.
	require.NoError(t, q.Push(0, QueueItem{Kind: ItemRow, Row: rowBytes(1)}))
	require.NoError(t, q.Push(1, QueueItem{Kind: ItemRevisionMismatch}))
	q.Done(1)

	item, closed, err := q.Pop()
	require.NoError(t, err)
	require.False(t, closed)
	assert.Equal(t, ItemRevisionMismatch, item.Kind)

	q.Done(0)
	item, closed, err = q.Pop()
	require.NoError(t, err)
	require.False(t, closed)
	assert.Equal(t, ItemRow, item.Kind)

	_, closed, err = q.Pop()
	require.NoError(t, err)
	assert.True(t, closed)
}

func TestOrderedMergeQueue_PushBlocksUntilConsumed(t *testing.T) {
	q := NewOrderedMergeQueue(1, nil)
	require.NoError(t, q.Push(0, QueueItem{Kind: ItemRow, Row: rowBytes(1)}))

	pushed := make(chan struct{})
	go func() {
		require.NoError(t, q.Push(0, QueueItem{Kind: ItemRow, Row: rowBytes(2)}))
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("second push should have blocked while the first is unread")
	default:
	}

	_, _, err := q.Pop()
	require.NoError(t, err)
	<-pushed // now unblocked

	q.Done(0)
	item, closed, err := q.Pop()
	require.NoError(t, err)
	assert.False(t, closed)
	assert.Equal(t, rowBytes(2), item.Row)
}

func TestOrderedMergeQueue_ShutdownUnblocksPush(t *testing.T) {
	q := NewOrderedMergeQueue(1, nil)
	require.NoError(t, q.Push(0, QueueItem{Kind: ItemRow, Row: rowBytes(1)}))

	errc := make(chan error, 1)
	go func() {
		errc <- q.Push(0, QueueItem{Kind: ItemRow, Row: rowBytes(2)})
	}()

	q.Shutdown()
	assert.Equal(t, ErrQueueShutdown, <-errc)
}

func TestOrderedMergeQueue_ClosedOnlyAfterAllDone(t *testing.T) {
	q := NewOrderedMergeQueue(2, nil)
	require.NoError(t, q.Push(0, QueueItem{Kind: ItemRow, Row: rowBytes(1)}))
	q.Done(0)

	resultc := make(chan bool, 1)
	go func() {
		_, closed, err := q.Pop()
		require.NoError(t, err)
		resultc <- closed
	}()

	// producer 1 hasn't pushed or signaled done; pop must not resolve to
	// closed, since producer 0's item is still ready and must be delivered.
	require.NoError(t, q.Push(1, QueueItem{Kind: ItemRow, Row: rowBytes(2)}))
	closed := <-resultc
	assert.False(t, closed)
}
