package merge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushRows(t *testing.T, q *OrderedMergeQueue, producer int, rows ...string) {
	t.Helper()
	for _, r := range rows {
		require.NoError(t, q.Push(producer, QueueItem{Kind: ItemRow, Row: Row(r)}))
	}
	q.Done(producer)
}

func collectAll(t *testing.T, rc *RowCollector) []string {
	t.Helper()
	var got []string
	cb := func(ctx context.Context, ev Event, acc interface{}) (interface{}, bool, interface{}) {
		if ev.Kind == EventRow {
			got = append(got, string(ev.Row))
		}
		return acc, false, nil
	}
	rc.callback = cb
	_, err := rc.Run(context.Background(), nil)
	require.NoError(t, err)
	return got
}

func TestRowCollector_DeliversAllRows(t *testing.T) {
	q := NewOrderedMergeQueue(1, nil)
	go pushRows(t, q, 0, `"a"`, `"b"`, `"c"`)

	rc := NewRowCollector(q, &MergeRequest{Limit: -1})
	got := collectAll(t, rc)
	assert.Equal(t, []string{`"a"`, `"b"`, `"c"`}, got)
}

func TestRowCollector_ZeroLimitReturnsNoRows(t *testing.T) {
	q := NewOrderedMergeQueue(1, nil)
	go func() {
		require.NoError(t, q.Push(0, QueueItem{Kind: ItemRowCount, Count: 3}))
		pushRows(t, q, 0, `"a"`, `"b"`, `"c"`)
	}()

	var started bool
	var total uint64
	got := []string{}
	rc := NewRowCollector(q, &MergeRequest{Limit: 0})
	rc.callback = func(ctx context.Context, ev Event, acc interface{}) (interface{}, bool, interface{}) {
		switch ev.Kind {
		case EventStart:
			started = true
			total = ev.Total
		case EventRow:
			got = append(got, string(ev.Row))
		}
		return acc, false, nil
	}
	_, err := rc.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, uint64(3), total)
	assert.Empty(t, got)
}

func TestRowCollector_SkipAndLimit(t *testing.T) {
	q := NewOrderedMergeQueue(1, nil)
	go pushRows(t, q, 0, `"a"`, `"b"`, `"c"`, `"d"`, `"e"`)

	rc := NewRowCollector(q, &MergeRequest{Skip: 1, Limit: 2})
	got := collectAll(t, rc)
	assert.Equal(t, []string{`"b"`, `"c"`}, got)
}

func TestRowCollector_StopHaltsEarly(t *testing.T) {
	q := NewOrderedMergeQueue(1, nil)
	go pushRows(t, q, 0, `"a"`, `"b"`, `"c"`)

	var got []string
	cb := func(ctx context.Context, ev Event, acc interface{}) (interface{}, bool, interface{}) {
		if ev.Kind == EventRow {
			got = append(got, string(ev.Row))
			if len(got) == 2 {
				return acc, true, "stopped"
			}
		}
		return acc, false, nil
	}
	rc := NewRowCollector(q, &MergeRequest{Limit: -1, Callback: cb})
	reply, err := rc.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{`"a"`, `"b"`}, got)
	assert.Equal(t, "stopped", reply.Value)
}

// TestRowCollector_DefersEarlyErrorUntilAfterRows exercises §8 scenario 2
// directly against the OMQ: producer 1 contributes only an Error (no
// RowCount) and finishes immediately, racing producer 0's RowCount. OMQ's
// sentinel precedence (§4.1) pops that Error before producer 0's RowCount,
// so without count-mode gating the collector would report {start, total=0}
// ahead of producer 0's rows.
func TestRowCollector_DefersEarlyErrorUntilAfterRows(t *testing.T) {
	q := NewOrderedMergeQueue(2, func(a, b Row) bool { return string(a) < string(b) })

	go func() {
		require.NoError(t, q.Push(1, QueueItem{Kind: ItemError, Source: "remote", Reason: "boom"}))
		q.Done(1)
	}()
	go func() {
		require.NoError(t, q.Push(0, QueueItem{Kind: ItemRowCount, Count: 2}))
		pushRows(t, q, 0, `"a"`, `"c"`)
	}()

	var seq []string
	var total uint64
	rc := NewRowCollector(q, &MergeRequest{Limit: -1})
	rc.callback = func(ctx context.Context, ev Event, acc interface{}) (interface{}, bool, interface{}) {
		switch ev.Kind {
		case EventStart:
			seq = append(seq, "start")
			total = ev.Total
		case EventRow:
			seq = append(seq, "row")
		case EventError:
			seq = append(seq, "error")
		}
		return acc, false, nil
	}

	_, err := rc.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "row", "row", "error"}, seq)
	assert.Equal(t, uint64(2), total)
}

func TestRowCollector_RevisionMismatchPropagates(t *testing.T) {
	q := NewOrderedMergeQueue(1, nil)
	go func() {
		require.NoError(t, q.Push(0, QueueItem{Kind: ItemRevisionMismatch}))
		q.Done(0)
	}()

	rc := NewRowCollector(q, &MergeRequest{Callback: func(ctx context.Context, ev Event, acc interface{}) (interface{}, bool, interface{}) {
		return acc, false, nil
	}})
	_, err := rc.Run(context.Background(), nil)
	require.Error(t, err)
}
