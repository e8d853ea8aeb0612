package merge

import (
	"context"

	"github.com/ankitprabhu/viewmerge/errors"
)

// RowCollector drains an OrderedMergeQueue in merged order and folds each
// item into the caller's Callback, applying Skip/Limit and translating
// sentinel items into terminal errors (§4.2).
type RowCollector struct {
	queue      *OrderedMergeQueue
	preprocess Preprocess
	callback   Callback

	skip  int
	limit int
}

// NewRowCollector builds a collector over queue for req.
func NewRowCollector(queue *OrderedMergeQueue, req *MergeRequest) *RowCollector {
	return &RowCollector{
		queue:      queue,
		preprocess: req.Preprocess,
		callback:   req.Callback,
		skip:       req.Skip,
		limit:      req.Limit,
	}
}

// Run folds the merged stream into acc until the queue closes, the callback
// stops, the limit is reached, or ctx is canceled.
//
// Per §4.2, the collector begins in count mode: it expects a RowCount
// sentinel from every one of the queue's producers and accumulates their
// sum as the eventual {start, total} event. Count mode ends - and Start
// fires - once every producer's count has arrived or the first row does,
// whichever is first. Because OMQ's sentinel precedence (§4.1) sorts Error
// and DebugInfo ahead of RowCount, either can be popped before a producer's
// own count; delivering them immediately would emit them ahead of - or
// instead of - a correct Start total. So any Error/DebugInfo/preprocess
// failure seen while still in count mode is held back, and replayed in
// arrival order right before the stream ends, matching §8 scenario 2's
// `{start, count_A}` -> A's rows -> `{error, ...}` -> `stop` sequence.
func (c *RowCollector) Run(ctx context.Context, acc interface{}) (Reply, error) {
	var (
		total         uint64
		pendingCounts = c.queue.Producers()
		deferred      []Event
		delivered     int
		skipped       int
		startSent     bool
	)

	deliver := func(ev Event) (stop bool, reply interface{}) {
		var s bool
		var r interface{}
		acc, s, r = c.callback(ctx, ev, acc)
		return s, r
	}

	// start fires the one-time {start, total} event. Safe to call more
	// than once per item; only the first call after construction does
	// anything.
	start := func() (stop bool, reply interface{}) {
		if startSent {
			return false, nil
		}
		startSent = true
		return deliver(Event{Kind: EventStart, Total: total})
	}

	flushDeferred := func() (stop bool, reply interface{}) {
		for _, ev := range deferred {
			if s, r := deliver(ev); s {
				return true, r
			}
		}
		deferred = nil
		return false, nil
	}

	finish := func() (Reply, error) {
		if stop, reply := start(); stop {
			return Reply{Acc: acc, Value: reply}, nil
		}
		if stop, reply := flushDeferred(); stop {
			return Reply{Acc: acc, Value: reply}, nil
		}
		_, reply := deliver(Event{Kind: EventStop})
		return Reply{Acc: acc, Value: reply}, nil
	}

	// countMode reports whether ev should be held back rather than
	// delivered immediately, per the doc comment above.
	countMode := func() bool {
		return !startSent && pendingCounts > 0
	}

	for {
		select {
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		default:
		}

		item, closed, err := c.queue.Pop()
		if err != nil {
			return Reply{}, err
		}
		if closed {
			return finish()
		}

		switch item.Kind {
		case ItemRevisionMismatch:
			return Reply{}, errors.New(errors.CodeRevisionMismatch, "revision mismatch")
		case ItemSetViewOutdated:
			return Reply{}, errors.New(errors.CodeSetViewOutdated, "set view outdated")
		case ItemRowCount:
			if pendingCounts > 0 {
				pendingCounts--
			}
			total += item.Count
			continue
		case ItemError:
			ev := Event{Kind: EventError, Source: item.Source, Reason: item.Reason}
			if countMode() {
				deferred = append(deferred, ev)
				continue
			}
			if stop, reply := start(); stop {
				return Reply{Acc: acc, Value: reply}, nil
			}
			if stop, reply := deliver(ev); stop {
				return Reply{Acc: acc, Value: reply}, nil
			}
		case ItemDebugInfo:
			ev := Event{Kind: EventDebugInfo, Source: item.Source, Debug: item.Debug}
			if countMode() {
				deferred = append(deferred, ev)
				continue
			}
			if stop, reply := start(); stop {
				return Reply{Acc: acc, Value: reply}, nil
			}
			if stop, reply := deliver(ev); stop {
				return Reply{Acc: acc, Value: reply}, nil
			}
		case ItemRow:
			if skipped < c.skip {
				skipped++
				if stop, reply := start(); stop {
					return Reply{Acc: acc, Value: reply}, nil
				}
				continue
			}
			// Limit == 0 means zero rows, matching CouchDB/Couchbase
			// limit=0 semantics; a negative Limit is the sentinel for
			// unbounded. A row arriving once the limit is used up halts the
			// merge as if the queue had closed: finish still sends Start
			// (this row ends count mode), the deferred events, and Stop.
			if c.limit == 0 || (c.limit > 0 && delivered >= c.limit) {
				return finish()
			}
			row := item.Row
			if c.preprocess != nil {
				var perr error
				row, perr = c.preprocess(row)
				if perr != nil {
					ev := Event{Kind: EventError, Reason: perr.Error()}
					if countMode() {
						deferred = append(deferred, ev)
						continue
					}
					if stop, reply := start(); stop {
						return Reply{Acc: acc, Value: reply}, nil
					}
					if stop, reply := deliver(ev); stop {
						return Reply{Acc: acc, Value: reply}, nil
					}
					continue
				}
			}
			delivered++
			if stop, reply := start(); stop {
				return Reply{Acc: acc, Value: reply}, nil
			}
			if stop, reply := deliver(Event{Kind: EventRow, Row: row}); stop {
				return Reply{Acc: acc, Value: reply}, nil
			}
		}
	}
}
