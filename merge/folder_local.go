package merge

import (
	"context"
)

// LocalIndex is the capability a backing index module exposes to a Local
// Folder Worker: stream rows for spec (§4.3, §6 index module contract).
// Skip/limit are applied by the Row Collector, not here. An implementation
// lives in the index module's own package; merge only depends on this
// narrow interface.
type LocalIndex interface {
	// Resolve returns the current revision for spec. The Merge
	// Coordinator's revision gate does not call it; it reads the design
	// document from its DesignDocStore.
	Resolve(ctx context.Context, spec LocalSpec) (revision string, err error)

	// Stream invokes emit once per row in ascending index order, then
	// returns. emit returning a non-nil error aborts the stream early with
	// that error. Stream may emit a final row count via emitCount before
	// returning, at any point in the sequence.
	Stream(ctx context.Context, spec LocalSpec, emit func(Row) error, emitCount func(uint64)) error
}

// LocalFolderWorker is a Folder Worker (§4.3) fed directly by an in-process
// LocalIndex, with no network hop.
type LocalFolderWorker struct {
	id    int
	index LocalIndex
	spec  LocalSpec
	queue *OrderedMergeQueue
}

// NewLocalFolderWorker builds a folder worker bound to producer slot id.
func NewLocalFolderWorker(id int, index LocalIndex, spec LocalSpec, queue *OrderedMergeQueue) *LocalFolderWorker {
	return &LocalFolderWorker{id: id, index: index, spec: spec, queue: queue}
}

// Run streams spec's rows into the queue until the stream ends, the
// context is canceled, or the queue is shut down out from under it. It
// always calls Done on the queue before returning, satisfying the socket
// lifecycle invariant that every producer eventually signals completion.
func (w *LocalFolderWorker) Run(ctx context.Context) error {
	defer w.queue.Done(w.id)

	emit := func(row Row) error {
		return w.queue.Push(w.id, QueueItem{Kind: ItemRow, Row: row})
	}
	emitCount := func(n uint64) {
		_ = w.queue.Push(w.id, QueueItem{Kind: ItemRowCount, Count: n})
	}

	if err := w.index.Stream(ctx, w.spec, emit, emitCount); err != nil {
		if err == ErrQueueShutdown {
			return nil
		}
		// The failure is now visible to the caller through the collector as
		// an Error item; it does not abort the rest of the merge (§7).
		_ = w.queue.Push(w.id, QueueItem{Kind: ItemError, Source: w.spec.DDocID + "/" + w.spec.ViewName, Reason: err.Error()})
		return nil
	}
	return nil
}
