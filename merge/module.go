package merge

import "context"

// MergeFuns is the bundle an index module's make_funs returns to the Merge
// Coordinator for one query (§4.4 step 3). LessFun orders two rows from
// this index type; FoldFun folds one merged event with a caller-owned
// accumulator; MergeFun drives the Row Collector loop; CollectorFun builds
// the initial accumulator; Extra carries any module-specific context the
// other functions close over.
type MergeFuns struct {
	Less      Comparator
	Fold      Callback
	RunMerge  func(ctx context.Context, rc *RowCollector, acc interface{}) (Reply, error)
	Collector func() interface{}
	Extra     interface{}
}

// IndexModule is the capability dispatch point named in §6: a backing
// index type plugs into the Merge Coordinator by implementing this
// interface, the way a set-view, spatial index, or full-text index module
// each define their own ordering and folding behavior while sharing one
// coordinator implementation.
type IndexModule interface {
	// MakeFuns builds the per-query function bundle for ddoc/indexName.
	MakeFuns(ctx context.Context, ddoc *DesignDoc, indexName string, req *MergeRequest) (MergeFuns, error)

	// SimpleSetViewQuery serves the single-spec fast path (§4.4) directly,
	// bypassing the OMQ/FW machinery entirely.
	SimpleSetViewQuery(ctx context.Context, ddoc *DesignDoc, spec LocalSpec, req *MergeRequest) (Reply, error)
}

// DefaultRunMerge drives rc to completion; it is the RunMerge a module
// supplies when it has no custom merge-loop behavior beyond the standard
// Row Collector fold.
func DefaultRunMerge(ctx context.Context, rc *RowCollector, acc interface{}) (Reply, error) {
	return rc.Run(ctx, acc)
}
