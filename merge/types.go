// Package merge implements the Index Merger Core: a scatter/gather engine
// that fans a single index query out to N backing indexes, merges their row
// streams in order, enforces skip/limit, and returns a merged stream to a
// caller.
//
// The design follows the worker-pool/channel idioms of the executor's
// mapReduce (fan out per shard/node, fan in through a single channel,
// reduce under a cancelable context) generalized from "shards on nodes" to
// "backing indexes behind a comparator-ordered merge".
package merge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/url"
	"time"
)

// Row is an opaque ordered record produced by a backing index. The merge
// queue never inspects a Row's contents directly; it only ever compares two
// rows through a caller-supplied Comparator.
type Row = json.RawMessage

// Comparator reports whether a sorts strictly before b. A nil Comparator
// means the backing index type does not define an order (e.g. a spatial /
// bounding-box index); see entryHeap.Less in queue.go for how the merge
// queue handles that case.
type Comparator func(a, b Row) bool

// ItemKind identifies the variant carried by a QueueItem.
type ItemKind int

const (
	ItemRow ItemKind = iota
	ItemRowCount
	ItemError
	ItemDebugInfo
	ItemRevisionMismatch
	ItemSetViewOutdated
	ItemClosed
)

// QueueItem is the tagged union pushed into the Ordered Merge Queue by a
// Folder Worker and popped, in merged order, by the Merge Coordinator.
type QueueItem struct {
	Kind ItemKind

	Row   Row    // ItemRow
	Count uint64 // ItemRowCount

	Source string // ItemError, ItemDebugInfo: identifies the backing index
	Reason string // ItemError

	Debug json.RawMessage // ItemDebugInfo
}

// Revision identifies a design-document revision a caller wishes to pin a
// query against. The zero value is not valid; use AutoRevision or
// FixedRevision.
type Revision struct {
	auto  bool
	value string
}

// AutoRevision accepts whatever revision the authoritative store currently has.
func AutoRevision() Revision { return Revision{auto: true} }

// FixedRevision pins the query to a concrete revision string.
func FixedRevision(v string) Revision { return Revision{value: v} }

func (r Revision) IsAuto() bool { return r.auto }

// Matches reports whether the resolved document revision satisfies r.
func (r Revision) Matches(resolved string) bool {
	return r.auto || r.value == resolved
}

// DesignDoc is a versioned server-side artifact describing a view/index.
type DesignDoc struct {
	ID       string
	Revision string
	Body     json.RawMessage
}

// IndexSpec identifies one backing index contributing rows to a merge.
// It is either Local (served by the process's own set-view machinery) or
// Remote (served by POSTing to another node's merge endpoint).
type IndexSpec struct {
	Local  *LocalSpec
	Remote *RemoteSpec
}

// LocalSpec addresses a set-view hosted by this process.
type LocalSpec struct {
	SetName  string
	DDocID   string
	ViewName string
}

// EJSONBody is the flat, typed request body sent to a remote merge
// endpoint. Per the design notes, this is deliberately a typed record with
// the spec's well-known keys called out, converted to/from a map only at
// the HTTP boundary, rather than carried internally as an untyped map.
type EJSONBody struct {
	// DDocRevision, when non-empty, is sent as ddoc_revision. Neither the
	// Coordinator nor the remote Folder Worker fills it in; the body carries
	// whatever the caller set on the spec.
	DDocRevision string `json:"ddoc_revision,omitempty"`
	// Spec is the backing index's own opaque query specification.
	Spec json.RawMessage `json:"ejson_spec"`
	// Passthrough carries any additional well-known keys the index module
	// contract wants forwarded verbatim. Folded into the same JSON object
	// as DDocRevision/Spec by MarshalJSON below.
	Passthrough map[string]json.RawMessage
}

// MarshalJSON flattens Passthrough alongside the named fields.
func (b EJSONBody) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(b.Passthrough)+2)
	for k, v := range b.Passthrough {
		m[k] = v
	}
	if b.DDocRevision != "" {
		raw, _ := json.Marshal(b.DDocRevision)
		m["ddoc_revision"] = raw
	}
	if b.Spec != nil {
		m["ejson_spec"] = b.Spec
	}
	return json.Marshal(m)
}

// RemoteSpec addresses a backing index served by another node over HTTP.
type RemoteSpec struct {
	URL     string
	Body    EJSONBody
	SSL     *tls.Config
	Headers map[string]string
}

// EventKind tags the variant delivered to a caller Callback.
type EventKind int

const (
	EventStart EventKind = iota
	EventRow
	EventError
	EventDebugInfo
	EventStop
)

// Event is one value delivered to the caller's Callback.
type Event struct {
	Kind EventKind

	Total uint64 // EventStart
	Row   Row    // EventRow

	Source string // EventError, EventDebugInfo
	Reason string // EventError

	Debug json.RawMessage // EventDebugInfo
}

// Callback folds merged events into a caller-owned accumulator. Returning
// stop=true halts the merge; reply becomes the query's return value.
type Callback func(ctx context.Context, ev Event, acc interface{}) (nextAcc interface{}, stop bool, reply interface{})

// Preprocess transforms a raw Row before it reaches the Callback. A nil
// Preprocess passes rows through unchanged.
type Preprocess func(Row) (Row, error)

// MergeRequest is the immutable configuration for one query.
type MergeRequest struct {
	Specs []IndexSpec

	DesiredRevision Revision
	HTTPParams      url.Values

	Skip int

	// Limit caps the number of rows delivered after Skip is applied. Zero
	// means zero rows (matching CouchDB/Couchbase limit=0); negative means
	// unbounded.
	Limit int

	ConnectTimeout time.Duration

	Callback   Callback
	Preprocess Preprocess
	Acc        interface{}

	StartTime time.Time
}

// Reply is the terminal result of a merge query.
type Reply struct {
	Acc   interface{}
	Value interface{}
}

// StatsObserver records per-query timing. The core does not own the
// storage for these measurements; see stats.go for the Prometheus-backed and
// no-op implementations.
type StatsObserver interface {
	Record(ddocID, indexName string, elapsed time.Duration)
}
