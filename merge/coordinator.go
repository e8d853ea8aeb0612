package merge

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"

	"github.com/ankitprabhu/viewmerge/errors"
	"github.com/ankitprabhu/viewmerge/logger"
	"github.com/ankitprabhu/viewmerge/tracing"
)

// defaultHTTPClient retries idempotent remote-FW requests (connection
// resets, 5xx) a bounded number of times before the error reaches the
// Folder Worker's own error-translation table.
func defaultHTTPClient() *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil
	return rc.StandardClient()
}

// errRetry is the internal control-flow signal used between a single
// attempt and the Coordinator's retry loop (§4.4): it never escapes Query.
var errRetry = errors.New(errors.CodeRevisionSyncFailed, "retry")

// Coordinator is the Merge Coordinator (§4.4): it resolves the head
// design document, enforces the revision gate, builds the Ordered Merge
// Queue, spawns one Folder Worker per spec, and drains the merged stream
// through a Row Collector - retrying on revision races and falling back to
// a single-spec fast path when there is only one local spec to serve.
type Coordinator struct {
	Docs   DesignDocStore
	Module IndexModule
	HTTP   *http.Client
	Stats  StatsObserver
	Logger logger.Logger

	MaxRetries            int
	RetryInterval         time.Duration
	PartialDownloadWindow int
}

// NewCoordinator returns a Coordinator with the defaults named in §6
// Configuration (30 retries, 1s retry interval, 3-chunk download window).
func NewCoordinator(docs DesignDocStore, module IndexModule) *Coordinator {
	return &Coordinator{
		Docs:                  docs,
		Module:                module,
		HTTP:                  defaultHTTPClient(),
		Stats:                 NopStatsObserver{},
		Logger:                logger.NopLogger,
		MaxRetries:            30,
		RetryInterval:         time.Second,
		PartialDownloadWindow: 3,
	}
}

// Query is the MC's public entry point (§4.4).
func (c *Coordinator) Query(ctx context.Context, db, ddocID, indexName string, req *MergeRequest) (Reply, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "Coordinator.Query")
	defer span.Finish()

	queryID := uuid.New().String()
	span.LogKV("query_id", queryID, "ddoc", ddocID, "index", indexName)
	c.Logger.Debugf("merge query %s: ddoc=%s index=%s specs=%d", queryID, ddocID, indexName, len(req.Specs))

	start := req.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	defer func() {
		c.Stats.Record(ddocID, indexName, time.Since(start))
	}()

	var reply Reply
	var err error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		reply, err = c.attempt(ctx, db, ddocID, indexName, req)
		if err == nil || err != errRetry {
			return reply, err
		}
		select {
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		case <-time.After(c.RetryInterval):
		}
	}
	return Reply{}, errors.New(errors.CodeRevisionSyncFailed, "revision_sync_failed")
}

// attempt runs one full pass of the §4.4 state machine.
func (c *Coordinator) attempt(ctx context.Context, db, ddocID, indexName string, req *MergeRequest) (Reply, error) {
	ddoc, err := c.Docs.Head(ctx, db, ddocID)
	if err != nil {
		return Reply{}, err
	}

	if !req.DesiredRevision.IsAuto() && !req.DesiredRevision.Matches(ddoc.Revision) {
		return Reply{}, errors.New(errors.CodeRevisionMismatch, "revision_mismatch")
	}

	if spec, ok := singleLocalSpec(req.Specs); ok {
		return c.Module.SimpleSetViewQuery(ctx, ddoc, spec, req)
	}

	funs, err := c.Module.MakeFuns(ctx, ddoc, indexName, req)
	if err != nil {
		return Reply{}, err
	}

	reply, err := c.runMergeSet(ctx, funs, req)
	switch {
	case err == nil:
		return reply, nil
	case errors.RevisionMismatch(err):
		if req.DesiredRevision.IsAuto() {
			return Reply{}, errRetry
		}
		return Reply{}, err
	default:
		return Reply{}, err
	}
}

// singleLocalSpec reports whether specs names exactly one local set-view,
// the precondition for the §4.4 single-spec fast path.
func singleLocalSpec(specs []IndexSpec) (LocalSpec, bool) {
	if len(specs) != 1 || specs[0].Local == nil {
		return LocalSpec{}, false
	}
	return *specs[0].Local, true
}

// runMergeSet builds the OMQ, spawns a Folder Worker per spec under an
// errgroup so that the failure of any one worker cancels the rest, and
// drains the merged stream through a Row Collector. Cleanup - queue
// shutdown and waiting out every worker - always runs, even when the
// collector itself returns an error (§4.4 step 7).
func (c *Coordinator) runMergeSet(ctx context.Context, funs MergeFuns, req *MergeRequest) (Reply, error) {
	n := len(req.Specs)
	queue := NewOrderedMergeQueue(n, funs.Less)

	eg, egCtx := errgroup.WithContext(ctx)
	for i, spec := range req.Specs {
		i, spec := i, spec
		eg.Go(func() error {
			return c.runFolderWorker(egCtx, i, spec, req, queue)
		})
	}

	rc := NewRowCollector(queue, req)
	if rc.callback == nil {
		rc.callback = funs.Fold
	}
	runMerge := funs.RunMerge
	if runMerge == nil {
		runMerge = DefaultRunMerge
	}

	acc := req.Acc
	if acc == nil && funs.Collector != nil {
		acc = funs.Collector()
	}

	reply, runErr := runMerge(egCtx, rc, acc)

	queue.Shutdown()
	waitErr := eg.Wait()

	if runErr != nil {
		return Reply{}, runErr
	}
	if waitErr != nil && !errors.QueueShutdown(waitErr) {
		return Reply{}, waitErr
	}
	return reply, nil
}

func (c *Coordinator) runFolderWorker(ctx context.Context, id int, spec IndexSpec, req *MergeRequest, queue *OrderedMergeQueue) error {
	switch {
	case spec.Local != nil:
		localModule, ok := c.Module.(interface {
			LocalIndex() LocalIndex
		})
		if !ok {
			return errors.Errorf("index module does not support local specs")
		}
		w := NewLocalFolderWorker(id, localModule.LocalIndex(), *spec.Local, queue)
		return w.Run(ctx)
	case spec.Remote != nil:
		w := NewRemoteFolderWorker(id, c.HTTP, *spec.Remote, req.HTTPParams, c.PartialDownloadWindow, queue)
		return w.Run(ctx)
	default:
		return errors.Errorf("index spec names neither a local nor remote target")
	}
}
