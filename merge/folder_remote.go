package merge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ankitprabhu/viewmerge/errors"
)

// remoteRowStream is the decoded shape of a 200-response body from a remote
// merge endpoint: a streaming JSON object carrying total_rows, an array of
// rows, and optional out-of-band error/debug entries. It is decoded
// incrementally with json.Decoder.Token so rows are pushed to the OMQ as
// they arrive rather than buffered whole, bounding memory the way the
// partial-download window does on the transport side.
type remoteRowStream struct {
	dec *json.Decoder
}

// RemoteFolderWorker is a Folder Worker (§4.3) fed by POSTing the spec's
// EJSON body to another node's merge endpoint and incrementally decoding
// the chunked JSON response.
type RemoteFolderWorker struct {
	id     int
	client *http.Client
	spec   RemoteSpec
	params url.Values
	window int // partial-download window, in outstanding chunks
	queue  *OrderedMergeQueue
}

// NewRemoteFolderWorker builds a folder worker bound to producer slot id,
// POSTing against spec with the given client and query parameters. window
// bounds the number of HTTP response chunks read ahead of OMQ consumption.
func NewRemoteFolderWorker(id int, client *http.Client, spec RemoteSpec, params url.Values, window int, queue *OrderedMergeQueue) *RemoteFolderWorker {
	if window <= 0 {
		window = 3
	}
	return &RemoteFolderWorker{id: id, client: client, spec: spec, params: params, window: window, queue: queue}
}

func (w *RemoteFolderWorker) url() string {
	u := w.spec.URL
	if len(w.params) > 0 {
		if bytes.ContainsRune([]byte(u), '?') {
			u += "&" + w.params.Encode()
		} else {
			u += "?" + w.params.Encode()
		}
	}
	return u
}

// Run performs the remote merge request and feeds OMQ until the response
// is exhausted, an error is encountered, or the context is canceled. It
// always signals Done, and always drains the response body before
// returning so the connection is safe to return to the client's pool
// (§4.3 teardown invariant).
func (w *RemoteFolderWorker) Run(ctx context.Context) error {
	defer w.queue.Done(w.id)

	// Every failure from here on is this FW's own problem, not the whole
	// merge's: it is reported into the queue as an Error/sentinel item and
	// Run returns nil, so a single backing index's trouble never aborts
	// the rest of the merge (§7). Only teardown signals met while
	// streaming a 200 response (queue shutdown, context cancellation or
	// deadline) propagate past Run.
	body, merr := json.Marshal(w.spec.Body)
	if merr != nil {
		w.pushError(w.spec.URL, merr.Error())
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url(), bytes.NewReader(body))
	if err != nil {
		w.pushError(w.spec.URL, err.Error())
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.pushError(w.spec.URL, err.Error())
		return nil
	}
	defer func() {
		// Always empty the socket, even on an error exit, so the transport
		// can reuse the connection.
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		w.handleErrorResponse(resp)
		return nil
	}
	return w.streamRows(ctx, resp.Body)
}

func (w *RemoteFolderWorker) pushError(source, reason string) {
	_ = w.queue.Push(w.id, QueueItem{Kind: ItemError, Source: source, Reason: reason})
}

// handleErrorResponse drains a non-200 body as a single JSON object and
// translates {error, reason} per the remote FW error table, reporting the
// result into the queue as an Error/sentinel item. It never returns an
// error itself: a remote index's error reply is this FW's own outcome, not
// a transport failure, so it must not abort the rest of the merge (§7).
func (w *RemoteFolderWorker) handleErrorResponse(resp *http.Response) {
	raw, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		w.pushError(w.spec.URL, readErr.Error())
		return
	}

	var payload struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		w.pushError(w.spec.URL, string(raw))
		return
	}

	switch payload.Error {
	case "not_found":
		if payload.Reason != "missing" && payload.Reason != "deleted" {
			w.pushError(w.spec.URL, payload.Reason)
		} else {
			w.pushError(w.spec.URL, "not_found")
		}
	case "error":
		switch payload.Reason {
		case "revision_mismatch":
			_ = w.queue.Push(w.id, QueueItem{Kind: ItemRevisionMismatch})
		case "set_view_outdated":
			_ = w.queue.Push(w.id, QueueItem{Kind: ItemSetViewOutdated})
		default:
			w.pushError(w.spec.URL, payload.Reason)
		}
	default:
		w.pushError(w.spec.URL, fmt.Sprintf("%d: %s", resp.StatusCode, string(raw)))
	}
}

// streamRows decodes a 200-response body incrementally: {"total_rows":N,
// "rows":[...], "errors":[...], "debug_info":[...]}, keys in any order,
// pushing each element as it is parsed.
func (w *RemoteFolderWorker) streamRows(ctx context.Context, body io.Reader) error {
	dec := json.NewDecoder(bufio.NewReaderSize(body, 32*1024))

	tok, err := dec.Token()
	if err != nil {
		return w.reportDecodeErr(err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		w.pushError(w.spec.URL, "malformed response")
		return nil
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return w.reportDecodeErr(err)
		}
		key, _ := keyTok.(string)

		switch key {
		case "total_rows":
			var n uint64
			if err := dec.Decode(&n); err != nil {
				return w.reportDecodeErr(err)
			}
			if perr := w.queue.Push(w.id, QueueItem{Kind: ItemRowCount, Count: n}); perr != nil {
				return w.onPushErr(perr)
			}
		case "rows":
			if err := w.streamArray(ctx, dec, func(raw json.RawMessage) error {
				return w.queue.Push(w.id, QueueItem{Kind: ItemRow, Row: raw})
			}); err != nil {
				return w.reportDecodeErr(err)
			}
		case "errors":
			if err := w.streamArray(ctx, dec, func(raw json.RawMessage) error {
				var e struct{ Reason string `json:"reason"` }
				_ = json.Unmarshal(raw, &e)
				return w.queue.Push(w.id, QueueItem{Kind: ItemError, Source: w.spec.URL, Reason: e.Reason})
			}); err != nil {
				return w.reportDecodeErr(err)
			}
		case "debug_info":
			if err := w.streamArray(ctx, dec, func(raw json.RawMessage) error {
				return w.queue.Push(w.id, QueueItem{Kind: ItemDebugInfo, Source: w.spec.URL, Debug: raw})
			}); err != nil {
				return w.reportDecodeErr(err)
			}
		default:
			var discard json.RawMessage
			_ = dec.Decode(&discard)
		}
	}
	return nil
}

// reportDecodeErr distinguishes a torn/malformed response (this FW's own
// failure: report it and let the merge continue, §7) from a genuine
// teardown signal (queue shutdown or context cancellation), which must
// still propagate so runMergeSet's errgroup unwinds the other workers.
func (w *RemoteFolderWorker) reportDecodeErr(err error) error {
	if err == ErrQueueShutdown || err == context.Canceled || err == context.DeadlineExceeded {
		return err
	}
	w.pushError(w.spec.URL, err.Error())
	return nil
}

// streamArray reads the current token as the opening of a JSON array and
// invokes push for each element.
//
// Decoding runs on its own goroutine, handing decoded elements to this
// method over a channel buffered to w.window entries - the partial-download
// window (§4.3). That buffer is what actually bounds memory: it caps how
// many chunks the JSON decoder may read and hold before push (ultimately
// OMQ.Push) has drained the previous ones, independent of OMQ's own
// 1-in-flight-item-per-producer windowing. Without this split, the decoder
// could never read past the single chunk OMQ admits at a time, and the
// window would have no observable effect, which is the bug this replaces.
func (w *RemoteFolderWorker) streamArray(ctx context.Context, dec *json.Decoder, push func(json.RawMessage) error) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return errors.New(errors.CodeUnmappedStatus, "remote fw: expected array")
	}

	type chunk struct {
		raw json.RawMessage
		err error
	}
	ch := make(chan chunk, w.window)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		defer close(ch)
		for dec.More() {
			select {
			case <-done:
				return
			default:
			}
			var raw json.RawMessage
			if derr := dec.Decode(&raw); derr != nil {
				select {
				case ch <- chunk{err: derr}:
				case <-done:
				}
				return
			}
			select {
			case ch <- chunk{raw: raw}:
			case <-done:
				return
			}
		}
	}()
	// Signal the decode goroutine to stop and wait for it to actually exit
	// before returning, on every path: dec is not safe for concurrent use,
	// and the caller resumes reading the same decoder for the next object
	// key as soon as streamArray returns.
	defer func() {
		close(done)
		<-stopped
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-ch:
			if !ok {
				_, err = dec.Token() // consume closing ']'
				return err
			}
			if c.err != nil {
				return c.err
			}
			if err := push(c.raw); err != nil {
				return w.onPushErr(err)
			}
		}
	}
}

func (w *RemoteFolderWorker) onPushErr(err error) error {
	if err == ErrQueueShutdown {
		return ErrQueueShutdown
	}
	return err
}
