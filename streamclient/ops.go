package streamclient

import (
	"context"
	"encoding/binary"
	"strconv"

	"github.com/ankitprabhu/viewmerge/errors"
	"github.com/ankitprabhu/viewmerge/protocol"
)

// AddStream opens a partition stream covering [startSeq, endSeq) at
// partitionVer, registering a StreamQueue for its events and returning the
// opaque id the stream is known by along with the failover log carried on
// a successful add_stream reply, {failoverlog, log} per §4.6/§4.7.
func (c *Client) AddStream(ctx context.Context, partition uint16, partitionVer uint16, startSeq, endSeq uint64) (uint32, []protocol.FailoverEntry, error) {
	id := c.opaque.alloc()
	q := NewStreamQueue()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, nil, errors.New(errors.CodeClosed, "closed")
	}
	if _, exists := c.byPart[partition]; exists {
		c.mu.Unlock()
		return 0, nil, errors.New(errors.CodeStreamAlreadyExists, "vbucket_stream_already_exists")
	}
	ch := make(chan protocol.DecodedFrame, 1)
	c.pending[id] = ch
	c.streams[id] = q
	c.byPart[partition] = id
	c.mu.Unlock()

	h, extras, key, value := protocol.StreamRequest(id, partition, protocol.StreamRequestExtras{
		PartitionVer: partitionVer,
		StartSeqNo:   startSeq,
		EndSeqNo:     endSeq,
	})
	if err := c.fw.WriteFrame(h, extras, key, value); err != nil {
		c.removeStreamState(partition, id)
		return 0, nil, err
	}
	if err := c.fw.Flush(); err != nil {
		c.removeStreamState(partition, id)
		return 0, nil, err
	}

	select {
	case <-ctx.Done():
		c.removeStreamState(partition, id)
		return 0, nil, ctx.Err()
	case resp := <-ch:
		if resp.Status == protocol.StatusRollback {
			c.removeStreamState(partition, id)
			var rollbackTo uint64
			if len(resp.Raw.Value) >= 8 {
				rollbackTo = binary.BigEndian.Uint64(resp.Raw.Value)
			}
			return 0, nil, rollbackError(rollbackTo)
		}
		if resp.Status == protocol.StatusKeyNotFound {
			c.removeStreamState(partition, id)
			return 0, nil, errors.New(errors.CodeWrongPartitionVersion, "wrong_partition_version")
		}
		if resp.Status != protocol.StatusOK {
			c.removeStreamState(partition, id)
			return 0, nil, protocol.StatusError(resp.Raw.Opcode, resp.Status)
		}
		return id, resp.Failover, nil
	case <-c.rwDone:
		return 0, nil, c.terminalError()
	}
}

func (c *Client) removeStreamState(partition uint16, id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	delete(c.streams, id)
	delete(c.byPart, partition)
	c.mu.Unlock()
}

// RemoveStream closes an open partition stream (§4.6 remove_stream).
func (c *Client) RemoveStream(ctx context.Context, partition uint16) error {
	c.mu.Lock()
	id, ok := c.byPart[partition]
	c.mu.Unlock()
	if !ok {
		return errors.New(errors.CodeStreamNotFound, "vbucket_stream_not_found")
	}

	_, err := c.call(ctx, func(reqID uint32) (protocol.Header, []byte, []byte, []byte) {
		return protocol.StreamClose(reqID, partition)
	})

	c.mu.Lock()
	q := c.streams[id]
	delete(c.streams, id)
	delete(c.byPart, partition)
	c.mu.Unlock()

	// A waiter blocked in GetStreamEvent must see a successful stream_end
	// delivery, not a vbucket_stream_not_found error (§8 scenario 6), so
	// push the synthetic event before tearing the queue down.
	if q != nil {
		q.Push(protocol.DecodedFrame{Kind: protocol.KindStreamEnd, Partition: partition, RequestID: id})
		q.Close()
	}

	return err
}

// GetStreamEvent blocks until the next event arrives on partition's
// stream, or returns an error once the stream is closed or the client is
// torn down (§4.6 get_stream_event).
func (c *Client) GetStreamEvent(ctx context.Context, partition uint16) (protocol.DecodedFrame, error) {
	c.mu.Lock()
	id, ok := c.byPart[partition]
	var q *StreamQueue
	if ok {
		q = c.streams[id]
	}
	c.mu.Unlock()
	if !ok || q == nil {
		return protocol.DecodedFrame{}, errors.New(errors.CodeStreamNotFound, "vbucket_stream_not_found")
	}

	type result struct {
		ev protocol.DecodedFrame
		ok bool
	}
	resc := make(chan result, 1)
	go func() {
		ev, ok := q.Pop()
		resc <- result{ev, ok}
	}()

	select {
	case <-ctx.Done():
		return protocol.DecodedFrame{}, ctx.Err()
	case r := <-resc:
		if !r.ok {
			return protocol.DecodedFrame{}, errors.New(errors.CodeStreamNotFound, "vbucket_stream_not_found")
		}
		if r.ev.Kind == protocol.KindStreamEnd {
			// Receiving stream_end removes the StreamQueue (§8 invariant
			// 7): a later get_stream_event on this partition must see
			// vbucket_stream_not_found rather than block forever on a
			// queue nothing will ever push to again.
			c.removeStreamState(partition, id)
		}
		return r.ev, nil
	}
}

// ListStreams reports the partitions with an open stream.
func (c *Client) ListStreams() []uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint16, 0, len(c.byPart))
	for p := range c.byPart {
		out = append(out, p)
	}
	return out
}

// GetSequenceNumber issues a stats request for partition and parses its
// single known stat (§4.6 get_sequence_number).
func (c *Client) GetSequenceNumber(ctx context.Context, partition uint16) (uint64, error) {
	resp, err := c.call(ctx, func(id uint32) (protocol.Header, []byte, []byte, []byte) {
		return protocol.SeqStatRequest(id, partition)
	})
	if err != nil {
		if resp.Status == protocol.StatusNotMyVBucket {
			return 0, errors.New(errors.CodeStreamNotFound, "not_my_vbucket")
		}
		return 0, err
	}
	n, perr := strconv.ParseUint(string(resp.Raw.Value), 10, 64)
	if perr != nil {
		return 0, errors.Wrap(perr, "parsing sequence-number stat")
	}
	return n, nil
}

// GetFailoverLog fetches and validates the failover log for partition,
// rejecting logs larger than the configured maximum (§4.6
// get_failover_log).
func (c *Client) GetFailoverLog(ctx context.Context, partition uint16) ([]protocol.FailoverEntry, error) {
	resp, err := c.call(ctx, func(id uint32) (protocol.Header, []byte, []byte, []byte) {
		return protocol.FailoverLogRequest(id, partition)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Failover) == 0 {
		return nil, errors.New(errors.CodeNoFailoverLogFound, "no_failover_log_found")
	}
	if c.maxFailoverLogSize > 0 && len(resp.Failover) > c.maxFailoverLogSize {
		return nil, errors.New(errors.CodeTooLargeFailoverLog, "too_large_failover_log")
	}
	return resp.Failover, nil
}

// rollbackResult is returned by EnumDocsSince when every partition
// version is exhausted without success, signaling the caller to rebuild
// its state from scratch at sequence 0.
type rollbackResult struct {
	SeqNo uint64
}

func (r rollbackResult) Error() string {
	return "rollback"
}

func rollbackError(seq uint64) error { return rollbackResult{SeqNo: seq} }

// IsRollback reports whether err is a rollback signal and, if so, the
// sequence number to roll back to.
func IsRollback(err error) (uint64, bool) {
	r, ok := err.(rollbackResult)
	return r.SeqNo, ok
}

// EnumDocsSince drives a partition stream end to end: it tries each
// partition version in order, falling through to the next on
// wrong_partition_version, invoking fold for every mutation/deletion
// event (skipping snapshot markers) until stream_end, and returning
// rollbackError once every version is exhausted (§4.6 enum_docs_since).
// A failover log longer than the configured maximum closes the stream and
// ends the call with too_large_failover_log.
// The returned failover log is the one carried on the add_stream reply
// that the successful version opened with.
func (c *Client) EnumDocsSince(ctx context.Context, partition uint16, versions []uint16, startSeq, endSeq uint64, fold func(protocol.DecodedFrame, interface{}) interface{}, acc interface{}) (interface{}, []protocol.FailoverEntry, error) {
	for _, ver := range versions {
		_, failover, err := c.AddStream(ctx, partition, ver, startSeq, endSeq)
		if err != nil {
			if errors.Is(err, errors.CodeWrongPartitionVersion) {
				continue
			}
			if _, isRollback := IsRollback(err); isRollback {
				continue
			}
			return acc, nil, err
		}
		if c.maxFailoverLogSize > 0 && len(failover) > c.maxFailoverLogSize {
			_ = c.RemoveStream(ctx, partition)
			return acc, nil, errors.New(errors.CodeTooLargeFailoverLog, "too_large_failover_log")
		}

		for {
			ev, err := c.GetStreamEvent(ctx, partition)
			if err != nil {
				return acc, nil, err
			}
			switch ev.Kind {
			case protocol.KindMutation, protocol.KindDeletion, protocol.KindExpiration:
				acc = fold(ev, acc)
			case protocol.KindSnapshotMarker:
				// skipped per the fold contract
			case protocol.KindStreamEnd:
				return acc, failover, nil
			}
		}
	}
	return acc, nil, rollbackError(0)
}
