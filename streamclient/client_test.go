package streamclient

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ankitprabhu/viewmerge/protocol"
)

func encodeFailoverLog(entries []protocol.FailoverEntry) []byte {
	buf := make([]byte, 16*len(entries))
	for i, e := range entries {
		off := i * 16
		binary.BigEndian.PutUint64(buf[off:off+8], e.VBucketUUID)
		binary.BigEndian.PutUint64(buf[off+8:off+16], e.SeqNo)
	}
	return buf
}

// fakeServer answers the handshake and stream-request frames a Client
// sends, and can push event frames onto an open stream on demand.
type fakeServer struct {
	fr *protocol.FrameReader
	fw *protocol.FrameWriter
}

func newFakeServer(conn net.Conn) *fakeServer {
	return &fakeServer{
		fr: protocol.NewFrameReader(bufio.NewReader(conn)),
		fw: protocol.NewFrameWriter(bufio.NewWriter(conn)),
	}
}

func (s *fakeServer) respondOK(req protocol.Frame, value []byte) error {
	h := protocol.Header{
		Magic:     protocol.MagicResponse,
		Opcode:    req.Opcode,
		RequestID: req.RequestID,
		Status:    protocol.StatusOK,
	}
	if err := s.fw.WriteFrame(h, nil, nil, value); err != nil {
		return err
	}
	return s.fw.Flush()
}

// pushEvent sends an event frame tagged with requestID, the opaque id the
// server associates with the stream it belongs to - the field dispatch()
// actually keys off (§4.7), independent of whichever stream currently owns
// the partition.
func (s *fakeServer) pushEvent(opcode protocol.Opcode, partition uint16, requestID uint32, extras, key, value []byte) error {
	h := protocol.Header{Magic: protocol.MagicResponse, Opcode: opcode, Partition: partition, RequestID: requestID}
	if err := s.fw.WriteFrame(h, extras, key, value); err != nil {
		return err
	}
	return s.fw.Flush()
}

func startFakeConversation(t *testing.T, server *fakeServer, partition uint16) {
	t.Helper()
	go func() {
		// SASL auth
		f, err := server.fr.ReadFrame()
		if err != nil {
			return
		}
		if err := server.respondOK(f, nil); err != nil {
			return
		}
		// open-connection
		f, err = server.fr.ReadFrame()
		if err != nil {
			return
		}
		if err := server.respondOK(f, nil); err != nil {
			return
		}
		// stream-request
		f, err = server.fr.ReadFrame()
		if err != nil {
			return
		}
		if err := server.respondOK(f, nil); err != nil {
			return
		}
	}()
}

func TestClient_HandshakeAndAddStream(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	server := newFakeServer(serverConn)
	startFakeConversation(t, server, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := startOverConn(clientConn)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, clientHandshake(ctx, client, "spc-test", "default"))

	_, _, err = client.AddStream(ctx, 1, 0, 0, 100)
	require.NoError(t, err)
	require.Equal(t, []uint16{1}, client.ListStreams())
}

func TestClient_AddStreamReturnsFailoverLogOnSuccess(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	server := newFakeServer(serverConn)
	wantLog := []protocol.FailoverEntry{{VBucketUUID: 0xdead, SeqNo: 0}}
	go func() {
		f, err := server.fr.ReadFrame() // SASL auth
		if err != nil {
			return
		}
		if err := server.respondOK(f, nil); err != nil {
			return
		}
		f, err = server.fr.ReadFrame() // open-connection
		if err != nil {
			return
		}
		if err := server.respondOK(f, nil); err != nil {
			return
		}
		f, err = server.fr.ReadFrame() // stream-request
		if err != nil {
			return
		}
		_ = server.respondOK(f, encodeFailoverLog(wantLog))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := startOverConn(clientConn)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, clientHandshake(ctx, client, "spc-test", "default"))
	_, failover, err := client.AddStream(ctx, 1, 0, 0, 100)
	require.NoError(t, err)
	require.Equal(t, wantLog, failover)
}

func TestClient_RemoveStreamDeliversStreamEndToWaiter(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	server := newFakeServer(serverConn)
	go func() {
		f, err := server.fr.ReadFrame() // SASL auth
		if err != nil {
			return
		}
		if err := server.respondOK(f, nil); err != nil {
			return
		}
		f, err = server.fr.ReadFrame() // open-connection
		if err != nil {
			return
		}
		if err := server.respondOK(f, nil); err != nil {
			return
		}
		f, err = server.fr.ReadFrame() // stream-request
		if err != nil {
			return
		}
		if err := server.respondOK(f, nil); err != nil {
			return
		}
		f, err = server.fr.ReadFrame() // stream-close
		if err != nil {
			return
		}
		_ = server.respondOK(f, nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := startOverConn(clientConn)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, clientHandshake(ctx, client, "spc-test", "default"))
	_, _, err = client.AddStream(ctx, 1, 0, 0, 100)
	require.NoError(t, err)

	evc := make(chan protocol.DecodedFrame, 1)
	errc := make(chan error, 1)
	go func() {
		ev, err := client.GetStreamEvent(ctx, 1)
		if err != nil {
			errc <- err
			return
		}
		evc <- ev
	}()
	// Give GetStreamEvent time to register as a blocked waiter before the
	// stream is torn down, so this exercises the waiter-wins-the-race case.
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, client.RemoveStream(ctx, 1))

	select {
	case ev := <-evc:
		require.Equal(t, protocol.KindStreamEnd, ev.Kind)
	case err := <-errc:
		t.Fatalf("GetStreamEvent returned an error instead of stream_end: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for the stream_end delivery")
	}

	_, err = client.GetStreamEvent(ctx, 1)
	require.Error(t, err)
}

// startOverConn builds a Client around an already-dialed connection,
// bypassing Start's net.Dial so tests can use net.Pipe.
func startOverConn(conn net.Conn) (*Client, error) {
	c := newClientForConn(conn)
	go c.receiveWorker()
	return c, nil
}

func clientHandshake(ctx context.Context, c *Client, name, bucket string) error {
	return c.handshake(ctx, name, bucket)
}

func TestClient_StreamEventDelivery(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	server := newFakeServer(serverConn)
	startFakeConversation(t, server, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := startOverConn(clientConn)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, clientHandshake(ctx, client, "spc-test", "default"))
	id, _, err := client.AddStream(ctx, 1, 0, 0, 100)
	require.NoError(t, err)

	extras := make([]byte, 16) // seqno=0, revseqno=0
	require.NoError(t, server.pushEvent(protocol.OpMutation, 1, id, extras, []byte("doc1"), []byte(`{"v":1}`)))

	ev, err := client.GetStreamEvent(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, protocol.KindMutation, ev.Kind)
	require.Equal(t, []byte("doc1"), ev.Mutation.Key)
	require.Equal(t, []byte(`{"v":1}`), ev.Mutation.Value)
}

// TestClient_DispatchDropsStaleEventAfterStreamReopen exercises the §4.7
// dispatch invariant directly: a stream is removed and the same partition
// immediately reopened under a new request id, then a stale event still
// tagged with the old id arrives. dispatch() must drop it rather than
// route it into the new stream's queue, since byPart[partition] now points
// at the new id and no longer has any relationship to the old one.
func TestClient_DispatchDropsStaleEventAfterStreamReopen(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	server := newFakeServer(serverConn)
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		f, err := server.fr.ReadFrame() // SASL auth
		if err != nil {
			return
		}
		if err := server.respondOK(f, nil); err != nil {
			return
		}
		f, err = server.fr.ReadFrame() // open-connection
		if err != nil {
			return
		}
		if err := server.respondOK(f, nil); err != nil {
			return
		}
		f, err = server.fr.ReadFrame() // first stream-request
		if err != nil {
			return
		}
		if err := server.respondOK(f, nil); err != nil {
			return
		}
		f, err = server.fr.ReadFrame() // stream-close
		if err != nil {
			return
		}
		if err := server.respondOK(f, nil); err != nil {
			return
		}
		f, err = server.fr.ReadFrame() // second stream-request, same partition
		if err != nil {
			return
		}
		_ = server.respondOK(f, nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := startOverConn(clientConn)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, clientHandshake(ctx, client, "spc-test", "default"))

	oldID, _, err := client.AddStream(ctx, 1, 0, 0, 100)
	require.NoError(t, err)
	require.NoError(t, client.RemoveStream(ctx, 1))
	// RemoveStream already deletes byPart[1]/streams[oldID] itself, before
	// anyone ever consumes its synthetic stream_end event, so a lookup by
	// partition fails immediately.
	_, err = client.GetStreamEvent(ctx, 1)
	require.Error(t, err)

	newID, _, err := client.AddStream(ctx, 1, 0, 0, 100)
	require.NoError(t, err)
	require.NotEqual(t, oldID, newID)

	// server.fw is not safe for concurrent use: wait until the server
	// goroutine's last reply has finished flushing before this goroutine
	// writes events through the same writer.
	<-serverDone

	extras := make([]byte, 16)
	// Stale event still tagged with the old, removed request id: dispatch
	// must discard it, not deliver it into the new stream's queue.
	require.NoError(t, server.pushEvent(protocol.OpMutation, 1, oldID, extras, []byte("stale"), []byte(`{}`)))
	// Fresh event tagged with the new id: this one must be delivered.
	require.NoError(t, server.pushEvent(protocol.OpMutation, 1, newID, extras, []byte("fresh"), []byte(`{}`)))

	ev, err := client.GetStreamEvent(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, protocol.KindMutation, ev.Kind)
	require.Equal(t, []byte("fresh"), ev.Mutation.Key)
}
