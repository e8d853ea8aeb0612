// Package protocol implements Protocol Framing (PF): the fixed-header,
// variable-body binary wire format spoken by the streaming protocol client
// and the partitioned-stream servers it talks to (§4.5).
//
// The framing follows the same bufio.Reader/Writer plus encoding/binary
// idiom the teacher uses for its own Postgres wire protocol in
// pg/message/io.go, generalized from that protocol's 5-byte (type, length)
// header to this one's fixed 24-byte header.
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

// HeaderLen is the fixed size, in bytes, of every frame header.
const HeaderLen = 24

// Magic distinguishes a request frame from a response frame, the way a
// memcached-binary-protocol derivative does; it is the first byte of every
// header.
type Magic byte

const (
	MagicRequest  Magic = 0x80
	MagicResponse Magic = 0x81
)

// Header is the fixed portion of a frame (§4.5): opcode, status (valid
// only on response frames), an opaque request id used to multiplex
// concurrent requests over one connection, key/extras/body lengths,
// a partition id, and a CAS value.
type Header struct {
	Magic        Magic
	Opcode       Opcode
	KeyLength    uint16
	ExtrasLength uint8
	Status       Status // response frames only
	Partition    uint16 // request frames only; aliases the Status field's wire position
	BodyLength   uint32
	RequestID    uint32
	CAS          uint64
}

// ErrShortFrame is returned when a frame's declared body length would
// require more bytes than the stream ultimately provided.
var ErrShortFrame = errors.New("protocol: short frame")

// EncodeHeader writes h's 24-byte wire representation to buf, which must
// be at least HeaderLen bytes.
func EncodeHeader(buf []byte, h Header) {
	buf[0] = byte(h.Magic)
	buf[1] = byte(h.Opcode)
	binary.BigEndian.PutUint16(buf[2:4], h.KeyLength)
	buf[4] = h.ExtrasLength
	buf[5] = 0 // reserved
	if h.Magic == MagicResponse {
		binary.BigEndian.PutUint16(buf[6:8], uint16(h.Status))
	} else {
		binary.BigEndian.PutUint16(buf[6:8], h.Partition)
	}
	binary.BigEndian.PutUint32(buf[8:12], h.BodyLength)
	binary.BigEndian.PutUint32(buf[12:16], h.RequestID)
	binary.BigEndian.PutUint64(buf[16:24], h.CAS)
}

// DecodeHeader parses a HeaderLen-byte wire header.
func DecodeHeader(buf []byte) Header {
	h := Header{
		Magic:        Magic(buf[0]),
		Opcode:       Opcode(buf[1]),
		KeyLength:    binary.BigEndian.Uint16(buf[2:4]),
		ExtrasLength: buf[4],
		BodyLength:   binary.BigEndian.Uint32(buf[8:12]),
		RequestID:    binary.BigEndian.Uint32(buf[12:16]),
		CAS:          binary.BigEndian.Uint64(buf[16:24]),
	}
	raw := binary.BigEndian.Uint16(buf[6:8])
	if h.Magic == MagicResponse {
		h.Status = Status(raw)
	} else {
		h.Partition = raw
	}
	return h
}

// Frame is a fully decoded header plus its variable-length body, split
// into the key, extras, and value segments per KeyLength/ExtrasLength.
type Frame struct {
	Header
	Extras []byte
	Key    []byte
	Value  []byte
}

// FrameReader reads frames off the wire, buffering with bufio.Reader the
// way WireReader does for the teacher's Postgres protocol.
type FrameReader struct {
	r      *bufio.Reader
	hdrBuf [HeaderLen]byte
}

// NewFrameReader wraps r for frame-at-a-time reads.
func NewFrameReader(r *bufio.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame blocks until one full frame (header + body) has been read.
// The returned Frame's Extras/Key/Value slices are freshly allocated and
// valid to retain past the next call.
func (fr *FrameReader) ReadFrame() (Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.hdrBuf[:]); err != nil {
		return Frame{}, err
	}
	h := DecodeHeader(fr.hdrBuf[:])

	body := make([]byte, h.BodyLength)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Frame{}, ErrShortFrame
		}
		return Frame{}, err
	}

	extrasEnd := int(h.ExtrasLength)
	keyEnd := extrasEnd + int(h.KeyLength)
	if keyEnd > len(body) {
		return Frame{}, ErrShortFrame
	}

	return Frame{
		Header: h,
		Extras: body[:extrasEnd],
		Key:    body[extrasEnd:keyEnd],
		Value:  body[keyEnd:],
	}, nil
}

// FrameWriter writes frames to the wire, buffering with bufio.Writer.
type FrameWriter struct {
	w      *bufio.Writer
	hdrBuf [HeaderLen]byte
}

// NewFrameWriter wraps w for frame-at-a-time writes.
func NewFrameWriter(w *bufio.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame encodes and writes f, computing BodyLength/KeyLength/
// ExtrasLength from the supplied segment lengths. Callers must Flush
// explicitly; frames are not auto-flushed so a caller can batch several
// writes (e.g. a pipelined bootstrap handshake) before one flush.
func (fw *FrameWriter) WriteFrame(h Header, extras, key, value []byte) error {
	h.ExtrasLength = uint8(len(extras))
	h.KeyLength = uint16(len(key))
	h.BodyLength = uint32(len(extras) + len(key) + len(value))

	EncodeHeader(fw.hdrBuf[:], h)
	if _, err := fw.w.Write(fw.hdrBuf[:]); err != nil {
		return err
	}
	if len(extras) > 0 {
		if _, err := fw.w.Write(extras); err != nil {
			return err
		}
	}
	if len(key) > 0 {
		if _, err := fw.w.Write(key); err != nil {
			return err
		}
	}
	if len(value) > 0 {
		if _, err := fw.w.Write(value); err != nil {
			return err
		}
	}
	return nil
}

// Flush flushes any buffered frames to the underlying writer.
func (fw *FrameWriter) Flush() error {
	return fw.w.Flush()
}
