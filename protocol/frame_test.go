package protocol

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Magic:      MagicRequest,
		Opcode:     OpStreamRequest,
		Partition:  42,
		BodyLength: 100,
		RequestID:  7,
		CAS:        0xdeadbeef,
	}
	buf := make([]byte, HeaderLen)
	EncodeHeader(buf, h)
	got := DecodeHeader(buf)

	assert.Equal(t, h.Magic, got.Magic)
	assert.Equal(t, h.Opcode, got.Opcode)
	assert.Equal(t, h.Partition, got.Partition)
	assert.Equal(t, h.BodyLength, got.BodyLength)
	assert.Equal(t, h.RequestID, got.RequestID)
	assert.Equal(t, h.CAS, got.CAS)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(bufio.NewWriter(&buf))

	h := Header{Magic: MagicRequest, Opcode: OpStreamRequest, Partition: 3, RequestID: 99}
	extras := []byte{1, 2, 3, 4}
	key := []byte("view-partition")
	value := []byte("body-value")

	require.NoError(t, fw.WriteFrame(h, extras, key, value))
	require.NoError(t, fw.Flush())

	fr := NewFrameReader(bufio.NewReader(&buf))
	frame, err := fr.ReadFrame()
	require.NoError(t, err)

	assert.Equal(t, OpStreamRequest, frame.Opcode)
	assert.Equal(t, uint16(3), frame.Partition)
	assert.Equal(t, uint32(99), frame.RequestID)
	assert.Equal(t, extras, frame.Extras)
	assert.Equal(t, key, frame.Key)
	assert.Equal(t, value, frame.Value)
}

func TestFrameReaderShortBody(t *testing.T) {
	var buf bytes.Buffer
	h := Header{Magic: MagicRequest, Opcode: OpStreamRequest, BodyLength: 10}
	hdr := make([]byte, HeaderLen)
	EncodeHeader(hdr, h)
	buf.Write(hdr)
	buf.Write([]byte{1, 2, 3}) // fewer bytes than declared body length

	fr := NewFrameReader(bufio.NewReader(&buf))
	_, err := fr.ReadFrame()
	require.Error(t, err)
}

func TestDecodeMutationSnappy(t *testing.T) {
	f := Frame{
		Header: Header{Opcode: OpMutation},
		Extras: append(make([]byte, 23), mutationDataType),
		Key:    []byte("doc1"),
		Value:  snappy.Encode(nil, []byte(`{"a":1}`)),
	}
	d, err := Decode(f)
	require.NoError(t, err)
	assert.Equal(t, KindMutation, d.Kind)
	assert.Equal(t, []byte(`{"a":1}`), d.Mutation.Value)
	assert.Equal(t, []byte("doc1"), d.Mutation.Key)
}

func TestDecodeFailoverLog(t *testing.T) {
	value := make([]byte, 32)
	for i := range value {
		value[i] = byte(i)
	}
	entries := decodeFailoverLog(value)
	require.Len(t, entries, 2)
}

func TestStatusErrorMapsKnownCodes(t *testing.T) {
	assert.Nil(t, StatusError(OpStreamRequest, StatusOK))
	assert.Error(t, StatusError(OpStreamRequest, StatusKeyNotFound))
	assert.Error(t, StatusError(OpStreamRequest, StatusERange))
	assert.Error(t, StatusError(OpStreamRequest, Status(0x9999)))
}
