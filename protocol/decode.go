package protocol

import (
	"encoding/binary"

	"github.com/golang/snappy"
)

// EventKind tags the decoded variant of a response or a streamed event
// frame delivered to the streaming protocol client (§4.5 decoder list).
type EventKind int

const (
	KindSaslAuth EventKind = iota
	KindOpenConnection
	KindStreamRequest
	KindFailoverLog
	KindStreamClose
	KindStats
	KindSnapshotMarker
	KindMutation
	KindDeletion
	KindExpiration
	KindStreamEnd
	KindUnknown
)

// SnapshotMarker describes a contiguous run of sequence numbers the server
// is about to send mutations/deletions for.
type SnapshotMarker struct {
	StartSeqNo uint64
	EndSeqNo   uint64
	Flags      uint32
}

// Mutation is a decoded document upsert event within a partition stream.
type Mutation struct {
	SeqNo    uint64
	RevSeqNo uint64
	Flags    uint32
	Expiry   uint32
	Key      []byte
	Value    []byte
}

// Deletion is a decoded document removal event within a partition stream.
type Deletion struct {
	SeqNo    uint64
	RevSeqNo uint64
	Key      []byte
}

// FailoverEntry is one (vbucket uuid, seqno) pair in a failover log,
// oldest entries last.
type FailoverEntry struct {
	VBucketUUID uint64
	SeqNo       uint64
}

// DecodedFrame is a Frame classified into one of the tagged variants
// named by §4.5, with its value payload parsed into the matching struct.
type DecodedFrame struct {
	Kind      EventKind
	RequestID uint32
	Partition uint16
	Status    Status

	Marker    SnapshotMarker
	Mutation  Mutation
	Deletion  Deletion
	Failover  []FailoverEntry
	StatValue []byte
	Raw       Frame
}

// Decode classifies f by opcode and parses its body into the matching
// tagged variant.
func Decode(f Frame) (DecodedFrame, error) {
	d := DecodedFrame{RequestID: f.RequestID, Partition: f.Partition, Status: f.Status, Raw: f}

	switch f.Opcode {
	case OpSaslAuth:
		d.Kind = KindSaslAuth
	case OpOpenConnection:
		d.Kind = KindOpenConnection
	case OpStreamRequest:
		d.Kind = KindStreamRequest
		// Per §4.6/§4.7, the success reply to add_stream is {failoverlog,
		// log}; the rollback reply is just the 8-byte sequence number,
		// read directly off Raw.Value by the caller.
		if f.Magic == MagicResponse && f.Status == StatusOK {
			d.Failover = decodeFailoverLog(f.Value)
		}
	case OpFailoverLog:
		d.Kind = KindFailoverLog
		d.Failover = decodeFailoverLog(f.Value)
	case OpStreamClose:
		d.Kind = KindStreamClose
	case OpSeqStatRequest:
		d.Kind = KindStats
		d.StatValue = f.Value
	case OpSnapshotMarker:
		d.Kind = KindSnapshotMarker
		d.Marker = decodeSnapshotMarker(f.Extras)
	case OpMutation:
		d.Kind = KindMutation
		mut, err := decodeMutation(f)
		if err != nil {
			return DecodedFrame{}, err
		}
		d.Mutation = mut
	case OpDeletion, OpExpiration:
		d.Kind = KindDeletion
		if f.Opcode == OpExpiration {
			d.Kind = KindExpiration
		}
		d.Deletion = decodeDeletion(f)
	case OpStreamEnd:
		d.Kind = KindStreamEnd
	default:
		d.Kind = KindUnknown
	}
	return d, nil
}

func decodeSnapshotMarker(extras []byte) SnapshotMarker {
	if len(extras) < 20 {
		return SnapshotMarker{}
	}
	return SnapshotMarker{
		StartSeqNo: binary.BigEndian.Uint64(extras[0:8]),
		EndSeqNo:   binary.BigEndian.Uint64(extras[8:16]),
		Flags:      binary.BigEndian.Uint32(extras[16:20]),
	}
}

// mutationDataType, as the last byte of a mutation's extras block, flags a
// snappy-compressed value; decodeMutation decompresses such values.
const mutationDataType = 0x02

func decodeMutation(f Frame) (Mutation, error) {
	m := Mutation{Key: f.Key}
	if len(f.Extras) >= 16 {
		m.SeqNo = binary.BigEndian.Uint64(f.Extras[0:8])
		m.RevSeqNo = binary.BigEndian.Uint64(f.Extras[8:16])
	}
	if len(f.Extras) >= 24 {
		m.Flags = binary.BigEndian.Uint32(f.Extras[16:20])
		m.Expiry = binary.BigEndian.Uint32(f.Extras[20:24])
	}

	value := f.Value
	if len(f.Extras) > 0 && f.Extras[len(f.Extras)-1] == mutationDataType {
		decoded, err := snappy.Decode(nil, value)
		if err != nil {
			return Mutation{}, err
		}
		value = decoded
	}
	m.Value = value
	return m, nil
}

func decodeDeletion(f Frame) Deletion {
	d := Deletion{Key: f.Key}
	if len(f.Extras) >= 16 {
		d.SeqNo = binary.BigEndian.Uint64(f.Extras[0:8])
		d.RevSeqNo = binary.BigEndian.Uint64(f.Extras[8:16])
	}
	return d
}

func decodeFailoverLog(value []byte) []FailoverEntry {
	n := len(value) / 16
	entries := make([]FailoverEntry, 0, n)
	for i := 0; i < n; i++ {
		off := i * 16
		entries = append(entries, FailoverEntry{
			VBucketUUID: binary.BigEndian.Uint64(value[off : off+8]),
			SeqNo:       binary.BigEndian.Uint64(value[off+8 : off+16]),
		})
	}
	return entries
}
