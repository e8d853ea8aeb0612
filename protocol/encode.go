package protocol

import "encoding/binary"

// SaslAuthRequest encodes a SASL PLAIN auth request frame body: key is the
// mechanism name, value is the "\x00user\x00pass" credential blob.
func SaslAuthRequest(requestID uint32, mechanism string, credentials []byte) (Header, []byte, []byte, []byte) {
	h := Header{Magic: MagicRequest, Opcode: OpSaslAuth, RequestID: requestID}
	return h, nil, []byte(mechanism), credentials
}

// OpenConnectionRequest encodes the bootstrap open-connection handshake.
func OpenConnectionRequest(requestID uint32, connectionName string) (Header, []byte, []byte, []byte) {
	extras := make([]byte, 4) // flags, reserved
	h := Header{Magic: MagicRequest, Opcode: OpOpenConnection, RequestID: requestID}
	return h, extras, []byte(connectionName), nil
}

// StreamRequestExtras is the fixed-size extras block of a stream-request
// frame (§4.5): flags, partition version, start/end sequence numbers, and
// the vbucket UUID used for failover validation.
type StreamRequestExtras struct {
	Flags           StreamFlags
	PartitionVer    uint16
	StartSeqNo      uint64
	EndSeqNo        uint64
	VBucketUUID     uint64
}

func (e StreamRequestExtras) encode() []byte {
	buf := make([]byte, 30)
	binary.BigEndian.PutUint32(buf[0:4], uint32(e.Flags))
	binary.BigEndian.PutUint16(buf[4:6], e.PartitionVer)
	binary.BigEndian.PutUint64(buf[6:14], e.StartSeqNo)
	binary.BigEndian.PutUint64(buf[14:22], e.EndSeqNo)
	binary.BigEndian.PutUint64(buf[22:30], e.VBucketUUID)
	return buf
}

// StreamRequest encodes a stream-request frame for the given partition.
func StreamRequest(requestID uint32, partition uint16, extras StreamRequestExtras) (Header, []byte, []byte, []byte) {
	h := Header{Magic: MagicRequest, Opcode: OpStreamRequest, RequestID: requestID, Partition: partition}
	return h, extras.encode(), nil, nil
}

// StreamClose encodes a stream-close frame for the given partition.
func StreamClose(requestID uint32, partition uint16) (Header, []byte, []byte, []byte) {
	h := Header{Magic: MagicRequest, Opcode: OpStreamClose, RequestID: requestID, Partition: partition}
	return h, nil, nil, nil
}

// SeqStatRequest encodes a sequence-number stat request for partition.
func SeqStatRequest(requestID uint32, partition uint16) (Header, []byte, []byte, []byte) {
	h := Header{Magic: MagicRequest, Opcode: OpSeqStatRequest, RequestID: requestID, Partition: partition}
	return h, nil, nil, nil
}

// FailoverLogRequest encodes a failover-log request for partition.
func FailoverLogRequest(requestID uint32, partition uint16) (Header, []byte, []byte, []byte) {
	h := Header{Magic: MagicRequest, Opcode: OpFailoverLog, RequestID: requestID, Partition: partition}
	return h, nil, nil, nil
}
