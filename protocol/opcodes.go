package protocol

// Opcode identifies the operation carried by a frame (§4.5).
type Opcode uint8

const (
	OpSaslAuth       Opcode = 0x21
	OpOpenConnection Opcode = 0x50
	OpStreamRequest  Opcode = 0x53
	OpStreamClose    Opcode = 0x52
	OpStreamEnd      Opcode = 0x55
	OpSnapshotMarker Opcode = 0x56
	OpMutation       Opcode = 0x57
	OpDeletion       Opcode = 0x58
	OpExpiration     Opcode = 0x59
	OpSeqStatRequest Opcode = 0x10
	OpFailoverLog    Opcode = 0x54
)

// Status is a response frame's outcome code (§4.6 error mapping table).
type Status uint16

const (
	StatusOK                     Status = 0x0000
	StatusKeyNotFound            Status = 0x0001
	StatusKeyEExists             Status = 0x0002
	StatusERange                 Status = 0x0022
	StatusNotMyVBucket           Status = 0x0007
	StatusSaslAuthFailed         Status = 0x0024
	StatusRollback               Status = 0x0023
)

// StreamFlags are the bits carried in a stream-request's extras (§4.5).
type StreamFlags uint32

const (
	StreamFlagNone StreamFlags = 0
)
