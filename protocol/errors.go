package protocol

import (
	"fmt"

	"github.com/ankitprabhu/viewmerge/errors"
)

// StatusError translates a response frame's Status into the domain error
// named by §4.6's table. Statuses outside the table map to an
// "unmapped status" error carrying the raw numeric status and opcode.
func StatusError(op Opcode, status Status) error {
	switch status {
	case StatusOK:
		return nil
	case StatusKeyNotFound:
		return errors.New(errors.CodeWrongPartitionVersion, "wrong_partition_version")
	case StatusERange:
		return errors.New(errors.CodeWrongStartSequence, "wrong_start_sequence_number")
	case StatusKeyEExists:
		return errors.New(errors.CodeStreamAlreadyExists, "vbucket_stream_already_exists")
	case StatusNotMyVBucket:
		return errors.New(errors.CodeStreamNotFound, "vbucket_stream_not_found")
	case StatusSaslAuthFailed:
		return errors.New(errors.CodeSaslAuthFailed, "sasl_auth_failed")
	default:
		return errors.New(errors.CodeUnmappedStatus, fmt.Sprintf("opcode=%#x status=%#x", uint8(op), uint16(status)))
	}
}
