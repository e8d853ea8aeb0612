package errors

// Codes surfaced by the merge coordinator, folder workers, and streaming
// protocol client. These are compared with Is(), never string-matched.
const (
	CodeNotFound               Code = "NotFound"
	CodeRevisionMismatch       Code = "RevisionMismatch"
	CodeRevisionSyncFailed     Code = "RevisionSyncFailed"
	CodeSetViewOutdated        Code = "SetViewOutdated"
	CodeQueueShutdown          Code = "QueueShutdown"
	CodeSaslAuthFailed         Code = "SaslAuthFailed"
	CodeWrongPartitionVersion  Code = "WrongPartitionVersion"
	CodeWrongStartSequence     Code = "WrongStartSequenceNumber"
	CodeStreamAlreadyExists    Code = "VBucketStreamAlreadyExists"
	CodeStreamNotFound         Code = "VBucketStreamNotFound"
	CodeTooLargeFailoverLog    Code = "TooLargeFailoverLog"
	CodeNoFailoverLogFound     Code = "NoFailoverLogFound"
	CodeUnmappedStatus         Code = "UnmappedStatus"
	CodeClosed                Code = "Closed"
)

// NotFound reports whether err is (or wraps) a CodeNotFound error.
func NotFound(err error) bool { return Is(err, CodeNotFound) }

// RevisionMismatch reports whether err is (or wraps) a CodeRevisionMismatch error.
func RevisionMismatch(err error) bool { return Is(err, CodeRevisionMismatch) }

// QueueShutdown reports whether err is (or wraps) a CodeQueueShutdown error.
func QueueShutdown(err error) bool { return Is(err, CodeQueueShutdown) }
