package pipeline

import "fmt"

// FailureKind is the transfer-pipeline failure taxonomy (spec §4.D),
// mirrored on the same typed-error-with-Kind idiom as endpoint.Error
// and transport.TransportError.
type FailureKind int

const (
	FailUnknown FailureKind = iota
	FailNetworkTransient
	FailAuthUnavailable
	FailInsufficientSpace
	FailParentMissing
	FailCorruptStream
	FailRemoteBinaryMissing
	FailLockHeld
	FailCancelled
	FailCompressorUnavailable
	FailEncryptionUnavailable
)

func (k FailureKind) String() string {
	switch k {
	case FailNetworkTransient:
		return "network_transient"
	case FailAuthUnavailable:
		return "auth_unavailable"
	case FailInsufficientSpace:
		return "insufficient_space"
	case FailParentMissing:
		return "parent_missing"
	case FailCorruptStream:
		return "corrupt_stream"
	case FailRemoteBinaryMissing:
		return "remote_binary_missing"
	case FailLockHeld:
		return "lock_held"
	case FailCancelled:
		return "cancelled"
	case FailCompressorUnavailable:
		return "compressor_unavailable"
	case FailEncryptionUnavailable:
		return "encryption_unavailable"
	default:
		return "unknown"
	}
}

// Error is what Run returns on a non-successful Outcome.
type Error struct {
	Kind   FailureKind
	Phase  string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pipeline: %s: %s: %s", e.Phase, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind FailureKind, phase string, err error) *Error {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return &Error{Kind: kind, Phase: phase, Detail: detail, Err: err}
}
