// Package apperr defines the error kinds surfaced by the session
// coordination layer. Callers branch on Kind rather than on message text.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller is expected to react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// CapabilityUnsupported: the operation cannot run on this platform. Never retried.
	CapabilityUnsupported
	// TransportError: bind/connect/read/write failure. The affected transport is torn down.
	TransportError
	// ProtocolError: a single malformed or unexpected message. The message is dropped.
	ProtocolError
	// NegotiationError: offer/answer/candidate application failed. The session moves to error.
	NegotiationError
	// CapturePermissionDenied: the user or OS refused screen capture.
	CapturePermissionDenied
	// CaptureFailed: capture could not be acquired for any other reason.
	CaptureFailed
)

func (k Kind) String() string {
	switch k {
	case CapabilityUnsupported:
		return "capability_unsupported"
	case TransportError:
		return "transport_error"
	case ProtocolError:
		return "protocol_error"
	case NegotiationError:
		return "negotiation_error"
	case CapturePermissionDenied:
		return "capture_permission_denied"
	case CaptureFailed:
		return "capture_failed"
	default:
		return "unknown"
	}
}

// Error carries a Kind, the operation that failed and an optional hint the
// presentation layer can show as guidance.
type Error struct {
	Kind Kind
	Op   string
	Err  error
	Hint string
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with the default hint for kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Hint: HintFor(kind)}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Errorf(format, args...))
}

// Is reports whether any error in err's chain is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// HintOf returns the hint of the first *Error in err's chain.
func HintOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint
	}
	return ""
}

// HintFor returns the default user guidance for kind.
func HintFor(kind Kind) string {
	switch kind {
	case CapabilityUnsupported:
		return "this device cannot host; connect to another device or enable forced-relay mode"
	case NegotiationError:
		return "retry with forced-relay connectivity mode"
	case CapturePermissionDenied:
		return "grant screen-capture permission and try again"
	default:
		return ""
	}
}
