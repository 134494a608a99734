package adapter

import (
	"errors"
	"fmt"

	"github.com/KafClaw/fleetgate/internal/instance"
)

// Protocol error codes shared by all runtimes.
const (
	CodeSessionNotFound = "session_not_found"
	CodeUnauthorized    = "unauthorized"
	CodeRejected        = "rejected"
	CodeBadResponse     = "bad_response"
)

// TransportError means the connection to the instance failed: network error,
// timeout, or a broken stream. The client should be discarded and rebuilt.
// A call whose own context ended is not a TransportError.
type TransportError struct {
	Runtime instance.Runtime
	Op      string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: transport: %v", e.Runtime, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means the runtime answered but rejected the operation.
// The client remains usable.
type ProtocolError struct {
	Runtime instance.Runtime
	Op      string
	Code    string
	Status  int // HTTP status, when the runtime speaks HTTP
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: %s", e.Runtime, e.Op, e.Code)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Runtime, e.Op, e.Code, e.Message)
}

// UnsupportedRuntimeError is returned when no adapter serves a runtime.
type UnsupportedRuntimeError struct {
	Runtime instance.Runtime
}

func (e *UnsupportedRuntimeError) Error() string {
	return fmt.Sprintf("no adapter for runtime %q", e.Runtime)
}

// ErrClientMismatch is returned when an adapter receives a client built by another adapter.
var ErrClientMismatch = errors.New("client was not created by this adapter")

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsSessionNotFound reports whether err is a ProtocolError for an unknown remote session.
func IsSessionNotFound(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Code == CodeSessionNotFound
}

func transportErr(rt instance.Runtime, op string, err error) error {
	return &TransportError{Runtime: rt, Op: op, Err: err}
}

// callerErr reports a call abandoned because its own context ended. The
// connection is not at fault, so it is not a TransportError.
func callerErr(rt instance.Runtime, op string, err error) error {
	return fmt.Errorf("%s %s: %w", rt, op, err)
}
