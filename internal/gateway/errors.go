package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/KafClaw/fleetgate/internal/adapter"
	"github.com/KafClaw/fleetgate/internal/instance"
	"github.com/KafClaw/fleetgate/internal/session"
)

var (
	// ErrInstanceNotFound is returned for ids the registry does not know.
	ErrInstanceNotFound = errors.New("instance not found")
	// ErrNotInitialized is returned by lookups before the first successful load.
	ErrNotInitialized = errors.New("registry not initialized")
	// ErrShutdown is returned once the registry has been shut down.
	ErrShutdown = errors.New("registry shut down")
)

// ClientUnavailableError means a client could not be built for an instance.
// Nothing was cached; a later call retries the dial.
type ClientUnavailableError struct {
	InstanceID string
	Err        error
}

func (e *ClientUnavailableError) Error() string {
	return fmt.Sprintf("client for instance %s unavailable: %v", e.InstanceID, e.Err)
}

func (e *ClientUnavailableError) Unwrap() error { return e.Err }

// ErrorClass is a coarse failure category used by audit records and the HTTP API.
type ErrorClass string

const (
	ClassNone           ErrorClass = ""
	ClassNotFound       ErrorClass = "not_found"
	ClassNotInitialized ErrorClass = "not_initialized"
	ClassUnavailable    ErrorClass = "unavailable"
	ClassTransport      ErrorClass = "transport"
	ClassProtocol       ErrorClass = "protocol"
	ClassUnsupported    ErrorClass = "unsupported"
	ClassInvalid        ErrorClass = "invalid"
	ClassTimeout        ErrorClass = "timeout"
	ClassCanceled       ErrorClass = "canceled"
	ClassInternal       ErrorClass = "internal"
)

// InvalidError marks bad caller input.
type InvalidError struct {
	Msg string
}

func (e *InvalidError) Error() string { return e.Msg }

func invalidf(format string, args ...any) error {
	return &InvalidError{Msg: fmt.Sprintf(format, args...)}
}

// Classify maps an error to its class. Order matters: a transport error that
// wraps a deadline is reported as a timeout, and an unavailable client is
// reported as unavailable whatever caused the dial to fail.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	var (
		cu *ClientUnavailableError
		te *adapter.TransportError
		pe *adapter.ProtocolError
		ue *adapter.UnsupportedRuntimeError
		ie *InvalidError
	)
	switch {
	case errors.Is(err, ErrInstanceNotFound), errors.Is(err, instance.ErrNotFound), errors.Is(err, session.ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrNotInitialized), errors.Is(err, ErrShutdown):
		return ClassNotInitialized
	case errors.As(err, &ie):
		return ClassInvalid
	case errors.As(err, &cu):
		return ClassUnavailable
	case errors.As(err, &ue):
		return ClassUnsupported
	case errors.As(err, &pe):
		return ClassProtocol
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.As(err, &te):
		return ClassTransport
	}
	return ClassInternal
}
