package dap

import (
	"errors"
	"fmt"

	"github.com/dbgpdap/dbgpdap/pkg/dbgp"
)

var (
	// ErrTimeout is reported to a pending request the runtime did not
	// answer in time.
	ErrTimeout = errors.New("the runtime did not answer in time")
	// ErrSessionTerminated is reported to requests still pending when the
	// session ends.
	ErrSessionTerminated = errors.New("debug session terminated")
	// ErrRuntimeExited is reported when the runtime process ends or drops
	// its connection.
	ErrRuntimeExited = errors.New("runtime process exited")

	errResumed = errors.New("the program was resumed before the runtime answered")
)

// InvalidStateError is returned for a request that is not legal in the
// current lifecycle state.
type InvalidStateError struct {
	Command string
	State   sessionState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("'%s' request is not valid while the session is %s", e.Command, e.State)
}

// TranslationError describes a runtime response that could not be mapped to
// the DAP response.
type TranslationError struct {
	Command string
	Reason  string
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("unexpected %s response: %s", e.Command, e.Reason)
}

// FramingError is a DAP message with a malformed header or body.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "malformed DAP message: " + e.Reason
}

func isFramingError(err error) bool {
	var fe *FramingError
	var dfe *dbgp.FramingError
	return errors.As(err, &fe) || errors.As(err, &dfe)
}

// errorID returns the error id reported to the editor for err, or fallback
// for errors that are specific to the request.
func errorID(err error, fallback int) int {
	var ise *InvalidStateError
	switch {
	case errors.As(err, &ise):
		return InvalidState
	case errors.Is(err, ErrTimeout):
		return RequestTimeout
	case errors.Is(err, ErrSessionTerminated):
		return SessionTerminated
	case errors.Is(err, ErrRuntimeExited):
		return RuntimeExited
	case isFramingError(err):
		return ProtocolFraming
	}
	return fallback
}
