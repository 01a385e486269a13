package core

import "errors"

// Stable error codes shared across the runtime. Subsystems attach these to
// Error values so callers can branch on the failure class without string
// matching.
const (
	// CodeConfig marks an invalid machine definition or component
	// configuration. Fatal to construction.
	CodeConfig = "CONFIG_ERROR"

	// CodeUnknownMachine marks an event addressed to an id that is neither
	// live nor present in the active store.
	CodeUnknownMachine = "UNKNOWN_MACHINE"

	// CodeIgnoredEvent marks an event with no mapping in the current state,
	// or one delivered to a completed machine.
	CodeIgnoredEvent = "IGNORED_EVENT"

	// CodePersistence marks a store read or write failure.
	CodePersistence = "PERSISTENCE_ERROR"

	// CodeAction marks a failure raised by a user entry/exit/stay action.
	CodeAction = "ACTION_ERROR"

	// CodeNotFound marks an id-based lookup that matched no row.
	CodeNotFound = "NOT_FOUND"

	// CodeBackpressure marks a bounded queue that refused new work.
	CodeBackpressure = "BACKPRESSURE"

	// CodeStopped marks a component that no longer accepts work.
	CodeStopped = "STOPPED"

	// CodeUnauthorized marks a rejected credential.
	CodeUnauthorized = "UNAUTHORIZED"

	// CodeInvalidInput marks a failed argument validation.
	CodeInvalidInput = "INVALID_INPUT"

	// CodeInvalidState marks an operation against a closed or
	// uninitialized component.
	CodeInvalidState = "INVALID_STATE"
)

// Error is the runtime's structured error: a stable code, a human-readable
// message, and an optional cause preserved for errors.Is/As chains.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error with a code and message
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError creates an Error that wraps a cause
func WrapError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// ErrorCode extracts the code from an Error anywhere in err's chain.
// Returns "" for nil or unstructured errors.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code
func HasCode(err error, code string) bool {
	return ErrorCode(err) == code
}
