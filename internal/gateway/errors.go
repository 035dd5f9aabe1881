package gateway

import (
	"errors"
	"fmt"
)

// Code classifies a failed request. Codes are sent to clients verbatim.
type Code string

const (
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeNotFound         Code = "NOT_FOUND"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeConflictRejected Code = "CONFLICT_REJECTED"
	CodeConflictPending  Code = "CONFLICT_PENDING"
)

// Error is the only error type returned by Gateway operations.
type Error struct {
	code       Code
	message    string
	conflictID string
	err        error
}

func newError(code Code, message string, cause error) *Error {
	return &Error{code: code, message: message, err: cause}
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.code, e.message)
	}
	return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the classification of the failure.
func (e *Error) Code() Code {
	return e.code
}

// Message returns the client-facing description.
func (e *Error) Message() string {
	return e.message
}

// ConflictID names the conflict behind CONFLICT_PENDING and CONFLICT_REJECTED.
func (e *Error) ConflictID() string {
	return e.conflictID
}

// CodeOf extracts the Code of err, defaulting to STORE_UNAVAILABLE for
// errors that did not originate in the gateway.
func CodeOf(err error) Code {
	var gatewayErr *Error
	if errors.As(err, &gatewayErr) {
		return gatewayErr.code
	}
	return CodeStoreUnavailable
}
