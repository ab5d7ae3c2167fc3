// Package relerr provides the structured error type shared by every
// relayhub component. Errors carry a stable code so callers (and log
// aggregation) can match on failure kind without parsing message strings.
package relerr

import "fmt"

// Code identifies a class of failure named in the specification's error
// handling design.
type Code string

const (
	CodeTransport           Code = "TRANSPORT"
	CodeParse               Code = "PARSE"
	CodeInvalidSubscription Code = "INVALID_SUBSCRIPTION"
	CodeConfigMissing       Code = "CONFIG_MISSING"
	CodeSendUnavailable     Code = "SEND_UNAVAILABLE"
	CodeIdentityConflict    Code = "IDENTITY_CONFLICT"
	CodeHostUnavailable     Code = "HOST_UNAVAILABLE"
	CodeFastCloseBurst      Code = "FAST_CLOSE_BURST"
	CodeReconnectExhausted  Code = "RECONNECT_EXHAUSTED"
)

// Error is a structured relayhub error. It never propagates across a
// callback or port boundary (see spec.md §7); it is constructed at the
// point of failure, logged, and otherwise held internally.
type Error struct {
	Code       Code
	Message    string
	Underlying error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{Code: code, Message: message, Underlying: err}
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Underlying }

// Is reports whether target is an *Error with the same Code, so callers
// can `errors.Is(err, relerr.New(relerr.CodeParse, ""))`-style match on
// code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}
