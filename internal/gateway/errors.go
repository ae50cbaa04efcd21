package gateway

import (
	"errors"
	"fmt"
)

// Error represents a classified failure surfaced by the gateway.
//
// The gateway is the only layer that raises distinguishable error objects;
// callers (domain services, the sync orchestrator) branch on the code:
//   - Offline: queue the mutation and retry on a later pass
//   - ClientError: 4xx other than 401, not retried, surfaced to the caller
//   - Unauthorized: 401, triggers a global credential reset
//   - ServerError: 5xx, surfaced, not auto-queued
//   - Storage: local persistence failure, degraded rather than fatal
//   - ReplayExhausted: retry ceiling reached, terminal
type Error struct {
	// Code identifies the failure category.
	Code Code

	// HTTP is the response status, when the failure has one.
	HTTP int

	// Message is a human-readable description, preferring the server's
	// message field when present.
	Message string

	cause error
}

// Code categorizes gateway failures.
type Code string

const (
	// CodeOffline indicates no network connectivity. This tag is the sole
	// signal callers use to decide whether to queue a mutation.
	CodeOffline Code = "OFFLINE"

	// CodeClientError indicates a 4xx response other than 401.
	CodeClientError Code = "CLIENT_ERROR"

	// CodeUnauthorized indicates a 401 response. The gateway has already
	// cleared the session by the time callers see this.
	CodeUnauthorized Code = "UNAUTHORIZED"

	// CodeServerError indicates a 5xx response.
	CodeServerError Code = "SERVER_ERROR"

	// CodeStorage indicates a local persistence failure.
	CodeStorage Code = "STORAGE"

	// CodeReplayExhausted indicates a mutation hit the retry ceiling.
	CodeReplayExhausted Code = "REPLAY_EXHAUSTED"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.HTTP != 0 {
		return fmt.Sprintf("%s: %s (http=%d)", e.Code, e.Message, e.HTTP)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// NewOfflineError creates an Error tagged offline.
func NewOfflineError(cause error) *Error {
	return &Error{
		Code:    CodeOffline,
		Message: "no network connectivity",
		cause:   cause,
	}
}

// NewHTTPError classifies an HTTP failure status into an Error.
// 401 maps to unauthorized, other 4xx to client error, 5xx to server error.
func NewHTTPError(status int, message string) *Error {
	if message == "" {
		message = "request failed"
	}
	e := &Error{HTTP: status, Message: message}
	switch {
	case status == 401:
		e.Code = CodeUnauthorized
	case status >= 400 && status < 500:
		e.Code = CodeClientError
	default:
		e.Code = CodeServerError
	}
	return e
}

// NewStorageError creates an Error tagged as a local persistence failure.
func NewStorageError(cause error) *Error {
	return &Error{
		Code:    CodeStorage,
		Message: "local storage failure",
		cause:   cause,
	}
}

// codeIs reports whether err is a gateway Error with the given code.
// Uses errors.As to handle wrapped errors.
func codeIs(err error, code Code) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code == code
	}
	return false
}

// IsOffline reports whether err is classified as a connectivity failure.
func IsOffline(err error) bool {
	return codeIs(err, CodeOffline)
}

// IsUnauthorized reports whether err is a 401 classification.
func IsUnauthorized(err error) bool {
	return codeIs(err, CodeUnauthorized)
}

// IsClientError reports whether err is a non-401 4xx classification.
func IsClientError(err error) bool {
	return codeIs(err, CodeClientError)
}

// IsServerError reports whether err is a 5xx classification.
func IsServerError(err error) bool {
	return codeIs(err, CodeServerError)
}
