package observer

import (
	"errors"
	"fmt"
)

// Error is returned by channel setup and recorded for handler failures.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Query is the query text of the affected channel.
	Query string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes observer errors.
type ErrorCode string

const (
	// ErrCodeInvalidQuery indicates the query failed to parse or bind.
	ErrCodeInvalidQuery ErrorCode = "INVALID_QUERY"

	// ErrCodeChannelClosed indicates the registry or channel is closed.
	ErrCodeChannelClosed ErrorCode = "CHANNEL_CLOSED"

	// ErrCodeHandlerFailed indicates a handler returned an error or panicked.
	ErrCodeHandlerFailed ErrorCode = "HANDLER_FAILED"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Query != "" {
		msg += fmt.Sprintf(" (query=%q)", e.Query)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsInvalidQueryError returns true if err is an invalid query error.
// Uses errors.As to handle wrapped errors.
func IsInvalidQueryError(err error) bool {
	return hasCode(err, ErrCodeInvalidQuery)
}

// IsClosedError returns true if err reports a closed registry or channel.
func IsClosedError(err error) bool {
	return hasCode(err, ErrCodeChannelClosed)
}

// IsHandlerError returns true if err reports a failed handler.
func IsHandlerError(err error) bool {
	return hasCode(err, ErrCodeHandlerFailed)
}

func hasCode(err error, code ErrorCode) bool {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code == code
	}
	return false
}

func invalidQuery(text string, err error) *Error {
	return &Error{Code: ErrCodeInvalidQuery, Message: "cannot observe query", Query: text, Err: err}
}

func closedError(text string) *Error {
	return &Error{Code: ErrCodeChannelClosed, Message: "registry is closed", Query: text}
}

func handlerFailed(text string, err error) *Error {
	return &Error{Code: ErrCodeHandlerFailed, Message: "handler failed", Query: text, Err: err}
}
