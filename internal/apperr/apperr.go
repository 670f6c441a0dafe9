// Package apperr defines the failure taxonomy shared by the scheduler client,
// the metrics backend client and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies a failure for callers and for HTTP status mapping.
type Kind string

const (
	// KindNotFound indicates the job or its metrics are unknown upstream.
	KindNotFound Kind = "not_found"
	// KindProtocol indicates a malformed or unexpected upstream response.
	KindProtocol Kind = "protocol"
	// KindConnection indicates a transport failure or unexpected upstream status.
	KindConnection Kind = "connection"
	// KindAuth indicates the scheduler API rejected our credentials.
	KindAuth Kind = "auth"
	// KindInvalidPeriod indicates a period outside the enumerated set.
	KindInvalidPeriod Kind = "invalid_period"
)

// Sentinels usable with errors.Is.
var (
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrProtocol      = &Error{Kind: KindProtocol}
	ErrConnection    = &Error{Kind: KindConnection}
	ErrAuth          = &Error{Kind: KindAuth}
	ErrInvalidPeriod = &Error{Kind: KindInvalidPeriod}
)

// Error is a classified failure. Message is user-facing; Err keeps the cause
// with its stack for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind when target carries no message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

func newError(kind Kind, cause error, format string, args ...any) *Error {
	e := &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
	if cause != nil {
		e.Err = pkgerrors.WithStack(cause)
	}
	return e
}

// NotFound builds a KindNotFound error.
func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, nil, format, args...)
}

// Protocol builds a KindProtocol error around an optional cause.
func Protocol(cause error, format string, args ...any) *Error {
	return newError(KindProtocol, cause, format, args...)
}

// Connection builds a KindConnection error around an optional cause.
func Connection(cause error, format string, args ...any) *Error {
	return newError(KindConnection, cause, format, args...)
}

// Auth builds a KindAuth error.
func Auth(format string, args ...any) *Error {
	return newError(KindAuth, nil, format, args...)
}

// InvalidPeriod builds a KindInvalidPeriod error for the given value.
func InvalidPeriod(period string) *Error {
	return newError(KindInvalidPeriod, nil, "period %s is not valid", period)
}

// KindOf returns the kind of the first *Error in the chain, or "".
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return ""
}

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	if KindOf(err) == KindNotFound {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
