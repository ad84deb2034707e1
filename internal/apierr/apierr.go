// Package apierr defines the error taxonomy shared by handlers, the job
// manager and the wire codec. Handlers return *Error values; anything else is
// treated as an internal error and reported with a correlation id only.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error.
type Kind string

const (
	KindValidation    Kind = "Validation"
	KindNotAuthorized Kind = "NotAuthorized"
	KindNotFound      Kind = "NotFound"
	KindAlreadyExists Kind = "AlreadyExists"
	KindConflict      Kind = "Conflict"
	KindTimeout       Kind = "Timeout"
	KindCancelled     Kind = "Cancelled"
	KindTransient     Kind = "Transient"
	KindInternal      Kind = "Internal"
)

// Errno values follow the POSIX numbers the original clients expect.
const (
	ENOENT    = 2
	EAGAIN    = 11
	EACCES    = 13
	EFAULT    = 14
	EBUSY     = 16
	EEXIST    = 17
	EINVAL    = 22
	ETIMEDOUT = 110
	ECANCELED = 125
)

var defaultErrno = map[Kind]int{
	KindValidation:    EINVAL,
	KindNotAuthorized: EACCES,
	KindNotFound:      ENOENT,
	KindAlreadyExists: EEXIST,
	KindConflict:      EBUSY,
	KindTimeout:       ETIMEDOUT,
	KindCancelled:     ECANCELED,
	KindTransient:     EAGAIN,
	KindInternal:      EFAULT,
}

// NotAuthorizedMessage is returned for both unknown and denied methods.
const NotAuthorizedMessage = "Not authorized"

// Error is the tagged error value handlers return.
type Error struct {
	Kind          Kind
	Errno         int
	Message       string
	Extra         any
	CorrelationID string
	cause         error
}

// New constructs an Error of the given kind with the default errno.
func New(kind Kind, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Errno: defaultErrno[kind], Message: msg}
}

// Wrap attaches cause to a new Error so errors.Is/As see through it.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := New(kind, format, args...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithErrno overrides the errno.
func (e *Error) WithErrno(errno int) *Error {
	e.Errno = errno
	return e
}

// WithExtra attaches structured data.
func (e *Error) WithExtra(extra any) *Error {
	e.Extra = extra
	return e
}

// NotAuthorized returns the opaque authorization failure.
func NotAuthorized() *Error {
	return New(KindNotAuthorized, NotAuthorizedMessage)
}

// NotFound reports a missing resource.
func NotFound(format string, args ...any) *Error { return New(KindNotFound, format, args...) }

// AlreadyExists reports a uniqueness violation.
func AlreadyExists(format string, args ...any) *Error { return New(KindAlreadyExists, format, args...) }

// Conflict reports a failed precondition such as a busy lock.
func Conflict(format string, args ...any) *Error { return New(KindConflict, format, args...) }

// Timeout reports an expired deadline.
func Timeout(format string, args ...any) *Error { return New(KindTimeout, format, args...) }

// Cancelled reports a caller-initiated abort.
func Cancelled(format string, args ...any) *Error { return New(KindCancelled, format, args...) }

// Transient reports a retryable adapter failure.
func Transient(cause error, format string, args ...any) *Error {
	return Wrap(KindTransient, cause, format, args...)
}

// Internal wraps a programming error. Only the correlation id reaches the wire.
func Internal(cause error, correlationID string) *Error {
	e := Wrap(KindInternal, cause, "internal error")
	e.CorrelationID = correlationID
	return e
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err carries the supplied kind.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// From maps an arbitrary error onto the taxonomy. Unknown errors become
// Internal with the supplied correlation id.
func From(err error, correlationID string) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, err, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return Wrap(KindCancelled, err, "cancelled")
	}
	return Internal(err, correlationID)
}

// ValidationItem names one rejected field.
type ValidationItem struct {
	Field string `json:"field"`
	Code  string `json:"code"`
	Text  string `json:"text,omitempty"`
}

// Common validation codes.
const (
	CodeRequired    = "required"
	CodeInvalidType = "invalid_type"
	CodeMinLength   = "min_length"
	CodeMaxLength   = "max_length"
	CodeMinimum     = "minimum"
	CodeMaximum     = "maximum"
	CodeEnum        = "enum"
	CodePattern     = "pattern"
	CodeUnexpected  = "unexpected"
	CodeInvalid     = "invalid"
	CodeExists      = "exists"
)

// ValidationErrors accumulates field failures before a handler runs.
type ValidationErrors []ValidationItem

// Add records a failure for field.
func (v *ValidationErrors) Add(field, code, text string) {
	*v = append(*v, ValidationItem{Field: field, Code: code, Text: text})
}

// Extend appends items, optionally nesting their fields under prefix.
func (v *ValidationErrors) Extend(prefix string, items ValidationErrors) {
	for _, item := range items {
		if prefix != "" {
			if item.Field == "" {
				item.Field = prefix
			} else {
				item.Field = prefix + "." + item.Field
			}
		}
		*v = append(*v, item)
	}
}

// Err returns nil when empty, otherwise a Validation *Error.
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	parts := make([]string, 0, len(v))
	for _, item := range v {
		text := item.Text
		if text == "" {
			text = item.Code
		}
		parts = append(parts, fmt.Sprintf("%s: %s", item.Field, text))
	}
	return New(KindValidation, "%s", strings.Join(parts, "; ")).WithExtra([]ValidationItem(v))
}

// Validation returns a single-field validation error.
func Validation(field, code, text string) *Error {
	var v ValidationErrors
	v.Add(field, code, text)
	e, _ := As(v.Err())
	return e
}

// Wire is the JSON error envelope carried in `error` messages and job records.
type Wire struct {
	Errno         int    `json:"errno"`
	Type          string `json:"type"`
	Message       string `json:"message"`
	Extra         any    `json:"extra,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ToWire renders e for clients. Cancelled is reported as Timeout and
// Transient as Internal; their errno keeps the distinction.
func (e *Error) ToWire() Wire {
	typ := string(e.Kind)
	switch e.Kind {
	case KindCancelled:
		typ = string(KindTimeout)
	case KindTransient:
		typ = string(KindInternal)
	}
	msg := e.Message
	if e.Kind == KindInternal {
		msg = "internal error"
		if e.CorrelationID != "" {
			msg = "internal error (id " + e.CorrelationID + ")"
		}
	}
	return Wire{Errno: e.Errno, Type: typ, Message: msg, Extra: e.Extra, CorrelationID: e.CorrelationID}
}

// FromWire rebuilds an *Error from its envelope, used by the client.
func FromWire(w Wire) *Error {
	return &Error{Kind: Kind(w.Type), Errno: w.Errno, Message: w.Message, Extra: w.Extra, CorrelationID: w.CorrelationID}
}
