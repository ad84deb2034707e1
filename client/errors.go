package client

import (
	"errors"

	"pkt.systems/middlewared/internal/apierr"
)

// Error is the structured failure returned by the daemon.
type Error = apierr.Error

// Kind classifies an Error.
type Kind = apierr.Kind

// Error kinds reported by the daemon. Cancelled calls arrive as
// KindTimeout and transient failures as KindInternal; Errno keeps the
// distinction.
const (
	KindValidation    = apierr.KindValidation
	KindNotAuthorized = apierr.KindNotAuthorized
	KindNotFound      = apierr.KindNotFound
	KindAlreadyExists = apierr.KindAlreadyExists
	KindConflict      = apierr.KindConflict
	KindTimeout       = apierr.KindTimeout
	KindInternal      = apierr.KindInternal
)

var (
	// ErrClosed is returned once the connection has gone away.
	ErrClosed = errors.New("client: connection closed")
	// ErrLoginFailed is returned when the daemon rejects credentials.
	ErrLoginFailed = errors.New("client: login failed")
	// ErrSlowConsumer ends a subscription whose event buffer filled up.
	ErrSlowConsumer = errors.New("client: subscription buffer full")
)

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return apierr.IsKind(err, kind)
}

// AsError extracts the daemon error from err.
func AsError(err error) (*Error, bool) {
	return apierr.As(err)
}
