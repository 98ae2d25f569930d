// Package syncerr holds the error taxonomy shared by the sync engine. Every
// error leaving a component is tagged with exactly one of the kinds below so
// callers can branch with errors.Is.
package syncerr

import (
	"github.com/cockroachdb/errors"
)

var (
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrRemoteRejected     = errors.New("remote rejected")
	ErrResourceBusy       = errors.New("resource busy")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrInvalidOperation   = errors.New("invalid operation")
	ErrNotFound           = errors.New("not found")
)

var kinds = []error{
	ErrNetworkUnavailable,
	ErrRemoteRejected,
	ErrResourceBusy,
	ErrPermissionDenied,
	ErrInvalidOperation,
	ErrNotFound,
}

// kindError tags err with a taxonomy kind. The kind is reachable through Is,
// so both the standard errors.Is and cockroach's errors.Is match it.
type kindError struct {
	err  error
	kind error
}

func (e *kindError) Error() string { return e.err.Error() }

func (e *kindError) Unwrap() error { return e.err }

func (e *kindError) Is(target error) bool { return target == e.kind }

// Newf builds an error of the given kind.
func Newf(kind error, format string, args ...interface{}) error {
	return &kindError{err: errors.Newf(format, args...), kind: kind}
}

// Wrapf tags cause with kind and adds context.
func Wrapf(kind error, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return Newf(kind, format, args...)
	}
	return &kindError{err: errors.Wrapf(cause, format, args...), kind: kind}
}

// Kind returns the taxonomy kind of err, or nil when err carries none.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Retryable reports whether the user can reasonably retry the operation.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
