package fetcher

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a fetch failure
type Kind string

const (
	// KindNotFound means the subject or unit does not exist upstream
	KindNotFound Kind = "not-found"
	// KindRateLimited means the upstream throttled the request
	KindRateLimited Kind = "rate-limited"
	// KindTransient covers network failures and upstream 5xx responses
	KindTransient Kind = "transient"
	// KindPermanent covers failures that will not succeed on retry
	KindPermanent Kind = "permanent"
	// KindTimeout means the fetch or the run deadline elapsed
	KindTimeout Kind = "timeout"
	// KindCanceled means the caller canceled before the fetch was issued
	KindCanceled Kind = "canceled"
)

// Retryable reports whether a failure of this kind may succeed on retry
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}

// Error is a classified fetch failure
type Error struct {
	Kind    Kind
	Subject string
	Unit    string
	Err     error
}

// NewError creates a classified error
func NewError(kind Kind, subject, unit string, err error) *Error {
	return &Error{Kind: kind, Subject: subject, Unit: unit, Err: err}
}

// Error returns the error message
func (e *Error) Error() string {
	target := e.Subject
	if e.Unit != "" {
		target += "/" + e.Unit
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", target, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", target, e.Kind, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf classifies err. Context errors map to timeout and canceled,
// unclassified errors are transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fetchErr *Error
	if errors.As(err, &fetchErr) {
		return fetchErr.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindTransient
	}
}

// classify wraps err with the kind computed by fn, keeping an existing
// classification and context errors intact
func classify(subject, unit string, err error, fn func(error) (Kind, bool)) error {
	if err == nil {
		return nil
	}
	var fetchErr *Error
	if errors.As(err, &fetchErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewError(KindOf(err), subject, unit, err)
	}
	if kind, ok := fn(err); ok {
		return NewError(kind, subject, unit, err)
	}
	return NewError(KindTransient, subject, unit, err)
}
