package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/mxf/pkg/models"
)

// ErrProviderNotFound indicates the requested provider is not
// registered with the gateway.
var ErrProviderNotFound = errors.New("llm provider not found")

// Error is a structured gateway failure surfaced to the executor.
type Error struct {
	Kind     models.ErrorKind
	Provider string
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("llm %s [%s]: %v", e.Provider, e.Kind, e.Cause)
	}
	return fmt.Sprintf("llm %s [%s]", e.Provider, e.Kind)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// newError wraps a provider failure, classifying cancellation.
func newError(provider string, err error) *Error {
	kind := models.KindProviderUnavailable
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = models.KindCancelled
	}
	return &Error{Kind: kind, Provider: provider, Cause: err}
}

// transientError marks failures worth retrying: 5xx responses,
// connection resets, and rate limits with a retry window.
type transientError struct {
	err error
}

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// MarkTransient wraps err so the gateway retries it with backoff.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked transient by a provider.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
