package quill

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers branch on.
var (
	// ErrTransient marks a failure that is expected to succeed on retry:
	// network errors, 5xx responses, missing auth token. Wrapped by the
	// remote client; matched with errors.Is.
	ErrTransient = errors.New("transient failure")

	// ErrNotImplemented is returned for merge conflict resolution, which
	// has no defined semantics yet.
	ErrNotImplemented = errors.New("not implemented")

	// ErrRevisionMismatch is returned by a conditional node push when the
	// server's current revision no longer matches the base revision.
	ErrRevisionMismatch = errors.New("revision mismatch")

	// ErrNotFound is returned when a ledger row does not exist.
	ErrNotFound = errors.New("not found")
)

// ValidationError rejects content before any I/O happens. The caller can
// recover by choosing different input.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// Transient wraps err so that errors.Is(err, ErrTransient) holds, keeping
// the original error visible in the chain.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
