// Package apperr classifies failures crossing the HTTP boundary.
//
// Four classes exist: validation (bad request), not-found (no qualifying
// imagery), upstream (the imagery service failed), and internal (everything
// else, tagged with a correlation id for server-side log lookup).
package apperr

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

func Validation(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrInvalidArgument)
}

func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrNotFound)
}

// Upstream wraps a remote imagery service failure. The cause is kept for
// logging but callers should surface only a generic message.
func Upstream(err error, op string) error {
	return fmt.Errorf("imagery %s: %w: %w", op, errdefs.ErrUnavailable, err)
}

// internalError carries a correlation id so operators can find the full
// diagnostics in the logs without the caller ever seeing them.
type internalError struct {
	correlation string
	cause       error
}

func (e *internalError) Error() string {
	return fmt.Sprintf("internal error (ref %s)", e.correlation)
}

func (e *internalError) Unwrap() error { return errdefs.ErrInternal }

// Cause returns the wrapped failure for logging.
func (e *internalError) Cause() error { return e.cause }

// Internal wraps an unexpected failure with a fresh correlation id.
func Internal(err error) error {
	return &internalError{correlation: uuid.NewString(), cause: err}
}

// CorrelationID extracts the correlation reference from an internal error,
// or "" when err is not one.
func CorrelationID(err error) string {
	var ie *internalError
	if errors.As(err, &ie) {
		return ie.correlation
	}
	return ""
}

// InternalCause returns the hidden cause of an internal error for logging.
func InternalCause(err error) error {
	var ie *internalError
	if errors.As(err, &ie) {
		return ie.cause
	}
	return err
}

func IsValidation(err error) bool { return errdefs.IsInvalidArgument(err) }
func IsNotFound(err error) bool   { return errdefs.IsNotFound(err) }
func IsUpstream(err error) bool   { return errdefs.IsUnavailable(err) }
func IsInternal(err error) bool   { return errdefs.IsInternal(err) }
