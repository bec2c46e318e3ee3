package consent

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrValidation       = errors.New("validation error")
	ErrConflict         = errors.New("conflict")
	ErrRuleEvaluation   = errors.New("rule evaluation error")
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrAlreadyRevoked and ErrConcurrentModification both match ErrConflict.
	ErrAlreadyRevoked         = fmt.Errorf("%w: contract already revoked", ErrConflict)
	ErrConcurrentModification = fmt.Errorf("%w: contract status changed concurrently", ErrConflict)
)

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// storeError normalises an error returned by a store call. A deadline
// becomes ErrStoreUnavailable so callers can retry; everything else keeps its
// kind and gains the operation name.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w: timed out", op, ErrStoreUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryable reports whether err is a transient store failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
