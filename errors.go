package chocola

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrRetry is returned by a transactional operation when the current attempt can no longer commit, because a
	// newer version was committed, a lock could not be taken in time, or the history no longer holds a version old
	// enough for the attempt's read point. The engine catches it and runs the transaction again, it is never returned
	// from Engine.Run.
	ErrRetry = errors.New("transaction attempt must be retried")

	// ErrStopped is returned when the attempt a Tx belongs to is no longer running. This happens after the attempt was
	// killed by an older transaction, or after it gave up waiting on another writer. Like ErrRetry it only causes the
	// engine to start another attempt.
	ErrStopped = errors.New("transaction is no longer running")

	// ErrUnbound is returned when reading a ref that has never had a value committed to it.
	ErrUnbound = errors.New("ref is unbound")

	// ErrIllegalState is returned (wrapped with a reason) when the API is misused: setting a ref after commuting it in
	// the same attempt, calling a transactional operation without a transaction, or binding two units of work to one
	// context.
	ErrIllegalState = errors.New("illegal state")

	// ErrRetryLimit is returned when a transaction has been attempted Options.RetryLimit times without committing.
	ErrRetryLimit = errors.New("transaction failed after reaching retry limit")

	// ErrCancelled is returned when joining a unit of work that was cancelled before it started.
	ErrCancelled = errors.New("unit of work was cancelled")

	// ErrTimeout is returned by Future.JoinTimeout when the unit of work did not finish in time.
	ErrTimeout = errors.New("timed out waiting for unit of work")

	// ErrClosed is returned when a transaction is started on an engine that has been closed.
	ErrClosed = errors.New("engine is closed")
)

type (
	// ValidationError is returned from Engine.Run when a ref's validator rejects the value a transaction tried to
	// commit. Transactions failing validation are not retried.
	ValidationError struct {
		Ref   *Ref
		Value interface{}
		Err   error
	}
)

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value for ref %d: %v", e.Ref.id, e.Err)
}

// Unwrap returns the validator's error. There is no Cause method, errors.Cause stops at a ValidationError.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// isRetryable reports whether err only signals that the current attempt has to be thrown away. Both pkg/errors and
// fmt.Errorf wrapping are followed. A validation failure is never retried, even when the validator returned ErrRetry.
func isRetryable(err error) bool {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}

	return errors.Is(err, ErrRetry) || errors.Is(err, ErrStopped)
}

func illegalState(reason string) error {
	return errors.Wrap(ErrIllegalState, reason)
}
