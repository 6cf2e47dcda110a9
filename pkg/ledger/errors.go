package ledger

import (
	"errors"
	"fmt"

	"github.com/jwaiyaki/kopaloan/pkg/store"
)

// ValidationError covers bad or missing input. Never retried automatically.
type ValidationError struct{ msg string }

func (e *ValidationError) Error() string { return e.msg }

func validationf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// NotFoundError covers missing entities and mismatched loan ownership.
type NotFoundError struct{ msg string }

func (e *NotFoundError) Error() string { return e.msg }

func notFoundf(format string, args ...any) error {
	return &NotFoundError{msg: fmt.Sprintf(format, args...)}
}

// ConsistencyError covers mutations that would break ledger invariants, such
// as an invalid state transition or a payoff above the outstanding amount.
type ConsistencyError struct{ msg string }

func (e *ConsistencyError) Error() string { return e.msg }

func consistencyf(format string, args ...any) error {
	return &ConsistencyError{msg: fmt.Sprintf(format, args...)}
}

// ConflictError signals a concurrent modification; the caller may retry once.
type ConflictError struct{ msg string }

func (e *ConflictError) Error() string { return e.msg }

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsConsistency(err error) bool {
	var e *ConsistencyError
	return errors.As(err, &e)
}

func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// classifyStoreErr lifts the store's sentinel errors into the taxonomy.
func classifyStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return &NotFoundError{msg: err.Error()}
	case errors.Is(err, store.ErrConflict):
		return &ConflictError{msg: err.Error()}
	default:
		return err
	}
}
