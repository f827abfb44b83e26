package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound classifies missing records.
	ErrNotFound = errors.New("store not found")
	// ErrConflict classifies transient concurrency conflicts that are safe to retry.
	ErrConflict = errors.New("store conflict")
	// ErrReadOnly is returned when writing inside a read-only transaction.
	ErrReadOnly = errors.New("store read-only transaction")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("store invalid argument")
	// ErrNotInitialized classifies missing store initialization.
	ErrNotInitialized = errors.New("store not initialized")
)

func storeError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// OptimisticLockError is returned when a versioned update loses a race.
type OptimisticLockError struct {
	RecordID int64
	Expected int64
	Actual   int64
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("optimistic lock failed for record %d: expected version %d, got %d",
		e.RecordID, e.Expected, e.Actual)
}

// Is reports optimistic lock failures as ErrConflict.
func (e *OptimisticLockError) Is(target error) bool {
	return target == ErrConflict
}

// NewOptimisticLockError creates a new OptimisticLockError
func NewOptimisticLockError(recordID, expected, actual int64) *OptimisticLockError {
	return &OptimisticLockError{
		RecordID: recordID,
		Expected: expected,
		Actual:   actual,
	}
}

// IsTransient reports whether err is a conflict worth retrying.
func IsTransient(err error) bool {
	return err != nil && errors.Is(err, ErrConflict)
}
