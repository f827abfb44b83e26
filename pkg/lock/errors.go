package lock

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies invalid provider configuration.
	ErrValidation = errors.New("lock validation error")
	// ErrConflict classifies token mismatches: the lease is no longer ours.
	ErrConflict = errors.New("lock conflict")
	// ErrRetryable classifies transient backend failures that may succeed on retry.
	ErrRetryable = errors.New("lock retryable error")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("lock invalid argument")
	// ErrNotInitialized classifies missing backend initialization.
	ErrNotInitialized = errors.New("lock not initialized")
	// ErrLockUnavailable means another holder owns the lock. Not a failure.
	ErrLockUnavailable = errors.New("lock unavailable")
	// ErrLockLost means a held lease expired or was taken over.
	ErrLockLost = errors.New("lock lost")
)

func lockError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

func validateLease(lease *LockLease) error {
	if lease == nil {
		return lockError(ErrInvalidArgument, "lease is required")
	}
	if lease.Key == "" || lease.Token == "" {
		return lockError(ErrInvalidArgument, "lease key and token are required")
	}
	return nil
}
