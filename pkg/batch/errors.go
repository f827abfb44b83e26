package batch

import (
	"errors"
	"fmt"
)

var (
	// ErrFatal classifies failures that abort the whole run (provider or
	// store unreachable), as opposed to per-item failures.
	ErrFatal = errors.New("batch fatal error")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("batch invalid argument")
)

func batchError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
