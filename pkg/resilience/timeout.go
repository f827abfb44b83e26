// Package resilience bounds the execution of caller-supplied work.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

var (
	// ErrTimeout is returned when an operation exceeds its timeout
	ErrTimeout = errors.New("operation timed out")
	// ErrPanic classifies operations that panicked.
	ErrPanic = errors.New("operation panicked")
)

// PanicError carries a recovered panic value and the goroutine stack.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) Is(target error) bool {
	return target == ErrPanic
}

// Protect runs fn, converting a panic into a *PanicError.
func Protect(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

// WithTimeout executes fn with a timeout. If fn does not complete in time
// ErrTimeout is returned and fn keeps running with a cancelled context.
// A non-positive timeout runs fn without a deadline. Panics in fn are
// returned as *PanicError.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return Protect(ctx, fn)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Protect(timeoutCtx, fn)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return timeoutCtx.Err()
	}
}
