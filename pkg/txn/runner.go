// Package txn runs units of work inside retryable store transactions.
package txn

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nimburion/upgradejob/pkg/observability/logger"
	"github.com/nimburion/upgradejob/pkg/observability/tracing"
	"github.com/nimburion/upgradejob/pkg/store"
)

const (
	DefaultMaxAttempts    = 20
	DefaultInitialBackoff = 10 * time.Millisecond
	DefaultMaxBackoff     = time.Second
)

// Options mirror store.TxOptions.
type Options struct {
	Writable    bool
	RequiresNew bool
}

// RetryPolicy bounds how often a conflicting unit of work is re-run.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// TransactionError reports a unit of work that could not be committed.
type TransactionError struct {
	Attempts int
	Err      error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// Runner executes functions in store transactions, retrying on conflicts.
type Runner struct {
	tx         store.Transactor
	policy     RetryPolicy
	log        logger.Logger
	newBackOff func(RetryPolicy) backoff.BackOff
}

// NewRunner creates a Runner over the given transactor.
func NewRunner(tx store.Transactor, policy RetryPolicy, log logger.Logger) (*Runner, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: transactor is required", store.ErrInvalidArgument)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Runner{
		tx:         tx,
		policy:     policy.normalize(),
		log:        log,
		newBackOff: exponentialBackOff,
	}, nil
}

// Policy returns the normalized retry policy.
func (r *Runner) Policy() RetryPolicy {
	return r.policy
}

type activeKey struct{}

// Do runs fn in a transaction. Conflicts (errors.Is(err, store.ErrConflict))
// re-run the whole function; other errors stop immediately. When ctx already
// carries a transaction started by a Runner and RequiresNew is false, fn joins
// it and runs exactly once so that the outer transaction owns the retry.
func (r *Runner) Do(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("%w: unit of work is required", store.ErrInvalidArgument)
	}
	txOpts := store.TxOptions{Writable: opts.Writable, RequiresNew: opts.RequiresNew}

	if ctx.Value(activeKey{}) != nil && !opts.RequiresNew {
		return r.tx.RunInTransaction(ctx, txOpts, fn)
	}

	attempts := 0
	operation := func() error {
		attempts++
		spanCtx, span := tracing.StartDatabaseSpan(ctx, tracing.SpanOperationDBTx)
		defer span.End()

		err := r.tx.RunInTransaction(spanCtx, txOpts, func(txCtx context.Context) error {
			return fn(context.WithValue(txCtx, activeKey{}, struct{}{}))
		})
		if err == nil {
			tracing.RecordSuccess(span)
			recordAttempt("committed")
			return nil
		}
		tracing.RecordError(span, err)
		if !store.IsTransient(err) {
			recordAttempt("failed")
			return backoff.Permanent(err)
		}
		recordAttempt("conflict")
		r.log.Debug("transaction conflict, retrying",
			"attempt", attempts,
			"max_attempts", r.policy.MaxAttempts,
			"error", err,
		)
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(r.newBackOff(r.policy), uint64(r.policy.MaxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(operation, b); err != nil {
		return &TransactionError{Attempts: attempts, Err: err}
	}
	return nil
}

// Run is Do for functions that produce a value.
func Run[T any](ctx context.Context, r *Runner, opts Options, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, opts, func(txCtx context.Context) error {
		value, err := fn(txCtx)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func exponentialBackOff(policy RetryPolicy) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialBackoff
	b.MaxInterval = policy.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
