// Package upgrade runs a batch upgrade job as a cluster-wide singleton: one
// attempt takes the named lock, keeps it alive, drives the worker pool over
// the record store and always releases the lock.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/upgradejob/pkg/batch"
	"github.com/nimburion/upgradejob/pkg/checkpoint"
	"github.com/nimburion/upgradejob/pkg/lock"
	"github.com/nimburion/upgradejob/pkg/observability/logger"
	"github.com/nimburion/upgradejob/pkg/observability/tracing"
	"github.com/nimburion/upgradejob/pkg/resilience"
	"github.com/nimburion/upgradejob/pkg/store"
	"github.com/nimburion/upgradejob/pkg/txn"
)

const (
	DefaultName    = "upgrade-password-hash"
	DefaultTypeID  = "user"
	DefaultLockTTL = 60 * time.Second
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
)

// Config describes one job. Zero values fall back to the package defaults.
type Config struct {
	// Name is the lock name and the label used in logs and metrics.
	Name           string
	TypeID         string
	WindowSize     int64
	Workers        int
	BatchSize      int
	LockTTL        time.Duration
	ErrorBudget    int64
	ItemTimeout    time.Duration
	ItemsPerSecond float64
	// Checkpoint enables resuming from the last saved watermark.
	Checkpoint bool
}

func (c *Config) normalize() {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = DefaultName
	}
	c.TypeID = strings.TrimSpace(c.TypeID)
	if c.TypeID == "" {
		c.TypeID = DefaultTypeID
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
}

// Dependencies are the collaborators of a Runner. Checkpoints and Log are optional.
type Dependencies struct {
	Locks       *lock.Coordinator
	Store       store.QueryStore
	Tx          *txn.Runner
	Worker      batch.Worker
	Checkpoints checkpoint.Store
	Log         logger.Logger
}

// Preparer is implemented by workers that need one-time setup, such as
// registering attributes, before the pool starts.
type Preparer interface {
	Setup(ctx context.Context) error
}

// Runner executes single attempts of a job.
type Runner struct {
	deps   Dependencies
	config Config
	log    logger.Logger

	state   atomic.Int32
	running atomic.Bool

	mu      sync.Mutex
	lastErr error
}

// NewRunner validates the dependencies and builds a Runner.
func NewRunner(deps Dependencies, cfg Config) (*Runner, error) {
	if deps.Locks == nil {
		return nil, fmt.Errorf("%w: lock coordinator is required", ErrInvalidArgument)
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("%w: record store is required", ErrInvalidArgument)
	}
	if deps.Tx == nil {
		return nil, fmt.Errorf("%w: transaction runner is required", ErrInvalidArgument)
	}
	if deps.Worker == nil {
		return nil, fmt.Errorf("%w: worker is required", ErrInvalidArgument)
	}
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	cfg.normalize()
	if cfg.Checkpoint && deps.Checkpoints == nil {
		return nil, fmt.Errorf("%w: checkpoint store is required when checkpoints are enabled", ErrInvalidArgument)
	}

	return &Runner{
		deps:   deps,
		config: cfg,
		log:    deps.Log.With("job", cfg.Name),
	}, nil
}

// Config returns the normalized configuration.
func (r *Runner) Config() Config {
	return r.config
}

// State returns the state of the current or last attempt.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// LastError returns the error that failed the last attempt, if any.
func (r *Runner) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func (r *Runner) setState(state State) {
	r.state.Store(int32(state))
}

// Execute makes one attempt at running the job and returns its counters.
// It never returns an error: a held lock yields SKIPPED, a lost lock or a
// cancelled ctx ends the run as COMPLETED with partial counters, and
// failures, including panics escaping the run, are reported through State
// and LastError. The lock is released on every path.
func (r *Runner) Execute(ctx context.Context) batch.Snapshot {
	progress := batch.NewProgress()
	if !r.running.CompareAndSwap(false, true) {
		r.log.Debug("run already in progress in this process")
		return progress.Snapshot()
	}
	defer r.running.Store(false)

	r.mu.Lock()
	r.lastErr = nil
	r.mu.Unlock()

	r.setState(StateAcquiringLock)
	lease, err := r.deps.Locks.Acquire(ctx, r.config.Name, r.config.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLockUnavailable) {
			r.log.Debug("lock held elsewhere, skipping run", "lock", r.config.Name)
			r.finish(StateSkipped, nil)
			return progress.Snapshot()
		}
		r.log.Error("lock acquisition failed", "lock", r.config.Name, "error", err)
		r.finish(StateFailed, err)
		return progress.Snapshot()
	}

	runID := uuid.NewString()
	ctx = logger.ContextWithRunID(ctx, runID)
	log := r.log.WithContext(ctx)
	spanCtx, span := tracing.StartJobSpan(ctx, tracing.SpanOperationJobRun,
		tracing.WithJobName(r.config.Name),
		tracing.WithJobRunID(runID),
	)
	defer span.End()

	runCtx, cancelRun := context.WithCancelCause(spanCtx)
	defer cancelRun(nil)

	var active, lost atomic.Bool
	active.Store(true)
	stopHeartbeat := r.deps.Locks.Refresh(ctx, lease, r.config.LockTTL, lock.RefreshFuncs{
		Active: active.Load,
		Released: func() {
			lost.Store(true)
			cancelRun(lock.ErrLockLost)
		},
	})

	started := time.Now()
	r.setState(StateRunning)
	progress.SetInProgress(true)

	cleanup := sync.OnceFunc(func() {
		active.Store(false)
		stopHeartbeat()
		progress.SetInProgress(false)
		if err := r.deps.Locks.Release(context.WithoutCancel(ctx), lease); err != nil {
			log.Warn("lock release failed", "lock", r.config.Name, "error", err)
		}
	})
	defer cleanup()

	runErr := resilience.Protect(runCtx, func(ctx context.Context) error {
		return r.run(ctx, log, progress, &lost)
	})
	cleanup()

	snapshot := progress.Snapshot()
	state := StateCompleted
	switch {
	case lost.Load() && (runErr == nil || interrupted(runErr)):
		tracing.RecordSuccess(span)
		log.Warn("lock lost, run stopped early", "summary", snapshot.Summary(), "cause", context.Cause(runCtx))
	case ctx.Err() != nil && (runErr == nil || interrupted(runErr)):
		tracing.RecordSuccess(span)
		log.Warn("run cancelled", "summary", snapshot.Summary())
	case runErr != nil:
		state = StateFailed
		tracing.RecordError(span, runErr)
		fields := []any{
			"processed", snapshot.Processed,
			"changed", snapshot.Changed,
			"errors", snapshot.Errors,
			"error", runErr,
		}
		var panicErr *resilience.PanicError
		if errors.As(runErr, &panicErr) {
			fields = append(fields, "stack", string(panicErr.Stack))
		}
		log.Error("run failed", fields...)
	default:
		tracing.RecordSuccess(span)
		log.Info("run finished", "summary", snapshot.Summary(), "duration", time.Since(started))
	}
	if state != StateFailed {
		runErr = nil
	}

	observeRunDuration(r.config.Name, state, time.Since(started).Seconds())
	recordRunCounters(r.config.Name, snapshot.Processed, snapshot.Changed, snapshot.Errors)
	r.finish(state, runErr)
	return snapshot
}

// interrupted reports whether err only reflects the run context being cancelled.
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, lock.ErrLockLost)
}

func (r *Runner) finish(state State, err error) {
	if err != nil {
		r.mu.Lock()
		r.lastErr = err
		r.mu.Unlock()
	}
	r.setState(state)
	recordRun(r.config.Name, state)
}

func (r *Runner) run(ctx context.Context, log logger.Logger, progress *batch.Progress, lost *atomic.Bool) error {
	if err := r.setup(ctx); err != nil {
		return err
	}

	startAt, err := r.resumePoint(ctx, log)
	if err != nil {
		return err
	}

	provider, err := batch.NewWindowedProvider(ctx, r.deps.Store, progress, batch.ProviderConfig{
		TypeID:      r.config.TypeID,
		WindowSize:  r.config.WindowSize,
		ErrorBudget: r.config.ErrorBudget,
		StartAt:     startAt,
	})
	if err != nil {
		return err
	}

	total, err := provider.EstimatedTotal(ctx)
	if err != nil {
		log.Warn("estimating total failed", "error", err)
		total = -1
	}
	log.Info("run started",
		"type", r.config.TypeID,
		"estimated_total", total,
		"max_id", provider.MaxID(),
		"start_at", startAt,
	)

	var afterBatch func(context.Context, batch.Batch)
	if r.config.Checkpoint {
		afterBatch = func(ctx context.Context, _ batch.Batch) {
			if lost.Load() {
				return
			}
			watermark := provider.Watermark()
			if err := r.deps.Checkpoints.Save(context.WithoutCancel(ctx), r.config.Name, watermark); err != nil {
				log.Warn("saving checkpoint failed", "cursor", watermark, "error", err)
			}
		}
	}

	processor, err := batch.NewProcessor(batch.ProcessorConfig{
		Name:           r.config.Name,
		Workers:        r.config.Workers,
		BatchSize:      r.config.BatchSize,
		ItemTimeout:    r.config.ItemTimeout,
		ItemsPerSecond: r.config.ItemsPerSecond,
		AfterBatch:     afterBatch,
	}, r.deps.Tx, progress, log)
	if err != nil {
		return err
	}

	if err := processor.Process(ctx, provider, r.deps.Worker); err != nil {
		return err
	}

	switch {
	case provider.BudgetExhausted():
		log.Warn("error budget exhausted, stopped discovering work",
			"errors", progress.Errors(),
			"budget", r.config.ErrorBudget,
		)
	case !provider.Exhausted():
		log.Info("scan stopped before the end of the id space",
			"watermark", provider.Watermark(),
			"max_id", provider.MaxID(),
		)
	}
	if r.config.Checkpoint && provider.Watermark() > provider.MaxID() && !lost.Load() {
		if err := r.deps.Checkpoints.Clear(context.WithoutCancel(ctx), r.config.Name); err != nil {
			log.Warn("clearing checkpoint failed", "error", err)
		}
	}
	return nil
}

func (r *Runner) setup(ctx context.Context) error {
	preparer, ok := r.deps.Worker.(Preparer)
	if !ok {
		return nil
	}
	spanCtx, span := tracing.StartJobSpan(ctx, tracing.SpanOperationJobSetup, tracing.WithJobName(r.config.Name))
	defer span.End()

	err := r.deps.Tx.Do(spanCtx, txn.Options{Writable: true, RequiresNew: true}, preparer.Setup)
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("setup: %w", err)
	}
	tracing.RecordSuccess(span)
	return nil
}

func (r *Runner) resumePoint(ctx context.Context, log logger.Logger) (int64, error) {
	if !r.config.Checkpoint {
		return 0, nil
	}
	cursor, found, err := r.deps.Checkpoints.Load(ctx, r.config.Name)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	if !found || cursor <= 1 {
		return 0, nil
	}
	log.Info("resuming from checkpoint", "cursor", cursor)
	return cursor, nil
}
