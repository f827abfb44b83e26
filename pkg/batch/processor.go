package batch

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nimburion/upgradejob/pkg/observability/logger"
	"github.com/nimburion/upgradejob/pkg/observability/tracing"
	"github.com/nimburion/upgradejob/pkg/resilience"
	"github.com/nimburion/upgradejob/pkg/txn"
)

const (
	DefaultWorkers   = 2
	DefaultBatchSize = 100
)

// ProcessorConfig configures the worker pool.
type ProcessorConfig struct {
	// Name labels logs, spans and metrics.
	Name      string
	Workers   int
	BatchSize int
	// ItemTimeout bounds one item's transaction; zero means no bound.
	ItemTimeout time.Duration
	// ItemsPerSecond throttles the whole pool; zero means unlimited.
	ItemsPerSecond float64
	// AfterBatch, when set, is called after every batch that was processed to
	// the end.
	AfterBatch func(ctx context.Context, batch Batch)
}

func (c *ProcessorConfig) normalize() {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = "batch"
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ItemTimeout < 0 {
		c.ItemTimeout = 0
	}
}

// Processor runs a fixed pool of workers that pull batches from a Provider
// and apply a Worker to each item in its own transaction.
type Processor struct {
	config   ProcessorConfig
	runner   *txn.Runner
	progress *Progress
	log      logger.Logger
	limiter  *rate.Limiter
}

// NewProcessor builds a Processor.
func NewProcessor(cfg ProcessorConfig, runner *txn.Runner, progress *Progress, log logger.Logger) (*Processor, error) {
	if runner == nil {
		return nil, batchError(ErrInvalidArgument, "transaction runner is required")
	}
	if progress == nil {
		return nil, batchError(ErrInvalidArgument, "progress is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	cfg.normalize()

	var limiter *rate.Limiter
	if cfg.ItemsPerSecond > 0 {
		burst := int(cfg.ItemsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.ItemsPerSecond), burst)
	}

	return &Processor{
		config:   cfg,
		runner:   runner,
		progress: progress,
		log:      log,
		limiter:  limiter,
	}, nil
}

// Process drives the pool until the provider is exhausted, ctx is cancelled or
// a fatal error occurs. Per-item failures are counted and never returned.
// Cancellation is cooperative: the sub-batch in flight is finished, then no
// new work is requested, and Process returns nil.
func (p *Processor) Process(ctx context.Context, provider Provider, worker Worker) error {
	if provider == nil {
		return batchError(ErrInvalidArgument, "provider is required")
	}
	if worker == nil {
		return batchError(ErrInvalidArgument, "worker is required")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.Workers; i++ {
		workerID := i
		group.Go(func() error {
			return p.runWorker(groupCtx, workerID, provider, worker)
		})
	}
	return group.Wait()
}

func (p *Processor) runWorker(ctx context.Context, workerID int, provider Provider, worker Worker) error {
	log := p.log.With("job", p.config.Name, "worker", workerID)
	incrementWorkersActive(p.config.Name)
	defer decrementWorkersActive(p.config.Name)

	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := provider.NextBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			recordBatch(p.config.Name, "fatal")
			log.Error("work discovery failed", "error", err)
			if !errors.Is(err, ErrFatal) {
				err = errors.Join(batchError(ErrFatal, "next batch failed"), err)
			}
			return err
		}
		if batch.Empty() {
			log.Debug("no more work")
			return nil
		}

		if p.processBatch(ctx, log, batch, worker) {
			recordBatch(p.config.Name, "completed")
			if tracker, ok := provider.(WindowTracker); ok {
				tracker.Complete(batch.Window)
			}
			if p.config.AfterBatch != nil {
				p.config.AfterBatch(ctx, batch)
			}
		} else {
			recordBatch(p.config.Name, "interrupted")
		}
	}
}

// processBatch handles the batch in sub-batches of BatchSize and reports
// whether every item was attempted.
func (p *Processor) processBatch(ctx context.Context, log logger.Logger, batch Batch, worker Worker) bool {
	spanCtx, span := tracing.StartJobSpan(ctx, tracing.SpanOperationJobBatch,
		tracing.WithJobName(p.config.Name),
		tracing.WithJobWindow(batch.Window.MinID, batch.Window.MaxID),
		tracing.WithJobItemCount(len(batch.Items)),
	)
	defer span.End()

	// In-flight items are never preempted: they run on a context that
	// ignores cancellation and are bounded by ItemTimeout instead.
	itemCtx := context.WithoutCancel(spanCtx)

	for start := 0; start < len(batch.Items); start += p.config.BatchSize {
		if start > 0 && ctx.Err() != nil {
			log.Info("stopping before next sub-batch",
				"window_min", batch.Window.MinID,
				"window_max", batch.Window.MaxID,
				"remaining", len(batch.Items)-start,
			)
			return false
		}
		end := start + p.config.BatchSize
		if end > len(batch.Items) {
			end = len(batch.Items)
		}
		for _, item := range batch.Items[start:end] {
			if p.limiter != nil {
				// Throttling waits are bounded by the rate and, like the
				// items, do not observe cancellation mid sub-batch.
				if err := p.limiter.Wait(itemCtx); err != nil {
					return false
				}
			}
			p.processItem(itemCtx, log, item, worker)
		}
	}
	tracing.RecordSuccess(span)
	return true
}

func (p *Processor) processItem(ctx context.Context, log logger.Logger, item Item, worker Worker) {
	p.progress.IncrementProcessed()

	var outcome Outcome
	err := resilience.WithTimeout(ctx, p.config.ItemTimeout, func(timeoutCtx context.Context) error {
		committed, err := txn.Run(timeoutCtx, p.runner, txn.Options{Writable: true}, func(txCtx context.Context) (Outcome, error) {
			result := worker.Process(txCtx, item)
			if result.Outcome == OutcomeFailed {
				return OutcomeFailed, result.Err
			}
			return result.Outcome, nil
		})
		outcome = committed
		return err
	})

	if err != nil {
		p.progress.IncrementErrors()
		recordItem(p.config.Name, OutcomeFailed.String())
		log.Warn("item failed",
			"id", item.ID,
			"label", p.label(ctx, worker, item),
			"error", err,
		)
		return
	}
	if outcome == OutcomeChanged {
		p.progress.IncrementChanged()
	}
	recordItem(p.config.Name, outcome.String())
}

func (p *Processor) label(ctx context.Context, worker Worker, item Item) (label string) {
	err := resilience.Protect(ctx, func(ctx context.Context) error {
		label = worker.Label(ctx, item)
		return nil
	})
	if err != nil || label == "" {
		return "unknown"
	}
	return label
}
