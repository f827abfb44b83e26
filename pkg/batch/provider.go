package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nimburion/upgradejob/pkg/store"
)

const (
	DefaultWindowSize  int64 = 10000
	DefaultErrorBudget int64 = 1000
)

// ProviderConfig configures a WindowedProvider.
type ProviderConfig struct {
	// TypeID selects the eligible records.
	TypeID string
	// WindowSize is the width of each identifier window.
	WindowSize int64
	// ErrorBudget stops work discovery once this many items failed. Negative
	// disables the budget.
	ErrorBudget int64
	// StartAt is the first identifier of the first window (default 1).
	StartAt int64
}

func (c *ProviderConfig) normalize() error {
	c.TypeID = strings.TrimSpace(c.TypeID)
	if c.TypeID == "" {
		return batchError(ErrInvalidArgument, "type id is required")
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.ErrorBudget == 0 {
		c.ErrorBudget = DefaultErrorBudget
	}
	if c.StartAt <= 0 {
		c.StartAt = 1
	}
	return nil
}

// WindowedProvider scans the identifier space in fixed-size windows, from
// StartAt up to the maximum identifier observed at construction. Windows are
// handed out through an atomic cursor so concurrent callers never overlap,
// and a window is never revisited once advanced past: records inserted
// behind the cursor are left for the next run.
type WindowedProvider struct {
	store    store.QueryStore
	progress *Progress
	config   ProviderConfig
	maxID    int64

	// cursor is the MinID of the last issued window; 0 means not started.
	cursor atomic.Int64

	// mu guards the issued-window bookkeeping behind Watermark.
	mu       sync.Mutex
	pending  map[int64]struct{}
	frontier int64
}

// NewWindowedProvider snapshots the high-water mark of the store.
func NewWindowedProvider(ctx context.Context, qs store.QueryStore, progress *Progress, cfg ProviderConfig) (*WindowedProvider, error) {
	if qs == nil {
		return nil, batchError(ErrInvalidArgument, "query store is required")
	}
	if progress == nil {
		return nil, batchError(ErrInvalidArgument, "progress is required")
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	maxID, err := qs.MaxID(ctx)
	if err != nil {
		return nil, errors.Join(batchError(ErrFatal, "read max id failed"), err)
	}

	return &WindowedProvider{
		store:    qs,
		progress: progress,
		config:   cfg,
		maxID:    maxID,
		pending:  map[int64]struct{}{},
		frontier: cfg.StartAt,
	}, nil
}

// MaxID returns the high-water mark snapshot.
func (p *WindowedProvider) MaxID() int64 {
	return p.maxID
}

// EstimatedTotal counts eligible records. Sizing only; not used for correctness.
func (p *WindowedProvider) EstimatedTotal(ctx context.Context) (int64, error) {
	return p.store.CountByType(ctx, p.config.TypeID)
}

// BudgetExhausted reports whether the error budget has been used up.
func (p *WindowedProvider) BudgetExhausted() bool {
	return p.config.ErrorBudget > 0 && p.progress.Errors() >= p.config.ErrorBudget
}

// Exhausted reports whether every window up to MaxID has been issued.
func (p *WindowedProvider) Exhausted() bool {
	next := p.cursor.Load()
	if next == 0 {
		return p.config.StartAt > p.maxID
	}
	return next+p.config.WindowSize > p.maxID
}

// NextBatch returns the items of the next non-empty window, or an empty batch
// when the scan is finished or the error budget is exhausted. Query failures
// are wrapped in ErrFatal.
func (p *WindowedProvider) NextBatch(ctx context.Context) (Batch, error) {
	for {
		if p.BudgetExhausted() {
			return Batch{}, nil
		}

		window, ok := p.issueWindow()
		if !ok {
			return Batch{}, nil
		}

		ids, err := p.store.QueryIDsByTypeInRange(ctx, p.config.TypeID, window.MinID, window.MaxID)
		if err != nil {
			return Batch{}, errors.Join(
				batchError(ErrFatal, fmt.Sprintf("query window [%d,%d] failed", window.MinID, window.MaxID)),
				err,
			)
		}
		p.progress.ObserveCursor(window.MaxID)

		items := make([]Item, 0, len(ids))
		for _, id := range ids {
			if window.Contains(id) {
				items = append(items, Item{ID: id})
			}
		}
		if len(items) == 0 {
			p.Complete(window)
			continue
		}
		return Batch{Window: window, Items: items}, nil
	}
}

// issueWindow advances the cursor by one window. The first caller moves it
// from 0 to StartAt; everyone else adds WindowSize.
func (p *WindowedProvider) issueWindow() (Window, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var minID int64
	if p.cursor.CompareAndSwap(0, p.config.StartAt) {
		minID = p.config.StartAt
	} else {
		minID = p.cursor.Add(p.config.WindowSize)
	}
	if minID > p.maxID {
		return Window{}, false
	}

	maxID := minID + p.config.WindowSize - 1
	if maxID > p.maxID {
		maxID = p.maxID
	}
	p.pending[minID] = struct{}{}
	p.frontier = maxID + 1
	return Window{MinID: minID, MaxID: maxID}, true
}

// Complete marks a window as fully handled.
func (p *WindowedProvider) Complete(window Window) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, window.MinID)
}

// Watermark returns the lowest identifier that is not known to be handled:
// every eligible id below it has been processed. Resuming a later run at the
// watermark repeats at most the windows that were in flight.
func (p *WindowedProvider) Watermark() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	lowest := p.frontier
	for minID := range p.pending {
		if minID < lowest {
			lowest = minID
		}
	}
	return lowest
}
