package batch

import "context"

// Item is one unit of work: the identifier of a record.
type Item struct {
	ID int64
}

// Window is an inclusive identifier range.
type Window struct {
	MinID int64
	MaxID int64
}

// Contains reports whether id falls within the window.
func (w Window) Contains(id int64) bool {
	return id >= w.MinID && id <= w.MaxID
}

// Batch is the set of items found in one window. An empty batch means no
// more work.
type Batch struct {
	Window Window
	Items  []Item
}

// Empty reports whether the batch carries no items.
func (b Batch) Empty() bool {
	return len(b.Items) == 0
}

// Outcome is the result kind of processing one item.
type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeChanged
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeChanged:
		return "changed"
	case OutcomeFailed:
		return "failed"
	default:
		return "unchanged"
	}
}

// Result is returned by a Worker for each item.
type Result struct {
	Outcome Outcome
	Err     error
}

// Unchanged means the item needed no upgrade.
func Unchanged() Result { return Result{Outcome: OutcomeUnchanged} }

// Changed means the item was upgraded.
func Changed() Result { return Result{Outcome: OutcomeChanged} }

// Failed means the item could not be processed. A nil err is still a failure.
func Failed(err error) Result {
	if err == nil {
		err = batchError(ErrInvalidArgument, "item failed without a reason")
	}
	return Result{Outcome: OutcomeFailed, Err: err}
}

// Worker is the domain callback applied to every item, inside a writable
// transaction. Label resolves a human readable name for diagnostics.
type Worker interface {
	Process(ctx context.Context, item Item) Result
	Label(ctx context.Context, item Item) string
}

// Provider yields batches until it returns an empty one.
type Provider interface {
	NextBatch(ctx context.Context) (Batch, error)
}

// WindowTracker is implemented by providers that track which windows have
// been fully handled.
type WindowTracker interface {
	Complete(window Window)
}
