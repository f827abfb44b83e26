package batch

import (
	"fmt"
	"sync/atomic"
)

// Progress holds the counters of one run. All methods are safe for
// concurrent use; no cross-field invariant is read atomically.
type Progress struct {
	inProgress atomic.Bool
	processed  atomic.Int64
	changed    atomic.Int64
	errors     atomic.Int64
	cursor     atomic.Int64
}

// NewProgress returns zeroed counters.
func NewProgress() *Progress {
	return &Progress{}
}

func (p *Progress) IncrementProcessed() int64 { return p.processed.Add(1) }

func (p *Progress) IncrementChanged() int64 { return p.changed.Add(1) }

func (p *Progress) IncrementErrors() int64 { return p.errors.Add(1) }

// Errors returns the current error count.
func (p *Progress) Errors() int64 { return p.errors.Load() }

func (p *Progress) SetInProgress(running bool) { p.inProgress.Store(running) }

// ObserveCursor moves the cursor forward to id; it never moves backwards.
func (p *Progress) ObserveCursor(id int64) {
	for {
		current := p.cursor.Load()
		if id <= current || p.cursor.CompareAndSwap(current, id) {
			return
		}
	}
}

// Snapshot reads all counters.
func (p *Progress) Snapshot() Snapshot {
	return Snapshot{
		InProgress: p.inProgress.Load(),
		Processed:  p.processed.Load(),
		Changed:    p.changed.Load(),
		Errors:     p.errors.Load(),
		Cursor:     p.cursor.Load(),
	}
}

// Snapshot is a point-in-time copy of Progress.
type Snapshot struct {
	InProgress bool  `json:"in_progress" yaml:"in_progress"`
	Processed  int64 `json:"processed" yaml:"processed"`
	Changed    int64 `json:"changed" yaml:"changed"`
	Errors     int64 `json:"errors" yaml:"errors"`
	Cursor     int64 `json:"cursor" yaml:"cursor"`
}

// Unchanged counts items that were attempted but not changed, failures included.
func (s Snapshot) Unchanged() int64 {
	return s.Processed - s.Changed
}

// Summary renders the one-line result reported to the trigger.
func (s Snapshot) Summary() string {
	return fmt.Sprintf("Changed %d out of a potential %d users. [%d Errors]", s.Changed, s.Processed, s.Errors)
}
