package upgrade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nimburion/upgradejob/pkg/batch"
	"github.com/nimburion/upgradejob/pkg/checkpoint"
	"github.com/nimburion/upgradejob/pkg/lock"
	"github.com/nimburion/upgradejob/pkg/resilience"
	"github.com/nimburion/upgradejob/pkg/store"
	"github.com/nimburion/upgradejob/pkg/txn"
)

// countingStore counts every query and can fail range queries from a given id on.
type countingStore struct {
	*store.MemoryStore
	queries  atomic.Int32
	failFrom int64
}

func (s *countingStore) CountByType(ctx context.Context, typeID string) (int64, error) {
	s.queries.Add(1)
	return s.MemoryStore.CountByType(ctx, typeID)
}

func (s *countingStore) MaxID(ctx context.Context) (int64, error) {
	s.queries.Add(1)
	return s.MemoryStore.MaxID(ctx)
}

func (s *countingStore) QueryIDsByTypeInRange(ctx context.Context, typeID string, minID, maxID int64) ([]int64, error) {
	s.queries.Add(1)
	if s.failFrom > 0 && minID >= s.failFrom {
		return nil, errors.New("store unreachable")
	}
	return s.MemoryStore.QueryIDsByTypeInRange(ctx, typeID, minID, maxID)
}

// flagWorker marks each record upgraded once.
type flagWorker struct {
	store      *store.MemoryStore
	delay      time.Duration
	setupErr   error
	setupPanic any
	setupDelay time.Duration
	setups     atomic.Int32
}

func (w *flagWorker) Setup(ctx context.Context) error {
	w.setups.Add(1)
	if w.setupPanic != nil {
		panic(w.setupPanic)
	}
	if w.setupDelay > 0 {
		select {
		case <-time.After(w.setupDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if w.setupErr != nil {
		return w.setupErr
	}
	return w.store.EnsureAttributes(ctx, "upgraded")
}

func (w *flagWorker) Process(ctx context.Context, item batch.Item) batch.Result {
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	props, err := w.store.GetProperties(ctx, item.ID)
	if err != nil {
		return batch.Failed(err)
	}
	if props.Has("upgraded") {
		return batch.Unchanged()
	}
	if err := w.store.UpdateProperties(ctx, item.ID, map[string]any{"upgraded": true}, props.Version); err != nil {
		return batch.Failed(err)
	}
	return batch.Changed()
}

func (w *flagWorker) Label(ctx context.Context, item batch.Item) string {
	props, err := w.store.GetProperties(ctx, item.ID)
	if err != nil {
		return ""
	}
	return props.String("username")
}

// losingProvider rejects every renewal as if another holder took the lock over.
type losingProvider struct {
	*lock.MemoryLockProvider
}

func (p losingProvider) Renew(context.Context, *lock.LockLease, time.Duration) error {
	return fmt.Errorf("%w: lease taken over", lock.ErrConflict)
}

type fixture struct {
	records *store.MemoryStore
	queries *countingStore
	locks   lock.LockProvider
	worker  *flagWorker
	ckpt    *checkpoint.MemoryStore
}

func newFixture(users int) *fixture {
	ms := store.NewMemoryStore()
	for id := 1; id <= users; id++ {
		ms.Put(int64(id), "user", map[string]any{"username": fmt.Sprintf("user%d", id)})
	}
	return &fixture{
		records: ms,
		queries: &countingStore{MemoryStore: ms},
		locks:   lock.NewMemoryLockProvider(),
		worker:  &flagWorker{store: ms},
		ckpt:    checkpoint.NewMemoryStore(),
	}
}

func (f *fixture) runner(t *testing.T, cfg Config) *Runner {
	t.Helper()
	coordinator, err := lock.NewCoordinator(f.locks, nil)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	tx, err := txn.NewRunner(f.records, txn.RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("txn.NewRunner: %v", err)
	}
	r, err := NewRunner(Dependencies{
		Locks:       coordinator,
		Store:       f.queries,
		Tx:          tx,
		Worker:      f.worker,
		Checkpoints: f.ckpt,
	}, cfg)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func TestNewRunner_Validation(t *testing.T) {
	f := newFixture(0)
	coordinator, _ := lock.NewCoordinator(f.locks, nil)
	tx, _ := txn.NewRunner(f.records, txn.RetryPolicy{}, nil)

	tests := []struct {
		name string
		deps Dependencies
		cfg  Config
	}{
		{"missing locks", Dependencies{Store: f.records, Tx: tx, Worker: f.worker}, Config{}},
		{"missing store", Dependencies{Locks: coordinator, Tx: tx, Worker: f.worker}, Config{}},
		{"missing tx", Dependencies{Locks: coordinator, Store: f.records, Worker: f.worker}, Config{}},
		{"missing worker", Dependencies{Locks: coordinator, Store: f.records, Tx: tx}, Config{}},
		{"checkpoint without store", Dependencies{Locks: coordinator, Store: f.records, Tx: tx, Worker: f.worker}, Config{Checkpoint: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRunner(tt.deps, tt.cfg); !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestRunner_DefaultConfig(t *testing.T) {
	r := newFixture(0).runner(t, Config{})
	cfg := r.Config()
	if cfg.Name != DefaultName || cfg.TypeID != DefaultTypeID || cfg.LockTTL != DefaultLockTTL {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if r.State() != StateIdle {
		t.Fatalf("expected IDLE, got %s", r.State())
	}
}

func TestRunner_SkipsWhenLockHeldElsewhere(t *testing.T) {
	f := newFixture(10)
	if _, acquired, err := f.locks.Acquire(context.Background(), DefaultName, time.Minute); err != nil || !acquired {
		t.Fatalf("pre-acquire: %v %v", acquired, err)
	}
	r := f.runner(t, Config{})

	snapshot := r.Execute(context.Background())
	if snapshot != (batch.Snapshot{}) {
		t.Fatalf("expected an empty snapshot, got %+v", snapshot)
	}
	if r.State() != StateSkipped || r.LastError() != nil {
		t.Fatalf("expected SKIPPED without error, got %s %v", r.State(), r.LastError())
	}
	if f.queries.queries.Load() != 0 {
		t.Fatalf("expected no store queries, got %d", f.queries.queries.Load())
	}
	if f.worker.setups.Load() != 0 {
		t.Fatal("setup must not run without the lock")
	}
}

func TestRunner_CompletesAndReRunIsIdempotent(t *testing.T) {
	f := newFixture(250)
	r := f.runner(t, Config{WindowSize: 100, Workers: 3, BatchSize: 7})

	first := r.Execute(context.Background())
	if r.State() != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s (%v)", r.State(), r.LastError())
	}
	if first.InProgress || first.Processed != 250 || first.Changed != 250 || first.Errors != 0 {
		t.Fatalf("unexpected first snapshot %+v", first)
	}
	if f.worker.setups.Load() != 1 {
		t.Fatalf("expected setup once, got %d", f.worker.setups.Load())
	}
	if attrs := f.records.Attributes(); len(attrs) != 1 || attrs[0] != "upgraded" {
		t.Fatalf("expected setup to register attributes, got %v", attrs)
	}

	second := r.Execute(context.Background())
	if second.Processed != 250 || second.Changed != 0 || second.Errors != 0 {
		t.Fatalf("expected an idempotent re-run, got %+v", second)
	}
	if second.Summary() != "Changed 0 out of a potential 250 users. [0 Errors]" {
		t.Fatalf("unexpected summary %q", second.Summary())
	}

	if _, acquired, _ := f.locks.Acquire(context.Background(), DefaultName, time.Minute); !acquired {
		t.Fatal("expected the lock to be released")
	}
}

func TestRunner_ProviderFailureFailsRun(t *testing.T) {
	f := newFixture(300)
	f.queries.failFrom = 101
	r := f.runner(t, Config{WindowSize: 100, Workers: 1, Checkpoint: true})

	snapshot := r.Execute(context.Background())
	if r.State() != StateFailed {
		t.Fatalf("expected FAILED, got %s", r.State())
	}
	if !errors.Is(r.LastError(), batch.ErrFatal) {
		t.Fatalf("expected ErrFatal, got %v", r.LastError())
	}
	if snapshot.InProgress || snapshot.Processed != 100 {
		t.Fatalf("expected frozen counters, got %+v", snapshot)
	}
	cursor, found, _ := f.ckpt.Load(context.Background(), DefaultName)
	if !found || cursor != 101 {
		t.Fatalf("expected checkpoint at 101, got %d %v", cursor, found)
	}
	if _, acquired, _ := f.locks.Acquire(context.Background(), DefaultName, time.Minute); !acquired {
		t.Fatal("expected the lock to be released after failure")
	}
}

func TestRunner_SetupFailureFailsRun(t *testing.T) {
	f := newFixture(5)
	f.worker.setupErr = errors.New("metadata locked")
	r := f.runner(t, Config{})

	snapshot := r.Execute(context.Background())
	if r.State() != StateFailed || r.LastError() == nil {
		t.Fatalf("expected FAILED, got %s %v", r.State(), r.LastError())
	}
	var txErr *txn.TransactionError
	if !errors.As(r.LastError(), &txErr) || txErr.Attempts != 1 {
		t.Fatalf("expected a single-attempt transaction error, got %v", r.LastError())
	}
	if snapshot.Processed != 0 || snapshot.InProgress {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestRunner_LockLossStopsRunAsCompleted(t *testing.T) {
	f := newFixture(500)
	memory := lock.NewMemoryLockProvider()
	f.locks = losingProvider{MemoryLockProvider: memory}
	f.worker.delay = 2 * time.Millisecond
	r := f.runner(t, Config{WindowSize: 10, Workers: 1, LockTTL: 30 * time.Millisecond, Checkpoint: true})

	snapshot := r.Execute(context.Background())
	if r.State() != StateCompleted || r.LastError() != nil {
		t.Fatalf("expected COMPLETED after lock loss, got %s %v", r.State(), r.LastError())
	}
	if snapshot.InProgress || snapshot.Processed >= 500 {
		t.Fatalf("expected a partial run, got %+v", snapshot)
	}
	if snapshot.Processed != snapshot.Changed+snapshot.Unchanged() {
		t.Fatalf("inconsistent counters %+v", snapshot)
	}
	if _, acquired, _ := memory.Acquire(context.Background(), DefaultName, time.Minute); !acquired {
		t.Fatal("expected the lock to be released")
	}
}

func TestRunner_PanicInSetupFailsRunAndReleasesLock(t *testing.T) {
	f := newFixture(5)
	f.worker.setupPanic = "attribute registry corrupted"
	r := f.runner(t, Config{LockTTL: 30 * time.Millisecond})

	var snapshot batch.Snapshot
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				t.Fatalf("panic escaped Execute: %v", rec)
			}
		}()
		snapshot = r.Execute(context.Background())
	}()

	if r.State() != StateFailed {
		t.Fatalf("expected FAILED, got %s", r.State())
	}
	if !errors.Is(r.LastError(), resilience.ErrPanic) {
		t.Fatalf("expected a panic error, got %v", r.LastError())
	}
	if snapshot.InProgress {
		t.Fatalf("expected a finalized snapshot, got %+v", snapshot)
	}

	// Longer than several heartbeat intervals: a live heartbeat would keep
	// the lease and block the acquire below.
	time.Sleep(100 * time.Millisecond)
	if _, acquired, _ := f.locks.Acquire(context.Background(), DefaultName, time.Minute); !acquired {
		t.Fatal("expected the lock to be released after a panic")
	}
}

func TestRunner_LockLossDuringSetupIsNotAFailure(t *testing.T) {
	f := newFixture(5)
	memory := lock.NewMemoryLockProvider()
	f.locks = losingProvider{MemoryLockProvider: memory}
	f.worker.setupDelay = time.Second
	r := f.runner(t, Config{LockTTL: 30 * time.Millisecond})

	snapshot := r.Execute(context.Background())
	if r.State() != StateCompleted || r.LastError() != nil {
		t.Fatalf("expected COMPLETED after lock loss during setup, got %s %v", r.State(), r.LastError())
	}
	if snapshot.Processed != 0 || snapshot.InProgress {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if _, acquired, _ := memory.Acquire(context.Background(), DefaultName, time.Minute); !acquired {
		t.Fatal("expected the lock to be released")
	}
}

func TestRunner_CancelledContextDuringSetupIsNotAFailure(t *testing.T) {
	f := newFixture(5)
	f.worker.setupDelay = time.Second
	r := f.runner(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r.Execute(ctx)
	if r.State() != StateCompleted || r.LastError() != nil {
		t.Fatalf("expected COMPLETED after cancellation, got %s %v", r.State(), r.LastError())
	}
}

func TestInterrupted(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("setup: %w", context.Canceled), true},
		{&txn.TransactionError{Attempts: 1, Err: context.DeadlineExceeded}, true},
		{fmt.Errorf("run: %w", lock.ErrLockLost), true},
		{errors.New("store unreachable"), false},
		{&resilience.PanicError{Value: "boom"}, false},
	}
	for _, tt := range tests {
		if got := interrupted(tt.err); got != tt.want {
			t.Errorf("interrupted(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRunner_ResumesFromCheckpointAndClearsIt(t *testing.T) {
	f := newFixture(250)
	if err := f.ckpt.Save(context.Background(), "resumable", 101); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	r := f.runner(t, Config{Name: "resumable", WindowSize: 100, Checkpoint: true})

	snapshot := r.Execute(context.Background())
	if r.State() != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s (%v)", r.State(), r.LastError())
	}
	if snapshot.Processed != 150 || snapshot.Changed != 150 {
		t.Fatalf("expected only ids from 101 on, got %+v", snapshot)
	}
	if _, found, _ := f.ckpt.Load(context.Background(), "resumable"); found {
		t.Fatal("expected checkpoint to be cleared after a complete scan")
	}

	again := r.Execute(context.Background())
	if again.Processed != 250 || again.Changed != 100 {
		t.Fatalf("expected a full rescan, got %+v", again)
	}
}

func TestRunner_ErrorBudgetKeepsCheckpoint(t *testing.T) {
	f := newFixture(100)
	r := f.runner(t, Config{WindowSize: 10, Workers: 1, ErrorBudget: 5, Checkpoint: true})
	f.worker.store = store.NewMemoryStore()

	snapshot := r.Execute(context.Background())
	if r.State() != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", r.State())
	}
	if snapshot.Errors < 5 || snapshot.Processed >= 100 {
		t.Fatalf("expected the budget to stop the run, got %+v", snapshot)
	}
	if _, found, _ := f.ckpt.Load(context.Background(), DefaultName); !found {
		t.Fatal("expected the checkpoint to survive an incomplete scan")
	}
}

// exclusionTracker records how many distinct runners process items at once.
type exclusionTracker struct {
	mu      sync.Mutex
	active  map[int]int
	maxSeen int
}

func (e *exclusionTracker) enter(runner int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[runner]++
	if len(e.active) > e.maxSeen {
		e.maxSeen = len(e.active)
	}
}

func (e *exclusionTracker) leave(runner int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[runner]--
	if e.active[runner] == 0 {
		delete(e.active, runner)
	}
}

type trackedWorker struct {
	*flagWorker
	id      int
	tracker *exclusionTracker
}

func (w trackedWorker) Process(ctx context.Context, item batch.Item) batch.Result {
	w.tracker.enter(w.id)
	defer w.tracker.leave(w.id)
	return w.flagWorker.Process(ctx, item)
}

func TestRunner_Property_MutualExclusion(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("at most one runner is past lock acquisition at any time", prop.ForAll(
		func(runners int) bool {
			f := newFixture(40)
			tracker := &exclusionTracker{active: map[int]int{}}

			all := make([]*Runner, runners)
			for i := range all {
				// Each runner has its own coordinator over the shared
				// provider, like separate processes would.
				f.worker = &flagWorker{store: f.records, delay: 200 * time.Microsecond}
				r := f.runner(t, Config{WindowSize: 10, Workers: 2})
				r.deps.Worker = trackedWorker{flagWorker: f.worker, id: i, tracker: tracker}
				all[i] = r
			}

			var wg sync.WaitGroup
			for _, r := range all {
				wg.Add(1)
				go func(r *Runner) {
					defer wg.Done()
					r.Execute(context.Background())
				}(r)
			}
			wg.Wait()

			if tracker.maxSeen > 1 {
				return false
			}
			completed := 0
			for _, r := range all {
				switch r.State() {
				case StateCompleted:
					completed++
				case StateSkipped:
				default:
					return false
				}
			}
			return completed >= 1
		},
		gen.IntRange(2, 6),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateIdle:          "IDLE",
		StateAcquiringLock: "ACQUIRING_LOCK",
		StateRunning:       "RUNNING",
		StateCompleted:     "COMPLETED",
		StateSkipped:       "SKIPPED",
		StateFailed:        "FAILED",
		State(99):          "UNKNOWN",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
	if !StateSkipped.Terminal() || StateRunning.Terminal() {
		t.Fatal("unexpected terminal classification")
	}
}
