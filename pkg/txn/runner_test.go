package txn

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nimburion/upgradejob/pkg/store"
)

func newTestRunner(t *testing.T, tx store.Transactor, attempts int) *Runner {
	t.Helper()
	r, err := NewRunner(tx, RetryPolicy{MaxAttempts: attempts}, nil)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r.newBackOff = func(RetryPolicy) backoff.BackOff { return &backoff.ZeroBackOff{} }
	return r
}

func TestNewRunner_RequiresTransactor(t *testing.T) {
	if _, err := NewRunner(nil, RetryPolicy{}, nil); !errors.Is(err, store.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestRetryPolicy_Normalize(t *testing.T) {
	p := RetryPolicy{MaxBackoff: time.Millisecond, InitialBackoff: 5 * time.Millisecond}.normalize()
	if p.MaxAttempts != DefaultMaxAttempts {
		t.Fatalf("expected default attempts, got %d", p.MaxAttempts)
	}
	if p.MaxBackoff != p.InitialBackoff {
		t.Fatalf("expected max backoff raised to initial, got %v", p.MaxBackoff)
	}
}

func TestDo_RetriesConflictsUntilCommit(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.Put(1, "user", map[string]any{"n": 0})
	r := newTestRunner(t, ms, 5)

	var calls atomic.Int32
	err := r.Do(context.Background(), Options{Writable: true}, func(ctx context.Context) error {
		props, err := ms.GetProperties(ctx, 1)
		if err != nil {
			return err
		}
		if calls.Add(1) < 3 {
			// A concurrent writer bumps the version before this transaction commits.
			if err := ms.UpdateProperties(context.Background(), 1, map[string]any{"n": -1}, props.Version); err != nil {
				return err
			}
		}
		return ms.UpdateProperties(ctx, 1, map[string]any{"n": 1}, props.Version)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	props, _ := ms.GetProperties(context.Background(), 1)
	if props.Values["n"] != 1 {
		t.Fatalf("expected committed value, got %v", props.Values["n"])
	}
}

func TestDo_ExhaustedRetriesReturnTransactionError(t *testing.T) {
	r := newTestRunner(t, store.NewMemoryStore(), 4)

	var calls int
	err := r.Do(context.Background(), Options{Writable: true}, func(ctx context.Context) error {
		calls++
		return store.NewOptimisticLockError(1, 1, 2)
	})
	var txErr *TransactionError
	if !errors.As(err, &txErr) {
		t.Fatalf("expected TransactionError, got %v", err)
	}
	if txErr.Attempts != 4 || calls != 4 {
		t.Fatalf("expected 4 attempts, got %d (calls=%d)", txErr.Attempts, calls)
	}
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected wrapped conflict, got %v", err)
	}
}

func TestDo_NonTransientErrorStopsImmediately(t *testing.T) {
	r := newTestRunner(t, store.NewMemoryStore(), 10)
	boom := errors.New("boom")

	var calls int
	err := r.Do(context.Background(), Options{Writable: true}, func(ctx context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestDo_CancelledContextStopsRetrying(t *testing.T) {
	r := newTestRunner(t, store.NewMemoryStore(), 100)
	ctx, cancel := context.WithCancel(context.Background())

	var calls int
	err := r.Do(ctx, Options{Writable: true}, func(context.Context) error {
		calls++
		cancel()
		return store.ErrConflict
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if calls != 1 {
		t.Fatalf("expected retries to stop after cancel, got %d calls", calls)
	}
}

func TestDo_NestedCallJoinsOuterTransaction(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.Put(1, "user", map[string]any{})
	r := newTestRunner(t, ms, 3)

	var inner int
	err := r.Do(context.Background(), Options{Writable: true}, func(ctx context.Context) error {
		return r.Do(ctx, Options{Writable: true}, func(ctx context.Context) error {
			inner++
			return ms.UpdateProperties(ctx, 1, map[string]any{"x": true}, 1)
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner != 1 {
		t.Fatalf("expected inner unit to run once, got %d", inner)
	}
}

func TestRun_ReturnsValue(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.Put(3, "user", map[string]any{"username": "grace"})
	r := newTestRunner(t, ms, 1)

	name, err := Run(context.Background(), r, Options{}, func(ctx context.Context) (string, error) {
		props, err := ms.GetProperties(ctx, 3)
		if err != nil {
			return "", err
		}
		return props.String("username"), nil
	})
	if err != nil || name != "grace" {
		t.Fatalf("Run = %q, %v", name, err)
	}

	_, err = Run(context.Background(), r, Options{}, func(ctx context.Context) (int, error) {
		return 7, store.ErrNotFound
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
