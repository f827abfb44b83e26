package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nimburion/upgradejob/pkg/observability/logger"
)

const minRefreshInterval = 10 * time.Millisecond

// Coordinator acquires named locks, keeps them alive and releases them once.
type Coordinator struct {
	provider LockProvider
	log      logger.Logger

	mu       sync.Mutex
	released map[string]struct{}
}

// NewCoordinator wraps a lock provider.
func NewCoordinator(provider LockProvider, log logger.Logger) (*Coordinator, error) {
	if provider == nil {
		return nil, lockError(ErrInvalidArgument, "lock provider is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Coordinator{
		provider: provider,
		log:      log,
		released: map[string]struct{}{},
	}, nil
}

// Acquire takes the named lock or fails fast with ErrLockUnavailable.
func (c *Coordinator) Acquire(ctx context.Context, name string, ttl time.Duration) (*LockLease, error) {
	lease, acquired, err := c.provider.Acquire(ctx, name, ttl)
	if err != nil {
		recordLockAcquire(name, "error")
		return nil, err
	}
	if !acquired || lease == nil {
		recordLockAcquire(name, "unavailable")
		return nil, lockError(ErrLockUnavailable, name)
	}
	recordLockAcquire(name, "acquired")
	return lease, nil
}

// Refresh starts a heartbeat renewing lease every ttl/3. Each tick first asks
// cb.IsActive and stops quietly when it returns false. A renewal rejected by
// the backend, or failures continuing past the lease expiry, invoke
// cb.LockReleased once and end the heartbeat. Transient failures before the
// expiry are retried on the next tick.
//
// The returned stop function cancels the heartbeat and waits for it to exit.
// It must not be called from inside cb.LockReleased.
func (c *Coordinator) Refresh(ctx context.Context, lease *LockLease, ttl time.Duration, cb RefreshCallback) (stop func()) {
	done := make(chan struct{})
	if lease == nil || ttl <= 0 || cb == nil {
		close(done)
		return func() {}
	}

	interval := ttl / 3
	if interval < minRefreshInterval {
		interval = minRefreshInterval
	}

	refreshCtx, cancel := context.WithCancel(ctx)
	current := *lease

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-ticker.C:
			}

			if !cb.IsActive() {
				return
			}
			err := c.provider.Renew(refreshCtx, &current, ttl)
			if err == nil {
				recordLockRenew(current.Key, "renewed")
				continue
			}
			if refreshCtx.Err() != nil {
				return
			}
			if errors.Is(err, ErrConflict) || !time.Now().Before(current.ExpireAt) {
				recordLockRenew(current.Key, "lost")
				c.log.Warn("lock lost",
					"lock", current.Key,
					"error", err,
				)
				cb.LockReleased()
				return
			}
			recordLockRenew(current.Key, "error")
			c.log.Warn("lock renew failed, retrying",
				"lock", current.Key,
				"expire_at", current.ExpireAt,
				"error", err,
			)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// Release gives the lease back. Calling it again for the same lease is a
// no-op, and a lease that was already lost is not reported as an error.
func (c *Coordinator) Release(ctx context.Context, lease *LockLease) error {
	if lease == nil {
		return nil
	}
	id := lease.Key + "\x00" + lease.Token

	c.mu.Lock()
	if _, done := c.released[id]; done {
		c.mu.Unlock()
		return nil
	}
	c.released[id] = struct{}{}
	c.mu.Unlock()

	err := c.provider.Release(ctx, lease)
	switch {
	case err == nil:
		recordLockRelease(lease.Key, "released")
		return nil
	case errors.Is(err, ErrConflict):
		recordLockRelease(lease.Key, "already_lost")
		c.log.Debug("lock already released or taken over", "lock", lease.Key)
		return nil
	default:
		recordLockRelease(lease.Key, "error")
		return fmt.Errorf("release lock %q: %w", lease.Key, err)
	}
}
