// Package lock provides cluster-wide named locks with TTL and heartbeat renewal.
package lock

import (
	"context"
	"time"
)

// LockLease identifies a held lock instance.
type LockLease struct {
	Key      string
	Token    string
	ExpireAt time.Time
}

// LockProvider is the lock service backend. Acquire returns acquired=false
// with a nil error when another holder is active.
type LockProvider interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error)
	Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error
	Release(ctx context.Context, lease *LockLease) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// RefreshCallback is consulted by the heartbeat. IsActive is asked before each
// renewal; LockReleased is called at most once when the lease is lost.
type RefreshCallback interface {
	IsActive() bool
	LockReleased()
}

// RefreshFuncs adapts two functions to RefreshCallback.
type RefreshFuncs struct {
	Active   func() bool
	Released func()
}

func (f RefreshFuncs) IsActive() bool {
	if f.Active == nil {
		return true
	}
	return f.Active()
}

func (f RefreshFuncs) LockReleased() {
	if f.Released != nil {
		f.Released()
	}
}
