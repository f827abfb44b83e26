package lock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLockProvider holds locks in process memory. It gives the same
// semantics as the distributed providers within a single process.
type MemoryLockProvider struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	now   func() time.Time
}

type memoryLock struct {
	token    string
	expireAt time.Time
}

// NewMemoryLockProvider creates an empty provider.
func NewMemoryLockProvider() *MemoryLockProvider {
	return &MemoryLockProvider{
		locks: map[string]memoryLock{},
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (p *MemoryLockProvider) Acquire(_ context.Context, key string, ttl time.Duration) (*LockLease, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, lockError(ErrInvalidArgument, "lock key is required")
	}
	if ttl <= 0 {
		return nil, false, lockError(ErrInvalidArgument, "ttl must be > 0")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if current, ok := p.locks[key]; ok && current.expireAt.After(now) {
		return nil, false, nil
	}
	held := memoryLock{token: uuid.NewString(), expireAt: now.Add(ttl)}
	p.locks[key] = held
	return &LockLease{Key: key, Token: held.token, ExpireAt: held.expireAt}, true, nil
}

func (p *MemoryLockProvider) Renew(_ context.Context, lease *LockLease, ttl time.Duration) error {
	if err := validateLease(lease); err != nil {
		return err
	}
	if ttl <= 0 {
		return lockError(ErrInvalidArgument, "ttl must be > 0")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	current, ok := p.locks[lease.Key]
	if !ok || current.token != lease.Token || !current.expireAt.After(now) {
		return lockError(ErrConflict, "lock renew rejected")
	}
	current.expireAt = now.Add(ttl)
	p.locks[lease.Key] = current
	lease.ExpireAt = current.expireAt
	return nil
}

func (p *MemoryLockProvider) Release(_ context.Context, lease *LockLease) error {
	if err := validateLease(lease); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	current, ok := p.locks[lease.Key]
	if !ok || current.token != lease.Token {
		return lockError(ErrConflict, "lock release rejected")
	}
	delete(p.locks, lease.Key)
	return nil
}

func (p *MemoryLockProvider) HealthCheck(context.Context) error { return nil }

func (p *MemoryLockProvider) Close() error { return nil }
