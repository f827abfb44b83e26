package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nimburion/upgradejob/pkg/observability/logger"
)

const (
	defaultRedisPrefix           = "upgradejob:lock"
	defaultRedisOperationTimeout = 3 * time.Second
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisLockProviderConfig configures locks backed by Redis.
type RedisLockProviderConfig struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
}

func (c *RedisLockProviderConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
}

// RedisLockProvider implements locks with SET NX PX and token-checked scripts.
type RedisLockProvider struct {
	client *redis.Client
	log    logger.Logger
	config RedisLockProviderConfig
}

// NewRedisLockProvider connects to Redis and verifies the connection.
func NewRedisLockProvider(cfg RedisLockProviderConfig, log logger.Logger) (*RedisLockProvider, error) {
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, lockError(ErrInvalidArgument, "redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(lockError(ErrValidation, "parse redis url failed"), err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(lockError(ErrRetryable, "ping redis failed"), err)
	}

	return newRedisLockProviderWithClient(client, cfg, log), nil
}

func newRedisLockProviderWithClient(client *redis.Client, cfg RedisLockProviderConfig, log logger.Logger) *RedisLockProvider {
	cfg.normalize()
	return &RedisLockProvider{client: client, log: log, config: cfg}
}

// Acquire sets the key only when absent.
func (p *RedisLockProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error) {
	if p == nil || p.client == nil {
		return nil, false, lockError(ErrNotInitialized, "redis lock provider is not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, lockError(ErrInvalidArgument, "lock key is required")
	}
	if ttl <= 0 {
		return nil, false, lockError(ErrInvalidArgument, "ttl must be > 0")
	}

	token := uuid.NewString()
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	acquired, err := p.client.SetNX(opCtx, p.fullKey(key), token, ttl).Result()
	if err != nil {
		return nil, false, errors.Join(lockError(ErrRetryable, "acquire lock failed"), err)
	}
	if !acquired {
		return nil, false, nil
	}

	return &LockLease{
		Key:      key,
		Token:    token,
		ExpireAt: time.Now().UTC().Add(ttl),
	}, true, nil
}

// Renew extends the expiry while the token still matches.
func (p *RedisLockProvider) Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error {
	if p == nil || p.client == nil {
		return lockError(ErrNotInitialized, "redis lock provider is not initialized")
	}
	if err := validateLease(lease); err != nil {
		return err
	}
	if ttl <= 0 {
		return lockError(ErrInvalidArgument, "ttl must be > 0")
	}

	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	result, err := renewScript.Run(opCtx, p.client, []string{p.fullKey(lease.Key)}, lease.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return errors.Join(lockError(ErrRetryable, "renew lock failed"), err)
	}
	if result == 0 {
		return lockError(ErrConflict, "lock renew rejected")
	}

	lease.ExpireAt = time.Now().UTC().Add(ttl)
	return nil
}

// Release deletes the key if the token matches.
func (p *RedisLockProvider) Release(ctx context.Context, lease *LockLease) error {
	if p == nil || p.client == nil {
		return lockError(ErrNotInitialized, "redis lock provider is not initialized")
	}
	if err := validateLease(lease); err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	result, err := releaseScript.Run(opCtx, p.client, []string{p.fullKey(lease.Key)}, lease.Token).Int64()
	if err != nil {
		return errors.Join(lockError(ErrRetryable, "release lock failed"), err)
	}
	if result == 0 {
		return lockError(ErrConflict, "lock release rejected")
	}
	return nil
}

// HealthCheck verifies Redis connectivity.
func (p *RedisLockProvider) HealthCheck(ctx context.Context) error {
	if p == nil || p.client == nil {
		return lockError(ErrNotInitialized, "redis lock provider is not initialized")
	}
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	if err := p.client.Ping(opCtx).Err(); err != nil {
		return errors.Join(lockError(ErrRetryable, "redis healthcheck failed"), err)
	}
	return nil
}

// Close closes Redis client connections.
func (p *RedisLockProvider) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

func (p *RedisLockProvider) fullKey(key string) string {
	return strings.TrimRight(p.config.Prefix, ":") + ":" + strings.TrimSpace(key)
}
