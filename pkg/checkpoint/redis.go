package checkpoint

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nimburion/upgradejob/pkg/observability/logger"
	"github.com/nimburion/upgradejob/pkg/observability/tracing"
)

const (
	defaultRedisPrefix           = "upgradejob:checkpoint"
	defaultRedisOperationTimeout = 3 * time.Second
)

// RedisStoreConfig configures checkpoints kept in Redis.
type RedisStoreConfig struct {
	URL    string
	Prefix string
	// TTL expires stale checkpoints; zero keeps them until cleared.
	TTL              time.Duration
	OperationTimeout time.Duration
}

func (c *RedisStoreConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
	if c.TTL < 0 {
		c.TTL = 0
	}
}

// RedisStore stores each cursor as a decimal string under prefix:job.
type RedisStore struct {
	client *redis.Client
	log    logger.Logger
	config RedisStoreConfig
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisStoreConfig, log logger.Logger) (*RedisStore, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, checkpointError(ErrInvalidArgument, "redis url is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(checkpointError(ErrValidation, "parse redis url failed"), err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(checkpointError(ErrRetryable, "ping redis failed"), err)
	}

	log.Info("checkpoint store connected", "prefix", cfg.Prefix, "ttl", cfg.TTL)
	return newRedisStoreWithClient(client, cfg, log), nil
}

func newRedisStoreWithClient(client *redis.Client, cfg RedisStoreConfig, log logger.Logger) *RedisStore {
	cfg.normalize()
	if log == nil {
		log = logger.Nop()
	}
	return &RedisStore{client: client, log: log, config: cfg}
}

func (s *RedisStore) Load(ctx context.Context, job string) (int64, bool, error) {
	if s == nil || s.client == nil {
		return 0, false, checkpointError(ErrNotInitialized, "redis checkpoint store is not initialized")
	}
	job, err := validateJob(job)
	if err != nil {
		return 0, false, err
	}
	key := s.fullKey(job)
	spanCtx, span := tracing.StartCacheSpan(ctx, tracing.SpanOperationCacheGet,
		tracing.WithCacheSystem("redis"),
		tracing.WithCacheKey(key),
	)
	defer span.End()

	opCtx, cancel := context.WithTimeout(spanCtx, s.config.OperationTimeout)
	defer cancel()
	raw, err := s.client.Get(opCtx, key).Result()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("cache.hit", false))
		tracing.RecordSuccess(span)
		return 0, false, nil
	}
	if err != nil {
		tracing.RecordError(span, err)
		return 0, false, errors.Join(checkpointError(ErrRetryable, "load checkpoint failed"), err)
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		invalid := checkpointError(ErrValidation, "stored checkpoint is not a valid cursor")
		tracing.RecordError(span, invalid)
		return 0, false, errors.Join(invalid, err)
	}
	span.SetAttributes(attribute.Bool("cache.hit", true))
	tracing.RecordSuccess(span)
	return cursor, true, nil
}

func (s *RedisStore) Save(ctx context.Context, job string, cursor int64) error {
	if s == nil || s.client == nil {
		return checkpointError(ErrNotInitialized, "redis checkpoint store is not initialized")
	}
	job, err := validateJob(job)
	if err != nil {
		return err
	}
	if cursor < 0 {
		return checkpointError(ErrInvalidArgument, "cursor must be >= 0")
	}
	key := s.fullKey(job)
	spanCtx, span := tracing.StartCacheSpan(ctx, tracing.SpanOperationCacheSet,
		tracing.WithCacheSystem("redis"),
		tracing.WithCacheKey(key),
	)
	defer span.End()

	opCtx, cancel := context.WithTimeout(spanCtx, s.config.OperationTimeout)
	defer cancel()
	if err := s.client.Set(opCtx, key, strconv.FormatInt(cursor, 10), s.config.TTL).Err(); err != nil {
		tracing.RecordError(span, err)
		return errors.Join(checkpointError(ErrRetryable, "save checkpoint failed"), err)
	}
	tracing.RecordSuccess(span)
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, job string) error {
	if s == nil || s.client == nil {
		return checkpointError(ErrNotInitialized, "redis checkpoint store is not initialized")
	}
	job, err := validateJob(job)
	if err != nil {
		return err
	}
	key := s.fullKey(job)
	spanCtx, span := tracing.StartCacheSpan(ctx, tracing.SpanOperationCacheDel,
		tracing.WithCacheSystem("redis"),
		tracing.WithCacheKey(key),
	)
	defer span.End()

	opCtx, cancel := context.WithTimeout(spanCtx, s.config.OperationTimeout)
	defer cancel()
	if err := s.client.Del(opCtx, key).Err(); err != nil {
		tracing.RecordError(span, err)
		return errors.Join(checkpointError(ErrRetryable, "clear checkpoint failed"), err)
	}
	tracing.RecordSuccess(span)
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if s == nil || s.client == nil {
		return checkpointError(ErrNotInitialized, "redis checkpoint store is not initialized")
	}
	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	return s.client.Ping(opCtx).Err()
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) fullKey(job string) string {
	return s.config.Prefix + ":" + job
}
