package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nimburion/upgradejob/pkg/checkpoint"
	"github.com/nimburion/upgradejob/pkg/config"
	"github.com/nimburion/upgradejob/pkg/lock"
	"github.com/nimburion/upgradejob/pkg/observability/logger"
	"github.com/nimburion/upgradejob/pkg/store"
	"github.com/nimburion/upgradejob/pkg/store/mysql"
	"github.com/nimburion/upgradejob/pkg/store/postgres"
	"github.com/nimburion/upgradejob/pkg/store/sqlstore"
)

// LockProviderFactory creates the distributed lock backend.
type LockProviderFactory func(cfg *config.Config, log logger.Logger) (lock.LockProvider, error)

// RecordStoreFactory creates the record store.
type RecordStoreFactory func(cfg *config.Config, log logger.Logger) (store.RecordStore, error)

// CheckpointStoreFactory creates the checkpoint store. It is only called when
// checkpoints are enabled.
type CheckpointStoreFactory func(cfg *config.Config, log logger.Logger) (checkpoint.Store, error)

// NewLockProvider selects the lock backend named by lock.provider.
func NewLockProvider(cfg *config.Config, log logger.Logger) (lock.LockProvider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Lock.Provider)) {
	case config.LockProviderRedis:
		return lock.NewRedisLockProvider(lock.RedisLockProviderConfig{
			URL:              cfg.Lock.URL,
			Prefix:           cfg.Lock.Prefix,
			OperationTimeout: cfg.Lock.OperationTimeout,
		}, log)
	case config.LockProviderPostgres:
		return lock.NewPostgresLockProvider(lock.PostgresLockProviderConfig{
			URL:              cfg.Lock.URL,
			Table:            cfg.Lock.Table,
			OperationTimeout: cfg.Lock.OperationTimeout,
		}, log)
	case config.LockProviderDynamoDB:
		return lock.NewDynamoDBLockProvider(lock.DynamoDBLockProviderConfig{
			Region:           cfg.Lock.Region,
			Endpoint:         cfg.Lock.Endpoint,
			Table:            cfg.Lock.Table,
			OperationTimeout: cfg.Lock.OperationTimeout,
		}, log)
	case config.LockProviderMemory:
		log.Warn("using in-process lock provider; runs are not coordinated across nodes")
		return lock.NewMemoryLockProvider(), nil
	default:
		return nil, fmt.Errorf("unsupported lock provider: %s (supported: redis, postgres, dynamodb, memory)", cfg.Lock.Provider)
	}
}

// NewRecordStore selects the record store named by store.type.
func NewRecordStore(cfg *config.Config, log logger.Logger) (store.RecordStore, error) {
	sqlCfg := sqlstore.Config{
		URL:             cfg.Store.URL,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Store.ConnMaxIdleTime,
		QueryTimeout:    cfg.Store.QueryTimeout,
		RecordsTable:    cfg.Store.RecordsTable,
		AttributesTable: cfg.Store.AttributesTable,
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Type)) {
	case config.StoreTypePostgres:
		return postgres.NewStore(sqlCfg, log)
	case config.StoreTypeMySQL:
		return mysql.NewStore(sqlCfg, log)
	case config.StoreTypeMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s (supported: postgres, mysql, memory)", cfg.Store.Type)
	}
}

// NewCheckpointStore connects to the Redis checkpoint store.
func NewCheckpointStore(cfg *config.Config, log logger.Logger) (checkpoint.Store, error) {
	return checkpoint.NewRedisStore(checkpoint.RedisStoreConfig{
		URL:    cfg.Checkpoint.URL,
		Prefix: cfg.Checkpoint.Prefix,
		TTL:    cfg.Checkpoint.TTL,
	}, log)
}

// components are the backends of one command invocation.
type components struct {
	locks       lock.LockProvider
	records     store.RecordStore
	checkpoints checkpoint.Store
}

func (f factories) build(cfg *config.Config, log logger.Logger) (*components, error) {
	c := &components{}

	locks, err := f.locks(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("create lock provider: %w", err)
	}
	c.locks = locks

	records, err := f.records(cfg, log)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("create record store: %w", err), c.Close())
	}
	c.records = records

	if cfg.Job.Checkpoint {
		checkpoints, err := f.checkpoints(cfg, log)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("create checkpoint store: %w", err), c.Close())
		}
		c.checkpoints = checkpoints
	}
	return c, nil
}

// Close releases every backend that was created.
func (c *components) Close() error {
	var errs []error
	if closer, ok := c.checkpoints.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	if c.records != nil {
		errs = append(errs, c.records.Close())
	}
	if c.locks != nil {
		errs = append(errs, c.locks.Close())
	}
	return errors.Join(errs...)
}

type factories struct {
	locks       LockProviderFactory
	records     RecordStoreFactory
	checkpoints CheckpointStoreFactory
}

func newFactories(opts Options) factories {
	f := factories{
		locks:       opts.NewLockProvider,
		records:     opts.NewRecordStore,
		checkpoints: opts.NewCheckpointStore,
	}
	if f.locks == nil {
		f.locks = NewLockProvider
	}
	if f.records == nil {
		f.records = NewRecordStore
	}
	if f.checkpoints == nil {
		f.checkpoints = NewCheckpointStore
	}
	return f
}
