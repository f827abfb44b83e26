package config

import "time"

// Record store type constants
const (
	// StoreTypePostgres represents a PostgreSQL record store
	StoreTypePostgres = "postgres"
	// StoreTypeMySQL represents a MySQL record store
	StoreTypeMySQL = "mysql"
	// StoreTypeMemory represents the in-process record store
	StoreTypeMemory = "memory"
)

// Lock provider constants
const (
	// LockProviderRedis uses Redis for distributed locks
	LockProviderRedis = "redis"
	// LockProviderPostgres uses PostgreSQL for distributed locks
	LockProviderPostgres = "postgres"
	// LockProviderDynamoDB uses a DynamoDB table for distributed locks
	LockProviderDynamoDB = "dynamodb"
	// LockProviderMemory keeps locks in process memory (single node only)
	LockProviderMemory = "memory"
)

// Config is the root configuration of the upgrade job
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	Job           JobConfig           `mapstructure:"job"`
	Transaction   TransactionConfig   `mapstructure:"transaction"`
	Lock          LockConfig          `mapstructure:"lock"`
	Store         StoreConfig         `mapstructure:"store"`
	Checkpoint    CheckpointConfig    `mapstructure:"checkpoint"`
	Log           LogConfig           `mapstructure:"log"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	PasswordHash  PasswordHashConfig  `mapstructure:"password_hash"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// JobConfig configures one batch upgrade job.
type JobConfig struct {
	// Name is the cluster-wide lock name
	Name            string        `mapstructure:"name"`
	TypeID          string        `mapstructure:"type_id"`
	QueryWindowSize int64         `mapstructure:"query_window_size"`
	ThreadCount     int           `mapstructure:"thread_count"`
	BatchSize       int           `mapstructure:"batch_size"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	// ErrorBudget stops work discovery after this many item failures; negative disables it
	ErrorBudget    int64         `mapstructure:"error_budget"`
	ItemTimeout    time.Duration `mapstructure:"item_timeout"`
	ItemsPerSecond float64       `mapstructure:"items_per_second"`
	Checkpoint     bool          `mapstructure:"checkpoint"`
}

// TransactionConfig configures retries of conflicting transactions.
type TransactionConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// LockConfig configures the distributed lock backend.
type LockConfig struct {
	Provider         string        `mapstructure:"provider"`
	URL              string        `mapstructure:"url"`
	Prefix           string        `mapstructure:"prefix"`
	Table            string        `mapstructure:"table"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	// Region and Endpoint apply to DynamoDB
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// StoreConfig configures the record store.
type StoreConfig struct {
	Type            string        `mapstructure:"type"`
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	RecordsTable    string        `mapstructure:"records_table"`
	AttributesTable string        `mapstructure:"attributes_table"`
}

// CheckpointConfig configures where scan watermarks are kept.
type CheckpointConfig struct {
	URL    string        `mapstructure:"url"`
	Prefix string        `mapstructure:"prefix"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ObservabilityConfig configures tracing and metrics push.
type ObservabilityConfig struct {
	TracingEnabled    bool    `mapstructure:"tracing_enabled"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate"`
	PushgatewayURL    string  `mapstructure:"pushgateway_url"`
}

// PasswordHashConfig configures the password hash upgrade.
type PasswordHashConfig struct {
	PreferredEncoding string `mapstructure:"preferred_encoding"`
	BcryptCost        int    `mapstructure:"bcrypt_cost"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "upgradejob",
			Environment: "production",
		},
		Job: JobConfig{
			Name:            "upgrade-password-hash",
			TypeID:          "user",
			QueryWindowSize: 10000,
			ThreadCount:     2,
			BatchSize:       100,
			LockTTL:         60 * time.Second,
			ErrorBudget:     1000,
			ItemTimeout:     30 * time.Second,
			ItemsPerSecond:  0,
			Checkpoint:      false,
		},
		Transaction: TransactionConfig{
			MaxAttempts:    20,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     time.Second,
		},
		Lock: LockConfig{
			Provider:         LockProviderRedis,
			Prefix:           "upgradejob:lock",
			Table:            "upgradejob_locks",
			OperationTimeout: 3 * time.Second,
		},
		Store: StoreConfig{
			Type:            StoreTypePostgres,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			QueryTimeout:    10 * time.Second,
			RecordsTable:    "upgrade_records",
			AttributesTable: "upgrade_record_attributes",
		},
		Checkpoint: CheckpointConfig{
			Prefix: "upgradejob:checkpoint",
			TTL:    7 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			TracingEnabled:    false,
			TracingSampleRate: 0.1,
		},
		PasswordHash: PasswordHashConfig{
			PreferredEncoding: "bcrypt10",
			BcryptCost:        10,
		},
	}
}
