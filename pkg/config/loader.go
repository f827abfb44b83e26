package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultEnvPrefix is used when the loader is created without a prefix.
const DefaultEnvPrefix = "UPGRADEJOB"

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
	bindings   []FlagBinding
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "UPGRADEJOB")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// ConfigFile returns the configured file path, or empty string if none.
func (l *ViperLoader) ConfigFile() string {
	return l.configFile
}

// Load loads configuration with precedence: flags > ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	cfg, _, err := l.load(false)
	return cfg, err
}

func (l *ViperLoader) load(withSecrets bool) (*Config, *Config, error) {
	v := viper.New()

	// Start with defaults
	l.setDefaults(v, DefaultConfig())

	// Read config file if provided
	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified but couldn't be read
			return nil, nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	var secrets *Config
	if withSecrets {
		var err error
		secrets, err = l.mergeSecrets(v)
		if err != nil {
			return nil, nil, err
		}
	}

	// Environment variables override file config through explicit bindings.
	v.SetEnvPrefix(l.prefix())
	l.bindEnvVars(v)

	if err := l.bindFlags(v); err != nil {
		return nil, nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, secrets, nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	// Service
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// Job
	v.BindEnv("job.name", l.prefixedEnv("JOB_NAME"))
	v.BindEnv("job.type_id", l.prefixedEnv("JOB_TYPE_ID"))
	v.BindEnv("job.query_window_size", l.prefixedEnv("JOB_QUERY_WINDOW_SIZE"))
	v.BindEnv("job.thread_count", l.prefixedEnv("JOB_THREAD_COUNT"))
	v.BindEnv("job.batch_size", l.prefixedEnv("JOB_BATCH_SIZE"))
	v.BindEnv("job.lock_ttl", l.prefixedEnv("JOB_LOCK_TTL"))
	v.BindEnv("job.error_budget", l.prefixedEnv("JOB_ERROR_BUDGET"))
	v.BindEnv("job.item_timeout", l.prefixedEnv("JOB_ITEM_TIMEOUT"))
	v.BindEnv("job.items_per_second", l.prefixedEnv("JOB_ITEMS_PER_SECOND"))
	v.BindEnv("job.checkpoint", l.prefixedEnv("JOB_CHECKPOINT"))

	// Transaction
	v.BindEnv("transaction.max_attempts", l.prefixedEnv("TRANSACTION_MAX_ATTEMPTS"))
	v.BindEnv("transaction.initial_backoff", l.prefixedEnv("TRANSACTION_INITIAL_BACKOFF"))
	v.BindEnv("transaction.max_backoff", l.prefixedEnv("TRANSACTION_MAX_BACKOFF"))

	// Lock
	v.BindEnv("lock.provider", l.prefixedEnv("LOCK_PROVIDER"))
	v.BindEnv("lock.url", l.prefixedEnv("LOCK_URL"))
	v.BindEnv("lock.prefix", l.prefixedEnv("LOCK_PREFIX"))
	v.BindEnv("lock.table", l.prefixedEnv("LOCK_TABLE"))
	v.BindEnv("lock.operation_timeout", l.prefixedEnv("LOCK_OPERATION_TIMEOUT"))
	v.BindEnv("lock.region", l.prefixedEnv("LOCK_REGION"), "AWS_REGION")
	v.BindEnv("lock.endpoint", l.prefixedEnv("LOCK_ENDPOINT"))

	// Store
	v.BindEnv("store.type", l.prefixedEnv("STORE_TYPE"))
	v.BindEnv("store.url", l.prefixedEnv("STORE_URL"), l.prefixedEnv("DATABASE_URL"))
	v.BindEnv("store.max_open_conns", l.prefixedEnv("STORE_MAX_OPEN_CONNS"))
	v.BindEnv("store.max_idle_conns", l.prefixedEnv("STORE_MAX_IDLE_CONNS"))
	v.BindEnv("store.conn_max_lifetime", l.prefixedEnv("STORE_CONN_MAX_LIFETIME"))
	v.BindEnv("store.conn_max_idle_time", l.prefixedEnv("STORE_CONN_MAX_IDLE_TIME"))
	v.BindEnv("store.query_timeout", l.prefixedEnv("STORE_QUERY_TIMEOUT"))
	v.BindEnv("store.records_table", l.prefixedEnv("STORE_RECORDS_TABLE"))
	v.BindEnv("store.attributes_table", l.prefixedEnv("STORE_ATTRIBUTES_TABLE"))

	// Checkpoint
	v.BindEnv("checkpoint.url", l.prefixedEnv("CHECKPOINT_URL"))
	v.BindEnv("checkpoint.prefix", l.prefixedEnv("CHECKPOINT_PREFIX"))
	v.BindEnv("checkpoint.ttl", l.prefixedEnv("CHECKPOINT_TTL"))

	// Log
	v.BindEnv("log.level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("log.format", l.prefixedEnv("LOG_FORMAT"))

	// Observability
	v.BindEnv("observability.tracing_enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("observability.tracing_endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
	v.BindEnv("observability.tracing_sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))
	v.BindEnv("observability.pushgateway_url", l.prefixedEnv("PUSHGATEWAY_URL"))

	// Password hash
	v.BindEnv("password_hash.preferred_encoding", l.prefixedEnv("PASSWORD_HASH_PREFERRED_ENCODING"))
	v.BindEnv("password_hash.bcrypt_cost", l.prefixedEnv("PASSWORD_HASH_BCRYPT_COST"))
}

func (l *ViperLoader) prefix() string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return strings.ToUpper(prefix)
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	return fmt.Sprintf("%s_%s", l.prefix(), suffix)
}

func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	// Service defaults
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	// Job defaults
	v.SetDefault("job.name", cfg.Job.Name)
	v.SetDefault("job.type_id", cfg.Job.TypeID)
	v.SetDefault("job.query_window_size", cfg.Job.QueryWindowSize)
	v.SetDefault("job.thread_count", cfg.Job.ThreadCount)
	v.SetDefault("job.batch_size", cfg.Job.BatchSize)
	v.SetDefault("job.lock_ttl", cfg.Job.LockTTL)
	v.SetDefault("job.error_budget", cfg.Job.ErrorBudget)
	v.SetDefault("job.item_timeout", cfg.Job.ItemTimeout)
	v.SetDefault("job.items_per_second", cfg.Job.ItemsPerSecond)
	v.SetDefault("job.checkpoint", cfg.Job.Checkpoint)

	// Transaction defaults
	v.SetDefault("transaction.max_attempts", cfg.Transaction.MaxAttempts)
	v.SetDefault("transaction.initial_backoff", cfg.Transaction.InitialBackoff)
	v.SetDefault("transaction.max_backoff", cfg.Transaction.MaxBackoff)

	// Lock defaults
	v.SetDefault("lock.provider", cfg.Lock.Provider)
	v.SetDefault("lock.url", cfg.Lock.URL)
	v.SetDefault("lock.prefix", cfg.Lock.Prefix)
	v.SetDefault("lock.table", cfg.Lock.Table)
	v.SetDefault("lock.operation_timeout", cfg.Lock.OperationTimeout)
	v.SetDefault("lock.region", cfg.Lock.Region)
	v.SetDefault("lock.endpoint", cfg.Lock.Endpoint)

	// Store defaults
	v.SetDefault("store.type", cfg.Store.Type)
	v.SetDefault("store.url", cfg.Store.URL)
	v.SetDefault("store.max_open_conns", cfg.Store.MaxOpenConns)
	v.SetDefault("store.max_idle_conns", cfg.Store.MaxIdleConns)
	v.SetDefault("store.conn_max_lifetime", cfg.Store.ConnMaxLifetime)
	v.SetDefault("store.conn_max_idle_time", cfg.Store.ConnMaxIdleTime)
	v.SetDefault("store.query_timeout", cfg.Store.QueryTimeout)
	v.SetDefault("store.records_table", cfg.Store.RecordsTable)
	v.SetDefault("store.attributes_table", cfg.Store.AttributesTable)

	// Checkpoint defaults
	v.SetDefault("checkpoint.url", cfg.Checkpoint.URL)
	v.SetDefault("checkpoint.prefix", cfg.Checkpoint.Prefix)
	v.SetDefault("checkpoint.ttl", cfg.Checkpoint.TTL)

	// Log defaults
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	// Observability defaults
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
	v.SetDefault("observability.pushgateway_url", cfg.Observability.PushgatewayURL)

	// Password hash defaults
	v.SetDefault("password_hash.preferred_encoding", cfg.PasswordHash.PreferredEncoding)
	v.SetDefault("password_hash.bcrypt_cost", cfg.PasswordHash.BcryptCost)
}

// Validate normalizes enumerations and checks the configuration.
func (l *ViperLoader) Validate(cfg *Config) error {
	cfg.Lock.Provider = strings.ToLower(strings.TrimSpace(cfg.Lock.Provider))
	cfg.Store.Type = strings.ToLower(strings.TrimSpace(cfg.Store.Type))
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	cfg.Job.Name = strings.TrimSpace(cfg.Job.Name)
	cfg.Job.TypeID = strings.TrimSpace(cfg.Job.TypeID)
	return cfg.Validate()
}
