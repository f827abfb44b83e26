package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"gopkg.in/yaml.v3"
)

const testPrefix = "UJTEST"

// setMemoryBackends points lock and store at the in-process backends so
// defaults validate without external services.
func setMemoryBackends(t *testing.T) {
	t.Helper()
	t.Setenv(testPrefix+"_LOCK_PROVIDER", LockProviderMemory)
	t.Setenv(testPrefix+"_STORE_TYPE", StoreTypeMemory)
}

func writeConfigFile(t *testing.T, name string, content map[string]any) string {
	t.Helper()
	raw, err := yaml.Marshal(content)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearTestEnv() {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, testPrefix+"_") {
			key := strings.Split(env, "=")[0]
			os.Unsetenv(key)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Job.Name != "upgrade-password-hash" {
		t.Errorf("expected job name upgrade-password-hash, got %s", cfg.Job.Name)
	}
	if cfg.Job.TypeID != "user" {
		t.Errorf("expected type user, got %s", cfg.Job.TypeID)
	}
	if cfg.Job.QueryWindowSize != 10000 {
		t.Errorf("expected window 10000, got %d", cfg.Job.QueryWindowSize)
	}
	if cfg.Job.ThreadCount != 2 || cfg.Job.BatchSize != 100 {
		t.Errorf("expected 2 threads and batch 100, got %d/%d", cfg.Job.ThreadCount, cfg.Job.BatchSize)
	}
	if cfg.Job.LockTTL != time.Minute {
		t.Errorf("expected lock ttl 60s, got %v", cfg.Job.LockTTL)
	}
	if cfg.Job.ErrorBudget != 1000 {
		t.Errorf("expected error budget 1000, got %d", cfg.Job.ErrorBudget)
	}
	if cfg.Transaction.MaxAttempts != 20 {
		t.Errorf("expected 20 attempts, got %d", cfg.Transaction.MaxAttempts)
	}
	if cfg.Lock.Provider != LockProviderRedis {
		t.Errorf("expected redis lock provider, got %s", cfg.Lock.Provider)
	}
	if cfg.Store.Type != StoreTypePostgres {
		t.Errorf("expected postgres store, got %s", cfg.Store.Type)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("expected info/json logging, got %s/%s", cfg.Log.Level, cfg.Log.Format)
	}
	if cfg.PasswordHash.PreferredEncoding != "bcrypt10" {
		t.Errorf("expected bcrypt10, got %s", cfg.PasswordHash.PreferredEncoding)
	}
}

func TestViperLoader_DefaultsRequireBackendURLs(t *testing.T) {
	clearTestEnv()
	_, err := NewViperLoader("", testPrefix).Load()
	if err == nil {
		t.Fatal("expected validation error without lock and store urls")
	}
	for _, want := range []string{"lock.url", "store.url"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %s, got %v", want, err)
		}
	}
}

func TestViperLoader_LoadDefaults(t *testing.T) {
	clearTestEnv()
	setMemoryBackends(t)

	cfg, err := NewViperLoader("", testPrefix).Load()
	if err != nil {
		t.Fatalf("expected no error loading defaults, got: %v", err)
	}
	if cfg.Job.QueryWindowSize != DefaultConfig().Job.QueryWindowSize {
		t.Errorf("expected default window, got %d", cfg.Job.QueryWindowSize)
	}
	if cfg.Checkpoint.TTL != 7*24*time.Hour {
		t.Errorf("expected checkpoint ttl 7d, got %v", cfg.Checkpoint.TTL)
	}
}

func TestViperLoader_LoadWithEnvOverride(t *testing.T) {
	clearTestEnv()
	t.Setenv(testPrefix+"_LOCK_PROVIDER", "REDIS")
	t.Setenv(testPrefix+"_LOCK_URL", "redis://localhost:6379/0")
	t.Setenv(testPrefix+"_STORE_TYPE", "mysql")
	t.Setenv(testPrefix+"_DATABASE_URL", "user:pw@tcp(localhost:3306)/app")
	t.Setenv(testPrefix+"_JOB_THREAD_COUNT", "8")
	t.Setenv(testPrefix+"_JOB_LOCK_TTL", "90s")
	t.Setenv(testPrefix+"_JOB_ERROR_BUDGET", "-1")
	t.Setenv(testPrefix+"_LOG_LEVEL", "DEBUG")
	t.Setenv(testPrefix+"_ENVIRONMENT", "staging")

	cfg, err := NewViperLoader("", testPrefix).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Lock.Provider != LockProviderRedis {
		t.Errorf("expected normalized provider redis, got %s", cfg.Lock.Provider)
	}
	if cfg.Store.Type != StoreTypeMySQL || cfg.Store.URL == "" {
		t.Errorf("expected mysql store from env alias, got %s %q", cfg.Store.Type, cfg.Store.URL)
	}
	if cfg.Job.ThreadCount != 8 {
		t.Errorf("expected 8 threads, got %d", cfg.Job.ThreadCount)
	}
	if cfg.Job.LockTTL != 90*time.Second {
		t.Errorf("expected lock ttl 90s, got %v", cfg.Job.LockTTL)
	}
	if cfg.Job.ErrorBudget != -1 {
		t.Errorf("expected disabled error budget, got %d", cfg.Job.ErrorBudget)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected debug log level, got %s", cfg.Log.Level)
	}
	if cfg.Service.Environment != "staging" {
		t.Errorf("expected staging environment, got %s", cfg.Service.Environment)
	}
}

func TestViperLoader_LoadFromFile(t *testing.T) {
	clearTestEnv()
	path := writeConfigFile(t, "config.yaml", map[string]any{
		"job": map[string]any{
			"name":              "upgrade-tenants",
			"type_id":           "tenant",
			"query_window_size": 500,
			"checkpoint":        true,
		},
		"lock": map[string]any{
			"provider": "dynamodb",
			"region":   "eu-west-1",
			"table":    "locks",
		},
		"store":      map[string]any{"type": "memory"},
		"checkpoint": map[string]any{"url": "redis://localhost:6379/1"},
	})

	cfg, err := NewViperLoader(path, testPrefix).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Job.Name != "upgrade-tenants" || cfg.Job.TypeID != "tenant" {
		t.Errorf("unexpected job identity %s/%s", cfg.Job.Name, cfg.Job.TypeID)
	}
	if cfg.Job.QueryWindowSize != 500 || !cfg.Job.Checkpoint {
		t.Errorf("unexpected job tuning %+v", cfg.Job)
	}
	if cfg.Lock.Provider != LockProviderDynamoDB || cfg.Lock.Region != "eu-west-1" || cfg.Lock.Table != "locks" {
		t.Errorf("unexpected lock config %+v", cfg.Lock)
	}
	// untouched keys keep defaults
	if cfg.Job.BatchSize != 100 {
		t.Errorf("expected default batch size, got %d", cfg.Job.BatchSize)
	}
}

func TestViperLoader_MissingFile(t *testing.T) {
	_, err := NewViperLoader(filepath.Join(t.TempDir(), "missing.yaml"), testPrefix).Load()
	if err == nil || !strings.Contains(err.Error(), "failed to read config file") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestViperLoader_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty job name", func(c *Config) { c.Job.Name = " " }, "job.name"},
		{"empty type", func(c *Config) { c.Job.TypeID = "" }, "job.type_id"},
		{"zero window", func(c *Config) { c.Job.QueryWindowSize = 0 }, "job.query_window_size"},
		{"too many threads", func(c *Config) { c.Job.ThreadCount = 257 }, "job.thread_count"},
		{"zero batch", func(c *Config) { c.Job.BatchSize = 0 }, "job.batch_size"},
		{"zero lock ttl", func(c *Config) { c.Job.LockTTL = 0 }, "job.lock_ttl"},
		{"negative item timeout", func(c *Config) { c.Job.ItemTimeout = -time.Second }, "job.item_timeout"},
		{"negative rate", func(c *Config) { c.Job.ItemsPerSecond = -1 }, "job.items_per_second"},
		{"checkpoint without url", func(c *Config) { c.Job.Checkpoint = true }, "checkpoint.url"},
		{"zero attempts", func(c *Config) { c.Transaction.MaxAttempts = 0 }, "transaction.max_attempts"},
		{"inverted backoff", func(c *Config) { c.Transaction.MaxBackoff = time.Millisecond }, "transaction.max_backoff"},
		{"unknown lock provider", func(c *Config) { c.Lock.Provider = "zookeeper" }, "lock.provider"},
		{"redis without url", func(c *Config) { c.Lock.Provider = LockProviderRedis }, "lock.url"},
		{"dynamodb without region", func(c *Config) { c.Lock.Provider = LockProviderDynamoDB }, "lock.region"},
		{"unknown store", func(c *Config) { c.Store.Type = "sqlite" }, "store.type"},
		{"postgres without url", func(c *Config) { c.Store.Type = StoreTypePostgres }, "store.url"},
		{"pool smaller than workers", func(c *Config) { c.Store.MaxOpenConns = 1; c.Job.ThreadCount = 4 }, "store.max_open_conns"},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"tracing without endpoint", func(c *Config) { c.Observability.TracingEnabled = true }, "tracing_endpoint"},
		{"sample rate above one", func(c *Config) { c.Observability.TracingSampleRate = 1.5 }, "tracing_sample_rate"},
		{"bcrypt cost too low", func(c *Config) { c.PasswordHash.BcryptCost = 3 }, "bcrypt_cost"},
	}

	loader := NewViperLoader("", testPrefix)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validMemoryConfig()
			tt.mutate(cfg)
			err := loader.Validate(cfg)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfig_ValidateJoinsAllErrors(t *testing.T) {
	cfg := validMemoryConfig()
	cfg.Job.BatchSize = 0
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) || len(joined.Unwrap()) != 2 {
		t.Fatalf("expected two joined errors, got %v", err)
	}
}

func TestViperLoader_ValidConfiguration(t *testing.T) {
	if err := NewViperLoader("", testPrefix).Validate(validMemoryConfig()); err != nil {
		t.Fatalf("expected valid configuration, got %v", err)
	}
}

func TestContains(t *testing.T) {
	slice := []string{"redis", "postgres"}
	if !contains(slice, "redis") {
		t.Error("expected contains to find redis")
	}
	if contains(slice, "memory") {
		t.Error("expected contains to miss memory")
	}
	if contains(nil, "redis") {
		t.Error("expected contains on nil slice to be false")
	}
}

func TestProperty_ConfigurationPrecedence(t *testing.T) {
	properties := gopter.NewProperties(nil)

	genThreads := gen.IntRange(1, 256)
	genLogLevel := gen.OneConstOf("debug", "info", "warn", "error")
	genTTL := gen.IntRange(1, 300).Map(func(seconds int) time.Duration {
		return time.Duration(seconds) * time.Second
	})

	properties.Property("ENV overrides file and defaults", prop.ForAll(
		func(envThreads, fileThreads int, envLevel, fileLevel string, envTTL, fileTTL time.Duration) bool {
			clearTestEnv()
			defer clearTestEnv()

			path := writeConfigFile(t, fmt.Sprintf("config-%d.yaml", fileThreads), map[string]any{
				"job": map[string]any{
					"thread_count": fileThreads,
					"lock_ttl":     fileTTL.String(),
				},
				"log":   map[string]any{"level": fileLevel},
				"lock":  map[string]any{"provider": "memory"},
				"store": map[string]any{"type": "memory", "max_open_conns": 0},
			})

			os.Setenv(testPrefix+"_JOB_THREAD_COUNT", fmt.Sprintf("%d", envThreads))
			os.Setenv(testPrefix+"_JOB_LOCK_TTL", envTTL.String())
			os.Setenv(testPrefix+"_LOG_LEVEL", envLevel)

			cfg, err := NewViperLoader(path, testPrefix).Load()
			if err != nil {
				t.Logf("Load error: %v", err)
				return false
			}
			return cfg.Job.ThreadCount == envThreads &&
				cfg.Job.LockTTL == envTTL &&
				cfg.Log.Level == envLevel
		},
		genThreads,
		genThreads,
		genLogLevel,
		genLogLevel,
		genTTL,
		genTTL,
	))

	properties.Property("file overrides defaults when ENV not set", prop.ForAll(
		func(fileThreads int, fileLevel string) bool {
			clearTestEnv()
			defer clearTestEnv()

			path := writeConfigFile(t, fmt.Sprintf("file-%d.yaml", fileThreads), map[string]any{
				"job":   map[string]any{"thread_count": fileThreads},
				"log":   map[string]any{"level": fileLevel},
				"lock":  map[string]any{"provider": "memory"},
				"store": map[string]any{"type": "memory", "max_open_conns": 0},
			})

			cfg, err := NewViperLoader(path, testPrefix).Load()
			if err != nil {
				t.Logf("Load error: %v", err)
				return false
			}
			return cfg.Job.ThreadCount == fileThreads && cfg.Log.Level == fileLevel &&
				cfg.Job.BatchSize == DefaultConfig().Job.BatchSize
		},
		genThreads,
		genLogLevel,
	))

	properties.TestingRun(t)
}

func TestConfig_StringRedactsURLPasswords(t *testing.T) {
	cfg := validMemoryConfig()
	cfg.Store.URL = "postgres://svc:hunter2@db:5432/app"

	out := cfg.String()
	if strings.Contains(out, "hunter2") {
		t.Fatalf("expected password to be masked, got:\n%s", out)
	}
	if !strings.Contains(out, "url: postgres://svc:xxxxx@db:5432/app") {
		t.Fatalf("expected masked store url, got:\n%s", out)
	}
	if !strings.Contains(out, "job:\n  name: upgrade-password-hash") {
		t.Fatalf("expected nested job section, got:\n%s", out)
	}
}

func validMemoryConfig() *Config {
	cfg := DefaultConfig()
	cfg.Lock.Provider = LockProviderMemory
	cfg.Store.Type = StoreTypeMemory
	return cfg
}
