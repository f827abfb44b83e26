package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
)

// Validate checks if the configuration is valid. All violations are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	// Job
	if c.Job.Name == "" {
		errs = append(errs, errors.New("job.name is required"))
	}
	if c.Job.TypeID == "" {
		errs = append(errs, errors.New("job.type_id is required"))
	}
	if c.Job.QueryWindowSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid job.query_window_size: %d (must be > 0)", c.Job.QueryWindowSize))
	}
	if c.Job.ThreadCount <= 0 || c.Job.ThreadCount > 256 {
		errs = append(errs, fmt.Errorf("invalid job.thread_count: %d (must be between 1 and 256)", c.Job.ThreadCount))
	}
	if c.Job.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid job.batch_size: %d (must be > 0)", c.Job.BatchSize))
	}
	if c.Job.LockTTL <= 0 {
		errs = append(errs, errors.New("job.lock_ttl must be > 0"))
	}
	if c.Job.ItemTimeout < 0 {
		errs = append(errs, errors.New("job.item_timeout cannot be negative"))
	}
	if c.Job.ItemsPerSecond < 0 {
		errs = append(errs, errors.New("job.items_per_second cannot be negative"))
	}
	if c.Job.Checkpoint && strings.TrimSpace(c.Checkpoint.URL) == "" {
		errs = append(errs, errors.New("checkpoint.url is required when job.checkpoint is enabled"))
	}

	// Transaction
	if c.Transaction.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("invalid transaction.max_attempts: %d (must be >= 1)", c.Transaction.MaxAttempts))
	}
	if c.Transaction.InitialBackoff <= 0 {
		errs = append(errs, errors.New("transaction.initial_backoff must be > 0"))
	}
	if c.Transaction.MaxBackoff < c.Transaction.InitialBackoff {
		errs = append(errs, errors.New("transaction.max_backoff must be >= transaction.initial_backoff"))
	}

	// Lock
	validLockProviders := []string{LockProviderRedis, LockProviderPostgres, LockProviderDynamoDB, LockProviderMemory}
	if !contains(validLockProviders, c.Lock.Provider) {
		errs = append(errs, fmt.Errorf("invalid lock.provider: %s (must be one of: %v)", c.Lock.Provider, validLockProviders))
	}
	switch c.Lock.Provider {
	case LockProviderRedis, LockProviderPostgres:
		if strings.TrimSpace(c.Lock.URL) == "" {
			errs = append(errs, fmt.Errorf("lock.url is required for lock.provider %s", c.Lock.Provider))
		}
	case LockProviderDynamoDB:
		if strings.TrimSpace(c.Lock.Region) == "" {
			errs = append(errs, errors.New("lock.region is required for DynamoDB"))
		}
	}
	if c.Lock.OperationTimeout < 0 {
		errs = append(errs, errors.New("lock.operation_timeout cannot be negative"))
	}

	// Store
	validStoreTypes := []string{StoreTypePostgres, StoreTypeMySQL, StoreTypeMemory}
	if !contains(validStoreTypes, c.Store.Type) {
		errs = append(errs, fmt.Errorf("invalid store.type: %s (must be one of: %v)", c.Store.Type, validStoreTypes))
	}
	if (c.Store.Type == StoreTypePostgres || c.Store.Type == StoreTypeMySQL) && strings.TrimSpace(c.Store.URL) == "" {
		errs = append(errs, fmt.Errorf("store.url is required for store.type %s", c.Store.Type))
	}
	if c.Store.MaxOpenConns < 0 || c.Store.MaxIdleConns < 0 {
		errs = append(errs, errors.New("store connection limits cannot be negative"))
	}
	if c.Store.MaxOpenConns > 0 && c.Store.MaxOpenConns < c.Job.ThreadCount {
		errs = append(errs, fmt.Errorf("store.max_open_conns (%d) must be >= job.thread_count (%d)", c.Store.MaxOpenConns, c.Job.ThreadCount))
	}

	// Log
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.Log.Level) {
		errs = append(errs, fmt.Errorf("invalid log.level: %s (must be one of: %v)", c.Log.Level, validLogLevels))
	}
	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("invalid log.format: %s (must be one of: %v)", c.Log.Format, validLogFormats))
	}

	// Observability
	if c.Observability.TracingEnabled && c.Observability.TracingEndpoint == "" {
		errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
	}
	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		errs = append(errs, fmt.Errorf("invalid observability.tracing_sample_rate: %v (must be between 0 and 1)", c.Observability.TracingSampleRate))
	}

	// Password hash
	if c.PasswordHash.BcryptCost < 4 || c.PasswordHash.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("invalid password_hash.bcrypt_cost: %d (must be between 4 and 31)", c.PasswordHash.BcryptCost))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// String returns the full configuration as a formatted string
func (c *Config) String() string {
	return formatStruct(reflect.ValueOf(c).Elem(), "")
}

// Redacted returns the configuration with secrets masked.
// Pass the secrets Config returned by LoadWithSecrets() to mask those values.
func (c *Config) Redacted(secrets *Config) string {
	if secrets == nil {
		return c.String()
	}
	return formatStructWithMask(reflect.ValueOf(c).Elem(), reflect.ValueOf(secrets).Elem(), "")
}

func formatStruct(v reflect.Value, prefix string) string {
	var sb strings.Builder
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)

		if !value.CanInterface() {
			continue
		}

		fieldName := field.Name
		if tag := field.Tag.Get("mapstructure"); tag != "" && tag != "-" {
			fieldName = tag
		}

		switch value.Kind() {
		case reflect.Struct:
			sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
			sb.WriteString(formatStruct(value, prefix+"  "))
		case reflect.Slice:
			if value.Len() == 0 {
				sb.WriteString(fmt.Sprintf("%s%s: []\n", prefix, fieldName))
			} else {
				sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
				for j := 0; j < value.Len(); j++ {
					elem := value.Index(j)
					sb.WriteString(fmt.Sprintf("%s  - %v\n", prefix, elem.Interface()))
				}
			}
		case reflect.Map:
			if value.Len() == 0 {
				sb.WriteString(fmt.Sprintf("%s%s: {}\n", prefix, fieldName))
			} else {
				sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
				for _, key := range value.MapKeys() {
					mapValue := value.MapIndex(key)
					sb.WriteString(fmt.Sprintf("%s  %v: %v\n", prefix, key.Interface(), mapValue.Interface()))
				}
			}
		default:
			sb.WriteString(fmt.Sprintf("%s%s: %v\n", prefix, fieldName, displayValue(value)))
		}
	}

	return sb.String()
}

func formatStructWithMask(v, mask reflect.Value, prefix string) string {
	var sb strings.Builder
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)
		maskValue := mask.Field(i)

		if !value.CanInterface() {
			continue
		}

		fieldName := field.Name
		if tag := field.Tag.Get("mapstructure"); tag != "" && tag != "-" {
			fieldName = tag
		}

		switch value.Kind() {
		case reflect.Struct:
			sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
			sb.WriteString(formatStructWithMask(value, maskValue, prefix+"  "))
		case reflect.Slice:
			if value.Len() == 0 {
				sb.WriteString(fmt.Sprintf("%s%s: []\n", prefix, fieldName))
			} else {
				sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
				for j := 0; j < value.Len(); j++ {
					elem := value.Index(j)
					sb.WriteString(fmt.Sprintf("%s  - %v\n", prefix, elem.Interface()))
				}
			}
		case reflect.Map:
			if value.Len() == 0 {
				sb.WriteString(fmt.Sprintf("%s%s: {}\n", prefix, fieldName))
			} else {
				sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
				for _, key := range value.MapKeys() {
					mapValue := value.MapIndex(key)
					sb.WriteString(fmt.Sprintf("%s  %v: %v\n", prefix, key.Interface(), mapValue.Interface()))
				}
			}
		default:
			display := displayValue(value)
			// Check if this field has a non-zero value in secrets
			if shouldRedact(maskValue) {
				display = "***"
			}
			sb.WriteString(fmt.Sprintf("%s%s: %v\n", prefix, fieldName, display))
		}
	}

	return sb.String()
}

// displayValue masks the password of URL-shaped strings so connection
// strings never print credentials.
func displayValue(v reflect.Value) any {
	if v.Kind() != reflect.String {
		return v.Interface()
	}
	raw := v.String()
	if !strings.Contains(raw, "://") {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.User == nil {
		return raw
	}
	return parsed.Redacted()
}

func shouldRedact(v reflect.Value) bool {
	if !v.IsValid() {
		return false
	}

	switch v.Kind() {
	case reflect.String:
		return v.String() != ""
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return v.Float() != 0
	case reflect.Bool:
		return v.Bool()
	case reflect.Slice, reflect.Map:
		return v.Len() > 0
	default:
		return false
	}
}
