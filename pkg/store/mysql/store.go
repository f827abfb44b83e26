// Package mysql provides the MySQL record store.
package mysql

import (
	"errors"
	"fmt"

	driver "github.com/go-sql-driver/mysql"

	"github.com/nimburion/upgradejob/pkg/observability/logger"
	"github.com/nimburion/upgradejob/pkg/store/sqlstore"
)

// Config aliases the shared SQL store configuration.
type Config = sqlstore.Config

const (
	errLockWaitTimeout = 1205
	errLockDeadlock    = 1213
)

// Dialect is the MySQL flavour of the SQL record store.
var Dialect = sqlstore.Dialect{
	Name:       "mysql",
	Driver:     "mysql",
	Queries:    queries,
	IsConflict: IsConflict,
}

// NewStore connects to MySQL and returns a record store.
func NewStore(cfg Config, log logger.Logger) (*sqlstore.Store, error) {
	return sqlstore.Open(Dialect, cfg, log)
}

// IsConflict reports deadlocks and lock wait timeouts; InnoDB rolls the
// statement (or the whole transaction) back in both cases.
func IsConflict(err error) bool {
	var myErr *driver.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	return myErr.Number == errLockDeadlock || myErr.Number == errLockWaitTimeout
}

func queries(cfg sqlstore.Config) sqlstore.Queries {
	records, attributes := cfg.RecordsTable, cfg.AttributesTable
	return sqlstore.Queries{
		CreateRecords: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT PRIMARY KEY,
	type_id VARCHAR(255) NOT NULL,
	version BIGINT NOT NULL DEFAULT 1,
	properties JSON NOT NULL,
	INDEX idx_type_id (type_id, id)
)`, records),
		CreateAttributes: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name VARCHAR(255) PRIMARY KEY
)`, attributes),
		CountByType:      fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE type_id = ?", records),
		MaxID:            fmt.Sprintf("SELECT COALESCE(MAX(id), 0) FROM %s", records),
		IDsInRange:       fmt.Sprintf("SELECT id FROM %s WHERE type_id = ? AND id >= ? AND id <= ? ORDER BY id", records),
		GetProperties:    fmt.Sprintf("SELECT version, properties FROM %s WHERE id = ?", records),
		UpdateProperties: fmt.Sprintf("UPDATE %s SET properties = JSON_MERGE_PATCH(properties, ?), version = version + 1 WHERE id = ? AND version = ?", records),
		CurrentVersion:   fmt.Sprintf("SELECT version FROM %s WHERE id = ?", records),
		EnsureAttribute:  fmt.Sprintf("INSERT IGNORE INTO %s (name) VALUES (?)", attributes),
	}
}
