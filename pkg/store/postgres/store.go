// Package postgres provides the PostgreSQL record store.
package postgres

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/nimburion/upgradejob/pkg/observability/logger"
	"github.com/nimburion/upgradejob/pkg/store/sqlstore"
)

// Config aliases the shared SQL store configuration.
type Config = sqlstore.Config

// SQLSTATE codes that mean the transaction lost a race and may be retried.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Dialect is the PostgreSQL flavour of the SQL record store.
var Dialect = sqlstore.Dialect{
	Name:       "postgresql",
	Driver:     "postgres",
	Queries:    queries,
	IsConflict: IsConflict,
}

// NewStore connects to PostgreSQL and returns a record store.
func NewStore(cfg Config, log logger.Logger) (*sqlstore.Store, error) {
	return sqlstore.Open(Dialect, cfg, log)
}

// IsConflict reports serialization failures and deadlocks.
func IsConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == codeSerializationFailure || pqErr.Code == codeDeadlockDetected
}

func queries(cfg sqlstore.Config) sqlstore.Queries {
	records, attributes := cfg.RecordsTable, cfg.AttributesTable
	return sqlstore.Queries{
		CreateRecords: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT PRIMARY KEY,
	type_id TEXT NOT NULL,
	version BIGINT NOT NULL DEFAULT 1,
	properties JSONB NOT NULL DEFAULT '{}'::jsonb
)`, records),
		CreateAttributes: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name TEXT PRIMARY KEY
)`, attributes),
		CountByType:      fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE type_id = $1`, records),
		MaxID:            fmt.Sprintf(`SELECT COALESCE(MAX(id), 0) FROM %s`, records),
		IDsInRange:       fmt.Sprintf(`SELECT id FROM %s WHERE type_id = $1 AND id >= $2 AND id <= $3 ORDER BY id`, records),
		GetProperties:    fmt.Sprintf(`SELECT version, properties FROM %s WHERE id = $1`, records),
		UpdateProperties: fmt.Sprintf(`UPDATE %s SET properties = properties || $1::jsonb, version = version + 1 WHERE id = $2 AND version = $3`, records),
		CurrentVersion:   fmt.Sprintf(`SELECT version FROM %s WHERE id = $1`, records),
		EnsureAttribute:  fmt.Sprintf(`INSERT INTO %s (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, attributes),
	}
}
