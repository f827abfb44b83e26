// Package store defines the narrow record-store surface consumed by the batch
// upgrade job, plus an in-memory implementation.
package store

import (
	"context"
)

// TxOptions controls how RunInTransaction scopes a unit of work.
type TxOptions struct {
	// Writable allows UpdateProperties inside the transaction.
	Writable bool
	// RequiresNew forces a fresh transaction even if ctx already carries one.
	RequiresNew bool
}

// QueryStore is the read-only query surface used for work discovery.
type QueryStore interface {
	// CountByType returns the number of records of the given type.
	CountByType(ctx context.Context, typeID string) (int64, error)
	// MaxID returns the highest record id currently allocated.
	MaxID(ctx context.Context) (int64, error)
	// QueryIDsByTypeInRange returns ids of the given type within [minID, maxID], ascending.
	QueryIDsByTypeInRange(ctx context.Context, typeID string, minID, maxID int64) ([]int64, error)
	// GetProperties loads the attributes of one record.
	GetProperties(ctx context.Context, id int64) (Properties, error)
}

// Transactor runs a unit of work atomically.
type Transactor interface {
	RunInTransaction(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error
}

// RecordStore is the full store contract implemented by the backends.
type RecordStore interface {
	QueryStore
	Transactor

	// UpdateProperties merges values into the record when its version still
	// equals expectedVersion, and bumps the version.
	UpdateProperties(ctx context.Context, id int64, values map[string]any, expectedVersion int64) error
	// EnsureAttributes registers attribute names in the store metadata.
	EnsureAttributes(ctx context.Context, names ...string) error

	Adapter
}

// Adapter is the lifecycle and health contract shared by store backends.
type Adapter interface {
	HealthCheck(ctx context.Context) error
	Close() error
}
