// Package sqlstore implements store.RecordStore on database/sql. Driver
// packages (postgres, mysql) provide the dialect-specific statements.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nimburion/upgradejob/pkg/observability/logger"
	"github.com/nimburion/upgradejob/pkg/observability/tracing"
	"github.com/nimburion/upgradejob/pkg/store"
)

const (
	DefaultRecordsTable    = "upgrade_records"
	DefaultAttributesTable = "upgrade_record_attributes"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config holds connection pool and schema settings shared by the SQL backends.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
	RecordsTable    string
	AttributesTable string
}

func (c *Config) normalize() error {
	if strings.TrimSpace(c.RecordsTable) == "" {
		c.RecordsTable = DefaultRecordsTable
	}
	if strings.TrimSpace(c.AttributesTable) == "" {
		c.AttributesTable = DefaultAttributesTable
	}
	for _, table := range []string{c.RecordsTable, c.AttributesTable} {
		if !validTableName.MatchString(table) {
			return fmt.Errorf("%w: invalid table name %q", store.ErrInvalidArgument, table)
		}
	}
	return nil
}

// Queries are the dialect-specific statements, already bound to table names.
type Queries struct {
	CreateRecords    string
	CreateAttributes string
	CountByType      string
	MaxID            string
	IDsInRange       string
	GetProperties    string
	UpdateProperties string
	CurrentVersion   string
	EnsureAttribute  string
}

// Dialect describes one SQL backend.
type Dialect struct {
	Name    string
	Driver  string
	Queries func(cfg Config) Queries
	// IsConflict reports driver errors that mean "retry the transaction".
	IsConflict func(err error) bool
}

// Store is a RecordStore backed by a SQL database.
type Store struct {
	db      *sql.DB
	log     logger.Logger
	config  Config
	dialect Dialect
	queries Queries
}

var _ store.RecordStore = (*Store)(nil)

// Open connects with the dialect's driver, configures the pool and pings.
func Open(dialect Dialect, cfg Config, log logger.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("%w: database URL is required", store.ErrInvalidArgument)
	}
	db, err := sql.Open(dialect.Driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect.Name, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect.Name, err)
	}

	s, err := New(db, dialect, cfg, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("record store connection established",
		"dialect", dialect.Name,
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
		"records_table", s.config.RecordsTable,
	)
	return s, nil
}

// New wraps an existing *sql.DB.
func New(db *sql.DB, dialect Dialect, cfg Config, log logger.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: db is required", store.ErrInvalidArgument)
	}
	if log == nil {
		return nil, fmt.Errorf("%w: logger is required", store.ErrInvalidArgument)
	}
	if dialect.Queries == nil {
		return nil, fmt.Errorf("%w: dialect queries are required", store.ErrInvalidArgument)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &Store{
		db:      db,
		log:     log,
		config:  cfg,
		dialect: dialect,
		queries: dialect.Queries(cfg),
	}, nil
}

// DB returns the underlying *sql.DB for direct access when needed
func (s *Store) DB() *sql.DB {
	return s.db
}

// EnsureSchema creates the records and attributes tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, statement := range []string{s.queries.CreateRecords, s.queries.CreateAttributes} {
		if _, err := s.exec(ctx, statement); err != nil {
			return fmt.Errorf("ensure schema failed: %w", err)
		}
	}
	return nil
}

func (s *Store) CountByType(ctx context.Context, typeID string) (int64, error) {
	var count int64
	if err := s.queryRow(ctx, s.queries.CountByType, typeID).Scan(&count); err != nil {
		return 0, s.classify(err)
	}
	return count, nil
}

func (s *Store) MaxID(ctx context.Context) (int64, error) {
	var maxID int64
	if err := s.queryRow(ctx, s.queries.MaxID).Scan(&maxID); err != nil {
		return 0, s.classify(err)
	}
	return maxID, nil
}

func (s *Store) QueryIDsByTypeInRange(ctx context.Context, typeID string, minID, maxID int64) ([]int64, error) {
	if minID > maxID {
		return nil, fmt.Errorf("%w: min id must be <= max id", store.ErrInvalidArgument)
	}
	spanCtx, span := tracing.StartDatabaseSpan(ctx, tracing.SpanOperationDBQuery,
		tracing.WithDBSystem(s.dialect.Name),
		tracing.WithDBTable(s.config.RecordsTable),
	)
	defer span.End()

	rows, cancel, err := s.query(spanCtx, s.queries.IDsInRange, typeID, minID, maxID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, s.classify(err)
	}
	defer cancel()
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, s.classify(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		tracing.RecordError(span, err)
		return nil, s.classify(err)
	}
	tracing.RecordSuccess(span)
	return ids, nil
}

func (s *Store) GetProperties(ctx context.Context, id int64) (store.Properties, error) {
	var (
		version int64
		raw     []byte
	)
	err := s.queryRow(ctx, s.queries.GetProperties, id).Scan(&version, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Properties{}, fmt.Errorf("%w: record %d", store.ErrNotFound, id)
	}
	if err != nil {
		return store.Properties{}, s.classify(err)
	}

	values := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &values); err != nil {
			return store.Properties{}, fmt.Errorf("decode properties of record %d: %w", id, err)
		}
	}
	return store.Properties{Version: version, Values: values}, nil
}

func (s *Store) UpdateProperties(ctx context.Context, id int64, values map[string]any, expectedVersion int64) error {
	if state, ok := txFromContext(ctx); ok && !state.writable {
		return store.ErrReadOnly
	}
	patch, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode properties of record %d: %w", id, err)
	}

	result, err := s.exec(ctx, s.queries.UpdateProperties, string(patch), id, expectedVersion)
	if err != nil {
		return s.classify(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return s.classify(err)
	}
	if affected > 0 {
		return nil
	}

	var current int64
	err = s.queryRow(ctx, s.queries.CurrentVersion, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: record %d", store.ErrNotFound, id)
	}
	if err != nil {
		return s.classify(err)
	}
	return store.NewOptimisticLockError(id, expectedVersion, current)
}

func (s *Store) EnsureAttributes(ctx context.Context, names ...string) error {
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: attribute name is required", store.ErrInvalidArgument)
		}
		if _, err := s.exec(ctx, s.queries.EnsureAttribute, name); err != nil {
			return s.classify(err)
		}
	}
	return nil
}

// RunInTransaction executes fn inside a database transaction bound to ctx.
// A transaction already present in ctx is joined unless opts.RequiresNew is set.
func (s *Store) RunInTransaction(ctx context.Context, opts store.TxOptions, fn func(ctx context.Context) error) error {
	if _, ok := txFromContext(ctx); ok && !opts.RequiresNew {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: !opts.Writable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", s.classify(err))
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.log.Error("failed to rollback transaction after panic",
					"panic", p,
					"rollback_error", rbErr,
				)
			}
			panic(p)
		}
	}()

	txCtx := context.WithValue(ctx, txContextKey{}, &txState{tx: tx, writable: opts.Writable})
	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Error("failed to rollback transaction",
				"original_error", err,
				"rollback_error", rbErr,
			)
			return errors.Join(err, fmt.Errorf("failed to rollback transaction: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", s.classify(err))
	}
	return nil
}

// HealthCheck verifies the database connection is healthy with a timeout
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		s.log.Error("record store health check failed", "dialect", s.dialect.Name, "error", err)
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close gracefully closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

type txContextKey struct{}

type txState struct {
	tx       *sql.Tx
	writable bool
}

func txFromContext(ctx context.Context) (*txState, bool) {
	state, ok := ctx.Value(txContextKey{}).(*txState)
	return state, ok
}

// GetTx extracts the transaction bound to ctx, if present.
func GetTx(ctx context.Context) (*sql.Tx, bool) {
	state, ok := txFromContext(ctx)
	if !ok {
		return nil, false
	}
	return state.tx, true
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	queryCtx, cancel := s.withQueryTimeout(ctx)
	defer cancel()
	if tx, ok := GetTx(ctx); ok {
		return tx.ExecContext(queryCtx, query, args...)
	}
	return s.db.ExecContext(queryCtx, query, args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, context.CancelFunc, error) {
	queryCtx, cancel := s.withQueryTimeout(ctx)
	var (
		rows *sql.Rows
		err  error
	)
	if tx, ok := GetTx(ctx); ok {
		rows, err = tx.QueryContext(queryCtx, query, args...)
	} else {
		rows, err = s.db.QueryContext(queryCtx, query, args...)
	}
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return rows, cancel, nil
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	queryCtx, cancel := s.withQueryTimeout(ctx)
	var row *sql.Row
	if tx, ok := GetTx(ctx); ok {
		row = tx.QueryRowContext(queryCtx, query, args...)
	} else {
		row = s.db.QueryRowContext(queryCtx, query, args...)
	}
	return &cancelingRow{row: row, cancel: cancel}
}

type rowScanner interface {
	Scan(dest ...any) error
}

type cancelingRow struct {
	row    *sql.Row
	cancel context.CancelFunc
}

func (r *cancelingRow) Scan(dest ...any) error {
	defer r.cancel()
	return r.row.Scan(dest...)
}

func (s *Store) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.QueryTimeout)
}

func (s *Store) classify(err error) error {
	if err == nil {
		return nil
	}
	if s.dialect.IsConflict != nil && s.dialect.IsConflict(err) {
		return errors.Join(store.ErrConflict, err)
	}
	return err
}
