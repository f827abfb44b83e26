// Package tracing provides OpenTelemetry tracing for job runs, batches and store access.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanOperation represents a traced operation type.
type SpanOperation string

// Span operation constants for different operation types
const (
	// SpanOperationDBQuery represents a database query operation
	SpanOperationDBQuery SpanOperation = "db.query"
	// SpanOperationDBInsert represents a database insert operation
	SpanOperationDBInsert SpanOperation = "db.insert"
	// SpanOperationDBUpdate represents a database update operation
	SpanOperationDBUpdate SpanOperation = "db.update"
	// SpanOperationDBDelete represents a database delete operation
	SpanOperationDBDelete SpanOperation = "db.delete"
	// SpanOperationDBTx represents a database transaction
	SpanOperationDBTx SpanOperation = "db.transaction"

	// SpanOperationJobRun represents one job run
	SpanOperationJobRun SpanOperation = "job.run"
	// SpanOperationJobBatch represents processing one batch of work items
	SpanOperationJobBatch SpanOperation = "job.batch"
	// SpanOperationJobSetup represents one-time setup before a run
	SpanOperationJobSetup SpanOperation = "job.setup"

	// SpanOperationCacheGet represents a cache get operation
	SpanOperationCacheGet SpanOperation = "cache.get"
	// SpanOperationCacheSet represents a cache set operation
	SpanOperationCacheSet SpanOperation = "cache.set"
	// SpanOperationCacheDel represents a cache delete operation
	SpanOperationCacheDel SpanOperation = "cache.delete"
)

// StartDatabaseSpan creates a new span for a database operation.
// It includes database-specific attributes like operation type, table name, and query.
func StartDatabaseSpan(ctx context.Context, operation SpanOperation, opts ...DatabaseSpanOption) (context.Context, trace.Span) {
	tracer := otel.Tracer("database")

	spanOpts := &databaseSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("db.operation", string(operation)),
		},
	}

	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := fmt.Sprintf("DB %s", operation)
	if spanOpts.table != "" {
		spanName = fmt.Sprintf("DB %s %s", operation, spanOpts.table)
	}

	ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))

	// Add all attributes to span
	span.SetAttributes(spanOpts.attributes...)

	return ctx, span
}

// DatabaseSpanOption configures a database span.
type DatabaseSpanOption func(*databaseSpanOptions)

type databaseSpanOptions struct {
	table      string
	attributes []attribute.KeyValue
}

// WithDBTable sets the database table name for the span.
func WithDBTable(table string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.table = table
		opts.attributes = append(opts.attributes, attribute.String("db.table", table))
	}
}

// WithDBSystem sets the database system (e.g., "postgresql", "mysql").
func WithDBSystem(system string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("db.system", system))
	}
}

// WithDBStatement sets the database query statement.
func WithDBStatement(statement string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("db.statement", statement))
	}
}

// WithDBName sets the database name.
func WithDBName(name string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("db.name", name))
	}
}

// StartJobSpan creates a new span for a batch job operation (a whole run, one
// batch of work items, or one item).
func StartJobSpan(ctx context.Context, operation SpanOperation, opts ...JobSpanOption) (context.Context, trace.Span) {
	tracer := otel.Tracer("job")

	spanOpts := &jobSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("job.operation", string(operation)),
		},
	}

	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := fmt.Sprintf("JOB %s", operation)
	if spanOpts.name != "" {
		spanName = fmt.Sprintf("JOB %s %s", operation, spanOpts.name)
	}

	ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(spanOpts.attributes...)

	return ctx, span
}

// JobSpanOption configures a job span.
type JobSpanOption func(*jobSpanOptions)

type jobSpanOptions struct {
	name       string
	attributes []attribute.KeyValue
}

// WithJobName sets the job (lock) name.
func WithJobName(name string) JobSpanOption {
	return func(opts *jobSpanOptions) {
		opts.name = name
		opts.attributes = append(opts.attributes, attribute.String("job.name", name))
	}
}

// WithJobRunID sets the run identifier.
func WithJobRunID(runID string) JobSpanOption {
	return func(opts *jobSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("job.run_id", runID))
	}
}

// WithJobWindow sets the inclusive identifier window covered by a batch.
func WithJobWindow(minID, maxID int64) JobSpanOption {
	return func(opts *jobSpanOptions) {
		opts.attributes = append(opts.attributes,
			attribute.Int64("job.window.min_id", minID),
			attribute.Int64("job.window.max_id", maxID),
		)
	}
}

// WithJobItemCount sets the number of items in a batch.
func WithJobItemCount(count int) JobSpanOption {
	return func(opts *jobSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.Int("job.item_count", count))
	}
}

// StartCacheSpan creates a new span for a cache operation.
// It includes cache-specific attributes like operation type and key.
func StartCacheSpan(ctx context.Context, operation SpanOperation, opts ...CacheSpanOption) (context.Context, trace.Span) {
	tracer := otel.Tracer("cache")

	spanOpts := &cacheSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("cache.operation", string(operation)),
		},
	}

	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := fmt.Sprintf("CACHE %s", operation)
	if spanOpts.key != "" {
		spanName = fmt.Sprintf("CACHE %s %s", operation, spanOpts.key)
	}

	ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))

	// Add all attributes to span
	span.SetAttributes(spanOpts.attributes...)

	return ctx, span
}

// CacheSpanOption configures a cache span.
type CacheSpanOption func(*cacheSpanOptions)

type cacheSpanOptions struct {
	key        string
	attributes []attribute.KeyValue
}

// WithCacheSystem sets the cache system (e.g., "redis", "memcached").
func WithCacheSystem(system string) CacheSpanOption {
	return func(opts *cacheSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("cache.system", system))
	}
}

// WithCacheKey sets the cache key.
func WithCacheKey(key string) CacheSpanOption {
	return func(opts *cacheSpanOptions) {
		opts.key = key
		opts.attributes = append(opts.attributes, attribute.String("cache.key", key))
	}
}

// WithCacheHit sets whether the cache operation was a hit or miss.
func WithCacheHit(hit bool) CacheSpanOption {
	return func(opts *cacheSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.Bool("cache.hit", hit))
	}
}

// RecordError records an error in the current span and sets the span status to error.
// This is a convenience function for consistent error recording.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK.
// This is a convenience function for marking successful operations.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
