package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a process-local RecordStore. Writes made inside a transaction
// are buffered and validated against the committed versions on commit, so
// concurrent transactions touching the same record surface as ErrConflict.
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[int64]*memoryRecord
	attributes map[string]struct{}
	maxID      int64
	closed     bool
}

type memoryRecord struct {
	typeID  string
	version int64
	values  map[string]any
}

type memoryTx struct {
	writable bool
	writes   map[int64]memoryWrite
}

type memoryWrite struct {
	expected int64
	values   map[string]any
}

type memoryTxKey struct{}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    map[int64]*memoryRecord{},
		attributes: map[string]struct{}{},
	}
}

// Put inserts or replaces a record at version 1.
func (s *MemoryStore) Put(id int64, typeID string, values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = &memoryRecord{typeID: typeID, version: 1, values: cloneValues(values)}
	if id > s.maxID {
		s.maxID = id
	}
}

// Attributes returns the registered attribute names, sorted.
func (s *MemoryStore) Attributes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.attributes))
	for name := range s.attributes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *MemoryStore) CountByType(ctx context.Context, typeID string) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, record := range s.records {
		if record.typeID == typeID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) MaxID(ctx context.Context) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxID, nil
}

func (s *MemoryStore) QueryIDsByTypeInRange(ctx context.Context, typeID string, minID, maxID int64) ([]int64, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if minID > maxID {
		return nil, storeError(ErrInvalidArgument, "min id must be <= max id")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := []int64{}
	for id, record := range s.records {
		if id >= minID && id <= maxID && record.typeID == typeID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) GetProperties(ctx context.Context, id int64) (Properties, error) {
	if err := s.check(ctx); err != nil {
		return Properties{}, err
	}
	s.mu.RLock()
	record, ok := s.records[id]
	var props Properties
	if ok {
		props = Properties{Version: record.version, Values: cloneValues(record.values)}
	}
	s.mu.RUnlock()
	if !ok {
		return Properties{}, storeError(ErrNotFound, "record not found")
	}

	if tx, inTx := ctx.Value(memoryTxKey{}).(*memoryTx); inTx {
		if write, pending := tx.writes[id]; pending {
			for key, value := range write.values {
				props.Values[key] = value
			}
			props.Version = write.expected + 1
		}
	}
	return props, nil
}

func (s *MemoryStore) UpdateProperties(ctx context.Context, id int64, values map[string]any, expectedVersion int64) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	tx, inTx := ctx.Value(memoryTxKey{}).(*memoryTx)
	if inTx && !tx.writable {
		return ErrReadOnly
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return storeError(ErrNotFound, "record not found")
	}

	if !inTx {
		if record.version != expectedVersion {
			return NewOptimisticLockError(id, expectedVersion, record.version)
		}
		applyWrite(record, values)
		return nil
	}

	current := record.version
	if pending, exists := tx.writes[id]; exists {
		current = pending.expected + 1
	}
	if current != expectedVersion {
		return NewOptimisticLockError(id, expectedVersion, current)
	}
	merged := map[string]any{}
	if pending, exists := tx.writes[id]; exists {
		merged = pending.values
		expectedVersion = pending.expected
	}
	for key, value := range cloneValues(values) {
		merged[key] = value
	}
	tx.writes[id] = memoryWrite{expected: expectedVersion, values: merged}
	return nil
}

func (s *MemoryStore) EnsureAttributes(ctx context.Context, names ...string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if name == "" {
			return storeError(ErrInvalidArgument, "attribute name is required")
		}
		s.attributes[name] = struct{}{}
	}
	return nil
}

// RunInTransaction buffers writes made through ctx and commits them atomically
// when fn succeeds. A nested call without RequiresNew joins the outer transaction.
func (s *MemoryStore) RunInTransaction(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, inTx := ctx.Value(memoryTxKey{}).(*memoryTx); inTx && !opts.RequiresNew {
		return fn(ctx)
	}

	tx := &memoryTx{writable: opts.Writable, writes: map[int64]memoryWrite{}}
	if err := fn(context.WithValue(ctx, memoryTxKey{}, tx)); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memoryTx) error {
	if len(tx.writes) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, write := range tx.writes {
		record, ok := s.records[id]
		if !ok {
			return storeError(ErrNotFound, "record removed before commit")
		}
		if record.version != write.expected {
			return NewOptimisticLockError(id, write.expected, record.version)
		}
	}
	for id, write := range tx.writes {
		applyWrite(s.records[id], write.values)
	}
	return nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return s.check(ctx)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) check(ctx context.Context) error {
	if s == nil {
		return ErrNotInitialized
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return storeError(ErrNotInitialized, "store is closed")
	}
	return nil
}

func applyWrite(record *memoryRecord, values map[string]any) {
	for key, value := range cloneValues(values) {
		record.values[key] = value
	}
	record.version++
}
