// Package checkpoint persists the scan watermark of a job so that an
// interrupted run can resume where the previous one stopped.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotInitialized  = errors.New("not initialized")
	ErrRetryable       = errors.New("retryable")
	ErrValidation      = errors.New("validation failed")
)

func checkpointError(kind error, message string) error {
	return fmt.Errorf("%w: %s", kind, message)
}

// Store keeps one cursor per job name. A cursor is the lowest identifier not
// yet known to be fully processed.
type Store interface {
	Load(ctx context.Context, job string) (cursor int64, found bool, err error)
	Save(ctx context.Context, job string, cursor int64) error
	Clear(ctx context.Context, job string) error
}

func validateJob(job string) (string, error) {
	job = strings.TrimSpace(job)
	if job == "" {
		return "", checkpointError(ErrInvalidArgument, "job name is required")
	}
	return job, nil
}

// MemoryStore keeps cursors in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: map[string]int64{}}
}

func (s *MemoryStore) Load(_ context.Context, job string) (int64, bool, error) {
	job, err := validateJob(job)
	if err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor, ok := s.cursors[job]
	return cursor, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, job string, cursor int64) error {
	job, err := validateJob(job)
	if err != nil {
		return err
	}
	if cursor < 0 {
		return checkpointError(ErrInvalidArgument, "cursor must be >= 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[job] = cursor
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, job string) error {
	job, err := validateJob(job)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, job)
	return nil
}
