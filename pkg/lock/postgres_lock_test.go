package lock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockPostgresProvider(t *testing.T) (*PostgresLockProvider, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	provider, err := newPostgresLockProviderWithDB(db, PostgresLockProviderConfig{
		Table:            "upgradejob_locks",
		OperationTimeout: time.Second,
	}, &lockTestLogger{})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return provider, mock
}

func TestPostgresLockProvider_Acquire(t *testing.T) {
	provider, mock := newMockPostgresProvider(t)

	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM upsert\\)").
		WithArgs("upgrade-password-hash", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	lease, acquired, err := provider.Acquire(context.Background(), "upgrade-password-hash", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acquired {
		t.Fatal("expected lock acquired")
	}
	if lease == nil || strings.TrimSpace(lease.Token) == "" {
		t.Fatal("expected non-empty lease token")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresLockProvider_AcquireHeldElsewhere(t *testing.T) {
	provider, mock := newMockPostgresProvider(t)

	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM upsert\\)").
		WithArgs("upgrade-password-hash", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	lease, acquired, err := provider.Acquire(context.Background(), "upgrade-password-hash", time.Second)
	if err != nil || acquired || lease != nil {
		t.Fatalf("expected (nil, false, nil), got (%v, %v, %v)", lease, acquired, err)
	}
}

func TestPostgresLockProvider_AcquireQueryFailureIsRetryable(t *testing.T) {
	provider, mock := newMockPostgresProvider(t)

	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM upsert\\)").
		WillReturnError(errors.New("connection refused"))

	_, _, err := provider.Acquire(context.Background(), "upgrade-password-hash", time.Second)
	if !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected ErrRetryable, got %v", err)
	}
}

func TestPostgresLockProvider_RenewAndRelease(t *testing.T) {
	provider, mock := newMockPostgresProvider(t)
	lease := &LockLease{Key: "job-1", Token: "token-1"}

	mock.ExpectExec("UPDATE upgradejob_locks SET expires_at=\\$3, updated_at=NOW\\(\\) WHERE lock_key=\\$1 AND token=\\$2 AND expires_at > NOW\\(\\)").
		WithArgs("job-1", "token-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := provider.Renew(context.Background(), lease, time.Second); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if lease.ExpireAt.IsZero() {
		t.Fatal("expected renewed expiry")
	}

	mock.ExpectExec("DELETE FROM upgradejob_locks WHERE lock_key=\\$1 AND token=\\$2").
		WithArgs("job-1", "token-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := provider.Release(context.Background(), lease); err != nil {
		t.Fatalf("release: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresLockProvider_RejectsInvalidTableName(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	_, err = newPostgresLockProviderWithDB(db, PostgresLockProviderConfig{
		Table: "invalid-table-name",
	}, &lockTestLogger{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestPostgresLockProvider_RenewRejectsMissingLeaseWithTypedConflict(t *testing.T) {
	provider, mock := newMockPostgresProvider(t)
	lease := &LockLease{Key: "job-1", Token: "token-1"}

	mock.ExpectExec("UPDATE upgradejob_locks SET expires_at=\\$3, updated_at=NOW\\(\\) WHERE lock_key=\\$1 AND token=\\$2 AND expires_at > NOW\\(\\)").
		WithArgs("job-1", "token-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := provider.Renew(context.Background(), lease, time.Second); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPostgresLockProvider_ReleaseRejectsMissingLeaseWithTypedConflict(t *testing.T) {
	provider, mock := newMockPostgresProvider(t)
	lease := &LockLease{Key: "job-1", Token: "token-1"}

	mock.ExpectExec("DELETE FROM upgradejob_locks WHERE lock_key=\\$1 AND token=\\$2").
		WithArgs("job-1", "token-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := provider.Release(context.Background(), lease); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestNewPostgresLockProvider_RequiresURL(t *testing.T) {
	if _, err := NewPostgresLockProvider(PostgresLockProviderConfig{}, &lockTestLogger{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
