package lock

import (
	"context"
	"testing"
	"time"

	"github.com/nimburion/upgradejob/pkg/health"
)

func TestNewLockProviderHealthChecker(t *testing.T) {
	checker := NewLockProviderHealthChecker("", NewMemoryLockProvider(), time.Second)
	if checker.Name() != "lock-provider" {
		t.Fatalf("unexpected checker name: %s", checker.Name())
	}
	result := checker.Check(context.Background())
	if result.Status != health.StatusHealthy {
		t.Fatalf("expected healthy result, got %s", result.Status)
	}
}
