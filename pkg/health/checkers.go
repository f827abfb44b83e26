package health

import (
	"context"
	"time"
)

// Checkable is an interface for components that support health checks
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker creates a health checker for any component that implements Checkable
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
	// failStatus is reported when HealthCheck errors
	failStatus Status
}

// NewAdapterChecker creates a new health checker for an adapter
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &AdapterChecker{
		name:       name,
		adapter:    adapter,
		timeout:    timeout,
		failStatus: StatusUnhealthy,
	}
}

// NewOptionalChecker reports a failing adapter as degraded rather than
// unhealthy.
func NewOptionalChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	c := NewAdapterChecker(name, adapter, timeout)
	c.failStatus = StatusDegraded
	return c
}

// Check performs the health check on the adapter
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.adapter.HealthCheck(checkCtx)
	duration := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:      c.name,
			Status:    c.failStatus,
			Error:     err.Error(),
			Timestamp: time.Now(),
			Duration:  duration,
		}
	}

	return CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "OK",
		Timestamp: time.Now(),
		Duration:  duration,
	}
}

// Name returns the name of the health check
func (c *AdapterChecker) Name() string {
	return c.name
}

// NewStoreChecker creates a health checker for the record store.
func NewStoreChecker(name string, store Checkable) *AdapterChecker {
	return NewAdapterChecker(name, store, 5*time.Second)
}

// NewCheckpointChecker creates a health checker for the checkpoint store.
// A run can proceed without checkpoints, so failures only degrade.
func NewCheckpointChecker(name string, checkpoints Checkable) *AdapterChecker {
	return NewOptionalChecker(name, checkpoints, 3*time.Second)
}
