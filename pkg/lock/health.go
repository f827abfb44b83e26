package lock

import (
	"strings"
	"time"

	"github.com/nimburion/upgradejob/pkg/health"
)

const defaultLockProviderHealthCheckName = "lock-provider"

// NewLockProviderHealthChecker creates a health checker for a lock provider.
func NewLockProviderHealthChecker(name string, provider LockProvider, timeout time.Duration) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultLockProviderHealthCheckName
	}
	return health.NewAdapterChecker(checkName, provider, timeout)
}
