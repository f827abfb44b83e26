package lock

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upgradejob_lock_acquire_total",
			Help: "Total number of lock acquire attempts",
		},
		[]string{"lock", "status"},
	)

	lockRenewTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upgradejob_lock_renew_total",
			Help: "Total number of lock renew operations",
		},
		[]string{"lock", "status"},
	)

	lockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upgradejob_lock_release_total",
			Help: "Total number of lock release operations",
		},
		[]string{"lock", "status"},
	)
)

func recordLockAcquire(name, status string) {
	lockAcquireTotal.WithLabelValues(normalizeLockLabel(name), normalizeLockLabel(status)).Inc()
}

func recordLockRenew(name, status string) {
	lockRenewTotal.WithLabelValues(normalizeLockLabel(name), normalizeLockLabel(status)).Inc()
}

func recordLockRelease(name, status string) {
	lockReleaseTotal.WithLabelValues(normalizeLockLabel(name), normalizeLockLabel(status)).Inc()
}

func normalizeLockLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
