package upgrade

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upgradejob_runs_total",
			Help: "Total number of job runs by terminal state",
		},
		[]string{"job", "state"},
	)

	runDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upgradejob_run_duration_seconds",
			Help:    "Duration of job runs that held the lock",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		},
		[]string{"job", "state"},
	)

	runItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "upgradejob_run_items",
			Help: "Counters of the last finished run",
		},
		[]string{"job", "counter"},
	)
)

func recordRun(job string, state State) {
	runsTotal.WithLabelValues(normalizeRunLabel(job), state.String()).Inc()
}

func observeRunDuration(job string, state State, seconds float64) {
	runDurationSeconds.WithLabelValues(normalizeRunLabel(job), state.String()).Observe(seconds)
}

func recordRunCounters(job string, processed, changed, errors int64) {
	job = normalizeRunLabel(job)
	runItems.WithLabelValues(job, "processed").Set(float64(processed))
	runItems.WithLabelValues(job, "changed").Set(float64(changed))
	runItems.WithLabelValues(job, "errors").Set(float64(errors))
}

func normalizeRunLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
