package batch

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upgradejob_batch_items_total",
			Help: "Total number of processed items by outcome",
		},
		[]string{"job", "outcome"},
	)

	batchBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upgradejob_batch_batches_total",
			Help: "Total number of batches by status",
		},
		[]string{"job", "status"},
	)

	batchWorkersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "upgradejob_batch_workers_active",
			Help: "Current number of active pool workers",
		},
		[]string{"job"},
	)
)

func recordItem(job, outcome string) {
	batchItemsTotal.WithLabelValues(normalizeBatchLabel(job), normalizeBatchLabel(outcome)).Inc()
}

func recordBatch(job, status string) {
	batchBatchesTotal.WithLabelValues(normalizeBatchLabel(job), normalizeBatchLabel(status)).Inc()
}

func incrementWorkersActive(job string) {
	batchWorkersActive.WithLabelValues(normalizeBatchLabel(job)).Inc()
}

func decrementWorkersActive(job string) {
	batchWorkersActive.WithLabelValues(normalizeBatchLabel(job)).Dec()
}

func normalizeBatchLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
