package txn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var txnAttemptsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "upgradejob_txn_attempts_total",
		Help: "Total number of transaction attempts by outcome",
	},
	[]string{"outcome"},
)

func recordAttempt(outcome string) {
	txnAttemptsTotal.WithLabelValues(outcome).Inc()
}
