package transaction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opcsync_transaction_commits_total",
		Help: "Transaction commit attempts by outcome",
	}, []string{"outcome"})

	commitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "opcsync_transaction_commit_duration_seconds",
		Help:    "Time spent in Commit, including external writes",
		Buckets: prometheus.DefBuckets,
	})

	_ = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "opcsync_transactions_active",
		Help: "Transactions begun and not yet closed",
	}, func() float64 {
		return float64(activeTransactions.Load())
	})
)
