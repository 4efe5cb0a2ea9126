package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opcsync_client_reconnect_attempts_total",
		Help: "Manual reconnect attempts by outcome",
	}, []string{"outcome"})

	stallResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opcsync_client_stall_resets_total",
		Help: "Session-layer reconnects abandoned as stalled",
	})

	valueWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opcsync_client_value_writes_total",
		Help: "Outgoing value writes by outcome",
	}, []string{"outcome"})

	resyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "opcsync_client_resync_duration_seconds",
		Help:    "Time to browse and apply the remote structure",
		Buckets: prometheus.DefBuckets,
	})
)
