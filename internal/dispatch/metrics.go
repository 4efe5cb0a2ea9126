package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	itemsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opcsync_dispatch_items_enqueued_total",
		Help: "Items accepted by the change dispatcher",
	}, []string{"dispatcher", "kind"})

	itemsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opcsync_dispatch_items_failed_total",
		Help: "Items whose handler returned an error or panicked",
	}, []string{"dispatcher", "kind"})

	handlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opcsync_dispatch_handler_duration_seconds",
		Help:    "Handler time per dispatched item",
		Buckets: prometheus.DefBuckets,
	}, []string{"dispatcher", "kind"})
)
