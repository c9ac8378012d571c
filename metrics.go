package offlinecache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_cache_hits_total",
		Help: "Total number of cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_cache_misses_total",
		Help: "Total number of cache misses",
	})

	upstreamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "offline_cache_upstream_duration_seconds",
		Help:    "Upstream request duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	upstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_upstream_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"}) // "offline", "gateway"

	refreshesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_cache_refreshes_total",
		Help: "Total background refreshes started",
	})

	refreshesDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_cache_refreshes_deduplicated_total",
		Help: "Total refresh submissions dropped because one was already in flight",
	})

	changesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_cache_changes_detected_total",
		Help: "Total background refreshes that found changed content",
	})

	notificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_cache_notifications_total",
		Help: "Total cache update notifications delivered to listeners",
	})
)
