package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ponyproxy_cache_writes_total",
			Help: "Content blobs handled by the cache writer",
		},
		[]string{"result"},
	)
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ponyproxy_cache_queue_depth",
			Help: "Entries waiting for the cache writer",
		},
	)
	indexFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ponyproxy_cache_index_flushes_total",
			Help: "Cache index flushes at the end of a writer batch",
		},
		[]string{"result"},
	)
)
