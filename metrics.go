package ponyproxy

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ponyproxy_requests_total",
		Help: "Browser requests served by the proxy, by status code",
	}, []string{"code"})

	rewriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ponyproxy_rewrite_duration_seconds",
		Help:    "Time spent rewriting html pages",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
)

// MetricsHandler exposes the proxy metrics in the Prometheus format.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
