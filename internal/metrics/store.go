package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(storeOpLatency, cacheRequestsTotal) }

var (
	storeOpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_store_op_seconds",
			Help:    "Latency of message and session store operations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "success"},
	)

	cacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_cache_requests_total",
			Help: "Recent-history cache lookups by result (hit/miss/error).",
		},
		[]string{"result"},
	)
)

// ObserveStoreOp records how long a store operation took.
func ObserveStoreOp(op string, started time.Time, err error) {
	success := "true"
	if err != nil {
		success = "false"
	}
	storeOpLatency.WithLabelValues(norm(op), success).Observe(time.Since(started).Seconds())
}

func IncCacheRequest(result string) {
	cacheRequestsTotal.WithLabelValues(norm(result)).Inc()
}
