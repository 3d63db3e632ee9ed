package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Storage operation metrics
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openclaw_storage_ops_total",
			Help: "Total number of storage operations by backend, operation, and status",
		},
		[]string{"backend", "op", "status"},
	)

	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "openclaw_storage_op_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	// Cache metrics
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "openclaw_storage_cache_hits_total",
			Help: "Total number of value cache hits",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "openclaw_storage_cache_misses_total",
			Help: "Total number of value cache misses",
		},
	)

	// Lock metrics
	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "openclaw_storage_lock_wait_seconds",
			Help:    "Time spent waiting for file locks",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		},
	)

	LockTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "openclaw_storage_lock_timeouts_total",
			Help: "Total number of file lock acquisition timeouts",
		},
	)

	// Backend health, fed by RecordProbe
	BackendUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "openclaw_storage_backend_up",
			Help: "Whether a backend's last health probe succeeded (1 = healthy)",
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(
		OpsTotal,
		OpDuration,
		CacheHitsTotal,
		CacheMissesTotal,
		LockWaitDuration,
		LockTimeoutsTotal,
		BackendUp,
	)
}

// ObserveOp records one storage operation outcome.
func ObserveOp(backend, op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	OpsTotal.WithLabelValues(backend, op, status).Inc()
	OpDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

// Handler returns the HTTP handler for the metrics endpoint, for embedding
// processes that expose Prometheus scrape targets.
func Handler() http.Handler {
	return promhttp.Handler()
}
