/*
Package metrics provides Prometheus metrics and backend health tracking for
the storage layer.

Operation counters and latency histograms are labeled by backend and
operation; cache hits/misses and file-lock wait times have their own
series. The probe registry keeps the latest health probe outcome per
backend — including latency and failure detail — and aggregates them into
a single report for embedding processes.

	metrics.ObserveOp("file", "get", start, err)
	metrics.RecordProbe("file", result.OK, result.Latency, result.Error)
	report := metrics.Snapshot()
	http.Handle("/metrics", metrics.Handler())
*/
package metrics
