// Package metrics provides Prometheus metrics for viewstore
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Sync metrics
	SyncTotal       *prometheus.CounterVec
	RebuildDuration *prometheus.HistogramVec
	ViewRows        *prometheus.GaugeVec
	SkippedDocs     *prometheus.GaugeVec
	StoreRetries    *prometheus.CounterVec
	SyncsInFlight   prometheus.Gauge

	// Query metrics
	QueriesTotal  *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryCache    *prometheus.CounterVec

	// Store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// gRPC metrics
	GrpcRequestsTotal   *prometheus.CounterVec
	GrpcRequestDuration *prometheus.HistogramVec

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// New creates all collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.SyncTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewstore_sync_total",
			Help: "Total number of view sync calls by outcome",
		},
		[]string{"view", "result"},
	)

	m.RebuildDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "viewstore_rebuild_duration_seconds",
			Help:    "Duration of view rebuilds in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"view"},
	)

	m.ViewRows = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "viewstore_view_rows",
			Help: "Rows in the current snapshot of each view",
		},
		[]string{"view"},
	)

	m.SkippedDocs = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "viewstore_skipped_documents",
			Help: "Documents skipped by the last rebuild of each view",
		},
		[]string{"view"},
	)

	m.StoreRetries = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewstore_store_retries_total",
			Help: "Document listing retries after the store was unavailable",
		},
		[]string{"view"},
	)

	m.SyncsInFlight = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "viewstore_rebuilds_in_flight",
			Help: "Number of view rebuilds currently running",
		},
	)

	m.QueriesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewstore_queries_total",
			Help: "Total number of view queries",
		},
		[]string{"view", "mode", "status"},
	)

	m.QueryDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "viewstore_query_duration_seconds",
			Help:    "Duration of view queries in seconds, including sync",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"view"},
	)

	m.QueryCache = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewstore_query_cache_total",
			Help: "Query result cache lookups by result",
		},
		[]string{"result"},
	)

	m.StoreOperationsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewstore_store_operations_total",
			Help: "Total number of document store operations",
		},
		[]string{"operation", "status"},
	)

	m.StoreOperationDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "viewstore_store_operation_duration_seconds",
			Help:    "Duration of document store operations in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	m.GrpcRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewstore_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "viewstore_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.ServerUptimeSeconds = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "viewstore_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	return m
}

// RunUptime updates the uptime gauge until ctx is done
func (m *Metrics) RunUptime(ctx context.Context, every time.Duration) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordSync records one sync call. result is "rebuilt", "noop" or "error".
func (m *Metrics) RecordSync(view, result string) {
	if m == nil {
		return
	}
	m.SyncTotal.WithLabelValues(view, result).Inc()
}

// RecordRebuild records a finished rebuild
func (m *Metrics) RecordRebuild(view string, duration time.Duration, rows, skipped int) {
	if m == nil {
		return
	}
	m.RebuildDuration.WithLabelValues(view).Observe(duration.Seconds())
	m.ViewRows.WithLabelValues(view).Set(float64(rows))
	m.SkippedDocs.WithLabelValues(view).Set(float64(skipped))
}

// RecordRetry counts one listing retry
func (m *Metrics) RecordRetry(view string) {
	if m == nil {
		return
	}
	m.StoreRetries.WithLabelValues(view).Inc()
}

// RebuildStarted and RebuildFinished track rebuilds in flight
func (m *Metrics) RebuildStarted() {
	if m == nil {
		return
	}
	m.SyncsInFlight.Inc()
}

func (m *Metrics) RebuildFinished() {
	if m == nil {
		return
	}
	m.SyncsInFlight.Dec()
}

// RecordQuery records a view query. mode is "synced" or "stale".
func (m *Metrics) RecordQuery(view, mode string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(view, mode, status(err)).Inc()
	m.QueryDuration.WithLabelValues(view).Observe(duration.Seconds())
}

// RecordCache records a query cache lookup
func (m *Metrics) RecordCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.QueryCache.WithLabelValues(result).Inc()
}

// RecordStoreOperation records a document store operation
func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.StoreOperationsTotal.WithLabelValues(operation, status(err)).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}
