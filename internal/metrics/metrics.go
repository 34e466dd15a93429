// Package metrics provides Prometheus metrics for workspace operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors of one workspace. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	filesTotal      *prometheus.CounterVec
	bytesFetched    prometheus.Counter
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	evictedBytes    prometheus.Counter
	quarantined     prometheus.Counter
	syncDuration    *prometheus.HistogramVec
	cacheBytes      prometheus.Gauge
	workspaceBytes  prometheus.Gauge
	manifestEntries prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg creates
// unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		filesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wsync_files_total",
				Help: "Files processed by the reconciler, by action and status",
			},
			[]string{"action", "status"},
		),
		bytesFetched: f.NewCounter(prometheus.CounterOpts{
			Name: "wsync_fetched_bytes_total",
			Help: "Bytes fetched from the remote depot",
		}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "wsync_cache_hits_total",
			Help: "Files materialized from the content store",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "wsync_cache_misses_total",
			Help: "Digests that had to be fetched from the remote depot",
		}),
		evictedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "wsync_evicted_bytes_total",
			Help: "Bytes evicted from the content store",
		}),
		quarantined: f.NewCounter(prometheus.CounterOpts{
			Name: "wsync_quarantined_total",
			Help: "Blobs quarantined by repair",
		}),
		syncDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wsync_operation_duration_seconds",
				Help:    "Workspace operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "status"},
		),
		cacheBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "wsync_cache_bytes",
			Help: "Bytes resident in the content store",
		}),
		workspaceBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "wsync_workspace_bytes",
			Help: "Bytes materialized in the sync directory",
		}),
		manifestEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "wsync_manifest_entries",
			Help: "Files recorded in the workspace manifest",
		}),
	}
}

// RecordFile records one reconciled file.
func (m *Metrics) RecordFile(action string, err error) {
	if m == nil {
		return
	}
	m.filesTotal.WithLabelValues(action, status(err)).Inc()
}

// RecordFetch records a digest fetched from the depot.
func (m *Metrics) RecordFetch(bytes int64) {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
	m.bytesFetched.Add(float64(bytes))
}

// RecordCacheHit records a file materialized without network access.
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// RecordEviction records bytes freed by purge.
func (m *Metrics) RecordEviction(bytes int64) {
	if m == nil {
		return
	}
	m.evictedBytes.Add(float64(bytes))
}

// RecordQuarantine records blobs moved aside by repair.
func (m *Metrics) RecordQuarantine(n int) {
	if m == nil {
		return
	}
	m.quarantined.Add(float64(n))
}

// ObserveOperation records the duration of a facade operation.
func (m *Metrics) ObserveOperation(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.syncDuration.WithLabelValues(op, status(err)).Observe(time.Since(start).Seconds())
}

// SetState publishes the current workspace footprint.
func (m *Metrics) SetState(cacheBytes, workspaceBytes int64, entries int) {
	if m == nil {
		return
	}
	m.cacheBytes.Set(float64(cacheBytes))
	m.workspaceBytes.Set(float64(workspaceBytes))
	m.manifestEntries.Set(float64(entries))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
