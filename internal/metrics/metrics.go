// Package metrics registers the Prometheus counters/gauges the storage
// node exposes on its ops surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MutationsAdmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_mutations_admitted_total",
			Help: "Total number of mutations accepted past signature verification and nonce check.",
		},
		[]string{"action"},
	)

	MutationsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_mutations_rejected_total",
			Help: "Total number of mutations rejected, by error kind.",
		},
		[]string{"kind"},
	)

	NonceRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_nonce_rejections_total",
			Help: "Total number of mutations rejected for a nonce mismatch.",
		},
	)

	ExecutionFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_execution_failures_total",
			Help: "Total number of admitted mutations that failed execution, by error kind.",
		},
		[]string{"kind"},
	)

	RollupDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_rollup_duration_seconds",
			Help:    "Duration of a completed rollup attempt, from bundle build through chain confirmation.",
			Buckets: prometheus.DefBuckets,
		},
	)

	RollupBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_rollup_bytes_total",
			Help: "Total bytes processed by rollups, raw and compressed.",
		},
		[]string{"kind"},
	)

	RollupMutationCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_rollup_mutations_total",
			Help: "Total number of mutations included in completed rollups.",
		},
	)

	GCBytesFreedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_gc_bytes_freed_total",
			Help: "Total payload bytes freed by the garbage collector.",
		},
	)

	CurrentBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_current_block",
			Help: "The block currently open for log appends.",
		},
	)
)
