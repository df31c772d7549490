package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cachePrometheusMetrics sync.Once

	cacheExtentReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logstore",
			Subsystem: "cache",
			Name:      "extent_reads_total",
			Help:      "Extent reads through the cache, by how they resolved.",
		},
		[]string{"result"})
	cacheExtentReadsLocal     = cacheExtentReads.WithLabelValues("Local")
	cacheExtentReadsHit       = cacheExtentReads.WithLabelValues("Hit")
	cacheExtentReadsMiss      = cacheExtentReads.WithLabelValues("Miss")
	cacheExtentReadsCoalesced = cacheExtentReads.WithLabelValues("Coalesced")

	cacheCommits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logstore",
			Subsystem: "cache",
			Name:      "commits_total",
			Help:      "Transaction commit attempts, by outcome.",
		},
		[]string{"result"})
	cacheCommitsCommitted  = cacheCommits.WithLabelValues("Committed")
	cacheCommitsConflicted = cacheCommits.WithLabelValues("Conflicted")

	cacheDeltasReplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "logstore",
			Subsystem: "cache",
			Name:      "deltas_replayed_total",
			Help:      "Deltas applied to cached extents during recovery.",
		})

	cacheDirtyExtents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "logstore",
			Subsystem: "cache",
			Name:      "dirty_extents",
			Help:      "Extents on the dirty list.",
		})
)

func registerCacheMetrics() {
	cachePrometheusMetrics.Do(func() {
		prometheus.MustRegister(cacheExtentReads)
		prometheus.MustRegister(cacheCommits)
		prometheus.MustRegister(cacheDeltasReplayed)
		prometheus.MustRegister(cacheDirtyExtents)
	})
}
