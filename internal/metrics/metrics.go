// Package metrics exposes prometheus collectors for the paste lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PastesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shortpaste_pastes_created_total",
		Help: "no. of pastes created",
	})
	PastesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shortpaste_pastes_fetched_total",
		Help: "no. of pastes fetched",
	})
	SelfHealed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shortpaste_pastes_self_healed_total",
		Help: "no. of metadata rows removed because their blob was missing",
	})
	OrphanedBlobs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shortpaste_orphaned_blobs_total",
		Help: "no. of blobs left without metadata after a failed insert",
	})
	Reaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shortpaste_reaped_total",
		Help: "no. of expired pastes removed by the reaper",
	})
	ReapFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shortpaste_reap_failures_total",
		Help: "no. of expired pastes whose blob could not be removed",
	})
	ReapCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shortpaste_reap_cycles_total",
		Help: "no. of reaper cycles",
	})
	OrphansSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shortpaste_orphans_swept_total",
		Help: "no. of orphaned blobs removed by the sweeper",
	})
	ReapDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shortpaste_reap_duration_seconds",
		Help:    "reaper cycle duration in seconds",
		Buckets: prometheus.DefBuckets,
	})
)
