// Package metrics vends the prometheus collectors shared by vault services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "linkvault"

var (
	// Verdicts counts access evaluations by outcome
	Verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "access_verdicts_total",
		Help:      "Access evaluations by outcome.",
	}, []string{"outcome"})

	AccessesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "accesses_applied_total",
		Help:      "Permitted accesses committed to the record store.",
	})

	// AccessConflicts counts accesses which lost a race against a concurrent accessor
	AccessConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "access_conflicts_total",
		Help:      "Conditional updates rejected because the record changed underneath.",
	})

	RecordsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_created_total",
		Help:      "Records created by kind.",
	}, []string{"kind"})

	// RecordsDeleted counts deleted records by deletion path: owner, lazy or reaper
	RecordsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_deleted_total",
		Help:      "Records deleted by deletion path.",
	}, []string{"path"})

	BlobDeleteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blob_delete_failures_total",
		Help:      "Blob deletions which failed and were skipped.",
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reaper_sweep_duration_seconds",
		Help:      "Duration of reaper sweeps.",
		Buckets:   prometheus.DefBuckets,
	})
)

const (
	DeletePathOwner  = "owner"
	DeletePathLazy   = "lazy"
	DeletePathReaper = "reaper"
)
