package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SignalsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "receiptsync_signals_ingested_total",
		Help: "Total signals durably recorded, by kind.",
	}, []string{"kind"})
	SignalsDuplicate = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "receiptsync_signals_duplicate_total",
		Help: "Total redelivered signals recognised by dedupe key, by kind.",
	}, []string{"kind"})
	SignalsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "receiptsync_signals_rejected_total",
		Help: "Total signals that failed validation at ingest, by kind.",
	}, []string{"kind"})

	Dispositions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "receiptsync_task_dispositions_total",
		Help: "Total task dispositions, by kind and outcome.",
	}, []string{"kind", "outcome"})

	CacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "receiptsync_correlation_cache_size",
		Help: "Tasks held in the correlation cache awaiting a target.",
	})

	BatchFlushSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "receiptsync_batch_flush_size",
		Help:    "Items per batch flush, by batcher.",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
	}, []string{"batcher"})
	BatchFlushFail = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "receiptsync_batch_flush_fail_total",
		Help: "Total failed batch flushes, by batcher.",
	}, []string{"batcher"})

	JobFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "receiptsync_queue_job_failures_total",
		Help: "Total conversation queue jobs that returned an error or panicked.",
	})

	BackfillOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "receiptsync_backfill_outcomes_total",
		Help: "Total attachment backfill outcomes (requested, fulfilled, timeout, error, stale, ineligible).",
	}, []string{"outcome"})

	RecoveryTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "receiptsync_recovery_tasks_total",
		Help: "Tasks seen by the startup recovery sweep, by result (loaded, expired, invalid).",
	}, []string{"result"})
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SignalsIngested, SignalsDuplicate, SignalsRejected,
			Dispositions,
			CacheSize,
			BatchFlushSize, BatchFlushFail,
			JobFailures,
			BackfillOutcomes,
			RecoveryTasks,
		)
	})
}
