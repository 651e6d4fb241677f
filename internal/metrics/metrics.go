package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors observed by the engine, the
// queue manager, the scheduler and the storage layer. One instance is
// created by the runtime and handed to each component through its hook
// interface.
type Metrics struct {
	registry *prometheus.Registry

	runsCompleted *prometheus.CounterVec
	runsSkipped   *prometheus.CounterVec
	runsFailed    *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	ticksSkipped *prometheus.CounterVec

	jobsEnqueued  *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsRetried   *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	queueDepth    *prometheus.GaugeVec

	storageWrites  prometheus.Histogram
	storageReads   prometheus.Histogram
	storageCommits prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom", Subsystem: "runs", Name: "completed_total",
			Help: "Unit runs that produced a record.",
		}, []string{"unit"}),
		runsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom", Subsystem: "runs", Name: "skipped_total",
			Help: "Unit runs that short-circuited with nothing to do.",
		}, []string{"unit"}),
		runsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom", Subsystem: "runs", Name: "failed_total",
			Help: "Unit runs that returned an error.",
		}, []string{"unit"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "loom", Subsystem: "runs", Name: "duration_seconds",
			Help:    "Unit run latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"unit"}),
		ticksSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom", Subsystem: "scheduler", Name: "ticks_skipped_total",
			Help: "Cron ticks dropped because the previous run was still in flight.",
		}, []string{"unit"}),
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom", Subsystem: "queue", Name: "jobs_enqueued_total",
			Help: "Jobs accepted into a queue.",
		}, []string{"queue"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom", Subsystem: "queue", Name: "jobs_completed_total",
			Help: "Jobs that finished successfully.",
		}, []string{"queue"}),
		jobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom", Subsystem: "queue", Name: "jobs_retried_total",
			Help: "Failed attempts that were re-queued.",
		}, []string{"queue"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom", Subsystem: "queue", Name: "jobs_failed_total",
			Help: "Jobs that reached the terminal failed state.",
		}, []string{"queue"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "loom", Subsystem: "queue", Name: "job_duration_seconds",
			Help:    "Job handler latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loom", Subsystem: "queue", Name: "depth",
			Help: "Jobs per queue per state, refreshed on stats polls.",
		}, []string{"queue", "state"}),
		storageWrites: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loom", Subsystem: "storage", Name: "write_seconds",
			Help:    "Single-key write latency.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		storageReads: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loom", Subsystem: "storage", Name: "read_seconds",
			Help:    "Point read latency.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		storageCommits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loom", Subsystem: "storage", Name: "batch_commit_seconds",
			Help:    "Batch commit latency.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
	m.registry.MustRegister(
		m.runsCompleted, m.runsSkipped, m.runsFailed, m.runDuration,
		m.ticksSkipped,
		m.jobsEnqueued, m.jobsCompleted, m.jobsRetried, m.jobsFailed,
		m.jobDuration, m.queueDepth,
		m.storageWrites, m.storageReads, m.storageCommits,
	)
	return m
}

// Registry exposes the collector registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Engine hooks (fusion.Metrics).

func (m *Metrics) RunCompleted(unit string, elapsed time.Duration) {
	m.runsCompleted.WithLabelValues(unit).Inc()
	m.runDuration.WithLabelValues(unit).Observe(elapsed.Seconds())
}

func (m *Metrics) RunSkipped(unit string) { m.runsSkipped.WithLabelValues(unit).Inc() }
func (m *Metrics) RunFailed(unit string)  { m.runsFailed.WithLabelValues(unit).Inc() }

// Scheduler hook.

func (m *Metrics) TickSkipped(unit string) { m.ticksSkipped.WithLabelValues(unit).Inc() }

// Queue hooks (queue.Metrics).

func (m *Metrics) JobEnqueued(queue string) { m.jobsEnqueued.WithLabelValues(queue).Inc() }

func (m *Metrics) JobCompleted(queue string, elapsed time.Duration) {
	m.jobsCompleted.WithLabelValues(queue).Inc()
	m.jobDuration.WithLabelValues(queue).Observe(elapsed.Seconds())
}

func (m *Metrics) JobRetried(queue string) { m.jobsRetried.WithLabelValues(queue).Inc() }
func (m *Metrics) JobFailed(queue string)  { m.jobsFailed.WithLabelValues(queue).Inc() }

// SetQueueDepth refreshes the per-state gauge for one queue.
func (m *Metrics) SetQueueDepth(queue string, waiting, active, completed, failed int) {
	m.queueDepth.WithLabelValues(queue, "waiting").Set(float64(waiting))
	m.queueDepth.WithLabelValues(queue, "active").Set(float64(active))
	m.queueDepth.WithLabelValues(queue, "completed").Set(float64(completed))
	m.queueDepth.WithLabelValues(queue, "failed").Set(float64(failed))
}

// Storage hooks (pebblestore.MetricsHook).

func (m *Metrics) ObserveWrite(elapsed time.Duration, _ int) {
	m.storageWrites.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRead(elapsed time.Duration, _ int) {
	m.storageReads.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveBatchCommit(elapsed time.Duration, _ int, _ int) {
	m.storageCommits.Observe(elapsed.Seconds())
}
