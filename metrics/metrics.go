// Package metrics exposes broker counters, latencies, and queue gauges in
// Prometheus format. A nil *Collector is a no-op, so components accept one
// unconditionally and tests simply pass nil.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every relay metric. Register one per process; the
// /metrics route serves the default registry.
type Collector struct {
	jobsSubmitted   prometheus.Counter
	jobsClaimed     prometheus.Counter
	jobsCompleted   prometheus.Counter
	jobsFailed      prometheus.Counter
	jobsCancelled   prometheus.Counter
	jobsReclaimed   prometheus.Counter
	claimContention prometheus.Counter

	jobDuration prometheus.Histogram
	queueWait   prometheus.Histogram

	jobsPending   prometheus.Gauge
	jobsActive    prometheus.Gauge
	workersActive prometheus.Gauge
	wsConnections *prometheus.GaugeVec
}

// NewCollector creates and registers the relay metric set with the default
// Prometheus registry. Call once per process.
func NewCollector() *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		}),
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_jobs_claimed_total",
			Help: "Total number of jobs claimed by workers",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_jobs_failed_total",
			Help: "Total number of jobs failed permanently",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		}),
		jobsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_jobs_reclaimed_total",
			Help: "Total number of jobs returned to pending by the reclaimer",
		}),
		claimContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_claim_contention_total",
			Help: "Total number of claim attempts lost to another worker",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_job_duration_seconds",
			Help:    "Job processing time from claim to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s .. ~13m
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_queue_wait_seconds",
			Help:    "Time jobs spend pending before being claimed",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 16), // 50ms .. ~27m
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_jobs_pending",
			Help: "Current number of pending jobs",
		}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_jobs_active",
			Help: "Current number of active jobs",
		}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_workers_active",
			Help: "Current number of registered workers",
		}),
		wsConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_ws_connections",
			Help: "Current WebSocket connections by kind",
		}, []string{"kind"}),
	}

	prometheus.MustRegister(
		c.jobsSubmitted,
		c.jobsClaimed,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsCancelled,
		c.jobsReclaimed,
		c.claimContention,
		c.jobDuration,
		c.queueWait,
		c.jobsPending,
		c.jobsActive,
		c.workersActive,
		c.wsConnections,
	)

	return c
}

// RecordSubmitted records a job entering the pending queue
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordClaimed records a successful claim with the job's queue wait
func (c *Collector) RecordClaimed(waitSeconds float64) {
	if c == nil {
		return
	}
	c.jobsClaimed.Inc()
	c.queueWait.Observe(waitSeconds)
}

// RecordContention records a claim attempt lost to another worker
func (c *Collector) RecordContention() {
	if c == nil {
		return
	}
	c.claimContention.Inc()
}

// RecordCompleted records a successful terminal transition
func (c *Collector) RecordCompleted(durationSeconds float64) {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordFailed records a permanent failure
func (c *Collector) RecordFailed(durationSeconds float64) {
	if c == nil {
		return
	}
	c.jobsFailed.Inc()
	if durationSeconds > 0 {
		c.jobDuration.Observe(durationSeconds)
	}
}

// RecordCancelled records a cancellation
func (c *Collector) RecordCancelled() {
	if c == nil {
		return
	}
	c.jobsCancelled.Inc()
}

// RecordReclaimed records jobs swept back to pending
func (c *Collector) RecordReclaimed(count int) {
	if c == nil || count == 0 {
		return
	}
	c.jobsReclaimed.Add(float64(count))
}

// UpdateQueueStats refreshes the queue-depth gauges
func (c *Collector) UpdateQueueStats(pending, active, workers int) {
	if c == nil {
		return
	}
	c.jobsPending.Set(float64(pending))
	c.jobsActive.Set(float64(active))
	c.workersActive.Set(float64(workers))
}

// ConnectionOpened tracks a WebSocket connection of the given kind
func (c *Collector) ConnectionOpened(kind string) {
	if c == nil {
		return
	}
	c.wsConnections.WithLabelValues(kind).Inc()
}

// ConnectionClosed untracks a WebSocket connection of the given kind
func (c *Collector) ConnectionClosed(kind string) {
	if c == nil {
		return
	}
	c.wsConnections.WithLabelValues(kind).Dec()
}
