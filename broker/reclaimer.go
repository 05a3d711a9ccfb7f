package broker

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/metrics"
	"github.com/teranos/relay/store"
)

// ReclaimerConfig contains the sweep cadence and timeout cutoffs
type ReclaimerConfig struct {
	ScanInterval     time.Duration // how often to sweep (default: 60 seconds)
	HeartbeatTimeout time.Duration // worker liveness cutoff (default: 120 seconds)
	ProgressTimeout  time.Duration // stalled-job cutoff (default: 300 seconds)
}

// DefaultReclaimerConfig returns sensible defaults
func DefaultReclaimerConfig() ReclaimerConfig {
	return ReclaimerConfig{
		ScanInterval:     60 * time.Second,
		HeartbeatTimeout: 120 * time.Second,
		ProgressTimeout:  300 * time.Second,
	}
}

// SweepStats summarizes one reclaim pass
type SweepStats struct {
	OrphanedRequeued int // jobs recovered from vanished workers' active hashes
	WorkersCleared   int // live workers unstuck from terminal jobs
	TimeoutsReleased int // jobs released for heartbeat/progress timeouts
}

// Total returns reclaimed jobs across all sweeps
func (s SweepStats) Total() int {
	return s.OrphanedRequeued + s.TimeoutsReleased
}

// Reclaimer returns stranded work to the pending queue. Runs three
// idempotent sweeps on a timer: orphaned active hashes, workers stuck on
// terminal jobs, and heartbeat/progress timeouts. Concurrent sweeps are
// safe; every mutation funnels through the same claim-path primitives.
type Reclaimer struct {
	store    store.Store
	jobs     *JobRepository
	registry *WorkerRegistry
	bus      *ProgressBus
	metrics  *metrics.Collector
	cfg      ReclaimerConfig
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      *zap.SugaredLogger

	mu               sync.Mutex
	lastSweepAt      time.Time
	sweepsSinceStart int64
}

// NewReclaimer creates a reclaimer over the shared store
func NewReclaimer(s store.Store, jobs *JobRepository, registry *WorkerRegistry, bus *ProgressBus, m *metrics.Collector, cfg ReclaimerConfig, log *zap.SugaredLogger) *Reclaimer {
	return NewReclaimerWithContext(context.Background(), s, jobs, registry, bus, m, cfg, log)
}

// NewReclaimerWithContext creates a reclaimer with a parent context
func NewReclaimerWithContext(ctx context.Context, s store.Store, jobs *JobRepository, registry *WorkerRegistry, bus *ProgressBus, m *metrics.Collector, cfg ReclaimerConfig, log *zap.SugaredLogger) *Reclaimer {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultReclaimerConfig().ScanInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultReclaimerConfig().HeartbeatTimeout
	}
	if cfg.ProgressTimeout <= 0 {
		cfg.ProgressTimeout = DefaultReclaimerConfig().ProgressTimeout
	}

	reclaimCtx, cancel := context.WithCancel(ctx)
	return &Reclaimer{
		store:    s,
		jobs:     jobs,
		registry: registry,
		bus:      bus,
		metrics:  m,
		cfg:      cfg,
		ctx:      reclaimCtx,
		cancel:   cancel,
		log:      log.Named("reclaimer"),
	}
}

// Start begins the sweep loop
func (r *Reclaimer) Start() {
	r.wg.Add(1)
	go r.run()
	r.log.Infow("Reclaimer started",
		"scan_interval", r.cfg.ScanInterval,
		"heartbeat_timeout", r.cfg.HeartbeatTimeout,
		"progress_timeout", r.cfg.ProgressTimeout)
}

// Stop gracefully stops the sweep loop
func (r *Reclaimer) Stop() {
	r.cancel()
	r.wg.Wait()
	r.log.Infow("Reclaimer stopped")
}

func (r *Reclaimer) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case sweepTime := <-ticker.C:
			r.mu.Lock()
			r.lastSweepAt = sweepTime
			r.sweepsSinceStart++
			r.mu.Unlock()

			stats, err := r.Sweep(r.ctx)
			if err != nil {
				// Store outage or similar; skip the cycle, next tick retries
				r.log.Warnw("Reclaim sweep error", "error", err)
				continue
			}
			if stats.Total() > 0 || stats.WorkersCleared > 0 {
				r.log.Infow("Reclaim sweep finished",
					"orphaned_requeued", stats.OrphanedRequeued,
					"workers_cleared", stats.WorkersCleared,
					"timeouts_released", stats.TimeoutsReleased)
			} else {
				r.log.Debugw("Reclaim sweep clean")
			}
		}
	}
}

// Sweep runs all three passes once. Exposed for tests and for forcing a
// sweep on demand.
func (r *Reclaimer) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	orphaned, err := r.sweepOrphanedActive(ctx)
	if err != nil {
		return stats, err
	}
	stats.OrphanedRequeued = orphaned

	cleared, err := r.sweepStuckWorkers(ctx)
	if err != nil {
		return stats, err
	}
	stats.WorkersCleared = cleared

	released, err := r.sweepTimeouts(ctx)
	if err != nil {
		return stats, err
	}
	stats.TimeoutsReleased = released

	r.metrics.RecordReclaimed(stats.Total())
	return stats, nil
}

// sweepOrphanedActive requeues jobs held in jobs:active:<w> hashes whose
// worker is no longer on the roster, then deletes the hash.
func (r *Reclaimer) sweepOrphanedActive(ctx context.Context) (int, error) {
	keys, err := r.store.Keys(ctx, activeKeyPrefix+"*")
	if err != nil {
		return 0, errors.Wrap(err, "failed to scan active job keys")
	}

	requeued := 0
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return requeued, ctx.Err()
		default:
		}

		workerID := strings.TrimPrefix(key, activeKeyPrefix)
		onRoster, err := r.store.SIsMember(ctx, workersActiveKey, workerID)
		if err != nil {
			return requeued, errors.Wrapf(err, "failed to check roster for worker %s", workerID)
		}
		if onRoster {
			continue
		}

		entries, err := r.store.HGetAll(ctx, key)
		if err != nil {
			r.log.Warnw("Failed to read orphaned active hash", "worker_id", workerID, "error", err)
			continue
		}
		for jobID := range entries {
			job, err := r.jobs.Get(ctx, jobID)
			if err != nil {
				if !errors.IsNotFoundError(err) {
					r.log.Warnw("Failed to load orphaned job", "job_id", jobID, "error", err)
				}
				continue
			}
			if job.IsTerminal() {
				continue
			}
			if err := r.jobs.requeue(ctx, job); err != nil {
				r.log.Errorw("Failed to requeue orphaned job",
					"job_id", jobID,
					"worker_id", workerID,
					"error", err)
				continue
			}
			requeued++
			r.log.Infow("Requeued orphaned job",
				"job_id", jobID,
				"worker_id", workerID)
		}
		if err := r.store.Del(ctx, key); err != nil {
			r.log.Warnw("Failed to delete orphaned active hash", "worker_id", workerID, "error", err)
		}
	}
	return requeued, nil
}

// sweepStuckWorkers idles live workers whose current job is already
// terminal or gone.
func (r *Reclaimer) sweepStuckWorkers(ctx context.Context) (int, error) {
	workers, err := r.registry.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	cleared := 0
	for _, worker := range workers {
		if worker.CurrentJobID == "" {
			continue
		}
		job, err := r.jobs.Get(ctx, worker.CurrentJobID)
		stuck := false
		switch {
		case errors.IsNotFoundError(err):
			stuck = true
		case err != nil:
			r.log.Warnw("Failed to load worker's current job",
				"worker_id", worker.ID,
				"job_id", worker.CurrentJobID,
				"error", err)
			continue
		default:
			stuck = job.IsTerminal()
		}
		if !stuck {
			continue
		}

		if err := r.registry.MarkIdle(ctx, worker.ID); err != nil {
			r.log.Warnw("Failed to idle stuck worker", "worker_id", worker.ID, "error", err)
			continue
		}
		cleared++
		r.log.Infow("Cleared stuck worker",
			"worker_id", worker.ID,
			"job_id", worker.CurrentJobID)
	}
	return cleared, nil
}

// sweepTimeouts releases assigned/in-progress jobs whose worker went dark
// or whose progress stalled. Release goes through the normal failure path,
// so the retry budget and no-self-retry rules apply.
func (r *Reclaimer) sweepTimeouts(ctx context.Context) (int, error) {
	released := 0
	for _, status := range []JobStatus{JobStatusAssigned, JobStatusInProgress} {
		jobs, err := r.jobs.Query(ctx, Filter{Status: status, Limit: 10000})
		if err != nil {
			return released, err
		}
		for _, job := range jobs {
			select {
			case <-ctx.Done():
				return released, ctx.Err()
			default:
			}
			if job.WorkerID == "" {
				continue
			}

			reason, timedOut := r.timeoutReason(ctx, job)
			if !timedOut {
				continue
			}
			if err := r.jobs.Fail(ctx, job.ID, job.WorkerID, reason, true); err != nil {
				r.log.Errorw("Failed to release timed-out job",
					"job_id", job.ID,
					"worker_id", job.WorkerID,
					"error", err)
				continue
			}
			released++
			r.log.Infow("Released timed-out job",
				"job_id", job.ID,
				"worker_id", job.WorkerID,
				"reason", reason)
		}
	}
	return released, nil
}

// timeoutReason decides whether a running job must be released: first the
// heartbeat cutoff, then the progress-staleness cutoff.
func (r *Reclaimer) timeoutReason(ctx context.Context, job *Job) (string, bool) {
	age, err := r.registry.HeartbeatAge(ctx, job.WorkerID)
	if errors.IsNotFoundError(err) {
		return "Worker heartbeat timeout", true
	}
	if err != nil {
		r.log.Warnw("Failed to read heartbeat age",
			"worker_id", job.WorkerID,
			"error", err)
		return "", false
	}
	if age > r.cfg.HeartbeatTimeout {
		return "Worker heartbeat timeout", true
	}

	baseline := job.AssignedAt
	if job.StartedAt != nil {
		baseline = job.StartedAt
	}
	latest, err := r.bus.Latest(ctx, job.ID)
	if err == nil && latest.UpdatedAt > 0 {
		ts := time.UnixMilli(latest.UpdatedAt)
		baseline = &ts
	} else if err != nil && !errors.IsNotFoundError(err) {
		r.log.Warnw("Failed to read progress snapshot",
			"job_id", job.ID,
			"error", err)
		return "", false
	}
	if baseline != nil && time.Since(*baseline) > r.cfg.ProgressTimeout {
		return "No progress timeout", true
	}
	return "", false
}

// GetStats returns reclaimer loop statistics
func (r *Reclaimer) GetStats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	return map[string]interface{}{
		"last_sweep_at":      r.lastSweepAt,
		"sweeps_since_start": r.sweepsSinceStart,
		"scan_interval":      r.cfg.ScanInterval,
	}
}
