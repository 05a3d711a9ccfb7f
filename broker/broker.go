// Package broker implements pull-based job dispatch over a shared store.
//
// ARCHITECTURE: Stateless coordination around one atomic primitive
// - Jobs wait in a single sorted set scored by priority and age
// - Workers poll; the broker matches capabilities and claims via a
//   conditional remove, the only linearization point in the system
// - Everything after the claim is at-least-once with idempotent effects
// - Any number of broker instances may run against the same store
package broker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/metrics"
	"github.com/teranos/relay/store"
)

const defaultCandidateWindow = 20

// Options configure the claim path
type Options struct {
	// StrictMatching applies capability predicates per candidate; when off,
	// any worker claims the head job (no-self-retry still applies).
	StrictMatching bool

	// CandidateWindow is the top-K scanned under strict matching
	CandidateWindow int
}

// Broker matches pending jobs to polling workers
type Broker struct {
	store    store.Store
	jobs     *JobRepository
	registry *WorkerRegistry
	bus      *ProgressBus
	metrics  *metrics.Collector
	log      *zap.SugaredLogger
	opts     Options
}

// New creates a broker over the shared store
func New(s store.Store, jobs *JobRepository, registry *WorkerRegistry, bus *ProgressBus, m *metrics.Collector, log *zap.SugaredLogger, opts Options) *Broker {
	if opts.CandidateWindow <= 0 {
		opts.CandidateWindow = defaultCandidateWindow
	}
	return &Broker{
		store:    s,
		jobs:     jobs,
		registry: registry,
		bus:      bus,
		metrics:  m,
		log:      log.Named("broker"),
		opts:     opts,
	}
}

// ClaimNext selects and atomically claims the best eligible pending job for
// the given capabilities. Returns a not-found error when nothing is
// claimable; callers poll again later.
//
// Losing the conditional remove is not an error: the next candidate is
// tried, and contention is counted, not logged.
func (b *Broker) ClaimNext(ctx context.Context, caps *Capabilities) (*Job, error) {
	if caps == nil || caps.WorkerID == "" {
		return nil, errors.NewInvalidRequestError("capabilities with worker_id required to claim")
	}

	window := int64(0) // K=1: head only
	if b.opts.StrictMatching {
		window = int64(b.opts.CandidateWindow) - 1
	}
	candidates, err := b.store.ZRangeDesc(ctx, pendingKey, 0, window)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read pending queue")
	}
	if len(candidates) == 0 {
		return nil, errors.NewNotFoundError("no pending jobs")
	}

	for _, jobID := range candidates {
		job, err := b.jobs.Get(ctx, jobID)
		if err != nil {
			if errors.IsNotFoundError(err) {
				// Raced a cancel or another claim's cleanup; same as losing
				b.metrics.RecordContention()
				continue
			}
			return nil, err
		}

		// A worker never gets back the job it just failed
		if job.LastFailedWorker != "" && job.LastFailedWorker == caps.WorkerID {
			continue
		}
		if b.opts.StrictMatching {
			if ok, reason := eligible(job, caps); !ok {
				b.log.Debugw("Candidate not eligible",
					"job_id", jobID,
					"worker_id", caps.WorkerID,
					"reason", reason)
				continue
			}
		}

		removed, err := b.store.ZRem(ctx, pendingKey, jobID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to claim job %s", jobID)
		}
		if !removed {
			b.metrics.RecordContention()
			continue
		}

		return b.finishClaim(ctx, job, caps.WorkerID)
	}

	return nil, errors.NewNotFoundError("no eligible pending jobs")
}

// finishClaim runs the post-linearization writes. The claim is already won;
// failures here unwind it so the job is not stranded outside the queue.
func (b *Broker) finishClaim(ctx context.Context, job *Job, workerID string) (*Job, error) {
	job.Assign(workerID)

	serialized, err := json.Marshal(job)
	if err != nil {
		b.unwindClaim(ctx, job)
		return nil, errors.Wrapf(err, "failed to serialize claimed job %s", job.ID)
	}
	if err := b.store.HSet(ctx, activeKey(workerID), map[string]any{job.ID: string(serialized)}); err != nil {
		b.unwindClaim(ctx, job)
		return nil, errors.Wrapf(err, "failed to track active job %s", job.ID)
	}
	if err := b.jobs.saveJob(ctx, job); err != nil {
		if delErr := b.store.HDel(ctx, activeKey(workerID), job.ID); delErr != nil {
			b.log.Warnw("Failed to unwind active entry", "job_id", job.ID, "error", delErr)
		}
		b.unwindClaim(ctx, job)
		return nil, err
	}

	publishEvent(ctx, b.store, b.log, ChannelJobAssigned, JobAssignedEvent{
		JobID:     job.ID,
		WorkerID:  workerID,
		Timestamp: nowMilli(),
	})
	if err := b.bus.Publish(ctx, ProgressRecord{
		JobID:    job.ID,
		WorkerID: workerID,
		Progress: 0,
		Status:   ProgressStatusAssigned,
		Message:  "Job assigned to worker",
	}); err != nil {
		b.log.Warnw("Failed to record assignment progress", "job_id", job.ID, "error", err)
	}
	if err := b.registry.MarkBusy(ctx, workerID, job.ID); err != nil {
		b.log.Warnw("Failed to mark worker busy",
			"worker_id", workerID,
			"job_id", job.ID,
			"error", err)
	}

	b.metrics.RecordClaimed(time.Since(job.CreatedAt).Seconds())
	b.log.Infow("Job claimed",
		"job_id", job.ID,
		"worker_id", workerID,
		"service", job.ServiceRequired,
		"priority", job.Priority,
		"retry_count", job.RetryCount)
	return job, nil
}

// unwindClaim puts a half-claimed job back in the queue with its original
// score. Best effort; if this also fails the reclaimer's orphan sweep will
// eventually recover the job.
func (b *Broker) unwindClaim(ctx context.Context, job *Job) {
	job.Status = JobStatusPending
	job.WorkerID = ""
	job.AssignedAt = nil
	if err := b.store.ZAdd(ctx, pendingKey, Score(job), job.ID); err != nil {
		b.log.Errorw("Failed to unwind claim; job awaits reclaim",
			"job_id", job.ID,
			"error", err)
	}
}
