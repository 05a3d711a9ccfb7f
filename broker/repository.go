package broker

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/metrics"
	"github.com/teranos/relay/store"
)

const defaultQueryLimit = 100

// SubmitSpec is the caller-facing description of a new job
type SubmitSpec struct {
	ServiceRequired string          `json:"service_required"`
	Priority        *int            `json:"priority,omitempty"` // default 50
	Payload         json.RawMessage `json:"payload,omitempty"`
	Requirements    *Requirements   `json:"requirements,omitempty"`
	CustomerID      string          `json:"customer_id,omitempty"`
	MaxRetries      *int            `json:"max_retries,omitempty"` // default 3

	WorkflowID       string `json:"workflow_id,omitempty"`
	WorkflowPriority *int   `json:"workflow_priority,omitempty"`
	WorkflowDatetime int64  `json:"workflow_datetime,omitempty"`
	StepNumber       int    `json:"step_number,omitempty"`
	TotalSteps       int    `json:"total_steps,omitempty"`
}

// Filter narrows Query results. Zero fields match everything.
type Filter struct {
	Status     JobStatus
	WorkerID   string
	CustomerID string
	Limit      int
}

// QueueStats is the aggregate queue snapshot
type QueueStats struct {
	Pending   int64 `json:"pending"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// RepositoryOptions carry the submit-path defaults
type RepositoryOptions struct {
	DefaultPriority   int // 50 when zero
	DefaultMaxRetries int // 3 when zero
}

// JobRepository owns job records: creation, lifecycle transitions, queries,
// and the terminal archives. It holds no state of its own; every instance
// over the same store sees the same queue.
type JobRepository struct {
	store   store.Store
	bus     *ProgressBus
	metrics *metrics.Collector
	log     *zap.SugaredLogger
	opts    RepositoryOptions
}

// NewJobRepository creates a repository over the shared store
func NewJobRepository(s store.Store, bus *ProgressBus, m *metrics.Collector, log *zap.SugaredLogger, opts RepositoryOptions) *JobRepository {
	if opts.DefaultPriority == 0 {
		opts.DefaultPriority = 50
	}
	if opts.DefaultMaxRetries == 0 {
		opts.DefaultMaxRetries = 3
	}
	return &JobRepository{
		store:   s,
		bus:     bus,
		metrics: m,
		log:     log.Named("jobs"),
		opts:    opts,
	}
}

// Submit validates the spec, writes the job record, and enqueues it
func (r *JobRepository) Submit(ctx context.Context, spec SubmitSpec) (*Job, error) {
	if spec.ServiceRequired == "" {
		return nil, errors.NewInvalidRequestError("service_required must be set")
	}

	priority := r.opts.DefaultPriority
	if spec.Priority != nil {
		priority = *spec.Priority
	}
	if priority < 0 || priority > 100 {
		return nil, errors.NewInvalidRequestError("priority %d outside 0..100", priority)
	}

	maxRetries := r.opts.DefaultMaxRetries
	if spec.MaxRetries != nil {
		maxRetries = *spec.MaxRetries
	}
	if maxRetries < 0 {
		return nil, errors.NewInvalidRequestError("max_retries must not be negative")
	}

	job := &Job{
		ID:               NewJobID(),
		ServiceRequired:  spec.ServiceRequired,
		Priority:         priority,
		Payload:          spec.Payload,
		Requirements:     spec.Requirements,
		CustomerID:       spec.CustomerID,
		WorkflowID:       spec.WorkflowID,
		WorkflowPriority: spec.WorkflowPriority,
		WorkflowDatetime: spec.WorkflowDatetime,
		StepNumber:       spec.StepNumber,
		TotalSteps:       spec.TotalSteps,
		MaxRetries:       maxRetries,
		Status:           JobStatusPending,
		CreatedAt:        time.Now(),
	}

	if err := r.store.HSet(ctx, jobKey(job.ID), job.Fields()); err != nil {
		return nil, errors.Wrap(err, "failed to write job record")
	}
	if err := r.store.ZAdd(ctx, pendingKey, Score(job), job.ID); err != nil {
		return nil, errors.Wrapf(err, "failed to enqueue job %s", job.ID)
	}

	publishEvent(ctx, r.store, r.log, ChannelJobSubmitted, JobSubmittedEvent{
		JobID:      job.ID,
		Service:    job.ServiceRequired,
		Priority:   priority,
		WorkflowID: job.WorkflowID,
		CustomerID: job.CustomerID,
		Timestamp:  nowMilli(),
	})
	r.metrics.RecordSubmitted()

	r.log.Infow("Job submitted",
		"job_id", job.ID,
		"service", job.ServiceRequired,
		"priority", priority,
		"workflow_id", job.WorkflowID)
	return job, nil
}

// Get loads one job by ID
func (r *JobRepository) Get(ctx context.Context, jobID string) (*Job, error) {
	fields, err := r.store.HGetAll(ctx, jobKey(jobID))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load job %s", jobID)
	}
	if len(fields) == 0 {
		return nil, errors.NewNotFoundError("job %s not found", jobID)
	}
	return JobFromFields(fields)
}

// Query scans job records and applies the filter, most recent first
func (r *JobRepository) Query(ctx context.Context, filter Filter) ([]*Job, error) {
	keys, err := r.store.Keys(ctx, "job:*")
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan job keys")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	var jobs []*Job
	for _, key := range keys {
		if strings.HasSuffix(key, ":progress") {
			continue
		}
		fields, err := r.store.HGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		job, err := JobFromFields(fields)
		if err != nil {
			r.log.Warnw("Skipping unreadable job record", "key", key, "error", err)
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.WorkerID != "" && job.WorkerID != filter.WorkerID {
			continue
		}
		if filter.CustomerID != "" && job.CustomerID != filter.CustomerID {
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Stats composes the queue-depth snapshot
func (r *JobRepository) Stats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	var err error

	if stats.Pending, err = r.store.ZCard(ctx, pendingKey); err != nil {
		return stats, errors.Wrap(err, "failed to count pending jobs")
	}
	activeKeys, err := r.store.Keys(ctx, activeKeyPrefix+"*")
	if err != nil {
		return stats, errors.Wrap(err, "failed to scan active job keys")
	}
	for _, key := range activeKeys {
		n, err := r.store.HLen(ctx, key)
		if err != nil {
			continue
		}
		stats.Active += n
	}
	if stats.Completed, err = r.store.HLen(ctx, completedKey); err != nil {
		return stats, errors.Wrap(err, "failed to count completed jobs")
	}
	if stats.Failed, err = r.store.HLen(ctx, failedKey); err != nil {
		return stats, errors.Wrap(err, "failed to count failed jobs")
	}
	return stats, nil
}

// PendingPosition returns a job's 0-based rank in the pending queue, or -1
// when the job is not pending.
func (r *JobRepository) PendingPosition(ctx context.Context, jobID string) (int64, error) {
	rank, err := r.store.ZRevRank(ctx, pendingKey, jobID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return -1, nil
		}
		return -1, errors.Wrapf(err, "failed to rank job %s", jobID)
	}
	return rank, nil
}

// CompletedResult returns the archived result payload for a completed job,
// or nil when the job finished without one. NotFound means the job never
// completed or the archive entry has expired.
func (r *JobRepository) CompletedResult(ctx context.Context, jobID string) (json.RawMessage, error) {
	raw, err := r.store.HGet(ctx, completedKey, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load completion archive for %s", jobID)
	}
	var entry struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, errors.Wrapf(err, "unreadable completion archive entry for %s", jobID)
	}
	return entry.Data, nil
}

// MarkInProgress transitions an assigned job to in_progress for the worker
// that claimed it.
func (r *JobRepository) MarkInProgress(ctx context.Context, jobID, workerID string) error {
	job, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == JobStatusCancelled {
		return errors.Wrapf(errors.ErrCancelled, "job %s", jobID)
	}
	if job.IsTerminal() {
		r.log.Warnw("Ignoring start of terminal job",
			"job_id", jobID,
			"status", job.Status)
		return nil
	}

	job.Start()
	if err := r.saveJob(ctx, job); err != nil {
		return err
	}

	return r.bus.Publish(ctx, ProgressRecord{
		JobID:    jobID,
		WorkerID: workerID,
		Progress: 0,
		Status:   ProgressStatusProcessing,
		Message:  "Job processing started",
	})
}

// Complete records a successful result. Terminal stickiness applies: a
// cancelled or already-terminal job is left untouched and the late report
// is dropped.
func (r *JobRepository) Complete(ctx context.Context, jobID, workerID string, result json.RawMessage) error {
	job, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		r.log.Infow("Dropping late completion for terminal job",
			"job_id", jobID,
			"status", job.Status,
			"worker_id", workerID)
		return nil
	}

	started := job.StartedAt
	job.Complete()
	if err := r.saveJob(ctx, job); err != nil {
		return err
	}
	if err := r.archiveCompleted(ctx, job, result); err != nil {
		return err
	}
	if err := r.store.HDel(ctx, activeKey(workerID), jobID); err != nil {
		r.log.Warnw("Failed to clear active entry",
			"job_id", jobID,
			"worker_id", workerID,
			"error", err)
	}

	if err := r.bus.Publish(ctx, ProgressRecord{
		JobID:    jobID,
		WorkerID: workerID,
		Progress: 100,
		Status:   ProgressStatusCompleted,
		Message:  "Job completed",
	}); err != nil {
		r.log.Warnw("Failed to record terminal progress", "job_id", jobID, "error", err)
	}
	publishEvent(ctx, r.store, r.log, ChannelJobCompleted, JobCompletedEvent{
		JobID:     jobID,
		WorkerID:  workerID,
		Timestamp: nowMilli(),
	})

	if started != nil {
		r.metrics.RecordCompleted(time.Since(*started).Seconds())
	} else {
		r.metrics.RecordCompleted(0)
	}
	r.log.Infow("Job completed",
		"job_id", jobID,
		"worker_id", workerID)
	return nil
}

// Fail records a failure report from a worker or the reclaimer. Retryable
// failures below the retry budget go back to pending (the failed worker is
// barred from the immediate retry); the rest are archived as failed.
// Cancelled jobs are never resurrected.
func (r *JobRepository) Fail(ctx context.Context, jobID, workerID, reason string, canRetry bool) error {
	job, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		r.log.Infow("Dropping failure report for terminal job",
			"job_id", jobID,
			"status", job.Status,
			"worker_id", workerID)
		return nil
	}

	newCount := job.RetryCount + 1
	willRetry := canRetry && newCount < job.MaxRetries

	if willRetry {
		job.ReleaseForRetry(workerID)
		if err := r.saveJob(ctx, job); err != nil {
			return err
		}
		// Score still uses the original created_at, so a retried job keeps
		// its place in line rather than going to the back.
		if err := r.store.ZAdd(ctx, pendingKey, Score(job), job.ID); err != nil {
			return errors.Wrapf(err, "failed to requeue job %s", jobID)
		}
		if err := r.store.HDel(ctx, activeKey(workerID), jobID); err != nil {
			r.log.Warnw("Failed to clear active entry",
				"job_id", jobID,
				"worker_id", workerID,
				"error", err)
		}
		if err := r.bus.Publish(ctx, ProgressRecord{
			JobID:    jobID,
			WorkerID: workerID,
			Progress: 0,
			Status:   ProgressStatusRetrying,
			Message:  reason,
		}); err != nil {
			r.log.Warnw("Failed to record retry progress", "job_id", jobID, "error", err)
		}
	} else {
		job.RetryCount = newCount
		job.WorkerID = ""
		job.AssignedAt = nil
		job.Fail(reason)
		if err := r.saveJob(ctx, job); err != nil {
			return err
		}
		if err := r.archiveFailed(ctx, job); err != nil {
			return err
		}
		if err := r.store.HDel(ctx, activeKey(workerID), jobID); err != nil {
			r.log.Warnw("Failed to clear active entry",
				"job_id", jobID,
				"worker_id", workerID,
				"error", err)
		}
		if err := r.bus.Publish(ctx, ProgressRecord{
			JobID:    jobID,
			WorkerID: workerID,
			Progress: 0,
			Status:   ProgressStatusFailed,
			Message:  reason,
		}); err != nil {
			r.log.Warnw("Failed to record terminal progress", "job_id", jobID, "error", err)
		}
		var duration float64
		if job.StartedAt != nil && job.FailedAt != nil {
			duration = job.FailedAt.Sub(*job.StartedAt).Seconds()
		}
		r.metrics.RecordFailed(duration)
	}

	publishEvent(ctx, r.store, r.log, ChannelJobFailed, JobFailedEvent{
		JobID:      jobID,
		WorkerID:   workerID,
		Error:      reason,
		WillRetry:  willRetry,
		RetryCount: newCount,
		Timestamp:  nowMilli(),
	})

	r.log.Infow("Job failure recorded",
		"job_id", jobID,
		"worker_id", workerID,
		"reason", reason,
		"will_retry", willRetry,
		"retry_count", newCount)
	return nil
}

// Cancel transitions any non-terminal job to cancelled. Cancelling an
// already-terminal job is a no-op.
func (r *JobRepository) Cancel(ctx context.Context, jobID, reason string) error {
	job, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return nil
	}

	assignedWorker := job.WorkerID
	job.Cancel(reason)
	if err := r.saveJob(ctx, job); err != nil {
		return err
	}

	if _, err := r.store.ZRem(ctx, pendingKey, jobID); err != nil {
		r.log.Warnw("Failed to dequeue cancelled job", "job_id", jobID, "error", err)
	}
	if assignedWorker != "" {
		if err := r.store.HDel(ctx, activeKey(assignedWorker), jobID); err != nil {
			r.log.Warnw("Failed to clear active entry",
				"job_id", jobID,
				"worker_id", assignedWorker,
				"error", err)
		}
	}

	publishEvent(ctx, r.store, r.log, ChannelJobCancelled, JobCancelledEvent{
		JobID:     jobID,
		WorkerID:  assignedWorker,
		Reason:    reason,
		Timestamp: nowMilli(),
	})
	r.metrics.RecordCancelled()

	r.log.Infow("Job cancelled",
		"job_id", jobID,
		"reason", reason,
		"was_assigned_to", assignedWorker)
	return nil
}

// requeue returns a non-terminal job to the pending queue with its
// original score, without touching the retry budget. Used by the orphan
// sweep when a worker vanished from the roster.
func (r *JobRepository) requeue(ctx context.Context, job *Job) error {
	if job.IsTerminal() {
		return nil
	}
	job.Status = JobStatusPending
	job.WorkerID = ""
	job.AssignedAt = nil
	job.StartedAt = nil
	if err := r.saveJob(ctx, job); err != nil {
		return err
	}
	if err := r.store.ZAdd(ctx, pendingKey, Score(job), job.ID); err != nil {
		return errors.Wrapf(err, "failed to requeue job %s", job.ID)
	}
	return nil
}

// saveJob writes the job hash and removes fields the transition cleared,
// so a requeued job does not keep a stale worker assignment.
func (r *JobRepository) saveJob(ctx context.Context, j *Job) error {
	if err := r.store.HSet(ctx, jobKey(j.ID), j.Fields()); err != nil {
		return errors.Wrapf(err, "failed to save job %s", j.ID)
	}
	var cleared []string
	if j.WorkerID == "" {
		cleared = append(cleared, "worker_id")
	}
	if j.AssignedAt == nil {
		cleared = append(cleared, "assigned_at")
	}
	if j.StartedAt == nil {
		cleared = append(cleared, "started_at")
	}
	if len(cleared) > 0 {
		if err := r.store.HDel(ctx, jobKey(j.ID), cleared...); err != nil {
			return errors.Wrapf(err, "failed to clear stale fields on job %s", j.ID)
		}
	}
	return nil
}

func (r *JobRepository) archiveCompleted(ctx context.Context, j *Job, result json.RawMessage) error {
	entry := map[string]any{
		"success":      true,
		"completed_at": j.CompletedAt.UnixMilli(),
	}
	if len(result) > 0 {
		entry["data"] = json.RawMessage(result)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "failed to marshal completion archive entry")
	}
	if err := r.store.HSet(ctx, completedKey, map[string]any{j.ID: string(data)}); err != nil {
		return errors.Wrapf(err, "failed to archive completed job %s", j.ID)
	}
	if err := r.store.Expire(ctx, completedKey, completedTTL); err != nil {
		r.log.Warnw("Failed to refresh completed archive TTL", "error", err)
	}
	return nil
}

func (r *JobRepository) archiveFailed(ctx context.Context, j *Job) error {
	entry := map[string]any{
		"error":       j.Error,
		"failed_at":   j.FailedAt.UnixMilli(),
		"retry_count": j.RetryCount,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "failed to marshal failure archive entry")
	}
	if err := r.store.HSet(ctx, failedKey, map[string]any{j.ID: string(data)}); err != nil {
		return errors.Wrapf(err, "failed to archive failed job %s", j.ID)
	}
	if err := r.store.Expire(ctx, failedKey, failedTTL); err != nil {
		r.log.Warnw("Failed to refresh failed archive TTL", "error", err)
	}
	return nil
}
