package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/relay/broker"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/store"
)

// Options tunes one worker runtime
type Options struct {
	PollInterval      time.Duration // claim attempt cadence (default: 1 second)
	HeartbeatInterval time.Duration // liveness refresh cadence (default: 30 seconds)
	JobTimeout        time.Duration // per-job hard deadline (default: 30 minutes)
	MaxConcurrent     int           // in-flight job bound (default: 1)
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 30 * time.Minute
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 1
	}
}

// drainTimeout bounds how long Stop waits for in-flight jobs to report
// before deregistering anyway.
const drainTimeout = 30 * time.Second

// inflight tracks one executing job so cancellation events can reach it.
// cancelled is guarded by the runtime mutex.
type inflight struct {
	cancel    context.CancelFunc
	service   string
	cancelled bool
}

// Runtime is one worker process end to end: it registers with the broker,
// keeps the heartbeat alive, polls for claims while capacity remains, and
// dispatches each claimed job to its connector on a dedicated goroutine.
// All coordination state lives in the shared store; the runtime itself only
// tracks its in-flight set.
type Runtime struct {
	store    store.Store
	broker   *broker.Broker
	jobs     *broker.JobRepository
	registry *broker.WorkerRegistry
	bus      *broker.ProgressBus
	manager  *Manager
	caps     *broker.Capabilities
	opts     Options

	// parentCtx survives r.ctx so terminal reports still land during drain
	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	log *zap.SugaredLogger

	mu       sync.Mutex
	inFlight map[string]*inflight
	draining bool
}

// NewRuntime wires a worker runtime. caps must carry the worker id the
// runtime registers under; connectors for every advertised service must be
// registered with mgr before Start.
func NewRuntime(s store.Store, b *broker.Broker, jobs *broker.JobRepository, registry *broker.WorkerRegistry, bus *broker.ProgressBus, mgr *Manager, caps *broker.Capabilities, opts Options, log *zap.SugaredLogger) *Runtime {
	return NewRuntimeWithContext(context.Background(), s, b, jobs, registry, bus, mgr, caps, opts, log)
}

// NewRuntimeWithContext creates a runtime with a parent context. Cancelling
// the parent stops polling the same way Stop does, but without the drain
// and deregistration courtesy.
func NewRuntimeWithContext(ctx context.Context, s store.Store, b *broker.Broker, jobs *broker.JobRepository, registry *broker.WorkerRegistry, bus *broker.ProgressBus, mgr *Manager, caps *broker.Capabilities, opts Options, log *zap.SugaredLogger) *Runtime {
	opts.applyDefaults()
	runCtx, cancel := context.WithCancel(ctx)

	workerID := ""
	if caps != nil {
		workerID = caps.WorkerID
	}
	return &Runtime{
		store:     s,
		broker:    b,
		jobs:      jobs,
		registry:  registry,
		bus:       bus,
		manager:   mgr,
		caps:      caps,
		opts:      opts,
		parentCtx: ctx,
		ctx:       runCtx,
		cancel:    cancel,
		log:       log.Named("worker").With("worker_id", workerID),
		inFlight:  make(map[string]*inflight),
	}
}

// Start registers the worker and launches the heartbeat, cancellation
// watcher, and poll loops. Returns once registration succeeds; claiming
// begins on the first poll tick.
func (r *Runtime) Start() error {
	if r.caps == nil || r.caps.WorkerID == "" {
		return errors.NewInvalidRequestError("worker capabilities with a worker_id are required")
	}
	r.caps.MaxConcurrentJobs = r.opts.MaxConcurrent

	if _, err := r.registry.Register(r.ctx, r.caps); err != nil {
		return errors.Wrap(err, "worker registration failed")
	}
	if err := r.registry.MarkIdle(r.ctx, r.caps.WorkerID); err != nil {
		r.log.Warnw("Failed to mark worker idle after registration", "error", err)
	}

	r.wg.Add(2)
	go r.heartbeatLoop()
	go r.pollLoop()

	// Subscribe before returning so no cancellation issued after Start can
	// be missed
	if sub, err := r.store.Subscribe(r.ctx, broker.ChannelJobCancelled); err != nil {
		r.log.Warnw("Cancellation feed unavailable", "error", err)
	} else {
		r.wg.Add(1)
		go r.watchCancellations(sub)
	}

	r.log.Infow("Worker runtime started",
		"services", r.caps.Services,
		"poll_interval", r.opts.PollInterval,
		"max_concurrent", r.opts.MaxConcurrent)
	return nil
}

// Stop drains the runtime: polling stops, in-flight job contexts are
// cancelled (each job fails with canRetry so another worker picks it up),
// then the worker deregisters cleanly.
func (r *Runtime) Stop() {
	r.mu.Lock()
	r.draining = true
	inFlight := len(r.inFlight)
	r.mu.Unlock()

	r.log.Infow("Worker runtime stopping", "in_flight", inFlight)
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		r.log.Warnw("Worker drain timed out, deregistering anyway", "timeout", drainTimeout)
	}

	if err := r.registry.Deregister(r.parentCtx, r.caps.WorkerID); err != nil {
		r.log.Warnw("Deregistration failed", "error", err)
	}
	r.log.Infow("Worker runtime stopped")
}

// WorkerID returns the id this runtime registered under
func (r *Runtime) WorkerID() string {
	if r.caps == nil {
		return ""
	}
	return r.caps.WorkerID
}

// InFlight returns the number of jobs currently executing
func (r *Runtime) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inFlight)
}

func (r *Runtime) heartbeatLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.registry.Heartbeat(r.ctx, r.caps.WorkerID); err != nil && r.ctx.Err() == nil {
				r.log.Warnw("Heartbeat failed", "error", err)
			}
		}
	}
}

// watchCancellations aborts the in-flight context for any job the broker
// reports cancelled. Best effort: a missed event is caught at the terminal
// report, where status stickiness drops the late result.
func (r *Runtime) watchCancellations(sub store.Subscription) {
	defer r.wg.Done()
	defer sub.Close()

	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			var event broker.JobCancelledEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				r.log.Debugw("Malformed cancellation event", "error", err)
				continue
			}
			r.abortInFlight(event.JobID, event.Reason)
		}
	}
}

func (r *Runtime) abortInFlight(jobID, reason string) {
	r.mu.Lock()
	entry := r.inFlight[jobID]
	if entry != nil {
		entry.cancelled = true
	}
	r.mu.Unlock()
	if entry == nil {
		return
	}

	r.log.Infow("Cancelling in-flight job", "job_id", jobID, "reason", reason)
	entry.cancel()

	if connector := r.manager.Get(entry.service); connector != nil {
		cancelCtx, cancel := context.WithTimeout(r.parentCtx, 5*time.Second)
		if err := connector.CancelJob(cancelCtx, jobID); err != nil {
			r.log.Debugw("Connector cancel failed", "job_id", jobID, "error", err)
		}
		cancel()
	}
}

func (r *Runtime) pollLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	// Store-error backoff state; an empty queue is not an error
	errorCount := 0
	backoff := time.Second
	const maxConsecutiveErrors = 5
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			// Claim until capacity fills or the queue has nothing for us
			for r.InFlight() < r.opts.MaxConcurrent {
				job, err := r.broker.ClaimNext(r.ctx, r.caps)
				if err != nil {
					if errors.IsNotFoundError(err) {
						errorCount = 0
						backoff = time.Second
					} else if r.ctx.Err() == nil {
						errorCount++
						r.log.Errorw("Claim attempt failed",
							"error", err,
							"consecutive_errors", errorCount)
						if errorCount >= maxConsecutiveErrors {
							r.log.Warnw("Backing off after consecutive claim errors",
								"backoff", backoff,
								"consecutive_errors", errorCount)
							select {
							case <-time.After(backoff):
							case <-r.ctx.Done():
								return
							}
							backoff = min(backoff*2, maxBackoff)
						}
					}
					break
				}
				errorCount = 0
				backoff = time.Second
				r.dispatch(job)
			}
		}
	}
}

// dispatch hands a claimed job to its connector on a fresh goroutine
func (r *Runtime) dispatch(job *broker.Job) {
	jobCtx, cancel := context.WithTimeout(r.ctx, r.opts.JobTimeout)
	entry := &inflight{cancel: cancel, service: job.ServiceRequired}

	r.mu.Lock()
	r.inFlight[job.ID] = entry
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		defer r.clearInFlight(job.ID)
		r.handleJob(jobCtx, job, entry)
	}()
}

func (r *Runtime) clearInFlight(jobID string) {
	r.mu.Lock()
	delete(r.inFlight, jobID)
	idle := len(r.inFlight) == 0 && !r.draining
	r.mu.Unlock()

	if idle {
		if err := r.registry.MarkIdle(r.parentCtx, r.caps.WorkerID); err != nil {
			r.log.Warnw("Failed to mark worker idle", "error", err)
		}
	}
}

func (r *Runtime) handleJob(ctx context.Context, job *broker.Job, entry *inflight) {
	log := r.log.With("job_id", job.ID, "service", job.ServiceRequired)

	connector := r.manager.Get(job.ServiceRequired)
	if connector == nil {
		// Reachable in permissive matching mode only
		log.Warnw("No connector for claimed job, releasing")
		r.reportFailure(job, "No connector for service "+job.ServiceRequired, true)
		return
	}

	if err := r.jobs.MarkInProgress(r.parentCtx, job.ID, r.caps.WorkerID); err != nil {
		if errors.IsCancelled(err) {
			log.Infow("Job cancelled before processing started")
			return
		}
		log.Errorw("Failed to mark job in progress", "error", err)
		r.reportFailure(job, "Failed to start job: "+err.Error(), true)
		return
	}

	started := time.Now()
	result, err := connector.ProcessJob(ctx, job, r.progressSink(job.ID))
	if err == nil {
		if err := r.jobs.Complete(r.parentCtx, job.ID, r.caps.WorkerID, result); err != nil {
			log.Debugw("Completion report dropped", "error", err)
			return
		}
		if err := r.registry.IncrCounters(r.parentCtx, r.caps.WorkerID, 1, 0); err != nil {
			log.Debugw("Failed to bump processed counter", "error", err)
		}
		log.Infow("Job completed", "duration", time.Since(started))
		return
	}

	switch {
	case r.wasCancelled(entry):
		// The cancel path already moved the job terminal; nothing to report
		log.Infow("Job abandoned after cancellation", "duration", time.Since(started))
	case ctx.Err() == context.DeadlineExceeded:
		log.Warnw("Job timed out", "timeout", r.opts.JobTimeout)
		r.reportFailure(job, fmt.Sprintf("Job processing timeout after %s", r.opts.JobTimeout), true)
	case r.ctx.Err() != nil:
		log.Infow("Job released during shutdown")
		r.reportFailure(job, "Worker shutting down", true)
	default:
		log.Warnw("Job failed", "error", err, "duration", time.Since(started))
		r.reportFailure(job, err.Error(), !errors.IsInvalidRequestError(err))
	}
}

func (r *Runtime) wasCancelled(entry *inflight) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return entry.cancelled
}

func (r *Runtime) reportFailure(job *broker.Job, reason string, canRetry bool) {
	if err := r.jobs.Fail(r.parentCtx, job.ID, r.caps.WorkerID, reason, canRetry); err != nil {
		r.log.Debugw("Failure report dropped", "job_id", job.ID, "error", err)
		return
	}
	if err := r.registry.IncrCounters(r.parentCtx, r.caps.WorkerID, 0, 1); err != nil {
		r.log.Debugw("Failed to bump failed counter", "job_id", job.ID, "error", err)
	}
}

// progressSink adapts connector callbacks into progress bus records
func (r *Runtime) progressSink(jobID string) ProgressSink {
	return func(progress float64, status, message string, step, total int) {
		rec := broker.ProgressRecord{
			JobID:       jobID,
			WorkerID:    r.caps.WorkerID,
			Progress:    progress,
			Status:      broker.ProgressStatus(status),
			Message:     message,
			CurrentStep: step,
			TotalSteps:  total,
		}
		if err := r.bus.Publish(r.parentCtx, rec); err != nil {
			r.log.Debugw("Progress publish failed", "job_id", jobID, "error", err)
		}
	}
}
