package broker

import (
	"context"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/store"
)

// RegistryOptions configure worker admission
type RegistryOptions struct {
	// MinWorkerVersion is a semver constraint ("">= 0.3.0"", "^1.2"); empty
	// disables the gate. Workers that advertise no version always pass.
	MinWorkerVersion string
}

// WorkerRegistry owns worker records and liveness. Liveness is a short-TTL
// heartbeat key, separate from the worker record, so a crashed worker goes
// dark within the TTL without any cleanup on its part.
type WorkerRegistry struct {
	store      store.Store
	log        *zap.SugaredLogger
	constraint *semver.Constraints
}

// NewWorkerRegistry creates a registry; the version constraint is parsed
// once here so Register stays cheap.
func NewWorkerRegistry(s store.Store, log *zap.SugaredLogger, opts RegistryOptions) (*WorkerRegistry, error) {
	r := &WorkerRegistry{
		store: s,
		log:   log.Named("registry"),
	}
	if opts.MinWorkerVersion != "" {
		constraint, err := semver.NewConstraint(opts.MinWorkerVersion)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid min_worker_version constraint %q", opts.MinWorkerVersion)
		}
		r.constraint = constraint
	}
	return r, nil
}

// Register admits a worker: version gate, record write, roster membership,
// first heartbeat. Re-registering an existing ID is a reconnect and
// overwrites the record.
func (r *WorkerRegistry) Register(ctx context.Context, caps *Capabilities) (*Worker, error) {
	if caps == nil || caps.WorkerID == "" {
		return nil, errors.NewInvalidRequestError("worker_id must be set in capabilities")
	}
	if err := r.checkVersion(caps.Version); err != nil {
		return nil, err
	}

	now := time.Now()
	worker := &Worker{
		ID:            caps.WorkerID,
		MachineID:     caps.MachineID,
		Version:       caps.Version,
		Capabilities:  caps,
		Status:        WorkerStatusInitializing,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}

	if err := r.store.HSet(ctx, workerKey(worker.ID), worker.Fields()); err != nil {
		return nil, errors.Wrapf(err, "failed to write worker record for %s", worker.ID)
	}
	if err := r.store.SAdd(ctx, workersActiveKey, worker.ID); err != nil {
		return nil, errors.Wrapf(err, "failed to add worker %s to active set", worker.ID)
	}
	if err := r.Heartbeat(ctx, worker.ID); err != nil {
		return nil, err
	}

	publishEvent(ctx, r.store, r.log, ChannelWorkerRegistered, WorkerRegisteredEvent{
		WorkerID:  worker.ID,
		MachineID: worker.MachineID,
		Services:  caps.Services,
		Version:   worker.Version,
		Timestamp: nowMilli(),
	})

	r.log.Infow("Worker registered",
		"worker_id", worker.ID,
		"machine_id", worker.MachineID,
		"services", caps.Services,
		"version", worker.Version)
	return worker, nil
}

func (r *WorkerRegistry) checkVersion(version string) error {
	if r.constraint == nil || version == "" {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return errors.Wrapf(err, "worker advertises invalid version %q", version)
	}
	if !r.constraint.Check(v) {
		return errors.Newf("worker version %s does not satisfy constraint %s", version, r.constraint)
	}
	return nil
}

// Heartbeat refreshes the liveness key and the record's last_heartbeat
func (r *WorkerRegistry) Heartbeat(ctx context.Context, workerID string) error {
	now := time.Now()
	if err := r.store.Set(ctx, heartbeatKey(workerID), now.Format(time.RFC3339), heartbeatTTL); err != nil {
		return errors.Wrapf(err, "failed to refresh heartbeat for worker %s", workerID)
	}
	if err := r.store.HSet(ctx, workerKey(workerID), map[string]any{
		"last_heartbeat": now.UnixMilli(),
	}); err != nil {
		return errors.Wrapf(err, "failed to record heartbeat for worker %s", workerID)
	}
	return nil
}

// IsAlive reports whether the worker's heartbeat key still exists
func (r *WorkerRegistry) IsAlive(ctx context.Context, workerID string) (bool, error) {
	alive, err := r.store.Exists(ctx, heartbeatKey(workerID))
	if err != nil {
		return false, errors.Wrapf(err, "failed to check liveness of worker %s", workerID)
	}
	return alive, nil
}

// HeartbeatAge returns time since the last heartbeat. ErrNotFound means the
// key expired (or never existed), i.e. the worker is dark.
func (r *WorkerRegistry) HeartbeatAge(ctx context.Context, workerID string) (time.Duration, error) {
	raw, err := r.store.Get(ctx, heartbeatKey(workerID))
	if err != nil {
		return 0, err
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, errors.Wrapf(err, "corrupt heartbeat value for worker %s", workerID)
	}
	return time.Since(ts), nil
}

// Get loads one worker record
func (r *WorkerRegistry) Get(ctx context.Context, workerID string) (*Worker, error) {
	fields, err := r.store.HGetAll(ctx, workerKey(workerID))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load worker %s", workerID)
	}
	if len(fields) == 0 {
		return nil, errors.NewNotFoundError("worker %s not found", workerID)
	}
	return WorkerFromFields(fields)
}

// ListActive loads every worker on the active roster
func (r *WorkerRegistry) ListActive(ctx context.Context) ([]*Worker, error) {
	ids, err := r.store.SMembers(ctx, workersActiveKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active workers")
	}
	workers := make([]*Worker, 0, len(ids))
	for _, id := range ids {
		worker, err := r.Get(ctx, id)
		if err != nil {
			if errors.IsNotFoundError(err) {
				continue
			}
			return nil, err
		}
		workers = append(workers, worker)
	}
	return workers, nil
}

// ActiveIDs returns the raw active roster
func (r *WorkerRegistry) ActiveIDs(ctx context.Context) ([]string, error) {
	ids, err := r.store.SMembers(ctx, workersActiveKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active workers")
	}
	return ids, nil
}

// UpdateStatus transitions a worker's status and publishes the change
func (r *WorkerRegistry) UpdateStatus(ctx context.Context, workerID string, status WorkerStatus, currentJobID string) error {
	worker, err := r.Get(ctx, workerID)
	if err != nil {
		return err
	}
	oldStatus := worker.Status

	fields := map[string]any{"status": string(status)}
	if currentJobID != "" {
		fields["current_job_id"] = currentJobID
	}
	if err := r.store.HSet(ctx, workerKey(workerID), fields); err != nil {
		return errors.Wrapf(err, "failed to update status for worker %s", workerID)
	}
	if currentJobID == "" {
		if err := r.store.HDel(ctx, workerKey(workerID), "current_job_id"); err != nil {
			return errors.Wrapf(err, "failed to clear current job for worker %s", workerID)
		}
	}

	publishEvent(ctx, r.store, r.log, ChannelWorkerStatus, WorkerStatusEvent{
		WorkerID:     workerID,
		OldStatus:    string(oldStatus),
		NewStatus:    string(status),
		CurrentJobID: currentJobID,
		Timestamp:    nowMilli(),
	})

	r.log.Debugw("Worker status changed",
		"worker_id", workerID,
		"old_status", oldStatus,
		"new_status", status,
		"current_job_id", currentJobID)
	return nil
}

// MarkBusy flags the worker as processing the given job
func (r *WorkerRegistry) MarkBusy(ctx context.Context, workerID, jobID string) error {
	return r.UpdateStatus(ctx, workerID, WorkerStatusBusy, jobID)
}

// MarkIdle returns the worker to the claimable pool
func (r *WorkerRegistry) MarkIdle(ctx context.Context, workerID string) error {
	return r.UpdateStatus(ctx, workerID, WorkerStatusIdle, "")
}

// IncrCounters bumps the worker's processed/failed totals. Only the worker
// itself writes these, so read-modify-write is safe.
func (r *WorkerRegistry) IncrCounters(ctx context.Context, workerID string, processed, failed int) error {
	worker, err := r.Get(ctx, workerID)
	if err != nil {
		return err
	}
	return r.storeCounters(ctx, workerID, worker.JobsProcessed+processed, worker.JobsFailed+failed)
}

func (r *WorkerRegistry) storeCounters(ctx context.Context, workerID string, processed, failed int) error {
	if err := r.store.HSet(ctx, workerKey(workerID), map[string]any{
		"jobs_processed": processed,
		"jobs_failed":    failed,
	}); err != nil {
		return errors.Wrapf(err, "failed to update counters for worker %s", workerID)
	}
	return nil
}

// Deregister removes a worker cleanly: offline status, roster removal,
// heartbeat deletion, disconnect event. Crashed workers never get here;
// the reclaimer handles them via heartbeat expiry.
func (r *WorkerRegistry) Deregister(ctx context.Context, workerID string) error {
	if err := r.store.HSet(ctx, workerKey(workerID), map[string]any{
		"status": string(WorkerStatusOffline),
	}); err != nil {
		return errors.Wrapf(err, "failed to mark worker %s offline", workerID)
	}
	if err := r.store.HDel(ctx, workerKey(workerID), "current_job_id"); err != nil {
		r.log.Warnw("Failed to clear current job on deregister", "worker_id", workerID, "error", err)
	}
	if err := r.store.SRem(ctx, workersActiveKey, workerID); err != nil {
		return errors.Wrapf(err, "failed to remove worker %s from active set", workerID)
	}
	if err := r.store.Del(ctx, heartbeatKey(workerID)); err != nil {
		r.log.Warnw("Failed to delete heartbeat key", "worker_id", workerID, "error", err)
	}

	publishEvent(ctx, r.store, r.log, ChannelWorkerDisconnected, WorkerDisconnectedEvent{
		WorkerID:  workerID,
		Reason:    "shutdown",
		Timestamp: nowMilli(),
	})

	r.log.Infow("Worker deregistered", "worker_id", workerID)
	return nil
}
