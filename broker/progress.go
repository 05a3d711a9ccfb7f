package broker

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/store"
)

// ProgressStatus labels one progress record
type ProgressStatus string

const (
	ProgressStatusAssigned   ProgressStatus = "assigned"
	ProgressStatusProcessing ProgressStatus = "processing"
	ProgressStatusCompleted  ProgressStatus = "completed"
	ProgressStatusFailed     ProgressStatus = "failed"
	ProgressStatusRetrying   ProgressStatus = "retrying"
)

// ProgressRecord is one entry in a job's progress history
type ProgressRecord struct {
	JobID       string         `json:"job_id"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Progress    float64        `json:"progress"` // 0..100
	Status      ProgressStatus `json:"status"`
	Message     string         `json:"message,omitempty"`
	CurrentStep int            `json:"current_step,omitempty"`
	TotalSteps  int            `json:"total_steps,omitempty"`
	UpdatedAt   int64          `json:"updated_at"` // Unix ms
}

// ProgressBus fans progress out on two paths: the per-job stream is the
// authoritative, replayable history; the job_progress pub/sub channel is a
// best-effort live feed. Stream write failures are errors, pub/sub failures
// are not.
type ProgressBus struct {
	store store.Store
	log   *zap.SugaredLogger
}

// NewProgressBus creates a progress bus over the shared store
func NewProgressBus(s store.Store, log *zap.SugaredLogger) *ProgressBus {
	return &ProgressBus{
		store: s,
		log:   log.Named("progress"),
	}
}

// Publish appends the record to the job's stream, mirrors it into the
// latest-snapshot hash, and notifies live subscribers.
func (b *ProgressBus) Publish(ctx context.Context, rec ProgressRecord) error {
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = time.Now().UnixMilli()
	}

	if _, err := b.store.XAdd(ctx, progressStreamKey(rec.JobID), rec.fields()); err != nil {
		return errors.Wrapf(err, "failed to append progress for job %s", rec.JobID)
	}

	if err := b.store.HSet(ctx, jobProgressKey(rec.JobID), rec.fields()); err != nil {
		b.log.Warnw("Failed to mirror progress snapshot",
			"job_id", rec.JobID,
			"error", err)
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to marshal progress record")
	}
	if err := b.store.Publish(ctx, ChannelJobProgress, payload); err != nil {
		// Live fan-out is best effort; the stream already has the record
		b.log.Debugw("Progress pub/sub delivery failed",
			"job_id", rec.JobID,
			"error", err)
	}
	return nil
}

// History replays a job's full progress stream in append order
func (b *ProgressBus) History(ctx context.Context, jobID string) ([]ProgressRecord, error) {
	entries, err := b.store.XRange(ctx, progressStreamKey(jobID), "-", "+")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read progress history for job %s", jobID)
	}

	records := make([]ProgressRecord, 0, len(entries))
	for _, entry := range entries {
		records = append(records, progressFromValues(entry.Values))
	}
	return records, nil
}

// Latest returns the most recent snapshot, or ErrNotFound when the job has
// no progress yet.
func (b *ProgressBus) Latest(ctx context.Context, jobID string) (*ProgressRecord, error) {
	values, err := b.store.HGetAll(ctx, jobProgressKey(jobID))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read progress snapshot for job %s", jobID)
	}
	if len(values) == 0 {
		return nil, errors.ErrNotFound
	}
	rec := progressFromValues(values)
	return &rec, nil
}

func (r ProgressRecord) fields() map[string]any {
	fields := map[string]any{
		"job_id":     r.JobID,
		"progress":   strconv.FormatFloat(r.Progress, 'f', -1, 64),
		"status":     string(r.Status),
		"updated_at": r.UpdatedAt,
	}
	if r.WorkerID != "" {
		fields["worker_id"] = r.WorkerID
	}
	if r.Message != "" {
		fields["message"] = r.Message
	}
	if r.TotalSteps > 0 {
		fields["current_step"] = r.CurrentStep
		fields["total_steps"] = r.TotalSteps
	}
	return fields
}

func progressFromValues(values map[string]string) ProgressRecord {
	rec := ProgressRecord{
		JobID:    values["job_id"],
		WorkerID: values["worker_id"],
		Status:   ProgressStatus(values["status"]),
		Message:  values["message"],
	}
	rec.Progress, _ = strconv.ParseFloat(values["progress"], 64)
	rec.CurrentStep, _ = strconv.Atoi(values["current_step"])
	rec.TotalSteps, _ = strconv.Atoi(values["total_steps"])
	rec.UpdatedAt, _ = strconv.ParseInt(values["updated_at"], 10, 64)
	return rec
}
