package broker

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/relay/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusAssigned   JobStatus = "assigned"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusAssigned, JobStatusInProgress,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for states a job never leaves
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job represents one unit of work flowing through the broker.
//
// ARCHITECTURE: Generic pull-based dispatch
// - The broker is service-agnostic; ServiceRequired routes to a connector
// - Payload is opaque to the broker (connector-owned structure)
// - Requirements constrain which workers may claim the job
// - Workflow fields give multi-step submissions queue cohesion (§Score)
type Job struct {
	ID              string          `json:"id"`
	ServiceRequired string          `json:"service_required"` // "comfyui", "a1111", "sim"
	Priority        int             `json:"priority"`         // 0..100, higher first
	Payload         json.RawMessage `json:"payload,omitempty"`
	Requirements    *Requirements   `json:"requirements,omitempty"`
	CustomerID      string          `json:"customer_id,omitempty"`

	// Workflow grouping (all steps share these)
	WorkflowID       string `json:"workflow_id,omitempty"`
	WorkflowPriority *int   `json:"workflow_priority,omitempty"`
	WorkflowDatetime int64  `json:"workflow_datetime,omitempty"` // Unix ms
	StepNumber       int    `json:"step_number,omitempty"`
	TotalSteps       int    `json:"total_steps,omitempty"`

	// Retry state
	RetryCount       int    `json:"retry_count,omitempty"`
	MaxRetries       int    `json:"max_retries,omitempty"`
	LastFailedWorker string `json:"last_failed_worker,omitempty"`

	// Assignment
	WorkerID   string     `json:"worker_id,omitempty"`
	AssignedAt *time.Time `json:"assigned_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`

	Status      JobStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// NewJobID generates a broker-unique job identifier
func NewJobID() string {
	return "job-" + uuid.NewString()
}

// IsTerminal returns true once the job reached a final state
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Assign marks the job as claimed by a worker
func (j *Job) Assign(workerID string) {
	now := time.Now()
	j.Status = JobStatusAssigned
	j.WorkerID = workerID
	j.AssignedAt = &now
}

// Start marks the job as actively processing
func (j *Job) Start() {
	now := time.Now()
	j.Status = JobStatusInProgress
	j.StartedAt = &now
}

// Complete marks the job as successfully finished
func (j *Job) Complete() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
}

// Fail marks the job as permanently failed with an error message
func (j *Job) Fail(msg string) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.Error = msg
	j.FailedAt = &now
}

// Cancel marks the job as cancelled with a reason
func (j *Job) Cancel(reason string) {
	now := time.Now()
	j.Status = JobStatusCancelled
	j.Error = reason
	j.CancelledAt = &now
}

// ReleaseForRetry returns the job to the pending pool after a recoverable
// failure. The failed worker is recorded so it is not offered the same job
// on its immediately next claim.
func (j *Job) ReleaseForRetry(failedWorker string) {
	j.Status = JobStatusPending
	j.LastFailedWorker = failedWorker
	j.WorkerID = ""
	j.AssignedAt = nil
	j.StartedAt = nil
	j.RetryCount++
}

// Fields serializes the job into store-hash form (stringified values).
// Optional fields are written only when set so hash reads stay small.
func (j *Job) Fields() map[string]any {
	fields := map[string]any{
		"id":               j.ID,
		"service_required": j.ServiceRequired,
		"priority":         j.Priority,
		"status":           string(j.Status),
		"created_at":       j.CreatedAt.UnixMilli(),
		"retry_count":      j.RetryCount,
		"max_retries":      j.MaxRetries,
	}
	if len(j.Payload) > 0 {
		fields["payload"] = string(j.Payload)
	}
	if j.Requirements != nil {
		if data, err := json.Marshal(j.Requirements); err == nil {
			fields["requirements"] = string(data)
		}
	}
	if j.CustomerID != "" {
		fields["customer_id"] = j.CustomerID
	}
	if j.WorkflowID != "" {
		fields["workflow_id"] = j.WorkflowID
	}
	if j.WorkflowPriority != nil {
		fields["workflow_priority"] = *j.WorkflowPriority
	}
	if j.WorkflowDatetime > 0 {
		fields["workflow_datetime"] = j.WorkflowDatetime
	}
	if j.StepNumber > 0 {
		fields["step_number"] = j.StepNumber
	}
	if j.TotalSteps > 0 {
		fields["total_steps"] = j.TotalSteps
	}
	if j.LastFailedWorker != "" {
		fields["last_failed_worker"] = j.LastFailedWorker
	}
	if j.WorkerID != "" {
		fields["worker_id"] = j.WorkerID
	}
	if j.Error != "" {
		fields["error"] = j.Error
	}
	putTime(fields, "assigned_at", j.AssignedAt)
	putTime(fields, "started_at", j.StartedAt)
	putTime(fields, "completed_at", j.CompletedAt)
	putTime(fields, "failed_at", j.FailedAt)
	putTime(fields, "cancelled_at", j.CancelledAt)
	return fields
}

func putTime(fields map[string]any, name string, t *time.Time) {
	if t != nil {
		fields[name] = t.UnixMilli()
	}
}

// JobFromFields rebuilds a job from its store-hash form
func JobFromFields(fields map[string]string) (*Job, error) {
	if len(fields) == 0 {
		return nil, errors.ErrNotFound
	}
	id, ok := fields["id"]
	if !ok {
		return nil, errors.New("job hash missing id field")
	}

	j := &Job{
		ID:               id,
		ServiceRequired:  fields["service_required"],
		CustomerID:       fields["customer_id"],
		WorkflowID:       fields["workflow_id"],
		LastFailedWorker: fields["last_failed_worker"],
		WorkerID:         fields["worker_id"],
		Status:           JobStatus(fields["status"]),
		Error:            fields["error"],
	}
	if payload, ok := fields["payload"]; ok {
		j.Payload = json.RawMessage(payload)
	}
	if raw, ok := fields["requirements"]; ok && raw != "" {
		var reqs Requirements
		if err := json.Unmarshal([]byte(raw), &reqs); err != nil {
			return nil, errors.Wrapf(err, "failed to parse requirements for job %s", id)
		}
		j.Requirements = &reqs
	}

	var err error
	if j.Priority, err = parseIntField(fields, "priority"); err != nil {
		return nil, errors.WithDetail(err, "Job ID: "+id)
	}
	if j.RetryCount, err = parseIntField(fields, "retry_count"); err != nil {
		return nil, errors.WithDetail(err, "Job ID: "+id)
	}
	if j.MaxRetries, err = parseIntField(fields, "max_retries"); err != nil {
		return nil, errors.WithDetail(err, "Job ID: "+id)
	}
	if j.StepNumber, err = parseIntField(fields, "step_number"); err != nil {
		return nil, errors.WithDetail(err, "Job ID: "+id)
	}
	if j.TotalSteps, err = parseIntField(fields, "total_steps"); err != nil {
		return nil, errors.WithDetail(err, "Job ID: "+id)
	}
	if raw, ok := fields["workflow_priority"]; ok {
		wp, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid workflow_priority for job %s", id)
		}
		j.WorkflowPriority = &wp
	}
	if raw, ok := fields["workflow_datetime"]; ok {
		if j.WorkflowDatetime, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, errors.Wrapf(err, "invalid workflow_datetime for job %s", id)
		}
	}
	if raw, ok := fields["created_at"]; ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid created_at for job %s", id)
		}
		j.CreatedAt = time.UnixMilli(ms)
	}
	j.AssignedAt = parseTimeField(fields, "assigned_at")
	j.StartedAt = parseTimeField(fields, "started_at")
	j.CompletedAt = parseTimeField(fields, "completed_at")
	j.FailedAt = parseTimeField(fields, "failed_at")
	j.CancelledAt = parseTimeField(fields, "cancelled_at")
	return j, nil
}

func parseIntField(fields map[string]string, name string) (int, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s field", name)
	}
	return v, nil
}

func parseTimeField(fields map[string]string, name string) *time.Time {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}
