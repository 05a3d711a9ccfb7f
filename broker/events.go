package broker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/relay/store"
)

// Event payloads published on the broker channels. Consumers (the event
// broadcaster, CLI watchers) decode by channel name; payloads carry no type
// tag of their own.

// JobSubmittedEvent announces a new pending job
type JobSubmittedEvent struct {
	JobID      string `json:"job_id"`
	Service    string `json:"service"`
	Priority   int    `json:"priority"`
	WorkflowID string `json:"workflow_id,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// JobAssignedEvent announces a successful claim
type JobAssignedEvent struct {
	JobID     string `json:"job_id"`
	WorkerID  string `json:"worker_id"`
	Timestamp int64  `json:"timestamp"`
}

// JobCompletedEvent announces a successful terminal transition
type JobCompletedEvent struct {
	JobID     string `json:"job_id"`
	WorkerID  string `json:"worker_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// JobFailedEvent announces a failure report; WillRetry distinguishes a
// requeue from a permanent failure.
type JobFailedEvent struct {
	JobID      string `json:"job_id"`
	WorkerID   string `json:"worker_id,omitempty"`
	Error      string `json:"error,omitempty"`
	WillRetry  bool   `json:"will_retry"`
	RetryCount int    `json:"retry_count"`
	Timestamp  int64  `json:"timestamp"`
}

// JobCancelledEvent announces a cancellation. Workers watch this channel to
// abandon in-flight work.
type JobCancelledEvent struct {
	JobID     string `json:"job_id"`
	WorkerID  string `json:"worker_id,omitempty"` // set when cancelled mid-flight
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// WorkerStatusEvent announces a worker status transition
type WorkerStatusEvent struct {
	WorkerID     string `json:"worker_id"`
	OldStatus    string `json:"old_status,omitempty"`
	NewStatus    string `json:"new_status"`
	CurrentJobID string `json:"current_job_id,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// WorkerRegisteredEvent announces a new worker
type WorkerRegisteredEvent struct {
	WorkerID  string   `json:"worker_id"`
	MachineID string   `json:"machine_id,omitempty"`
	Services  []string `json:"services,omitempty"`
	Version   string   `json:"version,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// WorkerDisconnectedEvent announces a clean worker shutdown
type WorkerDisconnectedEvent struct {
	WorkerID  string `json:"worker_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}

// publishEvent sends an event on a channel, best effort. Pub/sub loss never
// fails the operation that produced the event; authoritative state is
// already in the keyspace by the time an event fires.
func publishEvent(ctx context.Context, s store.Store, log *zap.SugaredLogger, channel string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Errorw("Failed to marshal event",
			"channel", channel,
			"error", err)
		return
	}
	if err := s.Publish(ctx, channel, payload); err != nil {
		log.Debugw("Event delivery failed",
			"channel", channel,
			"error", err)
	}
}
