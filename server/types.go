package server

import (
	"encoding/json"
	"time"
)

const (
	// MaxClients is the default cap on concurrent sockets across all kinds
	MaxClients = 100
	// sendQueueSize is the per-socket outbound queue depth; a socket that
	// falls this far behind is closed as a slow consumer
	sendQueueSize = 256
	// ShutdownTimeout is how long Stop waits for pumps and broadcasters
	ShutdownTimeout = 30 * time.Second
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Default time allowed to read the next pong; overridden by
	// Options.ConnectionTimeout
	defaultPongWait = 60 * time.Second
)

// ConnKind discriminates the three socket registries
type ConnKind string

const (
	ConnMonitor ConnKind = "monitor"
	ConnClient  ConnKind = "client"
	ConnWorker  ConnKind = "worker"
)

// ConnectionInfo is the hub's view of one live socket, surfaced in stats
// broadcasts and the workers API.
type ConnectionInfo struct {
	ID           string   `json:"id"`
	Kind         ConnKind `json:"kind"`
	Remote       string   `json:"remote"`
	ConnectedAt  int64    `json:"connected_at"`  // Unix ms
	LastActivity int64    `json:"last_activity"` // Unix ms
	Sent         int64    `json:"sent"`
	Dropped      int64    `json:"dropped"`
}

// Monitor wire protocol (native format). One JSON message per frame.

// JobStatusChangedMessage announces a job lifecycle transition
type JobStatusChangedMessage struct {
	Type       string `json:"type"` // "job_status_changed"
	JobID      string `json:"job_id"`
	OldStatus  string `json:"old_status,omitempty"`
	NewStatus  string `json:"new_status"`
	WorkerID   string `json:"worker_id,omitempty"`
	Error      string `json:"error,omitempty"` // failure transitions
	RetryCount int    `json:"retry_count,omitempty"`
	Timestamp  int64  `json:"timestamp"` // Unix ms
}

// WorkerStatusChangedMessage announces a worker status transition
type WorkerStatusChangedMessage struct {
	Type         string `json:"type"` // "worker_status_changed"
	WorkerID     string `json:"worker_id"`
	OldStatus    string `json:"old_status,omitempty"`
	NewStatus    string `json:"new_status"`
	CurrentJobID string `json:"current_job_id,omitempty"`
	Timestamp    int64  `json:"timestamp"` // Unix ms
}

// JobProgressMessage relays a progress record to monitors
type JobProgressMessage struct {
	Type      string  `json:"type"` // "job_progress"
	JobID     string  `json:"job_id"`
	WorkerID  string  `json:"worker_id,omitempty"`
	Progress  float64 `json:"progress"` // 0..100
	Status    string  `json:"status"`
	Message   string  `json:"message,omitempty"`
	Timestamp int64   `json:"timestamp"` // Unix ms
}

// EmProps client wire protocol. The same semantic events re-framed for
// clients that speak the EmProps submission protocol.

// ConnectionEstablishedMessage is sent once when a client socket opens
type ConnectionEstablishedMessage struct {
	Type      string `json:"type"` // "connection_established"
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// JobAcceptedMessage acknowledges a submit_job frame
type JobAcceptedMessage struct {
	Type      string `json:"type"` // "job_accepted"
	JobID     string `json:"job_id"`
	Status    string `json:"status"` // "queued"
	Timestamp int64  `json:"timestamp"`
}

// UpdateJobProgressMessage relays progress to the submitting client
type UpdateJobProgressMessage struct {
	Type      string  `json:"type"` // "update_job_progress"
	JobID     string  `json:"job_id"`
	Progress  float64 `json:"progress"` // 0..100
	Timestamp int64   `json:"timestamp"`
}

// JobResult is the terminal outcome inside a complete_job frame
type JobResult struct {
	Status string          `json:"status"` // "success" | "failed"
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// CompleteJobMessage wraps a terminal outcome for the submitting client
type CompleteJobMessage struct {
	Type      string    `json:"type"` // "complete_job"
	JobID     string    `json:"job_id"`
	Result    JobResult `json:"result"`
	Timestamp int64     `json:"timestamp"`
}

// ErrorMessage reports a rejected or unprocessable client frame
type ErrorMessage struct {
	Type      string `json:"type"` // "error"
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// CancelJobMessage is the targeted cancel directive pushed to a worker
// socket. The pull path remains authoritative; this is an optimization so
// workers abandon cancelled jobs without waiting for the next poll.
type CancelJobMessage struct {
	Type      string `json:"type"` // "cancel_job"
	JobID     string `json:"job_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Stats broadcast (monitors only).

// StatsBroadcastMessage is the periodic aggregate snapshot
type StatsBroadcastMessage struct {
	Type          string                    `json:"type"` // "stats_broadcast"
	Timestamp     int64                     `json:"timestamp"`
	Connections   ConnectionsSnapshot       `json:"connections"`
	Workers       map[string]WorkerSnapshot `json:"workers"`
	Subscriptions []string                  `json:"subscriptions"` // store channels the hub listens on
	System        SystemSnapshot            `json:"system"`
}

// ConnectionsSnapshot lists live socket IDs per registry
type ConnectionsSnapshot struct {
	Monitors []string `json:"monitors"`
	Clients  []string `json:"clients"`
	Workers  []string `json:"workers"`
}

// WorkerSnapshot is one worker's state within a stats broadcast
type WorkerSnapshot struct {
	Status        string   `json:"status"`
	CurrentJobID  string   `json:"current_job_id,omitempty"`
	Services      []string `json:"services,omitempty"`
	JobsProcessed int64    `json:"jobs_processed"`
	JobsFailed    int64    `json:"jobs_failed"`
}

// SystemSnapshot aggregates queue and fleet state
type SystemSnapshot struct {
	Queues  QueuesSnapshot  `json:"queues"`
	Jobs    JobsSnapshot    `json:"jobs"`
	Workers WorkersSnapshot `json:"workers"`
}

// QueuesSnapshot carries the queue depths
type QueuesSnapshot struct {
	Pending   int64 `json:"pending"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// JobsSnapshot carries per-status counts and capped recent job-ID lists
type JobsSnapshot struct {
	Status        map[string]int `json:"status"`
	ActiveJobs    []string       `json:"active_jobs"`
	PendingJobs   []string       `json:"pending_jobs"`
	CompletedJobs []string       `json:"completed_jobs"`
	FailedJobs    []string       `json:"failed_jobs"`
}

// WorkersSnapshot carries fleet totals
type WorkersSnapshot struct {
	Total         int            `json:"total"`
	Status        map[string]int `json:"status"`
	ActiveWorkers []string       `json:"active_workers"`
}
