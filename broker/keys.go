package broker

import "time"

// Store key layout. All broker state lives in the shared store under these
// keys; coordinator processes hold no durable state of their own.
const (
	pendingKey       = "jobs:pending"
	completedKey     = "jobs:completed"
	failedKey        = "jobs:failed"
	workersActiveKey = "workers:active"

	activeKeyPrefix = "jobs:active:"
)

// Archive retention. The TTL applies to the archive key as a whole and is
// refreshed on every write.
const (
	completedTTL = 24 * time.Hour
	failedTTL    = 7 * 24 * time.Hour
)

// heartbeatTTL is the liveness window a worker must refresh within.
const heartbeatTTL = 60 * time.Second

func jobKey(jobID string) string {
	return "job:" + jobID
}

// jobProgressKey holds the latest progress snapshot for quick reads; the
// stream at progressStreamKey is the authoritative history.
func jobProgressKey(jobID string) string {
	return "job:" + jobID + ":progress"
}

func progressStreamKey(jobID string) string {
	return "progress:" + jobID
}

func activeKey(workerID string) string {
	return activeKeyPrefix + workerID
}

func workerKey(workerID string) string {
	return "worker:" + workerID
}

func heartbeatKey(workerID string) string {
	return "worker:" + workerID + ":heartbeat"
}

// Pub/sub channels. Fire-and-forget notifications layered over the
// authoritative keyspace above.
const (
	ChannelJobSubmitted       = "job_submitted"
	ChannelJobAssigned        = "job_assigned"
	ChannelJobProgress        = "job_progress"
	ChannelJobCompleted       = "job_completed"
	ChannelJobFailed          = "job_failed"
	ChannelJobCancelled       = "job_cancelled"
	ChannelWorkerStatus       = "worker_status"
	ChannelWorkerRegistered   = "worker_registered"
	ChannelWorkerDisconnected = "worker_disconnected"
)

// Channels lists every broker pub/sub channel, in a stable order, for
// consumers that subscribe to the full event feed.
func Channels() []string {
	return []string{
		ChannelJobSubmitted,
		ChannelJobAssigned,
		ChannelJobProgress,
		ChannelJobCompleted,
		ChannelJobFailed,
		ChannelJobCancelled,
		ChannelWorkerStatus,
		ChannelWorkerRegistered,
		ChannelWorkerDisconnected,
	}
}
