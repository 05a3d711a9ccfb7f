package server

// Event fan-out. The pump consumes the broker pub/sub feed and re-frames
// each event for the three socket kinds:
//   - monitors get every event in the native format
//   - EmProps clients get progress and terminal frames for jobs they
//     submitted (submission correlation)
//   - worker sockets get targeted cancel_job directives only

import (
	"context"
	"encoding/json"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/teranos/relay/broker"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/store"
)

// resubscribeBackoff caps the retry cadence after the event feed drops.
const resubscribeBackoff = 5 * time.Second

// runEventPump relays broker events until shutdown. If the subscription
// dies (store restart), it resubscribes with backoff; sockets stay open
// through the outage.
func (s *Server) runEventPump(sub store.Subscription) {
	for {
		for msg := range sub.Messages() {
			s.dispatchEvent(msg.Channel, msg.Payload)
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(resubscribeBackoff):
		}

		next, err := s.store.Subscribe(s.ctx, broker.Channels()...)
		if err != nil {
			s.log.Warnw("Event feed resubscribe failed", "error", err)
			continue
		}
		s.log.Infow("Event feed resubscribed")
		sub = next
	}
}

// dispatchEvent translates one pub/sub delivery into the per-kind frames.
func (s *Server) dispatchEvent(channel string, payload []byte) {
	now := time.Now().UnixMilli()

	switch channel {
	case broker.ChannelJobSubmitted:
		var ev broker.JobSubmittedEvent
		if !s.decodeEvent(channel, payload, &ev) {
			return
		}
		s.broadcastMonitors(JobStatusChangedMessage{
			Type:      "job_status_changed",
			JobID:     ev.JobID,
			NewStatus: string(broker.JobStatusPending),
			Timestamp: ev.Timestamp,
		})

	case broker.ChannelJobAssigned:
		var ev broker.JobAssignedEvent
		if !s.decodeEvent(channel, payload, &ev) {
			return
		}
		s.broadcastMonitors(JobStatusChangedMessage{
			Type:      "job_status_changed",
			JobID:     ev.JobID,
			OldStatus: string(broker.JobStatusPending),
			NewStatus: string(broker.JobStatusAssigned),
			WorkerID:  ev.WorkerID,
			Timestamp: ev.Timestamp,
		})

	case broker.ChannelJobProgress:
		var rec broker.ProgressRecord
		if !s.decodeEvent(channel, payload, &rec) {
			return
		}
		s.broadcastMonitors(JobProgressMessage{
			Type:      "job_progress",
			JobID:     rec.JobID,
			WorkerID:  rec.WorkerID,
			Progress:  rec.Progress,
			Status:    string(rec.Status),
			Message:   rec.Message,
			Timestamp: rec.UpdatedAt,
		})
		s.sendToSubmitter(rec.JobID, UpdateJobProgressMessage{
			Type:      "update_job_progress",
			JobID:     rec.JobID,
			Progress:  rec.Progress,
			Timestamp: rec.UpdatedAt,
		})

	case broker.ChannelJobCompleted:
		var ev broker.JobCompletedEvent
		if !s.decodeEvent(channel, payload, &ev) {
			return
		}
		s.broadcastMonitors(JobStatusChangedMessage{
			Type:      "job_status_changed",
			JobID:     ev.JobID,
			OldStatus: string(broker.JobStatusInProgress),
			NewStatus: string(broker.JobStatusCompleted),
			WorkerID:  ev.WorkerID,
			Timestamp: ev.Timestamp,
		})
		s.sendToSubmitter(ev.JobID, CompleteJobMessage{
			Type:  "complete_job",
			JobID: ev.JobID,
			Result: JobResult{
				Status: "success",
				Data:   s.completedResult(ev.JobID),
			},
			Timestamp: ev.Timestamp,
		})

	case broker.ChannelJobFailed:
		var ev broker.JobFailedEvent
		if !s.decodeEvent(channel, payload, &ev) {
			return
		}
		newStatus := string(broker.JobStatusFailed)
		if ev.WillRetry {
			newStatus = string(broker.JobStatusPending)
		}
		s.broadcastMonitors(JobStatusChangedMessage{
			Type:       "job_status_changed",
			JobID:      ev.JobID,
			OldStatus:  string(broker.JobStatusInProgress),
			NewStatus:  newStatus,
			WorkerID:   ev.WorkerID,
			Error:      ev.Error,
			RetryCount: ev.RetryCount,
			Timestamp:  ev.Timestamp,
		})
		if !ev.WillRetry {
			s.sendToSubmitter(ev.JobID, CompleteJobMessage{
				Type:  "complete_job",
				JobID: ev.JobID,
				Result: JobResult{
					Status: "failed",
					Error:  ev.Error,
				},
				Timestamp: ev.Timestamp,
			})
		}

	case broker.ChannelJobCancelled:
		var ev broker.JobCancelledEvent
		if !s.decodeEvent(channel, payload, &ev) {
			return
		}
		s.broadcastMonitors(JobStatusChangedMessage{
			Type:      "job_status_changed",
			JobID:     ev.JobID,
			NewStatus: string(broker.JobStatusCancelled),
			WorkerID:  ev.WorkerID,
			Timestamp: ev.Timestamp,
		})
		reason := ev.Reason
		if reason == "" {
			reason = "cancelled"
		}
		s.sendToSubmitter(ev.JobID, CompleteJobMessage{
			Type:  "complete_job",
			JobID: ev.JobID,
			Result: JobResult{
				Status: "failed",
				Error:  reason,
			},
			Timestamp: ev.Timestamp,
		})
		if ev.WorkerID != "" {
			s.sendToWorker(ev.WorkerID, CancelJobMessage{
				Type:      "cancel_job",
				JobID:     ev.JobID,
				Reason:    ev.Reason,
				Timestamp: ev.Timestamp,
			})
		}

	case broker.ChannelWorkerStatus:
		var ev broker.WorkerStatusEvent
		if !s.decodeEvent(channel, payload, &ev) {
			return
		}
		s.broadcastMonitors(WorkerStatusChangedMessage{
			Type:         "worker_status_changed",
			WorkerID:     ev.WorkerID,
			OldStatus:    ev.OldStatus,
			NewStatus:    ev.NewStatus,
			CurrentJobID: ev.CurrentJobID,
			Timestamp:    ev.Timestamp,
		})

	case broker.ChannelWorkerRegistered:
		var ev broker.WorkerRegisteredEvent
		if !s.decodeEvent(channel, payload, &ev) {
			return
		}
		s.broadcastMonitors(WorkerStatusChangedMessage{
			Type:      "worker_status_changed",
			WorkerID:  ev.WorkerID,
			NewStatus: string(broker.WorkerStatusInitializing),
			Timestamp: ev.Timestamp,
		})

	case broker.ChannelWorkerDisconnected:
		var ev broker.WorkerDisconnectedEvent
		if !s.decodeEvent(channel, payload, &ev) {
			return
		}
		s.broadcastMonitors(WorkerStatusChangedMessage{
			Type:      "worker_status_changed",
			WorkerID:  ev.WorkerID,
			NewStatus: string(broker.WorkerStatusOffline),
			Timestamp: ev.Timestamp,
		})

	default:
		s.log.Debugw("Event on unhandled channel", "channel", channel, "timestamp", now)
	}
}

func (s *Server) decodeEvent(channel string, payload []byte, v any) bool {
	if err := json.Unmarshal(payload, v); err != nil {
		s.log.Warnw("Undecodable event payload",
			"channel", channel,
			"size_bytes", len(payload),
			"error", err.Error())
		return false
	}
	return true
}

// broadcastMonitors fans one message out to every monitor socket. Sockets
// whose queue is full are evicted as slow consumers. Returns how many
// monitors accepted the frame.
func (s *Server) broadcastMonitors(msg any) int {
	s.mu.RLock()
	targets := make([]*socket, 0, len(s.monitors))
	for _, sock := range s.monitors {
		targets = append(targets, sock)
	}
	s.mu.RUnlock()

	sent := 0
	for _, sock := range targets {
		if sock.enqueueJSON(msg) {
			sent++
		} else {
			s.removeSlowSocket(sock)
		}
	}
	return sent
}

// sendToSubmitter routes a frame to the client that submitted the job, if
// that client is still connected. Jobs submitted over HTTP have no
// correlation entry and produce no client frames.
func (s *Server) sendToSubmitter(jobID string, msg any) {
	cid, ok := s.submissions.Get(jobID)
	if !ok {
		return
	}
	clientID, _ := cid.(string)

	s.mu.RLock()
	sock, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	if !sock.enqueueJSON(msg) {
		s.removeSlowSocket(sock)
	}
}

// sendToWorker pushes a targeted directive to a worker socket, if one is
// connected. Workers without a socket learn of cancellations through the
// store subscription; this push only shortens the window.
func (s *Server) sendToWorker(workerID string, msg any) {
	s.mu.RLock()
	sock, ok := s.workers[workerID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	if !sock.enqueueJSON(msg) {
		s.removeSlowSocket(sock)
	}
}

// correlate records which client socket submitted a job so terminal and
// progress frames can be scoped to it.
func (s *Server) correlate(jobID, clientID string) {
	s.submissions.Set(jobID, clientID, cache.DefaultExpiration)
}

// completedResult fetches the archived result for a just-completed job.
// Best-effort: a missing or unreadable archive yields a data-less frame.
func (s *Server) completedResult(jobID string) json.RawMessage {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	data, err := s.jobs.CompletedResult(ctx, jobID)
	if err != nil {
		if !errors.IsNotFoundError(err) {
			s.log.Debugw("Completion archive read failed", "job_id", jobID, "error", err)
		}
		return nil
	}
	return data
}
