package server

import (
	"context"
	"time"

	"github.com/teranos/relay/broker"
)

// recentListCap bounds the job-ID lists inside a stats broadcast.
const recentListCap = 10

// runStatsTicker broadcasts the aggregate snapshot to monitors on the
// configured interval. Snapshots read straight from the store; nothing is
// cached between ticks.
func (s *Server) runStatsTicker() {
	ticker := time.NewTicker(s.opts.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.log.Debugw("Stats ticker stopping")
			return
		case <-ticker.C:
			if s.monitorCount() == 0 {
				continue
			}
			snapshot, err := s.composeStats(s.ctx)
			if err != nil {
				s.log.Debugw("Stats snapshot failed", "error", err)
				continue
			}
			s.broadcastMonitors(snapshot)
		}
	}
}

// composeStats assembles one stats_broadcast message from store reads.
func (s *Server) composeStats(ctx context.Context) (*StatsBroadcastMessage, error) {
	queueStats, err := s.jobs.Stats(ctx)
	if err != nil {
		return nil, err
	}

	activeWorkers, err := s.registry.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	workers := make(map[string]WorkerSnapshot, len(activeWorkers))
	workerStatus := make(map[string]int)
	activeWorkerIDs := make([]string, 0)
	activeJobs := make([]string, 0)
	for _, w := range activeWorkers {
		snap := WorkerSnapshot{
			Status:        string(w.Status),
			CurrentJobID:  w.CurrentJobID,
			JobsProcessed: int64(w.JobsProcessed),
			JobsFailed:    int64(w.JobsFailed),
		}
		if w.Capabilities != nil {
			snap.Services = w.Capabilities.Services
		}
		workers[w.ID] = snap
		workerStatus[string(w.Status)]++
		if w.Status == broker.WorkerStatusBusy {
			activeWorkerIDs = append(activeWorkerIDs, w.ID)
		}
		if w.CurrentJobID != "" && len(activeJobs) < recentListCap {
			activeJobs = append(activeJobs, w.CurrentJobID)
		}
	}

	pending := s.recentJobIDs(ctx, broker.JobStatusPending)
	completed := s.recentJobIDs(ctx, broker.JobStatusCompleted)
	failed := s.recentJobIDs(ctx, broker.JobStatusFailed)

	s.metrics.UpdateQueueStats(int(queueStats.Pending), int(queueStats.Active), len(activeWorkers))

	msg := &StatsBroadcastMessage{
		Type:          "stats_broadcast",
		Timestamp:     time.Now().UnixMilli(),
		Connections:   s.connectionsSnapshot(),
		Workers:       workers,
		Subscriptions: broker.Channels(),
		System: SystemSnapshot{
			Queues: QueuesSnapshot{
				Pending:   queueStats.Pending,
				Active:    queueStats.Active,
				Completed: queueStats.Completed,
				Failed:    queueStats.Failed,
			},
			Jobs: JobsSnapshot{
				Status: map[string]int{
					string(broker.JobStatusPending):    int(queueStats.Pending),
					string(broker.JobStatusInProgress): int(queueStats.Active),
					string(broker.JobStatusCompleted):  int(queueStats.Completed),
					string(broker.JobStatusFailed):     int(queueStats.Failed),
				},
				ActiveJobs:    activeJobs,
				PendingJobs:   pending,
				CompletedJobs: completed,
				FailedJobs:    failed,
			},
			Workers: WorkersSnapshot{
				Total:         len(activeWorkers),
				Status:        workerStatus,
				ActiveWorkers: activeWorkerIDs,
			},
		},
	}
	return msg, nil
}

// recentJobIDs lists the most recent job IDs in a status, capped. Query
// errors degrade to an empty list; the snapshot still ships.
func (s *Server) recentJobIDs(ctx context.Context, status broker.JobStatus) []string {
	jobs, err := s.jobs.Query(ctx, broker.Filter{Status: status, Limit: recentListCap})
	if err != nil {
		s.log.Debugw("Recent job query failed", "status", status, "error", err)
		return []string{}
	}
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}
