package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newReclaimer(h *harness, cfg ReclaimerConfig) *Reclaimer {
	return NewReclaimer(h.store, h.jobs, h.registry, h.bus, nil, cfg, zap.NewNop().Sugar())
}

// reclaimCfg keeps live workers comfortably inside the liveness window so
// only deliberately broken state trips a sweep.
func reclaimCfg() ReclaimerConfig {
	return ReclaimerConfig{
		ScanInterval:     time.Minute,
		HeartbeatTimeout: time.Hour,
		ProgressTimeout:  time.Hour,
	}
}

func TestSweep_ReleasesJobWhenHeartbeatGone(t *testing.T) {
	h := newHarness(t, Options{})
	r := newReclaimer(h, reclaimCfg())
	ctx := context.Background()

	_, err := h.registry.Register(ctx, simCaps("w1"))
	require.NoError(t, err)
	job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
	require.NoError(t, err)
	_, err = h.broker.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)
	require.NoError(t, h.jobs.MarkInProgress(ctx, job.ID, "w1"))

	// Worker dies: heartbeat key vanishes, roster entry stays
	require.NoError(t, h.store.Del(ctx, heartbeatKey("w1")))

	stats, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TimeoutsReleased)
	assert.Zero(t, stats.OrphanedRequeued)

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "w1", got.LastFailedWorker)
	assert.Empty(t, got.WorkerID)

	// The dead worker is barred from the immediate retry; a new one claims
	_, err = h.broker.ClaimNext(ctx, simCaps("w1"))
	require.Error(t, err)
	reclaimed, err := h.broker.ClaimNext(ctx, simCaps("w2"))
	require.NoError(t, err)
	assert.Equal(t, job.ID, reclaimed.ID)

	history, err := h.bus.History(ctx, job.ID)
	require.NoError(t, err)
	var sawRelease bool
	for _, rec := range history {
		if rec.Status == ProgressStatusRetrying && rec.Message == "Worker heartbeat timeout" {
			sawRelease = true
		}
	}
	assert.True(t, sawRelease, "release should appear in the progress history")
}

func TestSweep_ReleasesJobWhenHeartbeatStale(t *testing.T) {
	h := newHarness(t, Options{})
	cfg := reclaimCfg()
	cfg.HeartbeatTimeout = 2 * time.Minute
	r := newReclaimer(h, cfg)
	ctx := context.Background()

	_, err := h.registry.Register(ctx, simCaps("w1"))
	require.NoError(t, err)
	job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
	require.NoError(t, err)
	_, err = h.broker.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)

	// Backdate the heartbeat past the cutoff
	old := time.Now().Add(-10 * time.Minute).Format(time.RFC3339)
	require.NoError(t, h.store.Set(ctx, heartbeatKey("w1"), old, time.Hour))

	stats, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TimeoutsReleased)

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, got.Status)
}

func TestSweep_LeavesHealthyWorkAlone(t *testing.T) {
	h := newHarness(t, Options{})
	r := newReclaimer(h, reclaimCfg())
	ctx := context.Background()

	_, err := h.registry.Register(ctx, simCaps("w1"))
	require.NoError(t, err)
	job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
	require.NoError(t, err)
	_, err = h.broker.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)
	require.NoError(t, h.jobs.MarkInProgress(ctx, job.ID, "w1"))

	stats, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
	assert.Zero(t, stats.WorkersCleared)

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusInProgress, got.Status)
	assert.Equal(t, "w1", got.WorkerID)
}

func TestSweep_RequeuesOrphanedActiveJobs(t *testing.T) {
	h := newHarness(t, Options{})
	r := newReclaimer(h, reclaimCfg())
	ctx := context.Background()

	_, err := h.registry.Register(ctx, simCaps("w1"))
	require.NoError(t, err)
	job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
	require.NoError(t, err)
	originalScore := Score(job)
	_, err = h.broker.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)

	// Worker fell off the roster but its active hash survived
	require.NoError(t, h.store.SRem(ctx, workersActiveKey, "w1"))

	stats, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OrphanedRequeued)

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, got.Status)
	assert.Empty(t, got.WorkerID)
	// Orphan recovery spends no retry budget
	assert.Equal(t, 0, got.RetryCount)

	score, err := h.store.ZScore(ctx, pendingKey, job.ID)
	require.NoError(t, err)
	assert.Equal(t, originalScore, score)

	exists, err := h.store.Exists(ctx, activeKey("w1"))
	require.NoError(t, err)
	assert.False(t, exists, "orphaned active hash should be deleted")
}

func TestSweep_OrphanedTerminalJobsNotResurrected(t *testing.T) {
	h := newHarness(t, Options{})
	r := newReclaimer(h, reclaimCfg())
	ctx := context.Background()

	_, err := h.registry.Register(ctx, simCaps("w1"))
	require.NoError(t, err)
	job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
	require.NoError(t, err)
	_, err = h.broker.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)

	// Cancelled while assigned, then the worker's active hash is orphaned
	// with a stale entry still present
	require.NoError(t, h.jobs.Cancel(ctx, job.ID, "user request"))
	require.NoError(t, h.store.HSet(ctx, activeKey("w1"), map[string]any{job.ID: "{}"}))
	require.NoError(t, h.store.SRem(ctx, workersActiveKey, "w1"))

	stats, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.OrphanedRequeued)

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, got.Status)
	exists, err := h.store.Exists(ctx, activeKey("w1"))
	require.NoError(t, err)
	assert.False(t, exists, "stale hash is still cleaned up")
}

func TestSweep_ClearsWorkerStuckOnTerminalJob(t *testing.T) {
	h := newHarness(t, Options{})
	r := newReclaimer(h, reclaimCfg())
	ctx := context.Background()

	_, err := h.registry.Register(ctx, simCaps("w1"))
	require.NoError(t, err)
	job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
	require.NoError(t, err)
	_, err = h.broker.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)

	// Completion lands but the worker's own idle transition was lost
	require.NoError(t, h.jobs.Complete(ctx, job.ID, "w1", nil))
	worker, err := h.registry.Get(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, WorkerStatusBusy, worker.Status)

	stats, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.WorkersCleared)

	worker, err = h.registry.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, WorkerStatusIdle, worker.Status)
	assert.Empty(t, worker.CurrentJobID)
}

func TestSweep_ReleasesStalledProgress(t *testing.T) {
	h := newHarness(t, Options{})
	cfg := reclaimCfg()
	cfg.ProgressTimeout = 5 * time.Minute
	r := newReclaimer(h, cfg)
	ctx := context.Background()

	_, err := h.registry.Register(ctx, simCaps("w1"))
	require.NoError(t, err)
	job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
	require.NoError(t, err)
	_, err = h.broker.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)
	require.NoError(t, h.jobs.MarkInProgress(ctx, job.ID, "w1"))

	// Heartbeat stays fresh but the last progress write is ancient
	require.NoError(t, h.bus.Publish(ctx, ProgressRecord{
		JobID:     job.ID,
		WorkerID:  "w1",
		Progress:  30,
		Status:    ProgressStatusProcessing,
		UpdatedAt: time.Now().Add(-30 * time.Minute).UnixMilli(),
	}))

	stats, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TimeoutsReleased)

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, got.Status)

	history, err := h.bus.History(ctx, job.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, ProgressStatusRetrying, last.Status)
	assert.Equal(t, "No progress timeout", last.Message)
}

func TestSweep_SecondPassIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	r := newReclaimer(h, reclaimCfg())
	ctx := context.Background()

	_, err := h.registry.Register(ctx, simCaps("w1"))
	require.NoError(t, err)
	job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
	require.NoError(t, err)
	_, err = h.broker.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)
	require.NoError(t, h.store.Del(ctx, heartbeatKey("w1")))

	first, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.Total())

	afterFirst, err := h.store.HGetAll(ctx, jobKey(job.ID))
	require.NoError(t, err)
	pendingAfterFirst, err := h.store.ZRangeDesc(ctx, pendingKey, 0, -1)
	require.NoError(t, err)

	second, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Total())
	assert.Zero(t, second.WorkersCleared)

	afterSecond, err := h.store.HGetAll(ctx, jobKey(job.ID))
	require.NoError(t, err)
	assert.Equal(t, afterFirst, afterSecond, "second sweep must not change the job record")
	pendingAfterSecond, err := h.store.ZRangeDesc(ctx, pendingKey, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, pendingAfterFirst, pendingAfterSecond)
}

func TestReclaimer_RunLoop(t *testing.T) {
	h := newHarness(t, Options{})
	cfg := reclaimCfg()
	cfg.ScanInterval = 10 * time.Millisecond
	r := newReclaimer(h, cfg)

	r.Start()
	time.Sleep(60 * time.Millisecond)
	r.Stop()

	stats := r.GetStats()
	sweeps, ok := stats["sweeps_since_start"].(int64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, sweeps, int64(1))
	assert.NotZero(t, stats["last_sweep_at"])
}

func TestReclaimerConfig_Defaults(t *testing.T) {
	r := NewReclaimer(nil, nil, nil, nil, nil, ReclaimerConfig{}, zap.NewNop().Sugar())
	assert.Equal(t, 60*time.Second, r.cfg.ScanInterval)
	assert.Equal(t, 120*time.Second, r.cfg.HeartbeatTimeout)
	assert.Equal(t, 300*time.Second, r.cfg.ProgressTimeout)
}
