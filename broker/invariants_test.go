package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/teranos/relay/store"
)

// Property-based tests over random operation sequences. Each body builds a
// fresh stack on its own in-memory store; rapid shrinks failures to a
// minimal sequence.

// TestProperty_ClaimOrderFollowsPriorityThenAge verifies that draining the
// queue yields strictly higher-priority jobs first and, within a priority,
// older submissions first.
func TestProperty_ClaimOrderFollowsPriorityThenAge(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := buildHarness(store.NewMemory(), Options{})
		defer h.store.Close()
		ctx := context.Background()

		type rank struct {
			priority  int
			createdMs int64
		}
		numJobs := rapid.IntRange(2, 15).Draw(t, "numJobs")
		ranks := map[string]rank{}
		for i := 0; i < numJobs; i++ {
			// A ten-minute submission window keeps every priority band
			// strictly above the next
			r := rank{
				priority:  rapid.IntRange(0, 100).Draw(t, fmt.Sprintf("priority-%d", i)),
				createdMs: rapid.Int64Range(1700000000000, 1700000600000).Draw(t, fmt.Sprintf("createdMs-%d", i)),
			}
			job := &Job{
				ID:              fmt.Sprintf("job-%03d", i),
				ServiceRequired: "sim",
				Priority:        r.priority,
				CreatedAt:       time.UnixMilli(r.createdMs),
			}
			require.NoError(t, h.insertPending(ctx, job))
			ranks[job.ID] = r
		}

		var order []rank
		for {
			job, err := h.broker.ClaimNext(ctx, simCaps("w1"))
			if err != nil {
				break
			}
			order = append(order, ranks[job.ID])
		}
		require.Len(t, order, numJobs)

		// INVARIANT: priority descends; equal priority serves older first
		for i := 1; i < len(order); i++ {
			prev, cur := order[i-1], order[i]
			require.True(t,
				prev.priority > cur.priority ||
					(prev.priority == cur.priority && prev.createdMs <= cur.createdMs),
				"claim %d (p=%d, t=%d) must not follow claim %d (p=%d, t=%d)",
				i, cur.priority, cur.createdMs, i-1, prev.priority, prev.createdMs)
		}
	})
}

// TestProperty_NoJobHeldByTwoWorkers verifies that however claims and
// failures interleave, no job ever appears in two active hashes at once.
func TestProperty_NoJobHeldByTwoWorkers(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := buildHarness(store.NewMemory(), Options{})
		defer h.store.Close()
		ctx := context.Background()

		numJobs := rapid.IntRange(1, 10).Draw(t, "numJobs")
		numWorkers := rapid.IntRange(2, 4).Draw(t, "numWorkers")
		ids := make([]string, 0, numJobs)
		for i := 0; i < numJobs; i++ {
			job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
			require.NoError(t, err)
			ids = append(ids, job.ID)
		}

		steps := rapid.IntRange(5, 40).Draw(t, "steps")
		for s := 0; s < steps; s++ {
			workerID := fmt.Sprintf("w%d", rapid.IntRange(1, numWorkers).Draw(t, fmt.Sprintf("worker-%d", s)))
			jobID := ids[rapid.IntRange(0, numJobs-1).Draw(t, fmt.Sprintf("target-%d", s))]

			switch rapid.IntRange(0, 2).Draw(t, fmt.Sprintf("op-%d", s)) {
			case 0:
				_, _ = h.broker.ClaimNext(ctx, simCaps(workerID))
			case 1:
				if job, err := h.jobs.Get(ctx, jobID); err == nil && job.WorkerID != "" && !job.IsTerminal() {
					require.NoError(t, h.jobs.Fail(ctx, jobID, job.WorkerID, "induced failure", true))
				}
			case 2:
				if job, err := h.jobs.Get(ctx, jobID); err == nil && job.WorkerID != "" && !job.IsTerminal() {
					require.NoError(t, h.jobs.Complete(ctx, jobID, job.WorkerID, nil))
				}
			}

			// INVARIANT: every job is in at most one jobs:active:<w> hash
			holders := map[string][]string{}
			keys, err := h.store.Keys(ctx, activeKeyPrefix+"*")
			require.NoError(t, err)
			for _, key := range keys {
				entries, err := h.store.HGetAll(ctx, key)
				require.NoError(t, err)
				for held := range entries {
					holders[held] = append(holders[held], key)
				}
			}
			for held, hashes := range holders {
				require.Len(t, hashes, 1, "job %s held by %v", held, hashes)
			}
		}
	})
}

// TestProperty_PendingMembershipMatchesJobState verifies that queue
// membership always equals "status pending and no worker assigned", in
// both directions, after every operation.
func TestProperty_PendingMembershipMatchesJobState(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := buildHarness(store.NewMemory(), Options{})
		defer h.store.Close()
		ctx := context.Background()

		numWorkers := rapid.IntRange(1, 3).Draw(t, "numWorkers")
		var ids []string

		steps := rapid.IntRange(5, 40).Draw(t, "steps")
		for s := 0; s < steps; s++ {
			workerID := fmt.Sprintf("w%d", rapid.IntRange(1, numWorkers).Draw(t, fmt.Sprintf("worker-%d", s)))

			switch op := rapid.IntRange(0, 4).Draw(t, fmt.Sprintf("op-%d", s)); op {
			case 0:
				job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
				require.NoError(t, err)
				ids = append(ids, job.ID)
			case 1:
				_, _ = h.broker.ClaimNext(ctx, simCaps(workerID))
			default:
				if len(ids) == 0 {
					continue
				}
				jobID := ids[rapid.IntRange(0, len(ids)-1).Draw(t, fmt.Sprintf("target-%d", s))]
				job, err := h.jobs.Get(ctx, jobID)
				require.NoError(t, err)
				switch {
				case op == 2 && job.WorkerID != "" && !job.IsTerminal():
					require.NoError(t, h.jobs.Complete(ctx, jobID, job.WorkerID, nil))
				case op == 3 && job.WorkerID != "" && !job.IsTerminal():
					require.NoError(t, h.jobs.Fail(ctx, jobID, job.WorkerID, "induced failure", true))
				case op == 4:
					require.NoError(t, h.jobs.Cancel(ctx, jobID, "random cancel"))
				}
			}

			// INVARIANT: jobs:pending membership <=> pending and unassigned
			members, err := h.store.ZRangeDesc(ctx, pendingKey, 0, -1)
			require.NoError(t, err)
			inQueue := map[string]bool{}
			for _, id := range members {
				inQueue[id] = true
			}
			for _, id := range ids {
				job, err := h.jobs.Get(ctx, id)
				require.NoError(t, err)
				wantQueued := job.Status == JobStatusPending && job.WorkerID == ""
				require.Equal(t, wantQueued, inQueue[id],
					"job %s: status=%s worker=%q queued=%v", id, job.Status, job.WorkerID, inQueue[id])
			}
		}
	})
}

// TestProperty_TerminalStatusIsSticky verifies that no operation moves a
// job out of a terminal state.
func TestProperty_TerminalStatusIsSticky(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := buildHarness(store.NewMemory(), Options{})
		defer h.store.Close()
		ctx := context.Background()

		job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
		require.NoError(t, err)
		_, err = h.broker.ClaimNext(ctx, simCaps("w1"))
		require.NoError(t, err)

		var want JobStatus
		switch rapid.SampledFrom([]string{"complete", "fail", "cancel"}).Draw(t, "terminal") {
		case "complete":
			require.NoError(t, h.jobs.Complete(ctx, job.ID, "w1", nil))
			want = JobStatusCompleted
		case "fail":
			require.NoError(t, h.jobs.Fail(ctx, job.ID, "w1", "fatal", false))
			want = JobStatusFailed
		case "cancel":
			require.NoError(t, h.jobs.Cancel(ctx, job.ID, "user"))
			want = JobStatusCancelled
		}

		steps := rapid.IntRange(1, 15).Draw(t, "steps")
		for s := 0; s < steps; s++ {
			switch rapid.IntRange(0, 4).Draw(t, fmt.Sprintf("op-%d", s)) {
			case 0:
				_ = h.jobs.Complete(ctx, job.ID, "w2", nil)
			case 1:
				_ = h.jobs.Fail(ctx, job.ID, "w2", "late failure", true)
			case 2:
				_ = h.jobs.Cancel(ctx, job.ID, "late cancel")
			case 3:
				_ = h.jobs.MarkInProgress(ctx, job.ID, "w2")
			case 4:
				_, _ = h.broker.ClaimNext(ctx, simCaps("w2"))
			}

			// INVARIANT: terminal status never changes
			got, err := h.jobs.Get(ctx, job.ID)
			require.NoError(t, err)
			require.Equal(t, want, got.Status, "terminal job mutated at step %d", s)
		}
	})
}

// TestProperty_RetryAttemptsNeverExceedBudget verifies that a job that
// always fails is assigned at most max_retries + 1 times and lands in
// failed with its budget spent.
func TestProperty_RetryAttemptsNeverExceedBudget(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := buildHarness(store.NewMemory(), Options{})
		defer h.store.Close()
		ctx := context.Background()

		maxRetries := rapid.IntRange(1, 5).Draw(t, "maxRetries")
		job, err := h.jobs.Submit(ctx, SubmitSpec{
			ServiceRequired: "sim",
			MaxRetries:      &maxRetries,
		})
		require.NoError(t, err)

		assigns := 0
		for i := 0; ; i++ {
			// Alternate workers so the self-retry bar never blocks the loop
			workerID := fmt.Sprintf("w%d", i%2+1)
			claimed, err := h.broker.ClaimNext(ctx, simCaps(workerID))
			if err != nil {
				break
			}
			assigns++
			// INVARIANT: assignments stay within the budget
			require.LessOrEqual(t, assigns, maxRetries+1)
			require.NoError(t, h.jobs.Fail(ctx, claimed.ID, workerID, "always failing", true))
		}

		got, err := h.jobs.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, JobStatusFailed, got.Status)
		require.Equal(t, maxRetries, got.RetryCount)
	})
}

// TestProperty_FailingWorkerNotOfferedSameJobNext verifies the no-self-retry
// rule: whatever a worker's next successful claim returns, it is not the job
// that worker just failed.
func TestProperty_FailingWorkerNotOfferedSameJobNext(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := buildHarness(store.NewMemory(), Options{})
		defer h.store.Close()
		ctx := context.Background()

		numJobs := rapid.IntRange(1, 6).Draw(t, "numJobs")
		for i := 0; i < numJobs; i++ {
			_, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
			require.NoError(t, err)
		}

		claims := rapid.IntRange(1, numJobs).Draw(t, "claims")
		var failed *Job
		for i := 0; i < claims; i++ {
			job, err := h.broker.ClaimNext(ctx, simCaps("w1"))
			require.NoError(t, err)
			if i == claims-1 {
				failed = job
				require.NoError(t, h.jobs.Fail(ctx, job.ID, "w1", "induced failure", true))
			} else {
				require.NoError(t, h.jobs.Complete(ctx, job.ID, "w1", nil))
			}
		}

		// INVARIANT: w1's very next claim never returns the failed job
		next, err := h.broker.ClaimNext(ctx, simCaps("w1"))
		if err == nil {
			require.NotEqual(t, failed.ID, next.ID)
		}
		// Another worker may take it immediately
		other, err := h.broker.ClaimNext(ctx, simCaps("w2"))
		if err == nil && other.ID == failed.ID {
			require.Equal(t, 1, other.RetryCount)
		}
	})
}

// TestProperty_ReclaimSweepsAreIdempotent verifies that after one sweep has
// repaired a randomly broken deployment, a second sweep with no intervening
// worker activity changes nothing.
func TestProperty_ReclaimSweepsAreIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := buildHarness(store.NewMemory(), Options{})
		defer h.store.Close()
		ctx := context.Background()
		reclaimer := NewReclaimer(h.store, h.jobs, h.registry, h.bus, nil, ReclaimerConfig{
			ScanInterval:     time.Minute,
			HeartbeatTimeout: time.Hour,
			ProgressTimeout:  time.Hour,
		}, zap.NewNop().Sugar())

		numWorkers := rapid.IntRange(1, 3).Draw(t, "numWorkers")
		for w := 1; w <= numWorkers; w++ {
			_, err := h.registry.Register(ctx, simCaps(fmt.Sprintf("w%d", w)))
			require.NoError(t, err)
		}

		numJobs := rapid.IntRange(1, 8).Draw(t, "numJobs")
		var ids []string
		for i := 0; i < numJobs; i++ {
			job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
			require.NoError(t, err)
			ids = append(ids, job.ID)
		}
		claims := rapid.IntRange(0, numJobs).Draw(t, "claims")
		for i := 0; i < claims; i++ {
			workerID := fmt.Sprintf("w%d", rapid.IntRange(1, numWorkers).Draw(t, fmt.Sprintf("claimer-%d", i)))
			_, _ = h.broker.ClaimNext(ctx, simCaps(workerID))
		}

		// Break a random subset of the fleet
		for w := 1; w <= numWorkers; w++ {
			workerID := fmt.Sprintf("w%d", w)
			switch rapid.IntRange(0, 2).Draw(t, fmt.Sprintf("breakage-%d", w)) {
			case 1: // crashed: heartbeat gone, roster entry left behind
				require.NoError(t, h.store.Del(ctx, heartbeatKey(workerID)))
			case 2: // vanished: roster entry gone, active hash left behind
				require.NoError(t, h.store.SRem(ctx, workersActiveKey, workerID))
			}
		}

		_, err := reclaimer.Sweep(ctx)
		require.NoError(t, err)

		snapshot := func() map[string]map[string]string {
			state := map[string]map[string]string{}
			for _, id := range ids {
				fields, err := h.store.HGetAll(ctx, jobKey(id))
				require.NoError(t, err)
				state[id] = fields
			}
			members, err := h.store.ZRangeAsc(ctx, pendingKey, 0, -1)
			require.NoError(t, err)
			queue := map[string]string{}
			for i, member := range members {
				queue[fmt.Sprintf("%03d", i)] = member
			}
			state["queue"] = queue
			return state
		}

		before := snapshot()
		second, err := reclaimer.Sweep(ctx)
		require.NoError(t, err)

		// INVARIANT: the second sweep is a no-op
		require.Zero(t, second.Total())
		require.Zero(t, second.WorkersCleared)
		require.Equal(t, before, snapshot())
	})
}

// TestProperty_ProgressHistoryPreservesOrder verifies that every published
// progress record reads back from the stream in publish order.
func TestProperty_ProgressHistoryPreservesOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := buildHarness(store.NewMemory(), Options{})
		defer h.store.Close()
		ctx := context.Background()

		statuses := []ProgressStatus{
			ProgressStatusAssigned,
			ProgressStatusProcessing,
			ProgressStatusRetrying,
			ProgressStatusCompleted,
			ProgressStatusFailed,
		}
		n := rapid.IntRange(1, 25).Draw(t, "records")
		want := make([]ProgressRecord, 0, n)
		for i := 0; i < n; i++ {
			rec := ProgressRecord{
				JobID:     "job-history",
				WorkerID:  "w1",
				Progress:  float64(rapid.IntRange(0, 100).Draw(t, fmt.Sprintf("progress-%d", i))),
				Status:    rapid.SampledFrom(statuses).Draw(t, fmt.Sprintf("status-%d", i)),
				Message:   fmt.Sprintf("step %d", i),
				UpdatedAt: 1700000000000 + int64(i),
			}
			require.NoError(t, h.bus.Publish(ctx, rec))
			want = append(want, rec)
		}

		got, err := h.bus.History(ctx, "job-history")
		require.NoError(t, err)
		require.Len(t, got, n)
		// INVARIANT: read order equals publish order, record for record
		for i := range want {
			require.Equal(t, want[i].Progress, got[i].Progress, "record %d", i)
			require.Equal(t, want[i].Status, got[i].Status, "record %d", i)
			require.Equal(t, want[i].Message, got[i].Message, "record %d", i)
			require.Equal(t, want[i].UpdatedAt, got[i].UpdatedAt, "record %d", i)
		}
	})
}
