package broker

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/internal/util"
)

func TestSubmit_AppliesDefaults(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(job.ID, "job-"))
	assert.Equal(t, 50, job.Priority)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.False(t, job.CreatedAt.IsZero())

	pos, err := h.jobs.PendingPosition(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
}

func TestSubmit_ValidatesInput(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.jobs.Submit(ctx, SubmitSpec{})
	assert.True(t, errors.IsInvalidRequestError(err), "missing service_required")

	_, err = h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim", Priority: util.Ptr(101)})
	assert.True(t, errors.IsInvalidRequestError(err), "priority above range")

	_, err = h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim", Priority: util.Ptr(-1)})
	assert.True(t, errors.IsInvalidRequestError(err), "negative priority")

	_, err = h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim", MaxRetries: util.Ptr(-1)})
	assert.True(t, errors.IsInvalidRequestError(err), "negative max_retries")
}

func TestSubmit_RoundTripsAllFields(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job, err := h.jobs.Submit(ctx, SubmitSpec{
		ServiceRequired: "comfyui",
		Priority:        util.Ptr(80),
		Payload:         json.RawMessage(`{"prompt":"sunset over water"}`),
		Requirements: &Requirements{
			ServiceType: "comfyui",
			Models:      []string{"sdxl-base"},
			Hardware:    &HardwareRequirements{GPUMemoryGB: Threshold{Value: 16}},
		},
		CustomerID:       "cust-7",
		WorkflowID:       "wf-42",
		WorkflowPriority: util.Ptr(90),
		WorkflowDatetime: 1700000000000,
		StepNumber:       2,
		TotalSteps:       5,
	})
	require.NoError(t, err)

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "comfyui", got.ServiceRequired)
	assert.Equal(t, 80, got.Priority)
	assert.JSONEq(t, `{"prompt":"sunset over water"}`, string(got.Payload))
	require.NotNil(t, got.Requirements)
	assert.Equal(t, []string{"sdxl-base"}, got.Requirements.Models)
	require.NotNil(t, got.Requirements.Hardware)
	assert.Equal(t, float64(16), got.Requirements.Hardware.GPUMemoryGB.Value)
	assert.Equal(t, "cust-7", got.CustomerID)
	assert.Equal(t, "wf-42", got.WorkflowID)
	require.NotNil(t, got.WorkflowPriority)
	assert.Equal(t, 90, *got.WorkflowPriority)
	assert.Equal(t, int64(1700000000000), got.WorkflowDatetime)
	assert.Equal(t, 2, got.StepNumber)
	assert.Equal(t, 5, got.TotalSteps)
	assert.Equal(t, job.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())
}

func TestGet_NotFound(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.jobs.Get(context.Background(), "job-missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestMarkInProgress(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
	require.NoError(t, err)
	_, err = h.broker.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)

	require.NoError(t, h.jobs.MarkInProgress(ctx, job.ID, "w1"))

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusInProgress, got.Status)
	require.NotNil(t, got.StartedAt)

	history, err := h.bus.History(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ProgressStatusProcessing, history[1].Status)
}

func TestMarkInProgress_CancelledJobRejected(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
	require.NoError(t, err)
	_, err = h.broker.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)
	require.NoError(t, h.jobs.Cancel(ctx, job.ID, "user"))

	err = h.jobs.MarkInProgress(ctx, job.ID, "w1")
	require.Error(t, err)
	assert.True(t, errors.IsCancelled(err))
}

func TestComplete_Lifecycle(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
	require.NoError(t, err)
	_, err = h.broker.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)
	require.NoError(t, h.jobs.MarkInProgress(ctx, job.ID, "w1"))

	require.NoError(t, h.jobs.Complete(ctx, job.ID, "w1", json.RawMessage(`{"frames":24}`)))

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// Gone from the queue and the worker's active hash
	_, err = h.store.ZScore(ctx, pendingKey, job.ID)
	assert.True(t, errors.IsNotFoundError(err))
	exists, err := h.store.Exists(ctx, activeKey("w1"))
	require.NoError(t, err)
	assert.False(t, exists)

	// Archived with the result
	entry, err := h.store.HGet(ctx, completedKey, job.ID)
	require.NoError(t, err)
	var archived struct {
		Success     bool            `json:"success"`
		Data        json.RawMessage `json:"data"`
		CompletedAt int64           `json:"completed_at"`
	}
	require.NoError(t, json.Unmarshal([]byte(entry), &archived))
	assert.True(t, archived.Success)
	assert.JSONEq(t, `{"frames":24}`, string(archived.Data))
	assert.NotZero(t, archived.CompletedAt)

	// History ends at completed/100
	history, err := h.bus.History(ctx, job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, ProgressStatusCompleted, last.Status)
	assert.Equal(t, float64(100), last.Progress)
}

func TestComplete_LateReportDropped(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
	require.NoError(t, err)
	_, err = h.broker.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)
	require.NoError(t, h.jobs.Cancel(ctx, job.ID, "user"))

	// A worker that raced the cancel reports success; the report is dropped
	require.NoError(t, h.jobs.Complete(ctx, job.ID, "w1", nil))

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, got.Status)
	_, err = h.store.HGet(ctx, completedKey, job.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestFail_RetryKeepsOriginalQueuePlace(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
	require.NoError(t, err)
	originalScore, err := h.store.ZScore(ctx, pendingKey, job.ID)
	require.NoError(t, err)

	_, err = h.broker.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)
	require.NoError(t, h.jobs.Fail(ctx, job.ID, "w1", "CUDA out of memory", true))

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "w1", got.LastFailedWorker)
	assert.Empty(t, got.WorkerID)
	assert.Nil(t, got.AssignedAt)

	// Requeued at the original score, not the back of the line
	score, err := h.store.ZScore(ctx, pendingKey, job.ID)
	require.NoError(t, err)
	assert.Equal(t, originalScore, score)

	exists, err := h.store.Exists(ctx, activeKey("w1"))
	require.NoError(t, err)
	assert.False(t, exists)

	history, err := h.bus.History(ctx, job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, ProgressStatusRetrying, last.Status)
	assert.Equal(t, "CUDA out of memory", last.Message)
}

func TestFail_ExhaustsRetryBudget(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim", MaxRetries: util.Ptr(2)})
	require.NoError(t, err)

	// First failure retries (1 < 2), second exhausts the budget
	_, err = h.broker.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)
	require.NoError(t, h.jobs.Fail(ctx, job.ID, "w1", "first failure", true))

	mid, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, JobStatusPending, mid.Status)

	_, err = h.broker.ClaimNext(ctx, simCaps("w2"))
	require.NoError(t, err)
	require.NoError(t, h.jobs.Fail(ctx, job.ID, "w2", "second failure", true))

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, "second failure", got.Error)
	assert.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.FailedAt)

	entry, err := h.store.HGet(ctx, failedKey, job.ID)
	require.NoError(t, err)
	var archived struct {
		Error      string `json:"error"`
		FailedAt   int64  `json:"failed_at"`
		RetryCount int    `json:"retry_count"`
	}
	require.NoError(t, json.Unmarshal([]byte(entry), &archived))
	assert.Equal(t, "second failure", archived.Error)
	assert.Equal(t, 2, archived.RetryCount)

	_, err = h.store.ZScore(ctx, pendingKey, job.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestFail_NonRetryableFailsImmediately(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
	require.NoError(t, err)
	_, err = h.broker.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)

	require.NoError(t, h.jobs.Fail(ctx, job.ID, "w1", "malformed payload", false))

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestFail_TerminalJobUntouched(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
	require.NoError(t, err)
	_, err = h.broker.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)
	require.NoError(t, h.jobs.Complete(ctx, job.ID, "w1", nil))

	require.NoError(t, h.jobs.Fail(ctx, job.ID, "w1", "late failure report", true))

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.Empty(t, got.Error)
}

func TestCancel_PendingJob(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
	require.NoError(t, err)
	require.NoError(t, h.jobs.Cancel(ctx, job.ID, "user request"))

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, got.Status)
	assert.Equal(t, "user request", got.Error)
	require.NotNil(t, got.CancelledAt)

	_, err = h.store.ZScore(ctx, pendingKey, job.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestCancel_AssignedJobClearsActiveEntry(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
	require.NoError(t, err)
	_, err = h.broker.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)

	require.NoError(t, h.jobs.Cancel(ctx, job.ID, "user request"))

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, got.Status)
	exists, err := h.store.Exists(ctx, activeKey("w1"))
	require.NoError(t, err)
	assert.False(t, exists)

	// Cancel is idempotent on terminal jobs
	require.NoError(t, h.jobs.Cancel(ctx, job.ID, "again"))
	got, err = h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "user request", got.Error)
}

func TestCancel_WinsOverLateFailure(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim"})
	require.NoError(t, err)
	_, err = h.broker.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)
	require.NoError(t, h.jobs.Cancel(ctx, job.ID, "user request"))

	// A retryable failure report after the cancel must not resurrect the job
	require.NoError(t, h.jobs.Fail(ctx, job.ID, "w1", "interrupted", true))

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	_, err = h.store.ZScore(ctx, pendingKey, job.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestQuery_Filters(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	pending1, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim", CustomerID: "cust-a"})
	require.NoError(t, err)
	_, err = h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim", CustomerID: "cust-b"})
	require.NoError(t, err)
	assigned, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim", Priority: util.Ptr(90)})
	require.NoError(t, err)

	claimed, err := h.broker.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)
	require.Equal(t, assigned.ID, claimed.ID)

	byStatus, err := h.jobs.Query(ctx, Filter{Status: JobStatusPending})
	require.NoError(t, err)
	assert.Len(t, byStatus, 2)

	byWorker, err := h.jobs.Query(ctx, Filter{WorkerID: "w1"})
	require.NoError(t, err)
	require.Len(t, byWorker, 1)
	assert.Equal(t, assigned.ID, byWorker[0].ID)

	byCustomer, err := h.jobs.Query(ctx, Filter{CustomerID: "cust-a"})
	require.NoError(t, err)
	require.Len(t, byCustomer, 1)
	assert.Equal(t, pending1.ID, byCustomer[0].ID)

	limited, err := h.jobs.Query(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	all, err := h.jobs.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStats_CountsEveryBucket(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim", Priority: util.Ptr(10)})
		require.NoError(t, err)
	}
	active, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim", Priority: util.Ptr(90)})
	require.NoError(t, err)
	done, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim", Priority: util.Ptr(80)})
	require.NoError(t, err)
	failed, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim", Priority: util.Ptr(70)})
	require.NoError(t, err)

	claimed, err := h.broker.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)
	require.Equal(t, active.ID, claimed.ID)

	claimed, err = h.broker.ClaimNext(ctx, simCaps("w2"))
	require.NoError(t, err)
	require.Equal(t, done.ID, claimed.ID)
	require.NoError(t, h.jobs.Complete(ctx, done.ID, "w2", nil))

	claimed, err = h.broker.ClaimNext(ctx, simCaps("w3"))
	require.NoError(t, err)
	require.Equal(t, failed.ID, claimed.ID)
	require.NoError(t, h.jobs.Fail(ctx, failed.ID, "w3", "boom", false))

	stats, err := h.jobs.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Pending)
	assert.Equal(t, int64(1), stats.Active)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestPendingPosition(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	low, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim", Priority: util.Ptr(10)})
	require.NoError(t, err)
	high, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim", Priority: util.Ptr(90)})
	require.NoError(t, err)
	mid, err := h.jobs.Submit(ctx, SubmitSpec{ServiceRequired: "sim", Priority: util.Ptr(50)})
	require.NoError(t, err)

	for jobID, want := range map[string]int64{high.ID: 0, mid.ID: 1, low.ID: 2} {
		pos, err := h.jobs.PendingPosition(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, want, pos)
	}

	pos, err := h.jobs.PendingPosition(ctx, "job-missing")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), pos)
}
