package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/relay/errors"
)

func TestProgressBus_StreamIsAuthoritative(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	steps := []ProgressRecord{
		{JobID: "job-1", WorkerID: "w1", Progress: 0, Status: ProgressStatusAssigned, Message: "Job assigned to worker"},
		{JobID: "job-1", WorkerID: "w1", Progress: 35, Status: ProgressStatusProcessing, Message: "Rendering frame 8/24"},
		{JobID: "job-1", WorkerID: "w1", Progress: 70, Status: ProgressStatusProcessing, Message: "Rendering frame 17/24", CurrentStep: 17, TotalSteps: 24},
		{JobID: "job-1", WorkerID: "w1", Progress: 100, Status: ProgressStatusCompleted, Message: "Job completed"},
	}
	for _, rec := range steps {
		require.NoError(t, h.bus.Publish(ctx, rec))
	}

	history, err := h.bus.History(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, history, len(steps))
	for i, rec := range history {
		assert.Equal(t, steps[i].Progress, rec.Progress, "record %d", i)
		assert.Equal(t, steps[i].Status, rec.Status, "record %d", i)
		assert.Equal(t, steps[i].Message, rec.Message, "record %d", i)
		assert.NotZero(t, rec.UpdatedAt, "record %d should get a timestamp", i)
	}
	assert.Equal(t, 17, history[2].CurrentStep)
	assert.Equal(t, 24, history[2].TotalSteps)
}

func TestProgressBus_LatestMirrorsLastWrite(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.bus.Latest(ctx, "job-1")
	assert.True(t, errors.IsNotFoundError(err), "no progress yet reads as not found")

	require.NoError(t, h.bus.Publish(ctx, ProgressRecord{
		JobID: "job-1", WorkerID: "w1", Progress: 40, Status: ProgressStatusProcessing,
	}))
	require.NoError(t, h.bus.Publish(ctx, ProgressRecord{
		JobID: "job-1", WorkerID: "w1", Progress: 80, Status: ProgressStatusProcessing, Message: "Nearly there",
	}))

	latest, err := h.bus.Latest(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, float64(80), latest.Progress)
	assert.Equal(t, "Nearly there", latest.Message)
	assert.Equal(t, "w1", latest.WorkerID)
}

func TestProgressBus_LiveFeed(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	sub, err := h.store.Subscribe(ctx, ChannelJobProgress)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, h.bus.Publish(ctx, ProgressRecord{
		JobID: "job-1", WorkerID: "w1", Progress: 55, Status: ProgressStatusProcessing,
	}))

	select {
	case msg := <-sub.Messages():
		var rec ProgressRecord
		require.NoError(t, json.Unmarshal(msg.Payload, &rec))
		assert.Equal(t, "job-1", rec.JobID)
		assert.Equal(t, float64(55), rec.Progress)
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for job_progress message")
	}
}

func TestProgressBus_HistoryEmptyForUnknownJob(t *testing.T) {
	h := newHarness(t, Options{})

	history, err := h.bus.History(context.Background(), "job-unknown")
	require.NoError(t, err)
	assert.Empty(t, history)
}
