package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/teranos/relay/internal/util"
)

func TestScore_PriorityOrdersBands(t *testing.T) {
	now := time.Now()
	low := &Job{Priority: 10, CreatedAt: now}
	high := &Job{Priority: 90, CreatedAt: now}

	assert.Greater(t, Score(high), Score(low))
}

func TestScore_OlderWinsWithinBand(t *testing.T) {
	base := time.UnixMilli(1700000000000)
	older := &Job{Priority: 50, CreatedAt: base}
	newer := &Job{Priority: 50, CreatedAt: base.Add(time.Millisecond)}

	assert.Greater(t, Score(older), Score(newer))
	// Sorted-set arithmetic is exact at millisecond resolution
	assert.Equal(t, float64(1), Score(older)-Score(newer))
}

func TestScore_WorkflowOverrides(t *testing.T) {
	base := time.UnixMilli(1700000000000)

	// workflow_priority replaces the job's own priority
	boosted := &Job{Priority: 10, WorkflowPriority: util.Ptr(90), CreatedAt: base}
	plain := &Job{Priority: 50, CreatedAt: base}
	assert.Greater(t, Score(boosted), Score(plain))

	// workflow_datetime replaces created_at, so late-submitted steps of an
	// early workflow still rank with their workflow
	lateStep := &Job{Priority: 50, WorkflowDatetime: 1000, CreatedAt: base}
	earlyLoner := &Job{Priority: 50, CreatedAt: base.Add(-time.Hour)}
	assert.Greater(t, Score(lateStep), Score(earlyLoner))

	// Steps of one workflow share one score regardless of submission time
	stepA := &Job{Priority: 50, WorkflowDatetime: 2000, CreatedAt: base}
	stepB := &Job{Priority: 50, WorkflowDatetime: 2000, CreatedAt: base.Add(time.Minute)}
	assert.Equal(t, Score(stepA), Score(stepB))
}

func TestScore_ExactIntegerArithmetic(t *testing.T) {
	// Scores stay below 2^53 at real timestamps, so ordering comparisons
	// never lose to float rounding
	j := &Job{Priority: 100, CreatedAt: time.UnixMilli(1700000000000)}
	want := int64(100)*1000000 + maxSafeInt - 1700000000000
	assert.Equal(t, float64(want), Score(j))
}
