package broker

// maxSafeInt is 2^53 - 1, the largest integer float64 represents exactly.
// Scores stay below it, so sorted-set arithmetic is exact at millisecond
// resolution.
const maxSafeInt = int64(1)<<53 - 1

// Score computes the pending-queue rank for a job. Higher scores are
// claimed first: the priority term separates priority bands, and within a
// band the (maxSafeInt - effTime) term serves older submissions first.
//
// Jobs sharing a workflow carry the workflow's priority and datetime, so
// every step of one workflow outranks every step of a later workflow at the
// same priority without any explicit grouping.
func Score(j *Job) float64 {
	effPriority := j.Priority
	if j.WorkflowPriority != nil {
		effPriority = *j.WorkflowPriority
	}

	effTime := j.CreatedAt.UnixMilli()
	if j.WorkflowDatetime > 0 {
		effTime = j.WorkflowDatetime
	}

	return float64(effPriority)*1e6 + float64(maxSafeInt-effTime)
}
