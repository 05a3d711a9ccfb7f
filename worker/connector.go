// Package worker runs the claim-execute loop for one worker process:
// registration, heartbeat, polling, per-job dispatch to a connector, and
// graceful drain on shutdown.
package worker

import (
	"context"
	"encoding/json"

	"github.com/teranos/relay/broker"
)

// ProgressSink receives progress callbacks from a connector while it
// processes a job. progress is 0..100; step/total are zero when the
// backend has no step notion.
type ProgressSink func(progress float64, status, message string, step, total int)

// Connector executes jobs for one service type against an external backend
// (ComfyUI, A1111, the built-in simulator). The broker stays decoupled from
// backend specifics: connectors decode their own payloads and report
// through the sink.
//
// Context cancellation: ProcessJob MUST watch ctx.Done() and return
// promptly once the context ends. The runtime cancels the context on job
// cancellation, timeout, and shutdown.
type Connector interface {
	// ProcessJob runs the job to completion, reporting progress through
	// sink along the way. The returned blob becomes the job result.
	ProcessJob(ctx context.Context, job *broker.Job, sink ProgressSink) (json.RawMessage, error)

	// CancelJob aborts the job on the backend, best effort. The runtime
	// also cancels the ProcessJob context; CancelJob exists for backends
	// that need an explicit interrupt call on top of that.
	CancelJob(ctx context.Context, jobID string) error

	// AvailableModels lists the models the backend currently serves. Used
	// to build the capability advertisement at registration.
	AvailableModels(ctx context.Context) ([]string, error)

	// Health reports whether the backend is reachable and ready.
	Health(ctx context.Context) bool

	// Name returns the service type this connector handles (e.g. "comfyui").
	// Jobs route by ServiceRequired matching this name.
	Name() string
}
