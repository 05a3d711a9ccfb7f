package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/relay/broker"
	relaytest "github.com/teranos/relay/internal/testing"
	"github.com/teranos/relay/store"
)

// hubRig wires one hub over a full broker stack on the memory store,
// served through httptest.
type hubRig struct {
	store    *store.Memory
	bus      *broker.ProgressBus
	jobs     *broker.JobRepository
	registry *broker.WorkerRegistry
	brk      *broker.Broker
	srv      *Server
	http     *httptest.Server
}

func newHubRig(t *testing.T, opts Options) *hubRig {
	t.Helper()

	s := relaytest.CreateTestStore(t)
	log := zap.NewNop().Sugar()
	bus := broker.NewProgressBus(s, log)
	jobs := broker.NewJobRepository(s, bus, nil, log, broker.RepositoryOptions{})
	registry, err := broker.NewWorkerRegistry(s, log, broker.RegistryOptions{})
	require.NoError(t, err)
	brk := broker.New(s, jobs, registry, bus, nil, log, broker.Options{})

	if opts.StatsInterval == 0 {
		// Keep periodic broadcasts out of frame-order assertions
		opts.StatsInterval = time.Hour
	}
	srv := New(s, jobs, registry, bus, nil, log, opts)
	require.NoError(t, srv.Start())
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})

	return &hubRig{
		store:    s,
		bus:      bus,
		jobs:     jobs,
		registry: registry,
		brk:      brk,
		srv:      srv,
		http:     ts,
	}
}

func (h *hubRig) wsURL(kind, id string) string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws/" + kind + "/" + id
}

func (h *hubRig) dial(t *testing.T, kind ConnKind, id string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL(string(kind), id), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	h.waitRegistered(t, kind, id)
	return conn
}

// waitRegistered blocks until the hub loop has added the socket, so events
// produced afterwards cannot miss it.
func (h *hubRig) waitRegistered(t *testing.T, kind ConnKind, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.srv.mu.RLock()
		defer h.srv.mu.RUnlock()
		_, ok := h.srv.registryFor(kind)[id]
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

// readFrame reads frames until one of the wanted type arrives.
func readFrame(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var frame map[string]any
		require.NoError(t, conn.ReadJSON(&frame), "waiting for %q frame", wantType)
		if frame["type"] == wantType {
			return frame
		}
	}
}

// expectSilence asserts no frame arrives within the window.
func expectSilence(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(window)))
	var frame map[string]any
	err := conn.ReadJSON(&frame)
	require.Error(t, err, "unexpected frame: %v", frame)
}

func submitJob(t *testing.T, h *hubRig, service string) *broker.Job {
	t.Helper()
	job, err := h.jobs.Submit(context.Background(), broker.SubmitSpec{
		ServiceRequired: service,
		Payload:         json.RawMessage(`{"prompt":"sunrise"}`),
	})
	require.NoError(t, err)
	return job
}

func simCaps(workerID string) *broker.Capabilities {
	return &broker.Capabilities{
		WorkerID: workerID,
		Services: []string{"sim"},
		Hardware: broker.Hardware{GPUMemoryGB: 24, RAMGB: 64, CPUCores: 16},
	}
}

func TestHub_MonitorSeesJobLifecycle(t *testing.T) {
	h := newHubRig(t, Options{})
	mon := h.dial(t, ConnMonitor, "m1")
	ctx := context.Background()

	job := submitJob(t, h, "sim")
	frame := readFrame(t, mon, "job_status_changed")
	assert.Equal(t, job.ID, frame["job_id"])
	assert.Equal(t, "pending", frame["new_status"])

	_, err := h.registry.Register(ctx, simCaps("w1"))
	require.NoError(t, err)
	claimed, err := h.brk.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	frame = readFrame(t, mon, "job_status_changed")
	assert.Equal(t, "pending", frame["old_status"])
	assert.Equal(t, "assigned", frame["new_status"])
	assert.Equal(t, "w1", frame["worker_id"])

	// Assignment also lands as a progress record
	frame = readFrame(t, mon, "job_progress")
	assert.Equal(t, job.ID, frame["job_id"])
	assert.Equal(t, "assigned", frame["status"])

	require.NoError(t, h.jobs.MarkInProgress(ctx, job.ID, "w1"))
	require.NoError(t, h.jobs.Complete(ctx, job.ID, "w1", json.RawMessage(`{"image":"out.png"}`)))

	for {
		frame = readFrame(t, mon, "job_status_changed")
		if frame["new_status"] == "completed" {
			break
		}
	}
	assert.Equal(t, job.ID, frame["job_id"])
	assert.Equal(t, "w1", frame["worker_id"])
}

func TestHub_MonitorSeesWorkerLifecycle(t *testing.T) {
	h := newHubRig(t, Options{})
	mon := h.dial(t, ConnMonitor, "m1")
	ctx := context.Background()

	_, err := h.registry.Register(ctx, simCaps("w1"))
	require.NoError(t, err)
	frame := readFrame(t, mon, "worker_status_changed")
	assert.Equal(t, "w1", frame["worker_id"])
	assert.Equal(t, "initializing", frame["new_status"])

	require.NoError(t, h.registry.MarkIdle(ctx, "w1"))
	frame = readFrame(t, mon, "worker_status_changed")
	assert.Equal(t, "idle", frame["new_status"])

	require.NoError(t, h.registry.Deregister(ctx, "w1"))
	for {
		frame = readFrame(t, mon, "worker_status_changed")
		if frame["new_status"] == "offline" {
			break
		}
	}
	assert.Equal(t, "w1", frame["worker_id"])
}

func TestHub_ClientSubmitAndCompletion(t *testing.T) {
	h := newHubRig(t, Options{})
	ctx := context.Background()
	client := h.dial(t, ConnClient, "c1")

	frame := readFrame(t, client, "connection_established")
	assert.NotEmpty(t, frame["message"])

	require.NoError(t, client.WriteJSON(map[string]any{
		"type":             "submit_job",
		"service_required": "sim",
		"priority":         80,
		"payload":          map[string]any{"prompt": "sunset"},
	}))
	accepted := readFrame(t, client, "job_accepted")
	jobID, _ := accepted["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "queued", accepted["status"])

	job, err := h.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 80, job.Priority)

	// Simulated worker runs the job
	_, err = h.registry.Register(ctx, simCaps("w1"))
	require.NoError(t, err)
	claimed, err := h.brk.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)
	require.Equal(t, jobID, claimed.ID)
	require.NoError(t, h.jobs.MarkInProgress(ctx, jobID, "w1"))
	require.NoError(t, h.bus.Publish(ctx, broker.ProgressRecord{
		JobID:    jobID,
		WorkerID: "w1",
		Progress: 50,
		Status:   broker.ProgressStatusProcessing,
		Message:  "halfway",
	}))

	// Assignment and start publish their own progress records; read
	// through to the worker-reported one.
	var progress map[string]any
	for {
		progress = readFrame(t, client, "update_job_progress")
		if progress["progress"] == float64(50) {
			break
		}
	}
	assert.Equal(t, jobID, progress["job_id"])

	require.NoError(t, h.jobs.Complete(ctx, jobID, "w1", json.RawMessage(`{"image":"out.png"}`)))
	complete := readFrame(t, client, "complete_job")
	assert.Equal(t, jobID, complete["job_id"])
	result, ok := complete["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "success", result["status"])
	data, ok := result["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "out.png", data["image"])
}

func TestHub_ClientScopedToOwnJobs(t *testing.T) {
	h := newHubRig(t, Options{})
	ctx := context.Background()
	submitter := h.dial(t, ConnClient, "c1")
	bystander := h.dial(t, ConnClient, "c2")
	readFrame(t, submitter, "connection_established")
	readFrame(t, bystander, "connection_established")

	require.NoError(t, submitter.WriteJSON(map[string]any{
		"type":             "submit_job",
		"service_required": "sim",
	}))
	accepted := readFrame(t, submitter, "job_accepted")
	jobID, _ := accepted["job_id"].(string)

	_, err := h.registry.Register(ctx, simCaps("w1"))
	require.NoError(t, err)
	claimed, err := h.brk.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)
	require.Equal(t, jobID, claimed.ID)
	require.NoError(t, h.jobs.Complete(ctx, jobID, "w1", nil))

	frame := readFrame(t, submitter, "complete_job")
	assert.Equal(t, "success", frame["result"].(map[string]any)["status"])
	expectSilence(t, bystander, 300*time.Millisecond)
}

func TestHub_ClientFailureFrames(t *testing.T) {
	h := newHubRig(t, Options{})
	ctx := context.Background()
	client := h.dial(t, ConnClient, "c1")
	readFrame(t, client, "connection_established")

	require.NoError(t, client.WriteJSON(map[string]any{
		"type":             "submit_job",
		"service_required": "sim",
		"max_retries":      2,
	}))
	accepted := readFrame(t, client, "job_accepted")
	jobID, _ := accepted["job_id"].(string)

	_, err := h.registry.Register(ctx, simCaps("w1"))
	require.NoError(t, err)
	_, err = h.registry.Register(ctx, simCaps("w2"))
	require.NoError(t, err)

	// First failure requeues
	_, err = h.brk.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)
	require.NoError(t, h.jobs.Fail(ctx, jobID, "w1", "transient OOM on GPU 0", true))

	// Retry exhausts the budget
	_, err = h.brk.ClaimNext(ctx, simCaps("w2"))
	require.NoError(t, err)
	require.NoError(t, h.jobs.Fail(ctx, jobID, "w2", "OOM persisted across retry", true))

	// Frames arrive in publish order, so the first complete_job carrying
	// the second failure's message proves the retryable failure produced
	// no terminal frame.
	frame := readFrame(t, client, "complete_job")
	assert.Equal(t, jobID, frame["job_id"])
	result := frame["result"].(map[string]any)
	assert.Equal(t, "failed", result["status"])
	assert.Equal(t, "OOM persisted across retry", result["error"])
}

func TestHub_WorkerSocketGetsCancelDirective(t *testing.T) {
	h := newHubRig(t, Options{})
	ctx := context.Background()
	workerSock := h.dial(t, ConnWorker, "w1")

	job := submitJob(t, h, "sim")
	_, err := h.registry.Register(ctx, simCaps("w1"))
	require.NoError(t, err)
	claimed, err := h.brk.ClaimNext(ctx, simCaps("w1"))
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	require.NoError(t, h.jobs.Cancel(ctx, job.ID, "user changed mind"))

	frame := readFrame(t, workerSock, "cancel_job")
	assert.Equal(t, job.ID, frame["job_id"])
	assert.Equal(t, "user changed mind", frame["reason"])
}

func TestHub_SubmitRateLimited(t *testing.T) {
	h := newHubRig(t, Options{SubmitRatePerSec: 0.001, SubmitBurst: 1})
	client := h.dial(t, ConnClient, "c1")
	readFrame(t, client, "connection_established")

	submit := map[string]any{"type": "submit_job", "service_required": "sim"}
	require.NoError(t, client.WriteJSON(submit))
	require.NoError(t, client.WriteJSON(submit))

	readFrame(t, client, "job_accepted")
	frame := readFrame(t, client, "error")
	assert.Contains(t, frame["error"], "rate")
}

func TestHub_ChunkedSubmitReassembled(t *testing.T) {
	h := newHubRig(t, Options{})
	client := h.dial(t, ConnClient, "c1")
	readFrame(t, client, "connection_established")

	payload, err := json.Marshal(map[string]any{
		"type":             "submit_job",
		"service_required": "sim",
		"payload":          map[string]any{"prompt": strings.Repeat("a very long prompt ", 50)},
	})
	require.NoError(t, err)

	for _, chunk := range SplitChunks(payload, 64) {
		require.NoError(t, client.WriteJSON(chunk))
	}

	accepted := readFrame(t, client, "job_accepted")
	assert.NotEmpty(t, accepted["job_id"])
}

func TestHub_ReconnectSupersedesStaleSocket(t *testing.T) {
	h := newHubRig(t, Options{})
	first := h.dial(t, ConnMonitor, "m1")

	second, resp, err := websocket.DefaultDialer.Dial(h.wsURL("monitor", "m1"), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { second.Close() })

	// The stale socket is closed by the hub
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// The replacement receives events
	submitJob(t, h, "sim")
	frame := readFrame(t, second, "job_status_changed")
	assert.Equal(t, "pending", frame["new_status"])
}

func TestHub_RejectsDisallowedOrigin(t *testing.T) {
	h := newHubRig(t, Options{AllowedOrigins: []string{"https://dashboard.example.com"}})

	header := http.Header{"Origin": []string{"https://evil.example.net"}}
	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL("monitor", "m1"), header)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		resp.Body.Close()
	}

	// Allowed origin passes
	header = http.Header{"Origin": []string{"https://dashboard.example.com"}}
	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL("monitor", "m2"), header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	conn.Close()
}

func TestHub_StatsBroadcastReachesMonitorsOnly(t *testing.T) {
	h := newHubRig(t, Options{StatsInterval: 50 * time.Millisecond})
	ctx := context.Background()

	submitJob(t, h, "sim")
	_, err := h.registry.Register(ctx, simCaps("w1"))
	require.NoError(t, err)

	mon := h.dial(t, ConnMonitor, "m1")
	client := h.dial(t, ConnClient, "c1")
	readFrame(t, client, "connection_established")

	frame := readFrame(t, mon, "stats_broadcast")
	system, ok := frame["system"].(map[string]any)
	require.True(t, ok)
	queues := system["queues"].(map[string]any)
	assert.Equal(t, float64(1), queues["pending"])
	workers := frame["workers"].(map[string]any)
	assert.Contains(t, workers, "w1")

	conns := frame["connections"].(map[string]any)
	monitors, ok := conns["monitors"].([]any)
	require.True(t, ok)
	assert.Contains(t, monitors, "m1")

	// Stats never reach client sockets
	expectSilence(t, client, 300*time.Millisecond)
}
