package broker

import (
	"encoding/json"
	"time"

	"github.com/teranos/relay/errors"
)

// WorkerStatus represents the current state of a worker
type WorkerStatus string

const (
	WorkerStatusInitializing WorkerStatus = "initializing"
	WorkerStatusIdle         WorkerStatus = "idle"
	WorkerStatusBusy         WorkerStatus = "busy"
	WorkerStatusOffline      WorkerStatus = "offline"
)

// Worker is the registry's view of one worker process. The authoritative
// copy lives in the worker:<id> hash; liveness is tracked separately by the
// short-TTL heartbeat key, not by this record.
type Worker struct {
	ID            string        `json:"id"`
	MachineID     string        `json:"machine_id,omitempty"` // grouping metadata only
	Version       string        `json:"version,omitempty"`
	Capabilities  *Capabilities `json:"capabilities,omitempty"`
	Status        WorkerStatus  `json:"status"`
	CurrentJobID  string        `json:"current_job_id,omitempty"`
	ConnectedAt   time.Time     `json:"connected_at"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	JobsProcessed int           `json:"jobs_processed"`
	JobsFailed    int           `json:"jobs_failed"`
}

// Capabilities is what a worker advertises at registration and what the
// claim path matches job requirements against.
type Capabilities struct {
	WorkerID  string `json:"worker_id"`
	MachineID string `json:"machine_id,omitempty"`
	Version   string `json:"version,omitempty"`

	Services   []string `json:"services"`
	Components []string `json:"components,omitempty"` // ["all"] = any
	Workflows  []string `json:"workflows,omitempty"`  // ["all"] = any

	// Models maps service → model names; ["all"] advertises everything
	Models map[string][]string `json:"models,omitempty"`

	Hardware       Hardware        `json:"hardware"`
	CustomerAccess *CustomerAccess `json:"customer_access,omitempty"`

	MaxConcurrentJobs int `json:"max_concurrent_jobs,omitempty"`
}

// Hardware is a worker's reported capacity
type Hardware struct {
	GPUMemoryGB float64 `json:"gpu_memory_gb,omitempty"`
	GPUModel    string  `json:"gpu_model,omitempty"`
	RAMGB       float64 `json:"ram_gb,omitempty"`
	CPUCores    int     `json:"cpu_cores,omitempty"`
}

// CustomerAccess scopes which customers' jobs a worker may process
type CustomerAccess struct {
	Isolation        string   `json:"isolation,omitempty"` // "none" | "strict"
	AllowedCustomers []string `json:"allowed_customers,omitempty"`
	DeniedCustomers  []string `json:"denied_customers,omitempty"`
}

// HasService reports whether the worker advertises the given service
func (c *Capabilities) HasService(service string) bool {
	for _, s := range c.Services {
		if s == service {
			return true
		}
	}
	return false
}

// Fields serializes the worker into store-hash form
func (w *Worker) Fields() map[string]any {
	fields := map[string]any{
		"id":             w.ID,
		"status":         string(w.Status),
		"connected_at":   w.ConnectedAt.UnixMilli(),
		"last_heartbeat": w.LastHeartbeat.UnixMilli(),
		"jobs_processed": w.JobsProcessed,
		"jobs_failed":    w.JobsFailed,
	}
	if w.MachineID != "" {
		fields["machine_id"] = w.MachineID
	}
	if w.Version != "" {
		fields["version"] = w.Version
	}
	if w.CurrentJobID != "" {
		fields["current_job_id"] = w.CurrentJobID
	}
	if w.Capabilities != nil {
		if data, err := json.Marshal(w.Capabilities); err == nil {
			fields["capabilities"] = string(data)
		}
	}
	return fields
}

// WorkerFromFields rebuilds a worker from its store-hash form
func WorkerFromFields(fields map[string]string) (*Worker, error) {
	if len(fields) == 0 {
		return nil, errors.ErrNotFound
	}
	id, ok := fields["id"]
	if !ok {
		return nil, errors.New("worker hash missing id field")
	}

	w := &Worker{
		ID:           id,
		MachineID:    fields["machine_id"],
		Version:      fields["version"],
		Status:       WorkerStatus(fields["status"]),
		CurrentJobID: fields["current_job_id"],
	}
	if raw, ok := fields["capabilities"]; ok && raw != "" {
		var caps Capabilities
		if err := json.Unmarshal([]byte(raw), &caps); err != nil {
			return nil, errors.Wrapf(err, "failed to parse capabilities for worker %s", id)
		}
		w.Capabilities = &caps
	}

	var err error
	if w.JobsProcessed, err = parseIntField(fields, "jobs_processed"); err != nil {
		return nil, errors.WithDetail(err, "Worker ID: "+id)
	}
	if w.JobsFailed, err = parseIntField(fields, "jobs_failed"); err != nil {
		return nil, errors.WithDetail(err, "Worker ID: "+id)
	}
	if ts := parseTimeField(fields, "connected_at"); ts != nil {
		w.ConnectedAt = *ts
	}
	if ts := parseTimeField(fields, "last_heartbeat"); ts != nil {
		w.LastHeartbeat = *ts
	}
	return w, nil
}
