package worker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/teranos/relay/broker"
	"github.com/teranos/relay/version"
)

// modelQueryTimeout bounds each AvailableModels call so one slow backend
// cannot stall registration.
const modelQueryTimeout = 10 * time.Second

// HardwareConfig carries the GPU figures that cannot be probed portably.
// RAM and CPU counts are detected; GPU memory and model come from config.
type HardwareConfig struct {
	GPUMemoryGB float64
	GPUModel    string
}

// DetectCapabilities builds the capability advertisement for this process:
// detected RAM and CPU, configured GPU figures, and per-service model
// inventories queried from the registered connectors. Detection failures
// degrade to zero values rather than blocking startup; a worker with
// unknown hardware still serves wildcard requirements.
func DetectCapabilities(ctx context.Context, workerID string, mgr *Manager, hw HardwareConfig, log *zap.SugaredLogger) *broker.Capabilities {
	caps := &broker.Capabilities{
		WorkerID:  workerID,
		MachineID: machineID(),
		Version:   version.Version,
		Services:  mgr.Names(),
		Models:    make(map[string][]string),
		Hardware: broker.Hardware{
			GPUMemoryGB: hw.GPUMemoryGB,
			GPUModel:    hw.GPUModel,
		},
	}

	if v, err := mem.VirtualMemory(); err == nil {
		caps.Hardware.RAMGB = float64(v.Total) / (1 << 30)
	} else {
		log.Warnw("Failed to detect system memory", "error", err)
	}
	if n, err := cpu.Counts(true); err == nil {
		caps.Hardware.CPUCores = n
	} else {
		log.Warnw("Failed to detect CPU count", "error", err)
	}

	for _, service := range mgr.Names() {
		queryCtx, cancel := context.WithTimeout(ctx, modelQueryTimeout)
		models, err := mgr.Get(service).AvailableModels(queryCtx)
		cancel()
		if err != nil {
			log.Warnw("Failed to query available models",
				"service", service,
				"error", err)
			continue
		}
		caps.Models[service] = models
	}

	return caps
}

// DefaultWorkerID derives a unique worker id from the hostname. One host
// can run several workers, so a short random suffix keeps ids distinct.
func DefaultWorkerID() string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("worker-%s-%s", machineID(), suffix)
}

// machineID groups workers running on one host. Hostname is stable enough
// for grouping; it carries no uniqueness guarantee.
func machineID() string {
	if info, err := host.Info(); err == nil && info.Hostname != "" {
		return info.Hostname
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "unknown"
}
