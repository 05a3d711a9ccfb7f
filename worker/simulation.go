package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/teranos/relay/broker"
	"github.com/teranos/relay/errors"
)

// SimulationConfig tunes the built-in simulator
type SimulationConfig struct {
	Duration    time.Duration // simulated processing time (default: 2 seconds)
	Steps       int           // progress callbacks per job (default: 10)
	FailureRate float64       // 0..1 fraction of jobs that fail mid-run
	Seed        int64         // 0 seeds from the clock
}

// SimulationConnector fakes a GPU backend: it sleeps through a fixed number
// of steps, emits monotonic progress, and fails a configurable fraction of
// jobs partway through. Used by `relay work` for the "sim" service and by
// the end-to-end tests, where a deterministic seed makes failures
// reproducible.
type SimulationConnector struct {
	cfg SimulationConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulationConnector creates a simulator with defaults applied
func NewSimulationConnector(cfg SimulationConfig) *SimulationConnector {
	if cfg.Duration <= 0 {
		cfg.Duration = 2 * time.Second
	}
	if cfg.Steps <= 0 {
		cfg.Steps = 10
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimulationConnector{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Name implements Connector
func (s *SimulationConnector) Name() string { return "sim" }

// Health implements Connector; the simulator is always ready
func (s *SimulationConnector) Health(ctx context.Context) bool { return true }

// AvailableModels implements Connector with the wildcard inventory
func (s *SimulationConnector) AvailableModels(ctx context.Context) ([]string, error) {
	return []string{"all"}, nil
}

// CancelJob implements Connector. Context cancellation already stops the
// step loop; there is no backend to interrupt.
func (s *SimulationConnector) CancelJob(ctx context.Context, jobID string) error {
	return nil
}

// ProcessJob sleeps through the configured steps, reporting progress after
// each. Payloads may override the shape with {"duration_ms": N, "steps": N}.
func (s *SimulationConnector) ProcessJob(ctx context.Context, job *broker.Job, sink ProgressSink) (json.RawMessage, error) {
	duration, steps := s.jobShape(job)
	interval := duration / time.Duration(steps)

	// Decide the job's fate up front so progress stays monotonic until the
	// failure point
	failAt := 0
	if s.draw() < s.cfg.FailureRate {
		failAt = 1 + s.drawInt(steps)
	}

	sink(0, string(broker.ProgressStatusProcessing), "simulation starting", 0, steps)
	for step := 1; step <= steps; step++ {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "simulation interrupted")
		case <-time.After(interval):
		}

		if step == failAt {
			return nil, errors.Wrapf(errors.ErrConnector, "simulated failure at step %d of %d", step, steps)
		}

		progress := float64(step) / float64(steps) * 100
		sink(progress, string(broker.ProgressStatusProcessing),
			fmt.Sprintf("step %d of %d", step, steps), step, steps)
	}

	result, err := json.Marshal(map[string]any{
		"simulated":   true,
		"steps":       steps,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode simulation result")
	}
	return result, nil
}

// jobShape resolves per-job overrides from the payload
func (s *SimulationConnector) jobShape(job *broker.Job) (time.Duration, int) {
	duration, steps := s.cfg.Duration, s.cfg.Steps
	if len(job.Payload) > 0 {
		var override struct {
			DurationMs int `json:"duration_ms"`
			Steps      int `json:"steps"`
		}
		if err := json.Unmarshal(job.Payload, &override); err == nil {
			if override.DurationMs > 0 {
				duration = time.Duration(override.DurationMs) * time.Millisecond
			}
			if override.Steps > 0 {
				steps = override.Steps
			}
		}
	}
	return duration, steps
}

// draw and drawInt serialize access to the shared rng; jobs run concurrently
func (s *SimulationConnector) draw() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *SimulationConnector) drawInt(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}
