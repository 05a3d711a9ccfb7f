package commands

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/relay/broker"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/metrics"
	"github.com/teranos/relay/worker"
)

// WorkCmd starts a relay worker
var WorkCmd = &cobra.Command{
	Use:   "work",
	Short: "Start a worker that polls the queue for jobs",
	Long: `Start a relay worker in foreground mode.

The worker registers its capabilities (services, models, hardware),
then polls the queue and claims the highest-priority job it can
serve. Progress streams back through the store; heartbeats keep the
claim alive. Runs until interrupted (Ctrl+C); shutdown drains
running jobs before exit.

Connectors:
  sim - built-in simulator (sleeps through N steps, emits progress)

Examples:
  relay work                         # Worker with configured services
  relay work --id gpu-0 --services sim
  relay work --sim-failure-rate 0.2  # One simulated job in five fails`,
	RunE: runWork,
}

var (
	workID             string
	workServices       []string
	workMaxConcurrent  int
	workSimFailureRate float64
	workSimDuration    time.Duration
)

func init() {
	WorkCmd.Flags().StringVar(&workID, "id", "", "Worker id (default: derived from hostname)")
	WorkCmd.Flags().StringSliceVar(&workServices, "services", nil, "Connector services to enable (overrides config)")
	WorkCmd.Flags().IntVar(&workMaxConcurrent, "max-concurrent", 0, "Concurrent job limit (overrides config)")
	WorkCmd.Flags().Float64Var(&workSimFailureRate, "sim-failure-rate", 0, "Fraction of simulated jobs that fail (0..1)")
	WorkCmd.Flags().DurationVar(&workSimDuration, "sim-duration", 0, "Simulated processing time per job")
}

func runWork(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Daemons default to Info so startup progress is visible
	if _, err := reinitLogger(cmd, cfg, logger.VerbosityInfo); err != nil {
		return err
	}

	services := cfg.Worker.Services
	if len(workServices) > 0 {
		services = workServices
	}
	maxConcurrent := cfg.Worker.MaxConcurrentJobs
	if workMaxConcurrent > 0 {
		maxConcurrent = workMaxConcurrent
	}
	workerID := workID
	if workerID == "" {
		workerID = worker.DefaultWorkerID()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	m := metrics.NewCollector()
	bus := broker.NewProgressBus(s, logger.Logger)
	jobs := broker.NewJobRepository(s, bus, m, logger.Logger, broker.RepositoryOptions{
		DefaultPriority:   cfg.Broker.DefaultPriority,
		DefaultMaxRetries: cfg.Broker.DefaultMaxRetries,
	})
	registry, err := broker.NewWorkerRegistry(s, logger.Logger, broker.RegistryOptions{
		MinWorkerVersion: cfg.Broker.MinWorkerVersion,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create worker registry")
	}
	b := broker.New(s, jobs, registry, bus, m, logger.Logger, broker.Options{
		StrictMatching:  cfg.Broker.StrictMatching,
		CandidateWindow: cfg.Broker.CandidateWindow,
	})

	mgr := worker.NewManager()
	for _, service := range services {
		if mgr.Has(service) {
			continue // config and flags may repeat a service
		}
		switch service {
		case "sim":
			mgr.Register(worker.NewSimulationConnector(worker.SimulationConfig{
				Duration:    workSimDuration,
				FailureRate: workSimFailureRate,
			}))
		default:
			pterm.Warning.Printf("No connector for service %q - skipping\n", service)
		}
	}
	if len(mgr.Names()) == 0 {
		return errors.New("no connectors enabled; nothing to serve")
	}

	caps := worker.DetectCapabilities(ctx, workerID, mgr, worker.HardwareConfig{
		GPUMemoryGB: cfg.Worker.GPUMemoryGB,
		GPUModel:    cfg.Worker.GPUModel,
	}, logger.Logger)

	rt := worker.NewRuntimeWithContext(ctx, s, b, jobs, registry, bus, mgr, caps, worker.Options{
		PollInterval:      cfg.Worker.PollInterval(),
		HeartbeatInterval: cfg.Worker.HeartbeatInterval(),
		JobTimeout:        cfg.Worker.JobTimeout(),
		MaxConcurrent:     maxConcurrent,
	}, logger.Logger)

	if err := rt.Start(); err != nil {
		return errors.Wrap(err, "failed to start worker")
	}

	pterm.Success.Printf("Worker %s registered\n", workerID)
	pterm.Info.Printf("  Services: %s\n", strings.Join(mgr.Names(), ", "))
	if caps.Hardware.GPUModel != "" {
		pterm.Info.Printf("  GPU: %s (%.0f GB)\n", caps.Hardware.GPUModel, caps.Hardware.GPUMemoryGB)
	}
	pterm.Info.Printf("  Poll interval: %v, max concurrent: %d\n", cfg.Worker.PollInterval(), maxConcurrent)
	pterm.Info.Println("  Press Ctrl+C for graceful shutdown")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	pterm.Info.Println("\nDraining running jobs before exit...")
	rt.Stop()
	pterm.Success.Println("Worker stopped cleanly")
	return nil
}
