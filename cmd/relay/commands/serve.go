package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/relay/broker"
	"github.com/teranos/relay/config"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/metrics"
	"github.com/teranos/relay/server"
)

// ServeCmd starts the relay broker
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the relay broker (HTTP API, WebSocket hub, reclaimer)",
	Long: `Start the relay broker in foreground mode.

The broker serves:
- REST API for job submission, queries, and cancellation
- WebSocket endpoints for monitors, clients, and workers
- Prometheus metrics on /metrics

A reclaimer sweeps for dead workers and stalled jobs so work lost
mid-flight returns to the queue. Runs until interrupted (Ctrl+C);
shutdown drains open sockets before exit.`,
	RunE: runServe,
}

var (
	servePort int
	serveHost string
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	ServeCmd.Flags().StringVar(&serveHost, "host", "", "Bind host (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}

	// Daemons default to Info so startup progress is visible
	verbosity, err := reinitLogger(cmd, cfg, logger.VerbosityInfo)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	if cfg.Store.Backend == "memory" {
		logger.Warnw("In-memory store: workers in other processes cannot reach this queue")
	}

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

	reclaimer := broker.NewReclaimerWithContext(ctx, s, jobs, registry, bus, m, broker.ReclaimerConfig{
		ScanInterval:     cfg.Reclaimer.ScanInterval(),
		HeartbeatTimeout: cfg.Reclaimer.HeartbeatTimeout(),
		ProgressTimeout:  cfg.Reclaimer.ProgressTimeout(),
	}, logger.Logger)
	reclaimer.Start()

	srv := server.NewWithContext(ctx, s, jobs, registry, bus, m, logger.Logger, server.Options{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MaxClients:        cfg.Server.MaxClients,
		MaxMessageBytes:   cfg.Server.MaxMessageBytes,
		ChunkBytes:        cfg.Server.ChunkBytes,
		StatsInterval:     cfg.Server.StatsInterval(),
		ConnectionTimeout: cfg.Server.ConnectionTimeout(),
		SubmitRatePerSec:  cfg.Server.SubmitRatePerSec,
		SubmitBurst:       cfg.Server.SubmitBurst,
	})
	if err := srv.Start(); err != nil {
		reclaimer.Stop()
		return errors.Wrap(err, "failed to start hub")
	}

	watcher := watchConfig(cmd)

	if !jsonFlag(cmd) && !cfg.Log.JSON {
		printStartupBanner(verbosity, cfg, srv.Addr())
	}

	// Start HTTP listener in background
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve()
	}()

	// Wait for shutdown signal (Ctrl+C)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		// Server failed to start or stopped unexpectedly
		reclaimer.Stop()
		return errors.Wrap(err, "server failed")
	case <-sigChan:
		// First Ctrl+C - graceful shutdown
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		// Stop components in reverse order of startup
		shutdownDone := make(chan error, 1)
		go func() {
			if watcher != nil {
				watcher.Stop()
			}
			err := srv.Stop()
			reclaimer.Stop()
			shutdownDone <- err
		}()

		// Wait for either shutdown completion or second Ctrl+C
		select {
		case err := <-shutdownDone:
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			pterm.Success.Println("Broker stopped cleanly")
			return nil
		case <-sigChan:
			// Second Ctrl+C - force immediate exit
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}

// watchConfig watches the active config file so operators see edits
// acknowledged. Settings bind at construction, so changes apply at the
// next restart; the watcher's job here is the on-disk validation gate
// and the log line saying the edit was seen.
func watchConfig(cmd *cobra.Command) *config.Watcher {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		files := config.ActiveFiles()
		if len(files) == 0 {
			return nil
		}
		path = files[len(files)-1]
	}

	w, err := config.NewWatcher(path)
	if err != nil {
		logger.Warnw("Config watcher unavailable",
			"path", path,
			"error", err)
		return nil
	}
	w.OnReload(func(c *config.Config) error {
		logger.Infow("Configuration changed on disk; most settings apply at next restart",
			"path", path)
		return nil
	})
	config.SetGlobalWatcher(w)
	w.Start()
	return w
}
