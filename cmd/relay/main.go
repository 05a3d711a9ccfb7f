package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/relay/cmd/relay/commands"
	"github.com/teranos/relay/logger"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay - pull-based job broker for GPU inference fleets",
	Long: `Relay - pull-based job broker for GPU inference fleets.

A shared store holds the queue; workers poll it and claim the highest-
priority job their hardware and model inventory can serve. Nothing is
pushed: a job runs only where it fits.

Available commands:
  serve   - Start the broker (HTTP API, WebSocket hub, reclaimer)
  work    - Start a worker that polls the queue
  submit  - Submit a job to the queue
  status  - Show queue, worker, and job status
  cancel  - Cancel a job
  config  - Manage relay configuration
  version - Show version information

Examples:
  relay serve                               # Start the broker
  relay work --services sim                 # Start a simulation worker
  relay submit --service sim --priority 80  # Queue a job
  relay status                              # Queue depth and fleet state
  relay status job-abc123                   # One job in detail`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize global logger before any command runs. Daemon
		// commands re-initialize once config is loaded.
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonOut, _ := cmd.Flags().GetBool("json")
		if err := logger.InitializeWithVerbosity(jsonOut, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	// Add global flags
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().String("config", "", "Path to config file (overrides discovery)")
	rootCmd.PersistentFlags().Bool("json", false, "Machine-readable JSON output")

	// Add commands
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.WorkCmd)
	rootCmd.AddCommand(commands.SubmitCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.CancelCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	err := rootCmd.Execute()
	logger.Cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
