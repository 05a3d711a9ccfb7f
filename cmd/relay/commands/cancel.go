package commands

import (
	"context"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/relay/broker"
	"github.com/teranos/relay/logger"
)

// CancelCmd cancels a job
var CancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long: `Cancel a job at any point before it finishes.

Pending jobs leave the queue immediately. Assigned and running jobs
are interrupted: the holding worker receives a cancellation directive
and stops work. Cancelling a job that already finished is a no-op.

Example:
  relay cancel job-abc123 --reason "wrong model"`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

var cancelReason string

func init() {
	CancelCmd.Flags().StringVar(&cancelReason, "reason", "cancelled via CLI", "Reason recorded on the job")
}

func runCancel(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()
	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	bus := broker.NewProgressBus(s, logger.Logger)
	jobs := broker.NewJobRepository(s, bus, nil, logger.Logger, broker.RepositoryOptions{})

	if err := jobs.Cancel(ctx, jobID, cancelReason); err != nil {
		return err
	}

	job, err := jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != broker.JobStatusCancelled {
		// Cancel no-ops on finished jobs
		pterm.Info.Printf("Job %s already %s; nothing to cancel\n", jobID, job.Status)
		return nil
	}

	pterm.Success.Printf("Job %s cancelled\n", jobID)
	return nil
}
