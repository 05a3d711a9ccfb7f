package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/relay/broker"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
)

// StatusCmd shows queue, worker, and job status
var StatusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show queue, worker, and job status",
	Long: `Show the state of the queue and the worker fleet, or one job in
detail when a job id is given.

Examples:
  relay status                         # Queue depth, workers, recent jobs
  relay status --status failed         # Recent failed jobs
  relay status job-abc123              # One job in detail`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var (
	statusLimit  int
	statusFilter string
)

func init() {
	StatusCmd.Flags().IntVar(&statusLimit, "limit", 10, "Maximum number of recent jobs to list")
	StatusCmd.Flags().StringVar(&statusFilter, "status", "", "Filter the job list (pending, assigned, in_progress, completed, failed, cancelled)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusFilter != "" && !broker.IsValidStatus(statusFilter) {
		return errors.Newf("unknown status: %s", statusFilter)
	}

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
	registry, err := broker.NewWorkerRegistry(s, logger.Logger, broker.RegistryOptions{})
	if err != nil {
		return errors.Wrap(err, "failed to create worker registry")
	}

	if len(args) == 1 {
		return showJob(ctx, cmd, jobs, args[0])
	}
	return showOverview(ctx, cmd, jobs, registry)
}

func showOverview(ctx context.Context, cmd *cobra.Command, jobs *broker.JobRepository, registry *broker.WorkerRegistry) error {
	stats, err := jobs.Stats(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to read queue stats")
	}
	workers, err := registry.ListActive(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list workers")
	}

	filter := broker.Filter{Limit: statusLimit}
	if statusFilter != "" {
		filter.Status = broker.JobStatus(statusFilter)
	}
	recent, err := jobs.Query(ctx, filter)
	if err != nil {
		return errors.Wrap(err, "failed to query jobs")
	}

	if jsonFlag(cmd) {
		return printJSON(map[string]any{
			"queues":  stats,
			"workers": workers,
			"jobs":    recent,
		})
	}

	fmt.Printf("Relay Queue Status\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Pending:    %d\n", stats.Pending)
	fmt.Printf("Active:     %d\n", stats.Active)
	fmt.Printf("Completed:  %d\n", stats.Completed)
	fmt.Printf("Failed:     %d\n", stats.Failed)
	fmt.Println()

	if len(workers) == 0 {
		pterm.Info.Println("No workers connected")
	} else {
		table := pterm.TableData{{"WORKER", "STATUS", "SERVICES", "GPU", "HEARTBEAT", "DONE/FAILED"}}
		for _, w := range workers {
			services := "-"
			gpu := "-"
			if w.Capabilities != nil {
				if len(w.Capabilities.Services) > 0 {
					services = strings.Join(w.Capabilities.Services, ",")
				}
				if w.Capabilities.Hardware.GPUModel != "" {
					gpu = fmt.Sprintf("%s %.0fGB", w.Capabilities.Hardware.GPUModel, w.Capabilities.Hardware.GPUMemoryGB)
				}
			}
			table = append(table, []string{
				w.ID,
				string(w.Status),
				services,
				gpu,
				heartbeatColumn(ctx, registry, w.ID),
				fmt.Sprintf("%d/%d", w.JobsProcessed, w.JobsFailed),
			})
		}
		pterm.DefaultTable.WithHasHeader().WithData(table).Render()
	}
	fmt.Println()

	if len(recent) == 0 {
		pterm.Info.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-40s %-12s %-10s %-4s %s\n", "JOB ID", "STATUS", "SERVICE", "PRI", "CREATED")
	fmt.Printf("%-40s %-12s %-10s %-4s %s\n", "------", "------", "-------", "---", "-------")
	for _, job := range recent {
		fmt.Printf("%-40s %-12s %-10s %-4d %s\n",
			truncate(job.ID, 40),
			job.Status,
			truncate(job.ServiceRequired, 10),
			job.Priority,
			job.CreatedAt.Format("2006-01-02 15:04"))
	}
	fmt.Printf("\nTotal: %d job(s) shown\n", len(recent))
	return nil
}

func showJob(ctx context.Context, cmd *cobra.Command, jobs *broker.JobRepository, jobID string) error {
	job, err := jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if jsonFlag(cmd) {
		return printJSON(job)
	}

	fmt.Printf("Job: %s\n", job.ID)
	fmt.Printf("  Service:  %s\n", job.ServiceRequired)
	fmt.Printf("  Status:   %s\n", job.Status)
	fmt.Printf("  Priority: %d\n", job.Priority)
	if job.CustomerID != "" {
		fmt.Printf("  Customer: %s\n", job.CustomerID)
	}
	if job.WorkflowID != "" {
		fmt.Printf("  Workflow: %s (step %d/%d)\n", job.WorkflowID, job.StepNumber, job.TotalSteps)
	}
	if job.WorkerID != "" {
		fmt.Printf("  Worker:   %s\n", job.WorkerID)
	}
	if job.RetryCount > 0 || job.MaxRetries > 0 {
		fmt.Printf("  Retries:  %d/%d\n", job.RetryCount, job.MaxRetries)
	}
	if job.Error != "" {
		fmt.Printf("  Error:    %s\n", job.Error)
	}
	fmt.Println()

	if job.Status == broker.JobStatusPending {
		if pos, err := jobs.PendingPosition(ctx, job.ID); err == nil && pos >= 0 {
			fmt.Printf("Queue position: %d\n\n", pos+1)
		}
	}
	if job.Status == broker.JobStatusCompleted {
		if result, err := jobs.CompletedResult(ctx, job.ID); err == nil && len(result) > 0 {
			fmt.Printf("Result: %s\n\n", string(result))
		}
	}

	fmt.Printf("Created: %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
	printTimestamp("Assigned", job.AssignedAt)
	printTimestamp("Started", job.StartedAt)
	printTimestamp("Completed", job.CompletedAt)
	printTimestamp("Failed", job.FailedAt)
	printTimestamp("Cancelled", job.CancelledAt)
	return nil
}

func printTimestamp(label string, t *time.Time) {
	if t != nil {
		fmt.Printf("%s: %s\n", label, t.Format("2006-01-02 15:04:05"))
	}
}

// heartbeatColumn formats a worker's heartbeat age for the fleet table
func heartbeatColumn(ctx context.Context, registry *broker.WorkerRegistry, workerID string) string {
	age, err := registry.HeartbeatAge(ctx, workerID)
	if err != nil {
		return "?"
	}
	return age.Round(time.Second).String() + " ago"
}

// truncate truncates a string to maxLen characters
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
