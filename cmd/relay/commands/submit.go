package commands

import (
	"context"
	"encoding/json"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/relay/broker"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
)

// SubmitCmd submits a job to the queue
var SubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job to the queue",
	Long: `Submit a job directly to the queue.

The job joins the pending queue at its priority and waits for a
worker whose capabilities match. Use --payload for inline JSON or
--payload-file to read it from disk.

Examples:
  relay submit --service sim
  relay submit --service sim --priority 80 --payload '{"steps": 20}'
  relay submit --service comfyui --model sdxl --min-gpu-gb 24 --customer acme`,
	RunE: runSubmit,
}

var (
	submitService     string
	submitPriority    int
	submitPayload     string
	submitPayloadFile string
	submitCustomer    string
	submitMaxRetries  int
	submitModels      []string
	submitMinGPUGB    float64
	submitMinRAMGB    float64
	submitWorkflow    string
)

func init() {
	SubmitCmd.Flags().StringVar(&submitService, "service", "", "Service the job requires (required)")
	SubmitCmd.MarkFlagRequired("service")
	SubmitCmd.Flags().IntVar(&submitPriority, "priority", -1, "Priority 0..100, higher first (default from config)")
	SubmitCmd.Flags().StringVar(&submitPayload, "payload", "", "Job payload as inline JSON")
	SubmitCmd.Flags().StringVar(&submitPayloadFile, "payload-file", "", "Path to a JSON payload file")
	SubmitCmd.Flags().StringVar(&submitCustomer, "customer", "", "Customer id for access scoping")
	SubmitCmd.Flags().IntVar(&submitMaxRetries, "max-retries", -1, "Retry budget (default from config)")
	SubmitCmd.Flags().StringSliceVar(&submitModels, "model", nil, "Model(s) the worker must have loaded")
	SubmitCmd.Flags().Float64Var(&submitMinGPUGB, "min-gpu-gb", 0, "Minimum GPU memory in GB")
	SubmitCmd.Flags().Float64Var(&submitMinRAMGB, "min-ram-gb", 0, "Minimum system RAM in GB")
	SubmitCmd.Flags().StringVar(&submitWorkflow, "workflow", "", "Workflow id for grouped scheduling")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	payload, err := resolvePayload()
	if err != nil {
		return err
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
	jobs := broker.NewJobRepository(s, bus, nil, logger.Logger, broker.RepositoryOptions{
		DefaultPriority:   cfg.Broker.DefaultPriority,
		DefaultMaxRetries: cfg.Broker.DefaultMaxRetries,
	})

	spec := broker.SubmitSpec{
		ServiceRequired: submitService,
		Payload:         payload,
		CustomerID:      submitCustomer,
		WorkflowID:      submitWorkflow,
	}
	if submitPriority >= 0 {
		spec.Priority = &submitPriority
	}
	if submitMaxRetries >= 0 {
		spec.MaxRetries = &submitMaxRetries
	}
	if req := buildRequirements(); req != nil {
		spec.Requirements = req
	}

	job, err := jobs.Submit(ctx, spec)
	if err != nil {
		return err
	}

	if jsonFlag(cmd) {
		return printJSON(job)
	}

	pterm.Success.Printf("Job queued: %s\n", job.ID)
	if pos, err := jobs.PendingPosition(ctx, job.ID); err == nil && pos >= 0 {
		pterm.Info.Printf("Queue position: %d (priority %d)\n", pos+1, job.Priority)
	}
	pterm.Info.Printf("Track with: relay status %s\n", job.ID)
	return nil
}

// resolvePayload reads the payload from --payload or --payload-file and
// rejects anything that is not valid JSON before it reaches the queue.
func resolvePayload() (json.RawMessage, error) {
	if submitPayload != "" && submitPayloadFile != "" {
		return nil, errors.New("cannot specify both --payload and --payload-file")
	}

	raw := []byte(submitPayload)
	if submitPayloadFile != "" {
		data, err := os.ReadFile(submitPayloadFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read payload file %s", submitPayloadFile)
		}
		raw = data
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func buildRequirements() *broker.Requirements {
	if len(submitModels) == 0 && submitMinGPUGB <= 0 && submitMinRAMGB <= 0 {
		return nil
	}

	req := &broker.Requirements{Models: submitModels}
	if submitMinGPUGB > 0 || submitMinRAMGB > 0 {
		// Zero thresholds constrain nothing
		req.Hardware = &broker.HardwareRequirements{
			GPUMemoryGB: broker.Threshold{Value: submitMinGPUGB},
			RAMGB:       broker.Threshold{Value: submitMinRAMGB},
		}
	}
	return req
}
