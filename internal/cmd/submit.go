package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/beaconproof/internal/observability"
	"github.com/3leaps/beaconproof/pkg/jobregistry"
	"github.com/3leaps/beaconproof/pkg/output"
	"github.com/3leaps/beaconproof/pkg/pipeline"
)

var (
	serverURL     string
	clientTimeout time.Duration
	clientOutput  string

	submitSlot      uint64
	submitValidator uint64
	submitWait      bool
	submitInterval  time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a verification job to a running server",
	Long: `Submit a verification job and print its initial status. With --wait, poll
until the job completes or fails.

Examples:
  beaconproof submit --slot 9000000 --validator 42
  beaconproof submit --slot 9000000 --validator 42 --wait --output yaml
  beaconproof submit --server http://prover-host:8080 --slot 1 --validator 2`,
	RunE: runSubmit,
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server base URL")
	cmd.Flags().DurationVar(&clientTimeout, "timeout", 30*time.Second, "HTTP request timeout")
	cmd.Flags().StringVarP(&clientOutput, "output", "o", "json", "Output format (json, yaml, jsonl)")
}

func init() {
	rootCmd.AddCommand(submitCmd)
	addClientFlags(submitCmd)

	submitCmd.Flags().Uint64Var(&submitSlot, "slot", 0, "Beacon slot")
	submitCmd.Flags().Uint64Var(&submitValidator, "validator", 0, "Validator index")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "Wait for the job to finish")
	submitCmd.Flags().DurationVar(&submitInterval, "interval", time.Second, "Poll interval with --wait")
	_ = submitCmd.MarkFlagRequired("slot")
	_ = submitCmd.MarkFlagRequired("validator")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	client, err := newAPIClient(serverURL, clientTimeout)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --server value", err)
	}

	view, err := client.Submit(ctx, pipeline.Request{Slot: submitSlot, ValidatorIndex: submitValidator})
	if err != nil {
		return clientExit("Submit failed", err)
	}
	observability.CLILogger.Info("Job submitted", zap.String("job_id", view.JobID))

	var events *output.JSONLWriter
	var onUpdate func(jobregistry.JobView)
	if clientOutput == formatJSONL {
		events = output.NewJSONLWriter(cmd.OutOrStdout())
		defer func() { _ = events.Close() }()
		onUpdate = func(v jobregistry.JobView) {
			_ = events.WriteProgress(ctx, v.JobID, &output.ProgressRecord{Phase: v.Phase, Status: string(v.Status)})
		}
	}

	if submitWait {
		view, err = waitForJob(ctx, client, view.JobID, submitInterval, onUpdate)
		if err != nil {
			if ctx.Err() != nil {
				return exitError(foundry.ExitSignalInt, "Wait cancelled", ctx.Err())
			}
			return clientExit("Wait failed", err)
		}
	}

	if events != nil {
		if err := writeJobRecords(ctx, events, view); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
		return nil
	}
	if err := writeOutput(cmd.OutOrStdout(), clientOutput, view); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --output value", err)
	}
	return nil
}

// waitForJob polls id until it is terminal. Transport errors are retried;
// server answers such as 404 are not. onUpdate, if set, sees every phase
// change.
func waitForJob(ctx context.Context, client *apiClient, id string, interval time.Duration, onUpdate func(jobregistry.JobView)) (jobregistry.JobView, error) {
	var view jobregistry.JobView
	lastPhase := ""
	op := func() error {
		v, err := client.Job(ctx, id)
		if err != nil {
			var apiErr *apiError
			if errors.As(err, &apiErr) {
				return backoff.Permanent(err)
			}
			return err
		}
		view = v
		if onUpdate != nil && v.Phase != lastPhase {
			lastPhase = v.Phase
			onUpdate(v)
		}
		if !v.Terminal() {
			observability.CLILogger.Debug("Job running", zap.String("job_id", id), zap.String("phase", v.Phase))
			return errors.New("job still running")
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(interval), ctx))
	return view, err
}

func clientExit(message string, err error) error {
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status < 500 {
		return exitError(foundry.ExitInvalidArgument, message, err)
	}
	return exitError(foundry.ExitExternalServiceUnavailable, message, err)
}
