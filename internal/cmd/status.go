package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/beaconproof/internal/server/handlers"
	"github.com/3leaps/beaconproof/pkg/jobregistry"
	"github.com/3leaps/beaconproof/pkg/output"
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show one job, or every retained job",
	Long: `Query a running server for job status.

Examples:
  beaconproof status 3f0c8a8e-1d2b-4c5e-9f00-0a1b2c3d4e5f
  beaconproof status --output yaml
  beaconproof status --output jsonl | jq -c 'select(.data.status == "failed")'`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	addClientFlags(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	client, err := newAPIClient(serverURL, clientTimeout)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --server value", err)
	}

	var out any
	var views []jobregistry.JobView
	if len(args) == 1 {
		var view jobregistry.JobView
		view, err = client.Job(ctx, args[0])
		out, views = view, []jobregistry.JobView{view}
	} else {
		var list handlers.ListResponse
		list, err = client.List(ctx)
		out, views = list, list.Jobs
	}
	if err != nil {
		return clientExit("Status request failed", err)
	}

	if clientOutput == formatJSONL {
		w := output.NewJSONLWriter(cmd.OutOrStdout())
		defer func() { _ = w.Close() }()
		if err := writeJobRecords(ctx, w, views...); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
		return nil
	}

	if err := writeOutput(cmd.OutOrStdout(), clientOutput, out); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --output value", err)
	}
	return nil
}
