package cmd

import (
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/beaconproof/internal/observability"
	"github.com/3leaps/beaconproof/pkg/pipeline"
)

var (
	verifySlot      uint64
	verifyValidator uint64
	verifyOutput    string
	verifyStrict    bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify one validator in process",
	Long: `Run a single verification without a server and print the outcome.

Examples:
  beaconproof verify --slot 9000000 --validator 42
  beaconproof verify --slot 9000000 --validator 42 --output yaml
  beaconproof verify --slot 9000000 --validator 42 --strict   # exit 1 if not verified`,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().Uint64Var(&verifySlot, "slot", 0, "Beacon slot")
	verifyCmd.Flags().Uint64Var(&verifyValidator, "validator", 0, "Validator index")
	verifyCmd.Flags().StringVarP(&verifyOutput, "output", "o", "json", "Output format (json, yaml)")
	verifyCmd.Flags().BoolVar(&verifyStrict, "strict", false, "Exit non-zero when the proof does not verify")
	_ = verifyCmd.MarkFlagRequired("slot")
	_ = verifyCmd.MarkFlagRequired("validator")
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	upstream, err := buildStack(ctx, cfg, observability.CLILogger, nil)
	if err != nil {
		return err
	}
	defer upstream.Close()

	req := pipeline.Request{Slot: verifySlot, ValidatorIndex: verifyValidator}
	out, err := upstream.pipeline.Run(ctx, nil, req)
	if err != nil {
		if ctx.Err() != nil {
			return exitError(foundry.ExitSignalInt, "Verification cancelled", ctx.Err())
		}
		phase, _ := pipeline.FailedPhase(err)
		observability.CLILogger.Error("Verification failed", zap.String("phase", phase), zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Verification failed", err)
	}

	if err := writeOutput(cmd.OutOrStdout(), verifyOutput, out); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --output value", err)
	}
	if verifyStrict && !out.Verified {
		return exitError(1, "Proof did not verify", errors.New(string(out.Reason)))
	}
	observability.CLILogger.Debug(fmt.Sprintf("Verification finished: %s", out.Reason))
	return nil
}
