package cmd

import (
	"context"
	"fmt"
	"runtime"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/beaconproof/internal/config"
	errwrap "github.com/3leaps/beaconproof/internal/errors"
	"github.com/3leaps/beaconproof/internal/observability"
	"github.com/3leaps/beaconproof/pkg/beacon"
	"github.com/3leaps/beaconproof/pkg/oracle"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Check configuration and connectivity to the beacon node, the execution
node and, when artifacts go to S3, AWS credentials.

Examples:
  beaconproof doctor
  BEACONPROOF_EXECUTION_URL=http://localhost:8545 beaconproof doctor`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	log := observability.CLILogger

	log.Info("=== beaconproof doctor ===")
	log.Info("")

	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		ExitWithCode(log, foundry.ExitInvalidArgument, "Cannot load configuration",
			errwrap.WrapInternal(ctx, err, "Cannot load configuration"))
		return
	}

	totalChecks := 4
	if cfg.Artifacts.Kind == "s3" {
		totalChecks = 5
	}
	allChecks := true
	checkNum := 1

	goVersion := runtime.Version()
	log.Info(fmt.Sprintf("[%d/%d] Checking Go runtime... ✅ %s %s/%s", checkNum, totalChecks, goVersion, runtime.GOOS, runtime.GOARCH))
	checkNum++

	allChecks = checkBeacon(ctx, cfg, checkNum, totalChecks) && allChecks
	checkNum++

	allChecks = checkExecution(ctx, cfg, checkNum, totalChecks) && allChecks
	checkNum++

	if cfg.Prover.URL == "" {
		log.Warn(fmt.Sprintf("[%d/%d] Checking prover... ⚠️  prover.url is not set", checkNum, totalChecks))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking prover... ✅ %s", checkNum, totalChecks, cfg.Prover.URL))
	}
	checkNum++

	if cfg.Artifacts.Kind == "s3" {
		allChecks = checkAWSCredentials(ctx, cfg, checkNum, totalChecks) && allChecks
	}

	log.Info("")
	if allChecks {
		log.Info("✅ All checks passed!")
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")
}

func checkBeacon(ctx context.Context, cfg *config.Config, n, total int) bool {
	log := observability.CLILogger
	client, err := beacon.New(beacon.Config{URL: cfg.Beacon.URL, Timeout: 10 * time.Second, Retries: 0})
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking beacon node... ❌ invalid configuration", n, total), zap.Error(err))
		return false
	}
	genesis, err := client.Genesis(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking beacon node... ❌ %s unreachable", n, total, cfg.Beacon.URL), zap.Error(err))
		return false
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking beacon node... ✅ %s", n, total, cfg.Beacon.URL),
		zap.Uint64("genesis_time", uint64(genesis.GenesisTime)))
	return true
}

func checkExecution(ctx context.Context, cfg *config.Config, n, total int) bool {
	log := observability.CLILogger
	if cfg.Execution.URL == "" {
		log.Warn(fmt.Sprintf("[%d/%d] Checking execution node... ⚠️  execution.url is not set", n, total))
		return false
	}
	addr, err := parseOracleAddress(cfg.Oracle.Address)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking execution node... ❌ invalid oracle address", n, total), zap.Error(err))
		return false
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	roots, err := oracle.Dial(dialCtx, cfg.Execution.URL, addr)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking execution node... ❌ cannot connect", n, total), zap.Error(err))
		return false
	}
	defer roots.Close()

	if err := roots.CheckHealth(dialCtx); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking execution node... ❌ beacon roots call failed", n, total), zap.Error(err))
		return false
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking execution node... ✅ %s", n, total, cfg.Execution.URL),
		zap.String("oracle", roots.Address().Hex()))
	return true
}

func checkAWSCredentials(ctx context.Context, cfg *config.Config, n, total int) bool {
	log := observability.CLILogger
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Artifacts.S3.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Artifacts.S3.Region))
	}
	if cfg.Artifacts.S3.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Artifacts.S3.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", n, total), zap.Error(err))
		return false
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", n, total), zap.Error(err))
		return false
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", n, total),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
