package cmd

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/beaconproof/internal/config"
	"github.com/3leaps/beaconproof/pkg/artifact"
	"github.com/3leaps/beaconproof/pkg/beacon"
	"github.com/3leaps/beaconproof/pkg/oracle"
	"github.com/3leaps/beaconproof/pkg/pipeline"
	"github.com/3leaps/beaconproof/pkg/prover"
)

// stack is the set of upstream clients a verification run needs.
type stack struct {
	beacon   *beacon.Client
	oracle   *oracle.BeaconRoots
	prover   *prover.HTTPSource
	sink     artifact.Sink
	pipeline *pipeline.Pipeline
}

// buildStack connects every upstream named by cfg. The returned errors are
// ExitErrors.
func buildStack(ctx context.Context, cfg *config.Config, logger *zap.Logger, rec pipeline.Recorder) (*stack, error) {
	bc, err := beacon.New(beacon.Config{
		URL:       cfg.Beacon.URL,
		Timeout:   cfg.Beacon.Timeout,
		RateLimit: cfg.Beacon.RateLimit,
		Retries:   cfg.Beacon.Retries,
	})
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid beacon configuration", err)
	}

	addr, err := parseOracleAddress(cfg.Oracle.Address)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid oracle address", err)
	}
	if cfg.Execution.URL == "" {
		return nil, exitError(foundry.ExitInvalidArgument, "Missing execution endpoint",
			fmt.Errorf("set execution.url or BEACONPROOF_EXECUTION_URL"))
	}
	roots, err := oracle.Dial(ctx, cfg.Execution.URL, addr)
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to execution node", err)
	}

	proofs, err := prover.NewHTTPSource(prover.Config{URL: cfg.Prover.URL, Timeout: cfg.Prover.Timeout})
	if err != nil {
		roots.Close()
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid prover configuration", err)
	}

	sink, err := artifact.New(ctx, artifactConfig(cfg))
	if err != nil {
		roots.Close()
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid artifact configuration", err)
	}

	opts := []pipeline.Option{pipeline.WithLogger(logger), pipeline.WithSink(sink)}
	if rec != nil {
		opts = append(opts, pipeline.WithRecorder(rec))
	}
	p, err := pipeline.New(bc, proofs, roots, opts...)
	if err != nil {
		roots.Close()
		return nil, exitError(foundry.ExitInvalidArgument, "Failed to build pipeline", err)
	}

	return &stack{beacon: bc, oracle: roots, prover: proofs, sink: sink, pipeline: p}, nil
}

func (s *stack) Close() {
	if s != nil {
		s.oracle.Close()
	}
}

func parseOracleAddress(s string) (common.Address, error) {
	if s == "" {
		return oracle.DefaultAddress, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("not a hex address: %q", s)
	}
	return common.HexToAddress(s), nil
}

func artifactConfig(cfg *config.Config) artifact.Config {
	s3 := cfg.Artifacts.S3
	return artifact.Config{
		Kind: artifact.Kind(cfg.Artifacts.Kind),
		Dir:  cfg.Artifacts.Dir,
		S3: artifact.S3Config{
			Bucket:         s3.Bucket,
			Prefix:         s3.Prefix,
			Region:         s3.Region,
			Endpoint:       s3.Endpoint,
			Profile:        s3.Profile,
			ForcePathStyle: s3.ForcePathStyle,
		},
	}
}
