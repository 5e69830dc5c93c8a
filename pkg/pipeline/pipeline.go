// Package pipeline drives one validator inclusion check through its phases
// and reports progress into the job registry.
//
// A run loads chain parameters, fetches the beacon block header for the
// slot, obtains the inclusion proof, resolves the EIP-4788 anchoring
// timestamp from the block's child, reads the anchored root from the oracle
// and finally verifies the proof against that root.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/3leaps/beaconproof/pkg/artifact"
	"github.com/3leaps/beaconproof/pkg/beacon"
	"github.com/3leaps/beaconproof/pkg/gindex"
	"github.com/3leaps/beaconproof/pkg/jobregistry"
	"github.com/3leaps/beaconproof/pkg/prover"
)

// Progress labels reported to the job registry, in run order.
const (
	LabelChainParams  = "Loading chain parameters..."
	LabelFetchBlock   = "Fetching beacon block..."
	LabelPrepareProof = "Preparing Merkle proof..."
	LabelVerifyProof  = "Verifying Merkle proof..."
	LabelCallOracle   = "Calling contract for beacon block root..."
	LabelVerifyFinal  = "Verifying final proof..."
	LabelPublish      = "Publishing artifact..."
)

// BeaconSource is the subset of the beacon client a run needs.
type BeaconSource interface {
	Genesis(ctx context.Context) (*beacon.Genesis, error)
	Spec(ctx context.Context) (*beacon.Spec, error)
	HeaderBySlot(ctx context.Context, slot uint64) (*beacon.HeaderData, error)
	ChildHeader(ctx context.Context, parentRoot common.Hash) (*beacon.HeaderData, error)
}

// ProofSource supplies validator inclusion proofs rooted at a block root.
type ProofSource interface {
	ValidatorProof(ctx context.Context, slot, validatorIndex uint64) (*prover.ValidatorProof, error)
}

// RootOracle returns the beacon block root anchored at a timestamp.
type RootOracle interface {
	Root(ctx context.Context, timestamp uint64) (common.Hash, error)
}

// Recorder observes verification verdicts.
type Recorder interface {
	VerificationFinished(reason gindex.Reason)
}

// Request identifies one validator at one slot.
type Request struct {
	Slot           uint64 `json:"slot"`
	ValidatorIndex uint64 `json:"validatorIndex"`
}

// CreateOptions labels a job with the request coordinates.
func (r Request) CreateOptions() []jobregistry.CreateOption {
	return []jobregistry.CreateOption{
		jobregistry.WithLabel("slot", strconv.FormatUint(r.Slot, 10)),
		jobregistry.WithLabel("validator_index", strconv.FormatUint(r.ValidatorIndex, 10)),
	}
}

// Outcome is the result stored on a completed job.
type Outcome struct {
	BlockRoot      string          `json:"block_root"`
	StateRoot      string          `json:"state_root,omitempty"`
	OracleRoot     string          `json:"oracle_root"`
	Proof          []string        `json:"proof"`
	GIndex         string          `json:"gindex"`
	Leaf           string          `json:"leaf"`
	ValidatorIndex uint64          `json:"validator_index"`
	Slot           uint64          `json:"slot"`
	Timestamp      uint64          `json:"timestamp"`
	Verified       bool            `json:"verified"`
	Reason         gindex.Reason   `json:"reason"`
	Validator      json.RawMessage `json:"validator,omitempty"`
	Artifact       string          `json:"artifact,omitempty"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger for phase transitions.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithSink publishes each outcome after verification.
func WithSink(s artifact.Sink) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.sink = s
		}
	}
}

// WithRecorder reports verdicts to r.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// Pipeline wires the external collaborators of a run.
type Pipeline struct {
	beacon   BeaconSource
	proofs   ProofSource
	oracle   RootOracle
	sink     artifact.Sink
	recorder Recorder
	logger   *zap.Logger
}

// New creates a pipeline. All three collaborators are required.
func New(b BeaconSource, proofs ProofSource, oracle RootOracle, opts ...Option) (*Pipeline, error) {
	if b == nil {
		return nil, fmt.Errorf("beacon source is required")
	}
	if proofs == nil {
		return nil, fmt.Errorf("proof source is required")
	}
	if oracle == nil {
		return nil, fmt.Errorf("root oracle is required")
	}
	p := &Pipeline{
		beacon: b,
		proofs: proofs,
		oracle: oracle,
		sink:   artifact.Nop{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Task returns an executor task running req.
func (p *Pipeline) Task(req Request) jobregistry.Task {
	return func(ctx context.Context, job *jobregistry.Handle) (any, error) {
		out, err := p.Run(ctx, job, req)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

// Submit queues req on e and returns the job id.
func (p *Pipeline) Submit(e *jobregistry.Executor, req Request) (string, error) {
	return e.Submit(p.Task(req), req.CreateOptions()...)
}

// Run executes every phase for req. job may be nil for one-shot runs.
//
// A root mismatch is a verdict, not an error: it yields an Outcome with
// Verified false. Errors are always *PhaseError.
func (p *Pipeline) Run(ctx context.Context, job *jobregistry.Handle, req Request) (*Outcome, error) {
	started := time.Now()
	log := p.logger.With(
		zap.String("job_id", jobID(job)),
		zap.Uint64("slot", req.Slot),
		zap.Uint64("validator_index", req.ValidatorIndex),
	)
	enter := func(label string) {
		job.Phase(label)
		log.Debug("Job phase", zap.String("phase", label))
	}

	enter(LabelChainParams)
	genesis, err := p.beacon.Genesis(ctx)
	if err != nil {
		return nil, phaseErr(PhaseChainParams, err)
	}
	spec, err := p.beacon.Spec(ctx)
	if err != nil {
		return nil, phaseErr(PhaseChainParams, err)
	}

	enter(LabelFetchBlock)
	header, err := p.beacon.HeaderBySlot(ctx, req.Slot)
	if err != nil {
		return nil, phaseErr(PhaseFetchBlock, err)
	}
	blockRoot := header.Root

	enter(LabelPrepareProof)
	proof, err := p.proofs.ValidatorProof(ctx, req.Slot, req.ValidatorIndex)
	if err != nil {
		return nil, phaseErr(PhasePrepareProof, err)
	}
	if proof == nil || proof.Index == nil {
		return nil, phaseErr(PhasePrepareProof, prover.ErrMalformedProof)
	}
	want := gindex.Validator(StateDepth(spec, req.Slot), req.ValidatorIndex)
	if proof.Index.Cmp(want) != 0 {
		return nil, phaseErr(PhasePrepareProof, fmt.Errorf("%w: gindex %s does not address validator %d, want %s",
			prover.ErrMalformedProof, proof.Index.String(), req.ValidatorIndex, want.String()))
	}
	stateRoot := header.Message().StateRoot
	if proof.StateRoot != (common.Hash{}) && proof.StateRoot != stateRoot {
		return nil, phaseErr(PhasePrepareProof, fmt.Errorf("proof state root %s does not match block state root %s", proof.StateRoot.Hex(), stateRoot.Hex()))
	}

	enter(LabelVerifyProof)
	child, err := p.beacon.ChildHeader(ctx, blockRoot)
	if err != nil {
		return nil, phaseErr(PhaseResolveTimestamp, fmt.Errorf("child of block %s: %w", blockRoot.Hex(), err))
	}
	timestamp := AnchorTimestamp(genesis, spec, uint64(child.Message().Slot))

	enter(LabelCallOracle)
	oracleRoot, err := p.oracle.Root(ctx, timestamp)
	if err != nil {
		return nil, phaseErr(PhaseCallOracle, err)
	}

	enter(LabelVerifyFinal)
	res := gindex.Verify(proof.Leaf, want, proof.Witnesses, oracleRoot)
	if p.recorder != nil {
		p.recorder.VerificationFinished(res.Reason)
	}

	out := &Outcome{
		BlockRoot:      blockRoot.Hex(),
		StateRoot:      stateRoot.Hex(),
		OracleRoot:     oracleRoot.Hex(),
		Proof:          proof.HexWitnesses(),
		GIndex:         want.String(),
		Leaf:           proof.Leaf.Hex(),
		ValidatorIndex: req.ValidatorIndex,
		Slot:           req.Slot,
		Timestamp:      timestamp,
		Verified:       res.OK,
		Reason:         res.Reason,
		Validator:      proof.Validator,
	}
	log.Info("Verification finished",
		zap.Bool("verified", res.OK),
		zap.String("reason", string(res.Reason)),
		zap.Uint64("timestamp", timestamp),
		zap.Duration("elapsed", time.Since(started)),
	)

	if _, nop := p.sink.(artifact.Nop); !nop {
		enter(LabelPublish)
		p.publish(ctx, log, jobID(job), out)
	}
	return out, nil
}

// publish exports out; failures are logged and never fail the job.
func (p *Pipeline) publish(ctx context.Context, log *zap.Logger, id string, out *Outcome) {
	if id == "" {
		id = fmt.Sprintf("slot-%d-validator-%d", out.Slot, out.ValidatorIndex)
	}
	payload, err := json.Marshal(out)
	if err != nil {
		log.Warn("Failed to encode artifact", zap.Error(err))
		return
	}
	loc, err := p.sink.Publish(ctx, id, payload)
	if err != nil {
		log.Warn("Failed to publish artifact", zap.Error(err))
		return
	}
	out.Artifact = loc
	log.Debug("Artifact published", zap.String("location", loc))
}

// AnchorTimestamp is the EIP-4788 key for a block: the timestamp of the
// child slot that carried its root into the execution layer.
func AnchorTimestamp(genesis *beacon.Genesis, spec *beacon.Spec, childSlot uint64) uint64 {
	return uint64(genesis.GenesisTime) + childSlot*uint64(spec.SecondsPerSlot)
}

// StateDepth returns the BeaconState tree depth in force at slot.
func StateDepth(spec *beacon.Spec, slot uint64) uint {
	if spec.ElectraForkEpoch == nil {
		return gindex.StateDepthPhase0
	}
	perEpoch := uint64(spec.SlotsPerEpoch)
	if perEpoch == 0 {
		perEpoch = 32
	}
	if slot/perEpoch >= uint64(*spec.ElectraForkEpoch) {
		return gindex.StateDepthElectra
	}
	return gindex.StateDepthPhase0
}

func jobID(job *jobregistry.Handle) string {
	if job == nil {
		return ""
	}
	return job.ID
}
