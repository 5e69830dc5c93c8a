package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/beaconproof/pkg/beacon"
	"github.com/3leaps/beaconproof/pkg/gindex"
	"github.com/3leaps/beaconproof/pkg/jobregistry"
	"github.com/3leaps/beaconproof/pkg/prover"
)

const (
	genesisTime    = 1606824023
	secondsPerSlot = 12
	blockSlot      = 100
	childSlot      = 102
)

var (
	blockRoot = common.HexToHash("0xb10c")
	stateRoot = common.HexToHash("0x57a7e")
)

func header(root common.Hash, slot uint64, parent common.Hash) *beacon.HeaderData {
	h := &beacon.HeaderData{Root: root, Canonical: true}
	h.Header.Message = beacon.BeaconBlockHeader{
		Slot:       beacon.Uint64String(slot),
		ParentRoot: parent,
		StateRoot:  stateRoot,
	}
	return h
}

type fakeBeacon struct {
	electraEpoch *beacon.Uint64String
	genesisErr   error
	specErr      error
	headerErr    error
	childErr     error
}

func (f *fakeBeacon) Genesis(context.Context) (*beacon.Genesis, error) {
	if f.genesisErr != nil {
		return nil, f.genesisErr
	}
	return &beacon.Genesis{GenesisTime: genesisTime}, nil
}

func (f *fakeBeacon) Spec(context.Context) (*beacon.Spec, error) {
	if f.specErr != nil {
		return nil, f.specErr
	}
	return &beacon.Spec{SecondsPerSlot: secondsPerSlot, SlotsPerEpoch: 32, ElectraForkEpoch: f.electraEpoch}, nil
}

func (f *fakeBeacon) HeaderBySlot(_ context.Context, slot uint64) (*beacon.HeaderData, error) {
	if f.headerErr != nil {
		return nil, f.headerErr
	}
	return header(blockRoot, slot, common.Hash{}), nil
}

func (f *fakeBeacon) ChildHeader(_ context.Context, parent common.Hash) (*beacon.HeaderData, error) {
	if f.childErr != nil {
		return nil, f.childErr
	}
	return header(common.HexToHash("0xc41d"), childSlot, parent), nil
}

type fakeProofs struct {
	proof *prover.ValidatorProof
	err   error
}

func (f *fakeProofs) ValidatorProof(context.Context, uint64, uint64) (*prover.ValidatorProof, error) {
	return f.proof, f.err
}

type fakeOracle struct {
	root       common.Hash
	err        error
	timestamps []uint64
}

func (f *fakeOracle) Root(_ context.Context, ts uint64) (common.Hash, error) {
	f.timestamps = append(f.timestamps, ts)
	return f.root, f.err
}

type fakeSink struct {
	mu       sync.Mutex
	payloads map[string][]byte
	err      error
}

func (f *fakeSink) Publish(_ context.Context, jobID string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.payloads == nil {
		f.payloads = make(map[string][]byte)
	}
	f.payloads[jobID] = payload
	return "mem://" + jobID, nil
}

type countingRecorder struct {
	reasons []gindex.Reason
}

func (r *countingRecorder) VerificationFinished(reason gindex.Reason) {
	r.reasons = append(r.reasons, reason)
}

// honestProof builds a proof for validators[validatorIndex] under a block
// root with a pre-electra state tree and returns it with the root it
// commits to.
func honestProof(validatorIndex uint64) (*prover.ValidatorProof, common.Hash) {
	return honestProofAt(gindex.Validator(gindex.StateDepthPhase0, validatorIndex))
}

func honestProofAt(idx *big.Int) (*prover.ValidatorProof, common.Hash) {
	leaf := common.HexToHash("0x1eaf")
	witnesses := make([]common.Hash, gindex.Depth(idx))
	for i := range witnesses {
		witnesses[i] = common.BigToHash(big.NewInt(int64(i + 1)))
	}

	cur := leaf
	i := new(big.Int).Set(idx)
	for _, w := range witnesses {
		if i.Bit(0) == 0 {
			cur = gindex.HashPair(cur, w)
		} else {
			cur = gindex.HashPair(w, cur)
		}
		i.Rsh(i, 1)
	}
	return &prover.ValidatorProof{
		Proof:     gindex.Proof{Leaf: leaf, Index: new(big.Int).Set(idx), Witnesses: witnesses},
		StateRoot: stateRoot,
		Validator: json.RawMessage(`{"pubkey":"0xaa"}`),
	}, cur
}

func newTestPipeline(t *testing.T, b *fakeBeacon, proofs *fakeProofs, oracle *fakeOracle, opts ...Option) *Pipeline {
	t.Helper()
	p, err := New(b, proofs, oracle, opts...)
	require.NoError(t, err)
	return p
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, &fakeProofs{}, &fakeOracle{})
	assert.Error(t, err)
	_, err = New(&fakeBeacon{}, nil, &fakeOracle{})
	assert.Error(t, err)
	_, err = New(&fakeBeacon{}, &fakeProofs{}, nil)
	assert.Error(t, err)
}

func TestRun_Verified(t *testing.T) {
	proof, root := honestProof(42)
	oracle := &fakeOracle{root: root}
	rec := &countingRecorder{}
	p := newTestPipeline(t, &fakeBeacon{}, &fakeProofs{proof: proof}, oracle, WithRecorder(rec))

	out, err := p.Run(context.Background(), nil, Request{Slot: blockSlot, ValidatorIndex: 42})
	require.NoError(t, err)

	assert.True(t, out.Verified)
	assert.Equal(t, gindex.ReasonOK, out.Reason)
	assert.Equal(t, blockRoot.Hex(), out.BlockRoot)
	assert.Equal(t, stateRoot.Hex(), out.StateRoot)
	assert.Equal(t, root.Hex(), out.OracleRoot)
	assert.Equal(t, "798245441765418", out.GIndex)
	assert.Equal(t, proof.HexWitnesses(), out.Proof)
	assert.Equal(t, uint64(42), out.ValidatorIndex)
	assert.Equal(t, uint64(blockSlot), out.Slot)
	assert.JSONEq(t, `{"pubkey":"0xaa"}`, string(out.Validator))
	assert.Empty(t, out.Artifact)
	assert.Equal(t, []gindex.Reason{gindex.ReasonOK}, rec.reasons)
}

func TestRun_RejectsProofForAnotherValidator(t *testing.T) {
	proof, root := honestProof(5)

	for _, idx := range []uint64{0, 7, 42, 999999} {
		t.Run(strconv.FormatUint(idx, 10), func(t *testing.T) {
			rec := &countingRecorder{}
			oracle := &fakeOracle{root: root}
			p := newTestPipeline(t, &fakeBeacon{}, &fakeProofs{proof: proof}, oracle, WithRecorder(rec))

			out, err := p.Run(context.Background(), nil, Request{Slot: blockSlot, ValidatorIndex: idx})
			require.Error(t, err)
			assert.Nil(t, out)
			assert.ErrorIs(t, err, prover.ErrMalformedProof)
			phase, _ := FailedPhase(err)
			assert.Equal(t, PhasePrepareProof, phase)
			assert.Empty(t, oracle.timestamps)
			assert.Empty(t, rec.reasons)
		})
	}
}

func TestRun_RejectsBlockLevelIndex(t *testing.T) {
	// A proof that stops at the state root is honest but proves nothing
	// about any validator.
	proof, root := honestProofAt(big.NewInt(gindex.BlockStateRoot))
	p := newTestPipeline(t, &fakeBeacon{}, &fakeProofs{proof: proof}, &fakeOracle{root: root})

	_, err := p.Run(context.Background(), nil, Request{Slot: blockSlot, ValidatorIndex: 42})
	assert.ErrorIs(t, err, prover.ErrMalformedProof)
}

func TestRun_ElectraStateLayout(t *testing.T) {
	epoch := beacon.Uint64String(3)
	proof, root := honestProofAt(gindex.Validator(gindex.StateDepthElectra, 42))
	p := newTestPipeline(t, &fakeBeacon{electraEpoch: &epoch}, &fakeProofs{proof: proof}, &fakeOracle{root: root})

	out, err := p.Run(context.Background(), nil, Request{Slot: blockSlot, ValidatorIndex: 42})
	require.NoError(t, err)
	assert.True(t, out.Verified)
	assert.Equal(t, gindex.Validator(gindex.StateDepthElectra, 42).String(), out.GIndex)

	// The same proof read against a pre-electra layout is rejected.
	later := beacon.Uint64String(1000)
	p = newTestPipeline(t, &fakeBeacon{electraEpoch: &later}, &fakeProofs{proof: proof}, &fakeOracle{root: root})
	_, err = p.Run(context.Background(), nil, Request{Slot: blockSlot, ValidatorIndex: 42})
	assert.ErrorIs(t, err, prover.ErrMalformedProof)
}

func TestStateDepth(t *testing.T) {
	fork := beacon.Uint64String(10)
	tests := []struct {
		name string
		spec beacon.Spec
		slot uint64
		want uint
	}{
		{"no electra", beacon.Spec{SlotsPerEpoch: 32}, 1 << 30, gindex.StateDepthPhase0},
		{"before fork", beacon.Spec{SlotsPerEpoch: 32, ElectraForkEpoch: &fork}, 319, gindex.StateDepthPhase0},
		{"fork boundary", beacon.Spec{SlotsPerEpoch: 32, ElectraForkEpoch: &fork}, 320, gindex.StateDepthElectra},
		{"missing slots per epoch", beacon.Spec{ElectraForkEpoch: &fork}, 320, gindex.StateDepthElectra},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StateDepth(&tt.spec, tt.slot))
		})
	}
}

func TestRun_AnchorsOnChildSlot(t *testing.T) {
	proof, root := honestProof(0)
	oracle := &fakeOracle{root: root}
	p := newTestPipeline(t, &fakeBeacon{}, &fakeProofs{proof: proof}, oracle)

	out, err := p.Run(context.Background(), nil, Request{Slot: blockSlot})
	require.NoError(t, err)

	want := uint64(genesisTime + childSlot*secondsPerSlot)
	assert.Equal(t, want, out.Timestamp)
	assert.Equal(t, []uint64{want}, oracle.timestamps)
}

func TestRun_RootMismatchCompletesUnverified(t *testing.T) {
	proof, _ := honestProof(0)
	p := newTestPipeline(t, &fakeBeacon{}, &fakeProofs{proof: proof}, &fakeOracle{root: common.HexToHash("0xdead")})

	out, err := p.Run(context.Background(), nil, Request{Slot: blockSlot})
	require.NoError(t, err)
	assert.False(t, out.Verified)
	assert.Equal(t, gindex.ReasonRootMismatch, out.Reason)
}

func TestRun_LengthMismatchCompletesUnverified(t *testing.T) {
	proof, root := honestProof(0)
	proof.Witnesses = proof.Witnesses[:2]
	p := newTestPipeline(t, &fakeBeacon{}, &fakeProofs{proof: proof}, &fakeOracle{root: root})

	out, err := p.Run(context.Background(), nil, Request{Slot: blockSlot})
	require.NoError(t, err)
	assert.False(t, out.Verified)
	assert.Equal(t, gindex.ReasonLengthMismatch, out.Reason)
}

func TestRun_PhaseFailures(t *testing.T) {
	upstream := errors.New("upstream timeout")

	tests := []struct {
		name      string
		beacon    *fakeBeacon
		proofs    func() *fakeProofs
		oracleErr error
		wantPhase string
	}{
		{name: "genesis", beacon: &fakeBeacon{genesisErr: upstream}, wantPhase: PhaseChainParams},
		{name: "spec", beacon: &fakeBeacon{specErr: upstream}, wantPhase: PhaseChainParams},
		{name: "header", beacon: &fakeBeacon{headerErr: upstream}, wantPhase: PhaseFetchBlock},
		{name: "proof", beacon: &fakeBeacon{}, proofs: func() *fakeProofs { return &fakeProofs{err: upstream} }, wantPhase: PhasePrepareProof},
		{name: "child", beacon: &fakeBeacon{childErr: upstream}, wantPhase: PhaseResolveTimestamp},
		{name: "oracle", beacon: &fakeBeacon{}, oracleErr: upstream, wantPhase: PhaseCallOracle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proof, root := honestProof(0)
			proofs := &fakeProofs{proof: proof}
			if tt.proofs != nil {
				proofs = tt.proofs()
			}
			p := newTestPipeline(t, tt.beacon, proofs, &fakeOracle{root: root, err: tt.oracleErr})

			out, err := p.Run(context.Background(), nil, Request{Slot: blockSlot})
			require.Error(t, err)
			assert.Nil(t, out)
			assert.ErrorIs(t, err, upstream)

			phase, ok := FailedPhase(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantPhase, phase)
			assert.True(t, strings.HasPrefix(err.Error(), tt.wantPhase+": "), err.Error())
		})
	}
}

func TestRun_StateRootMismatchFails(t *testing.T) {
	proof, root := honestProof(0)
	proof.StateRoot = common.HexToHash("0xbad")
	p := newTestPipeline(t, &fakeBeacon{}, &fakeProofs{proof: proof}, &fakeOracle{root: root})

	_, err := p.Run(context.Background(), nil, Request{Slot: blockSlot})
	require.Error(t, err)
	phase, _ := FailedPhase(err)
	assert.Equal(t, PhasePrepareProof, phase)
}

func TestRun_PublishesArtifact(t *testing.T) {
	proof, root := honestProof(7)
	sink := &fakeSink{}
	p := newTestPipeline(t, &fakeBeacon{}, &fakeProofs{proof: proof}, &fakeOracle{root: root}, WithSink(sink))

	r := jobregistry.NewRegistry()
	e := jobregistry.NewExecutor(r, jobregistry.ExecutorConfig{Workers: 1})
	defer func() { _ = e.Stop(context.Background()) }()

	id, err := p.Submit(e, Request{Slot: blockSlot, ValidatorIndex: 7})
	require.NoError(t, err)
	v := waitTerminal(t, r, id)
	require.Equal(t, jobregistry.JobStateCompleted, v.Status)

	out, ok := v.Result.(*Outcome)
	require.True(t, ok)
	assert.Equal(t, "mem://"+id, out.Artifact)
	assert.Empty(t, v.Phase)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var stored Outcome
	require.NoError(t, json.Unmarshal(sink.payloads[id], &stored))
	assert.True(t, stored.Verified)
}

func TestRun_PublishFailureDoesNotFailJob(t *testing.T) {
	proof, root := honestProof(0)
	core, logs := observer.New(zap.WarnLevel)
	p := newTestPipeline(t, &fakeBeacon{}, &fakeProofs{proof: proof}, &fakeOracle{root: root},
		WithSink(&fakeSink{err: errors.New("bucket gone")}),
		WithLogger(zap.New(core)),
	)

	out, err := p.Run(context.Background(), nil, Request{Slot: blockSlot})
	require.NoError(t, err)
	assert.True(t, out.Verified)
	assert.Empty(t, out.Artifact)
	assert.Equal(t, 1, logs.FilterMessage("Failed to publish artifact").Len())
}

func TestSubmit_ReportsPhasesAndLabels(t *testing.T) {
	proof, root := honestProof(3)
	p := newTestPipeline(t, &fakeBeacon{}, &fakeProofs{proof: proof}, &fakeOracle{root: root})

	r := jobregistry.NewRegistry()
	e := jobregistry.NewExecutor(r, jobregistry.ExecutorConfig{Workers: 1})
	defer func() { _ = e.Stop(context.Background()) }()

	id, err := p.Submit(e, Request{Slot: blockSlot, ValidatorIndex: 3})
	require.NoError(t, err)

	v := waitTerminal(t, r, id)
	assert.Equal(t, jobregistry.JobStateCompleted, v.Status)
	assert.Empty(t, v.Phase, "completed jobs drop the last progress label")
	assert.Equal(t, "100", v.Labels["slot"])
	assert.Equal(t, "3", v.Labels["validator_index"])
}

func TestSubmit_FailureCarriesPhase(t *testing.T) {
	p := newTestPipeline(t, &fakeBeacon{headerErr: errors.New("upstream timeout")}, &fakeProofs{}, &fakeOracle{})

	r := jobregistry.NewRegistry()
	e := jobregistry.NewExecutor(r, jobregistry.ExecutorConfig{Workers: 1})
	defer func() { _ = e.Stop(context.Background()) }()

	id, err := p.Submit(e, Request{Slot: blockSlot})
	require.NoError(t, err)

	v := waitTerminal(t, r, id)
	assert.Equal(t, jobregistry.JobStateFailed, v.Status)
	assert.Equal(t, "fetch beacon block: upstream timeout", v.Error)
	assert.Empty(t, v.Phase)
}

func waitTerminal(t *testing.T, r *jobregistry.Registry, id string) jobregistry.JobView {
	t.Helper()
	var v jobregistry.JobView
	require.Eventually(t, func() bool {
		v = r.Status(id)
		return v.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return v
}
