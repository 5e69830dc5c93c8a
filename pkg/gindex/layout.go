package gindex

import "math/big"

// SSZ layout of the consensus containers a validator proof passes through.
const (
	// BlockStateRoot addresses BeaconBlock.state_root: field 3 of five
	// fields padded to eight.
	BlockStateRoot = 11

	// StateValidatorsField is the position of validators in BeaconState.
	StateValidatorsField = 11

	// ValidatorRegistryLimitDepth is log2(VALIDATOR_REGISTRY_LIMIT).
	ValidatorRegistryLimitDepth = 40

	// StateDepthPhase0 covers phase0 through deneb (21 to 28 fields).
	StateDepthPhase0 = 5

	// StateDepthElectra covers electra and fulu (37 and 38 fields).
	StateDepthElectra = 6
)

// StateValidators returns the generalized index of BeaconState.validators for
// a state tree of the given depth.
func StateValidators(stateDepth uint) *big.Int {
	g := new(big.Int).Lsh(one, stateDepth)
	return g.Add(g, big.NewInt(StateValidatorsField))
}

// ListElement returns the generalized index of element i inside an SSZ list
// whose data tree has the given depth. The list root mixes in the length, so
// the data tree is its left child.
func ListElement(dataDepth uint, i uint64) *big.Int {
	g := new(big.Int).Lsh(one, dataDepth+1)
	return g.Add(g, new(big.Int).SetUint64(i))
}

// Validator returns the generalized index of validators[i] from a beacon
// block root, for a state tree of the given depth.
func Validator(stateDepth uint, i uint64) *big.Int {
	// Every part is a valid index, so Concat cannot fail.
	g, _ := Concat(
		big.NewInt(BlockStateRoot),
		StateValidators(stateDepth),
		ListElement(ValidatorRegistryLimitDepth, i),
	)
	return g
}
