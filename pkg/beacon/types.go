package beacon

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// Uint64String is a uint64 carried as a decimal JSON string, as the beacon
// API encodes all integers.
type Uint64String uint64

// UnmarshalJSON accepts both quoted and bare integers.
func (u *Uint64String) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n uint64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("decode uint64 string: %w", err)
		}
		*u = Uint64String(n)
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("decode uint64 string %q: %w", s, err)
	}
	*u = Uint64String(n)
	return nil
}

// MarshalJSON encodes the value as a quoted decimal.
func (u Uint64String) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(u), 10))
}

// Genesis is the subset of /eth/v1/beacon/genesis used here.
type Genesis struct {
	GenesisTime           Uint64String `json:"genesis_time"`
	GenesisValidatorsRoot common.Hash  `json:"genesis_validators_root"`
}

// Spec is the subset of /eth/v1/config/spec used here.
type Spec struct {
	SecondsPerSlot Uint64String `json:"SECONDS_PER_SLOT"`
	SlotsPerEpoch  Uint64String `json:"SLOTS_PER_EPOCH"`

	// ElectraForkEpoch is nil on nodes that predate electra.
	ElectraForkEpoch *Uint64String `json:"ELECTRA_FORK_EPOCH,omitempty"`
}

// BeaconBlockHeader is a beacon block header message.
type BeaconBlockHeader struct {
	Slot          Uint64String `json:"slot"`
	ProposerIndex Uint64String `json:"proposer_index"`
	ParentRoot    common.Hash  `json:"parent_root"`
	StateRoot     common.Hash  `json:"state_root"`
	BodyRoot      common.Hash  `json:"body_root"`
}

// HeaderData is one entry of a headers response.
type HeaderData struct {
	Root      common.Hash `json:"root"`
	Canonical bool        `json:"canonical"`
	Header    struct {
		Message   BeaconBlockHeader `json:"message"`
		Signature string            `json:"signature"`
	} `json:"header"`
}

// Message returns the header message.
func (h *HeaderData) Message() BeaconBlockHeader {
	return h.Header.Message
}

type fullResult[T any] struct {
	Data T `json:"data"`
}

type apiErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
