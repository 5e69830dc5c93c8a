// Package oracle reads historical beacon block roots from the EIP-4788
// beacon roots contract on the execution layer.
//
// The contract keys each root by the timestamp of the execution block that
// carried it, which is the timestamp of the beacon block's child. Callers
// are expected to supply that child timestamp.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
)

// DefaultAddress is the beacon roots contract address on every network that
// activated EIP-4788.
var DefaultAddress = common.HexToAddress("0x000F3df6D732807Ef1319fB7B8bB8522d0Beac02")

// ErrNoRoot indicates the contract returned no root for the timestamp.
var ErrNoRoot = errors.New("no beacon root for timestamp")

// CallError wraps a failed contract call.
type CallError struct {
	Timestamp uint64
	Err       error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	return fmt.Sprintf("beacon roots call at timestamp %d: %v", e.Timestamp, e.Err)
}

// Unwrap returns the underlying error.
func (e *CallError) Unwrap() error {
	return e.Err
}

// BeaconRoots is a reader over the beacon roots contract.
type BeaconRoots struct {
	caller  ethereum.ContractCaller
	address common.Address
	closer  func()
}

// New creates a reader over caller. A zero address selects DefaultAddress.
func New(caller ethereum.ContractCaller, address common.Address) (*BeaconRoots, error) {
	if caller == nil {
		return nil, fmt.Errorf("contract caller is required")
	}
	if address == (common.Address{}) {
		address = DefaultAddress
	}
	return &BeaconRoots{caller: caller, address: address}, nil
}

// Dial connects to an execution node JSON-RPC endpoint and returns a reader
// over it. Close releases the connection.
func Dial(ctx context.Context, rawURL string, address common.Address) (*BeaconRoots, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("execution url is required")
	}
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial execution node: %w", err)
	}
	r, err := New(client, address)
	if err != nil {
		client.Close()
		return nil, err
	}
	r.closer = client.Close
	return r, nil
}

// Address returns the contract address being queried.
func (r *BeaconRoots) Address() common.Address {
	return r.address
}

// Close releases the underlying connection when the reader owns one.
func (r *BeaconRoots) Close() {
	if r != nil && r.closer != nil {
		r.closer()
	}
}

// Calldata returns the contract input for timestamp: the timestamp as a
// 32-byte big-endian word.
func Calldata(timestamp uint64) []byte {
	word := uint256.NewInt(timestamp).Bytes32()
	return word[:]
}

// Root returns the beacon block root the contract holds for timestamp.
func (r *BeaconRoots) Root(ctx context.Context, timestamp uint64) (common.Hash, error) {
	msg := ethereum.CallMsg{
		To:   &r.address,
		Data: Calldata(timestamp),
	}
	out, err := r.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return common.Hash{}, &CallError{Timestamp: timestamp, Err: err}
	}
	if len(out) < common.HashLength {
		return common.Hash{}, &CallError{Timestamp: timestamp, Err: ErrNoRoot}
	}
	root := common.BytesToHash(out[:common.HashLength])
	if root == (common.Hash{}) {
		return common.Hash{}, &CallError{Timestamp: timestamp, Err: ErrNoRoot}
	}
	return root, nil
}

// CheckHealth performs a cheap read-only call against the contract.
func (r *BeaconRoots) CheckHealth(ctx context.Context) error {
	_, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &r.address, Data: Calldata(0)}, nil)
	if err != nil && !isRevert(err) {
		return err
	}
	return nil
}

// isRevert reports whether err is an execution revert rather than a
// transport failure. Timestamp zero always reverts on a healthy node.
func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "revert")
}
