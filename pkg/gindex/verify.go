package gindex

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Reason explains a verification verdict.
type Reason string

const (
	ReasonOK             Reason = "ok"
	ReasonLengthMismatch Reason = "length-mismatch"
	ReasonRootMismatch   Reason = "root-mismatch"
	ReasonInvalidIndex   Reason = "invalid-index"
)

// Result is the verdict of Verify.
type Result struct {
	OK     bool
	Reason Reason
}

// Verify reconstructs the root from leaf and witnesses along the path encoded
// by index and compares it against root.
//
// The parity of the index at each level decides the concatenation order: an
// even index is a left child (H(current||sibling)), an odd index a right
// child (H(sibling||current)). The witness count must equal the depth of
// index; a mismatch is reported before any hashing happens.
//
// Verify never panics for inputs in its domain and does not modify index.
func Verify(leaf common.Hash, index *big.Int, witnesses []common.Hash, root common.Hash) Result {
	if !Valid(index) {
		return Result{Reason: ReasonInvalidIndex}
	}
	if len(witnesses) != Depth(index) {
		return Result{Reason: ReasonLengthMismatch}
	}

	current := leaf
	idx := new(big.Int).Set(index)
	for _, sibling := range witnesses {
		if idx.Bit(0) == 0 {
			current = HashPair(current, sibling)
		} else {
			current = HashPair(sibling, current)
		}
		idx.Rsh(idx, 1)
	}

	if idx.Cmp(one) != 0 {
		return Result{Reason: ReasonLengthMismatch}
	}
	if current != root {
		return Result{Reason: ReasonRootMismatch}
	}
	return Result{OK: true, Reason: ReasonOK}
}
