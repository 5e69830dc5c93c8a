// Package gindex verifies single-leaf Merkle inclusion proofs addressed by
// generalized index.
//
// A generalized index encodes a node's position in a binary Merkle tree:
// the root is 1, the left child of node n is 2n and the right child is 2n+1.
// Reading the binary digits after the leading 1 gives the root-to-leaf path
// (0 = left, 1 = right).
//
// Everything in this package is pure and safe for concurrent use.
package gindex

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidIndex indicates a generalized index below 1.
var ErrInvalidIndex = errors.New("generalized index must be >= 1")

var one = big.NewInt(1)

// HashPair returns SHA-256(left || right), the SSZ node hash.
//
// The hash function is a fixed protocol parameter.
func HashPair(left, right common.Hash) common.Hash {
	var buf [2 * common.HashLength]byte
	copy(buf[:common.HashLength], left[:])
	copy(buf[common.HashLength:], right[:])
	return sha256.Sum256(buf[:])
}

// Depth returns floor(log2(g)), the number of levels between the node and
// the root. It returns -1 for nil or non-positive indices.
func Depth(g *big.Int) int {
	if g == nil || g.Sign() <= 0 {
		return -1
	}
	return g.BitLen() - 1
}

// Valid reports whether g is a usable generalized index.
func Valid(g *big.Int) bool {
	return g != nil && g.Cmp(one) >= 0
}

// Concat joins generalized indices that address successive subtrees.
//
// Concat(a, b) addresses node b of the subtree rooted at node a; for example
// the path from a block root through its state root down to a validator.
func Concat(indices ...*big.Int) (*big.Int, error) {
	out := big.NewInt(1)
	for i, g := range indices {
		if !Valid(g) {
			return nil, fmt.Errorf("index %d: %w", i, ErrInvalidIndex)
		}
		depth := uint(Depth(g))
		out.Lsh(out, depth)
		low := new(big.Int).Sub(g, new(big.Int).Lsh(one, depth))
		out.Or(out, low)
	}
	return out, nil
}

// Parse reads a generalized index from decimal or 0x-prefixed hex.
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty generalized index")
	}
	g := new(big.Int)
	var ok bool
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		_, ok = g.SetString(s[2:], 16)
	} else {
		_, ok = g.SetString(s, 10)
	}
	if !ok {
		return nil, fmt.Errorf("parse generalized index %q", s)
	}
	if !Valid(g) {
		return nil, ErrInvalidIndex
	}
	return g, nil
}

// Proof is a self-contained single-leaf inclusion proof.
type Proof struct {
	// Leaf is the value proven to be included.
	Leaf common.Hash

	// Index is the leaf's generalized index from the tree root.
	Index *big.Int

	// Witnesses are sibling hashes ordered from the leaf's sibling up to
	// the root's child.
	Witnesses []common.Hash
}

// Verify checks the proof against root.
func (p *Proof) Verify(root common.Hash) Result {
	if p == nil {
		return Result{Reason: ReasonInvalidIndex}
	}
	return Verify(p.Leaf, p.Index, p.Witnesses, root)
}

// HexWitnesses returns the witnesses as 0x-prefixed hex strings.
func (p *Proof) HexWitnesses() []string {
	out := make([]string, len(p.Witnesses))
	for i, w := range p.Witnesses {
		out[i] = w.Hex()
	}
	return out
}
