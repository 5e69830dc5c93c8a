package gindex

import (
	"crypto/sha256"
	"math/big"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashOf(s string) common.Hash {
	return sha256.Sum256([]byte(s))
}

// testTree is a full binary tree stored by generalized index.
type testTree struct {
	depth int
	nodes map[string]common.Hash
}

func newTestTree(t *testing.T, r *rand.Rand, depth int) *testTree {
	t.Helper()
	tree := &testTree{depth: depth, nodes: make(map[string]common.Hash)}
	width := 1 << depth
	for i := 0; i < width; i++ {
		var h common.Hash
		_, err := r.Read(h[:])
		require.NoError(t, err)
		tree.nodes[big.NewInt(int64(width+i)).String()] = h
	}
	for g := width - 1; g >= 1; g-- {
		left := tree.nodes[big.NewInt(int64(2*g)).String()]
		right := tree.nodes[big.NewInt(int64(2*g+1)).String()]
		tree.nodes[big.NewInt(int64(g)).String()] = HashPair(left, right)
	}
	return tree
}

func (tt *testTree) root() common.Hash {
	return tt.nodes["1"]
}

func (tt *testTree) proof(leafPos int) (common.Hash, *big.Int, []common.Hash) {
	g := int64(1<<tt.depth + leafPos)
	leaf := tt.nodes[big.NewInt(g).String()]
	witnesses := make([]common.Hash, 0, tt.depth)
	for n := g; n > 1; n /= 2 {
		witnesses = append(witnesses, tt.nodes[big.NewInt(n^1).String()])
	}
	return leaf, big.NewInt(g), witnesses
}

func TestVerify_DepthOneLeftChild(t *testing.T) {
	leaf := hashOf("a")
	w := hashOf("w")
	root := HashPair(leaf, w)

	res := Verify(leaf, big.NewInt(2), []common.Hash{w}, root)
	assert.True(t, res.OK)
	assert.Equal(t, ReasonOK, res.Reason)
}

func TestVerify_DepthOneRightChild(t *testing.T) {
	leaf := hashOf("a")
	w := hashOf("w")

	res := Verify(leaf, big.NewInt(3), []common.Hash{w}, HashPair(w, leaf))
	assert.True(t, res.OK)

	swapped := Verify(leaf, big.NewInt(3), []common.Hash{w}, HashPair(leaf, w))
	assert.False(t, swapped.OK)
	assert.Equal(t, ReasonRootMismatch, swapped.Reason)
}

func TestVerify_DepthTwoFollowsIndexBits(t *testing.T) {
	leaf := hashOf("leaf")
	w0 := hashOf("w0")
	w1 := hashOf("w1")

	// 5 = 0b101: right child at the bottom level, then left child.
	root := HashPair(HashPair(w0, leaf), w1)
	res := Verify(leaf, big.NewInt(5), []common.Hash{w0, w1}, root)
	require.True(t, res.OK)

	wrongOrder := HashPair(w1, HashPair(leaf, w0))
	assert.False(t, Verify(leaf, big.NewInt(5), []common.Hash{w0, w1}, wrongOrder).OK)

	// Witness order is leaf-to-root.
	assert.False(t, Verify(leaf, big.NewInt(5), []common.Hash{w1, w0}, root).OK)
}

func TestVerify_HonestProofs(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for depth := 1; depth <= 8; depth++ {
		tree := newTestTree(t, r, depth)
		for pos := 0; pos < 1<<depth; pos++ {
			leaf, g, witnesses := tree.proof(pos)
			res := Verify(leaf, g, witnesses, tree.root())
			require.Truef(t, res.OK, "depth=%d pos=%d reason=%s", depth, pos, res.Reason)
		}
	}
}

func TestVerify_SingleBitFlipFails(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	tree := newTestTree(t, r, 4)
	leaf, g, witnesses := tree.proof(9)
	root := tree.root()
	require.True(t, Verify(leaf, g, witnesses, root).OK)

	for bit := 0; bit < 8*common.HashLength; bit += 37 {
		flipped := leaf
		flipped[bit/8] ^= 1 << (bit % 8)
		res := Verify(flipped, g, witnesses, root)
		assert.Equal(t, ReasonRootMismatch, res.Reason, "leaf bit %d", bit)
	}

	for i := range witnesses {
		for _, bit := range []int{0, 100, 255} {
			tampered := append([]common.Hash(nil), witnesses...)
			tampered[i][bit/8] ^= 1 << (bit % 8)
			res := Verify(leaf, g, tampered, root)
			assert.Equal(t, ReasonRootMismatch, res.Reason, "witness %d bit %d", i, bit)
		}
	}
}

func TestVerify_LengthMismatch(t *testing.T) {
	leaf := hashOf("a")
	w := hashOf("w")
	root := HashPair(leaf, w)

	tests := []struct {
		name      string
		index     int64
		witnesses []common.Hash
	}{
		{"root index with witnesses", 1, []common.Hash{w}},
		{"non-root index without witnesses", 2, nil},
		{"too few", 4, []common.Hash{w}},
		{"too many", 2, []common.Hash{w, w}},
		{"deep index short proof", 1 << 20, []common.Hash{w, w, w}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Verify(leaf, big.NewInt(tt.index), tt.witnesses, root)
			assert.False(t, res.OK)
			assert.Equal(t, ReasonLengthMismatch, res.Reason)
		})
	}
}

func TestVerify_RootIndexWithoutWitnesses(t *testing.T) {
	leaf := hashOf("a")
	assert.True(t, Verify(leaf, big.NewInt(1), nil, leaf).OK)
	assert.Equal(t, ReasonRootMismatch, Verify(leaf, big.NewInt(1), nil, hashOf("b")).Reason)
}

func TestVerify_InvalidIndex(t *testing.T) {
	leaf := hashOf("a")
	assert.Equal(t, ReasonInvalidIndex, Verify(leaf, nil, nil, leaf).Reason)
	assert.Equal(t, ReasonInvalidIndex, Verify(leaf, big.NewInt(0), nil, leaf).Reason)
	assert.Equal(t, ReasonInvalidIndex, Verify(leaf, big.NewInt(-3), nil, leaf).Reason)
}

func TestVerify_DoesNotMutateIndex(t *testing.T) {
	leaf := hashOf("a")
	w := hashOf("w")
	g := big.NewInt(3)
	Verify(leaf, g, []common.Hash{w}, HashPair(w, leaf))
	assert.Equal(t, int64(3), g.Int64())
}

func TestVerify_BeyondSixtyFourLevels(t *testing.T) {
	const depth = 70
	leaf := hashOf("deep")

	// Alternate right/left along the path so both branches are exercised.
	g := big.NewInt(1)
	for i := 0; i < depth; i++ {
		g.Lsh(g, 1)
		if i%2 == 0 {
			g.SetBit(g, 0, 1)
		}
	}
	require.Equal(t, depth, Depth(g))

	witnesses := make([]common.Hash, depth)
	current := leaf
	idx := new(big.Int).Set(g)
	for i := range witnesses {
		witnesses[i] = hashOf(big.NewInt(int64(i)).String())
		if idx.Bit(0) == 0 {
			current = HashPair(current, witnesses[i])
		} else {
			current = HashPair(witnesses[i], current)
		}
		idx.Rsh(idx, 1)
	}

	assert.True(t, Verify(leaf, g, witnesses, current).OK)
}

func TestProof_VerifyAndHex(t *testing.T) {
	leaf := hashOf("a")
	w := hashOf("w")
	p := &Proof{Leaf: leaf, Index: big.NewInt(2), Witnesses: []common.Hash{w}}

	assert.True(t, p.Verify(HashPair(leaf, w)).OK)
	assert.Equal(t, []string{w.Hex()}, p.HexWitnesses())

	var nilProof *Proof
	assert.Equal(t, ReasonInvalidIndex, nilProof.Verify(leaf).Reason)
}
