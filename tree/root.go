package tree

import (
	"fmt"
	"math/big"

	"github.com/iden3/go-iden3-crypto/poseidon"
	"github.com/vocdoni/maci-coordinator/types"
)

// Root computes the Poseidon root of a full tree of the given base and depth.
// Missing leaves are zero. It fails if there are more leaves than capacity.
// Only the non-empty part of each level is hashed; empty subtrees use
// precomputed zero hashes, so deep trees are cheap.
func Root(base types.TreeBase, depth int, leaves []*big.Int) (*big.Int, error) {
	if base != types.BinaryTree && base != types.QuinaryTree {
		return nil, fmt.Errorf("%w: unsupported base %d", ErrInvalidCapacity, base)
	}
	if depth < 0 {
		return nil, fmt.Errorf("%w: negative depth %d", ErrInvalidCapacity, depth)
	}
	// an overflowing capacity always fits the leaves
	if capacity, err := Capacity(base, depth); err == nil && len(leaves) > capacity {
		return nil, fmt.Errorf("%w: %d leaves do not fit in a depth %d tree", ErrInvalidCapacity, len(leaves), depth)
	}
	arity := int(base)
	zero := big.NewInt(0)
	level := make([]*big.Int, len(leaves))
	for i, l := range leaves {
		if l == nil {
			l = zero
		}
		level[i] = l
	}
	for range depth {
		if len(level) == 0 {
			level = []*big.Int{zero}
		}
		next := make([]*big.Int, (len(level)+arity-1)/arity)
		for i := range next {
			children := make([]*big.Int, arity)
			for j := range children {
				if k := i*arity + j; k < len(level) {
					children[j] = level[k]
				} else {
					children[j] = zero
				}
			}
			h, err := poseidon.Hash(children)
			if err != nil {
				return nil, fmt.Errorf("hash tree node: %w", err)
			}
			next[i] = h
		}
		// the hash of an empty subtree is the zero of the next level
		z, err := poseidon.Hash(repeat(zero, arity))
		if err != nil {
			return nil, fmt.Errorf("hash zero node: %w", err)
		}
		zero = z
		level = next
	}
	if len(level) == 0 {
		return zero, nil
	}
	return level[0], nil
}

func repeat(v *big.Int, n int) []*big.Int {
	out := make([]*big.Int, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// QuinRoot computes the root of a quinary tree of the given depth.
func QuinRoot(depth int, leaves []*big.Int) (*big.Int, error) {
	return Root(types.QuinaryTree, depth, leaves)
}

// BinaryRoot computes the root of a binary tree of the given depth.
func BinaryRoot(depth int, leaves []*big.Int) (*big.Int, error) {
	return Root(types.BinaryTree, depth, leaves)
}
