// Package tree sizes and hashes the fixed-arity Merkle trees of a poll. The
// state tree is binary; the vote option and tally trees are quinary.
package tree

import (
	"errors"
	"fmt"
	"math"

	"github.com/vocdoni/maci-coordinator/types"
)

// ErrInvalidCapacity is returned when a tree cannot be sized for the declared
// capacity: the base is unsupported or the maximum number of leaves is < 1.
var ErrInvalidCapacity = errors.New("invalid tree capacity")

// DepthFor returns the smallest depth d >= 0 such that base^d >= maxLeaves.
// It only uses integer arithmetic so powers of the base are exact: a quinary
// tree with 25 leaves has depth 2 and one with 26 leaves has depth 3.
func DepthFor(base types.TreeBase, maxLeaves int) (int, error) {
	if base != types.BinaryTree && base != types.QuinaryTree {
		return 0, fmt.Errorf("%w: unsupported base %d", ErrInvalidCapacity, base)
	}
	if maxLeaves < 1 {
		return 0, fmt.Errorf("%w: max leaves must be positive, got %d", ErrInvalidCapacity, maxLeaves)
	}
	b := uint64(base)
	target := uint64(maxLeaves)
	depth := 0
	for capacity := uint64(1); capacity < target; depth++ {
		if capacity > math.MaxUint64/b {
			// the next level cannot overflow past target, it already covers it
			return depth + 1, nil
		}
		capacity *= b
	}
	return depth, nil
}

// BinaryDepth is DepthFor for the binary state tree.
func BinaryDepth(maxLeaves int) (int, error) {
	return DepthFor(types.BinaryTree, maxLeaves)
}

// QuinaryDepth is DepthFor for quinary trees.
func QuinaryDepth(maxLeaves int) (int, error) {
	return DepthFor(types.QuinaryTree, maxLeaves)
}

// Depth computes the depth of the tree described by s.
func Depth(s types.TreeSizing) (int, error) {
	return DepthFor(s.Base, s.MaxLeaves)
}

// Capacity returns base^depth, the number of leaves of a full tree. It
// returns an error if the value does not fit in an int.
func Capacity(base types.TreeBase, depth int) (int, error) {
	if depth < 0 {
		return 0, fmt.Errorf("%w: negative depth %d", ErrInvalidCapacity, depth)
	}
	capacity := 1
	for range depth {
		if capacity > math.MaxInt/int(base) {
			return 0, fmt.Errorf("%w: %d^%d overflows", ErrInvalidCapacity, base, depth)
		}
		capacity *= int(base)
	}
	return capacity, nil
}
