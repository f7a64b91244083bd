// merkle.go - Fixed-height sparse Merkle trees over transfer digests.
//
// Trees are binary, height H, with leaves at level 0 and the root at level H.
// Absent positions take precomputed zero-subtree hashes, so the root of a
// tree with n real leaves is identical to the root of a full tree whose
// remaining slots hold the zero leaf. The same construction backs both the
// per-origin transfer trees and the 64-slot cross-origin aggregation tree.

package merkle

import (
	"fmt"

	"github.com/veilcash/veilcash/internal/transfer"
)

// ZeroHashes builds the zero-subtree hash chain for a tree of the given
// height: zh[0] is the zero leaf, zh[i] = H(zh[i-1], zh[i-1]). The returned
// slice has height+1 entries; zh[height] is the empty tree's root.
func ZeroHashes(height int) []transfer.Digest {
	zh := make([]transfer.Digest, height+1)
	zh[0] = transfer.ZeroDigest
	for i := 1; i <= height; i++ {
		zh[i] = transfer.HashPair(zh[i-1], zh[i-1])
	}
	return zh
}

// Path is a fixed-length inclusion path for the leaf at Index. Siblings[i]
// is the sibling hash at level i; the direction at each level follows from
// the index bits, bit i clear meaning the node is the left child.
type Path struct {
	Index    int64
	Siblings []transfer.Digest
}

// Root folds the path upward from the given leaf value.
func (p *Path) Root(leaf transfer.Digest) transfer.Digest {
	cur := leaf
	idx := p.Index
	for _, sib := range p.Siblings {
		if idx&1 == 0 {
			cur = transfer.HashPair(cur, sib)
		} else {
			cur = transfer.HashPair(sib, cur)
		}
		idx >>= 1
	}
	return cur
}

// Verify reports whether the path proves leaf under root.
func (p *Path) Verify(root, leaf transfer.Digest) bool {
	return p.Root(leaf) == root
}

// Sparse is an in-memory fixed-height sparse tree. Levels[0] holds leaves,
// Levels[height] the root. Only set positions are stored; everything else
// reads as the zero-subtree hash for its level.
type Sparse struct {
	height int
	levels []map[int64]transfer.Digest
	zero   []transfer.Digest
}

// NewSparse creates an empty tree of the given height (capacity 2^height).
func NewSparse(height int) *Sparse {
	levels := make([]map[int64]transfer.Digest, height+1)
	for i := range levels {
		levels[i] = make(map[int64]transfer.Digest)
	}
	return &Sparse{height: height, levels: levels, zero: ZeroHashes(height)}
}

// Height returns the tree height.
func (s *Sparse) Height() int { return s.height }

// node reads a position, falling back to the zero hash for its level.
func (s *Sparse) node(level int, index int64) transfer.Digest {
	if h, ok := s.levels[level][index]; ok {
		return h
	}
	return s.zero[level]
}

// Set writes the leaf at index and rehashes its root path.
func (s *Sparse) Set(index int64, leaf transfer.Digest) error {
	if index < 0 || index >= int64(1)<<uint(s.height) {
		return fmt.Errorf("merkle: leaf index %d out of range for height %d", index, s.height)
	}
	s.levels[0][index] = leaf
	idx := index
	for lvl := 0; lvl < s.height; lvl++ {
		parent := idx >> 1
		left := s.node(lvl, parent<<1)
		right := s.node(lvl, parent<<1|1)
		s.levels[lvl+1][parent] = transfer.HashPair(left, right)
		idx = parent
	}
	return nil
}

// Root returns the current root, the zero root for an empty tree.
func (s *Sparse) Root() transfer.Digest {
	return s.node(s.height, 0)
}

// Proof returns the inclusion path for the leaf at index.
func (s *Sparse) Proof(index int64) (*Path, error) {
	if index < 0 || index >= int64(1)<<uint(s.height) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range for height %d", index, s.height)
	}
	siblings := make([]transfer.Digest, s.height)
	idx := index
	for lvl := 0; lvl < s.height; lvl++ {
		siblings[lvl] = s.node(lvl, idx^1)
		idx >>= 1
	}
	return &Path{Index: index, Siblings: siblings}, nil
}

// Leaf returns the stored leaf value at index, zero if unset.
func (s *Sparse) Leaf(index int64) transfer.Digest {
	return s.node(0, index)
}
