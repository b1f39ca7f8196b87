// Package merkle implements the append-only, RFC 6962-style Merkle tree
// used to anchor the pool transaction log. Leaf hashes are prefixed with
// 0x00 and interior node hashes with 0x01, so a leaf hash can never collide
// with an interior hash of the same bytes.
//
// Generalizes the teacher's core/merkle_tree_operations.go, which built a
// fixed-size tree from a leaf slice on every call; here the tree is
// mutable and append-only so the pool runner can extend it during catch-up
// without rebuilding from scratch.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
)

const (
	leafPrefix     = 0x00
	interiorPrefix = 0x01
)

// ErrEmptyTree is returned by operations that require at least one leaf.
var ErrEmptyTree = errors.New("merkle: tree is empty")

func leafHash(data []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func interiorHash(left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{interiorPrefix})
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Tree is an append-only Merkle tree over raw leaf bytes. It keeps every
// historical leaf hash so that ConsistencyProof can be computed for any
// past size without replaying appends.
type Tree struct {
	leafHashes [][32]byte
}

// New returns an empty tree.
func New() *Tree { return &Tree{} }

// FromLeaves builds a tree from an ordered list of leaves, appending them
// one at a time. Building from a list and appending one by one must yield
// identical roots (spec.md §8 round-trip property).
func FromLeaves(leaves [][]byte) *Tree {
	t := New()
	for _, l := range leaves {
		t.Append(l)
	}
	return t
}

// Append adds a new leaf to the tree.
func (t *Tree) Append(leaf []byte) {
	t.leafHashes = append(t.leafHashes, leafHash(leaf))
}

// Count returns the number of leaves appended so far.
func (t *Tree) Count() int { return len(t.leafHashes) }

// Clone returns a structural copy of t sharing no backing array, so a
// catch-up round can extend the copy and discard it on failure without
// mutating t until the round commits.
func (t *Tree) Clone() *Tree {
	leaves := make([][32]byte, len(t.leafHashes))
	copy(leaves, t.leafHashes)
	return &Tree{leafHashes: leaves}
}

// RootHash returns the current root hash, or ErrEmptyTree if no leaves have
// been appended.
func (t *Tree) RootHash() ([32]byte, error) {
	return rootAt(t.leafHashes, len(t.leafHashes))
}

// RootAt returns the root hash that the tree had after its first n leaves.
func (t *Tree) RootAt(n int) ([32]byte, error) {
	if n < 0 || n > len(t.leafHashes) {
		return [32]byte{}, fmt.Errorf("merkle: size %d out of range [0,%d]", n, len(t.leafHashes))
	}
	return rootAt(t.leafHashes, n)
}

// rootAt computes the root over subtree-rollups of leaves[:n] using the
// standard RFC 6962 "merkelization" of an arbitrary-size leaf list: the
// tree is decomposed into the maximal powers-of-two subtrees from left to
// right, and those subtree roots are combined right-to-left.
func rootAt(leaves [][32]byte, n int) ([32]byte, error) {
	if n == 0 {
		return [32]byte{}, ErrEmptyTree
	}
	return subtreeRoot(leaves[:n]), nil
}

// subtreeRoot computes the RFC 6962 root of an arbitrary (non-power-of-two)
// leaf range by splitting at the largest power of two strictly less than
// len(leaves).
func subtreeRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 1 {
		return leaves[0]
	}
	split := largestPowerOfTwoLessThan(len(leaves))
	left := subtreeRoot(leaves[:split])
	right := subtreeRoot(leaves[split:])
	return interiorHash(left, right)
}

func largestPowerOfTwoLessThan(n int) int {
	k := 1
	for k*2 < n {
		k *= 2
	}
	return k
}

// ConsistencyProof returns the node hashes required to prove that the root
// at oldSize is a prefix of the tree's current root. Returns an empty proof
// (no error) if oldSize == 0 or oldSize == Count().
func (t *Tree) ConsistencyProof(oldSize int) ([][32]byte, error) {
	n := len(t.leafHashes)
	if oldSize < 0 || oldSize > n {
		return nil, fmt.Errorf("merkle: old size %d out of range [0,%d]", oldSize, n)
	}
	if oldSize == 0 || oldSize == n {
		return nil, nil
	}
	var proof [][32]byte
	subProof(t.leafHashes[:n], oldSize, true, &proof)
	return proof, nil
}

// subProof recurses over the same left/right split as subtreeRoot, recording
// the sibling hashes needed to recompute the root at m from the root at m
// (first call) together with the hashes needed to extend to the full range.
// This follows the standard RFC 6962 PROOF(m, D[n]) recursion.
func subProof(leaves [][32]byte, m int, haveRoot bool, proof *[][32]byte) [32]byte {
	n := len(leaves)
	if m == n {
		root := subtreeRoot(leaves)
		if !haveRoot {
			*proof = append(*proof, root)
		}
		return root
	}
	if n == 1 {
		// m must be 0 here by construction; nothing more to record.
		return leaves[0]
	}
	split := largestPowerOfTwoLessThan(n)
	if m <= split {
		left := subProof(leaves[:split], m, haveRoot, proof)
		right := subtreeRoot(leaves[split:])
		*proof = append(*proof, right)
		return interiorHash(left, right)
	}
	left := subtreeRoot(leaves[:split])
	right := subProof(leaves[split:], m-split, false, proof)
	*proof = append(*proof, left)
	return interiorHash(left, right)
}

// VerifyConsistency recomputes oldRoot from the first oldSize leaves (via
// the proof) and checks that it extends to newRoot at newSize. It does not
// need the leaves themselves, only the two roots, both sizes, and the
// proof returned by ConsistencyProof.
//
// The verifier mirrors subProof's own left/right recursion exactly, so it
// consumes proof entries in precisely the order ConsistencyProof produced
// them instead of re-deriving sibling positions from bit arithmetic.
func VerifyConsistency(oldRoot [32]byte, oldSize int, newRoot [32]byte, newSize int, proof [][32]byte) bool {
	if oldSize < 0 || newSize < oldSize {
		return false
	}
	if oldSize == 0 {
		return len(proof) == 0
	}
	if oldSize == newSize {
		return len(proof) == 0 && bytes.Equal(oldRoot[:], newRoot[:])
	}

	idx := 0
	gotOld, gotNew, ok := verifyProof(newSize, oldSize, true, oldRoot, proof, &idx)
	if !ok || idx != len(proof) {
		return false
	}
	return bytes.Equal(gotOld[:], oldRoot[:]) && bytes.Equal(gotNew[:], newRoot[:])
}

// verifyProof mirrors subProof(leaves[:n], m, haveRoot, proof): n is the
// size of the current range, m the old-size boundary within it (0 < m <=
// n). It returns the range's root restricted to the first m leaves
// ("old") and its root over all n leaves ("new"). When haveRoot is true
// and the recursion bottoms out exactly at m == n, the "old" root of that
// subtree is knownRoot (the caller's own old root) rather than a proof
// entry, matching how subProof skips emitting it in that case.
func verifyProof(n, m int, haveRoot bool, knownRoot [32]byte, proof [][32]byte, idx *int) (oldR, newR [32]byte, ok bool) {
	if m == n {
		if haveRoot {
			return knownRoot, knownRoot, true
		}
		if *idx >= len(proof) {
			return oldR, newR, false
		}
		r := proof[*idx]
		*idx++
		return r, r, true
	}
	if n <= 1 {
		return oldR, newR, false
	}
	split := largestPowerOfTwoLessThan(n)
	if m <= split {
		leftOld, leftNew, ok := verifyProof(split, m, haveRoot, knownRoot, proof, idx)
		if !ok {
			return oldR, newR, false
		}
		if *idx >= len(proof) {
			return oldR, newR, false
		}
		rightRoot := proof[*idx]
		*idx++
		return leftOld, interiorHash(leftNew, rightRoot), true
	}
	rightOld, rightNew, ok := verifyProof(n-split, m-split, false, knownRoot, proof, idx)
	if !ok {
		return oldR, newR, false
	}
	if *idx >= len(proof) {
		return oldR, newR, false
	}
	leftRoot := proof[*idx]
	*idx++
	return interiorHash(leftRoot, rightOld), interiorHash(leftRoot, rightNew), true
}
