// Package audit implements the Merkle-tree possession-proof scheme: a
// renter pre-commits a set of random challenges against a shard's bytes
// before handing the shard off to a farmer, then later reveals one
// challenge at a time and checks the farmer's Merkle inclusion proof
// against the root it kept privately. The public record (root, depth, and
// the pre-committed leaf hashes) travels with the shard to the farmer; the
// private record (root, depth, and the raw challenge pre-images) never
// leaves the renter.
package audit

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// Challenge is one pre-image used to derive a committed leaf.
type Challenge struct {
	Index int      `json:"index"`
	Value [32]byte `json:"value"`
}

// PublicRecord is what the farmer stores alongside the shard bytes.
type PublicRecord struct {
	Root   [32]byte   `json:"root"`
	Depth  int        `json:"depth"`
	Leaves [][32]byte `json:"leaves"`
}

// PrivateRecord is what the renter retains. Challenges is consumed
// front-to-back by AuditCoordinator and never replayed. DataDigest is the
// SHA-256 of the shard's full bytes at the time the tree was built, kept so
// that Verify can recompute expected leaves without holding onto the shard
// itself (the renter hands the bytes off to the farmer and does not keep a
// second copy).
type PrivateRecord struct {
	Root       [32]byte    `json:"root"`
	Depth      int         `json:"depth"`
	DataDigest [32]byte    `json:"data_digest"`
	Challenges []Challenge `json:"challenges"`
}

// Proof is the farmer's response to a single revealed challenge: the
// committed leaf at the challenged index and the sibling hashes needed to
// recompute the root.
type Proof struct {
	Index    int        `json:"index"`
	Leaf     [32]byte    `json:"leaf"`
	Siblings [][32]byte `json:"siblings"`
}

// Build draws n independent random challenges against data and constructs a
// Merkle tree over the resulting leaves. n is typically Contract.AuditCount
// (default 12).
func Build(data []byte, n int) (*PublicRecord, *PrivateRecord, error) {
	if n <= 0 {
		return nil, nil, fmt.Errorf("audit: audit count must be positive, got %d", n)
	}

	digest := sha256.Sum256(data)

	leaves := make([][32]byte, n)
	challenges := make([]Challenge, n)
	for i := 0; i < n; i++ {
		var value [32]byte
		if _, err := rand.Read(value[:]); err != nil {
			return nil, nil, fmt.Errorf("audit: generate challenge %d: %w", i, err)
		}
		leaves[i] = leafHash(value, digest)
		challenges[i] = Challenge{Index: i, Value: value}
	}

	tree := buildTree(leaves)
	depth := len(tree) - 1

	pub := &PublicRecord{Root: tree[depth][0], Depth: depth, Leaves: leaves}
	priv := &PrivateRecord{Root: tree[depth][0], Depth: depth, DataDigest: digest, Challenges: challenges}
	return pub, priv, nil
}

// leafHash binds a challenge pre-image to the shard's content digest, so
// the committed leaf cannot be produced without either the original bytes
// or the pre-committed value itself.
func leafHash(challenge [32]byte, digest [32]byte) [32]byte {
	h := sha256.New()
	h.Write(challenge[:])
	h.Write(digest[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// pairHash combines two sibling nodes into their parent.
func pairHash(left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// buildTree returns every level of the Merkle tree, level 0 being the
// (power-of-two-padded) leaves and the last level being the single root.
func buildTree(leaves [][32]byte) [][][32]byte {
	level := padToPowerOfTwo(leaves)
	tree := [][][32]byte{level}
	for len(level) > 1 {
		next := make([][32]byte, len(level)/2)
		for i := range next {
			next[i] = pairHash(level[2*i], level[2*i+1])
		}
		tree = append(tree, next)
		level = next
	}
	return tree
}

// padToPowerOfTwo duplicates the final leaf until the slice length is a
// power of two, so every tree level halves cleanly.
func padToPowerOfTwo(leaves [][32]byte) [][32]byte {
	n := len(leaves)
	size := 1
	for size < n {
		size *= 2
	}
	padded := make([][32]byte, size)
	copy(padded, leaves)
	for i := n; i < size; i++ {
		padded[i] = leaves[n-1]
	}
	return padded
}

// Prove builds the inclusion proof for the leaf at index, the farmer-side
// half of the AUDIT handler.
func Prove(pub *PublicRecord, index int) (*Proof, error) {
	if index < 0 || index >= len(pub.Leaves) {
		return nil, fmt.Errorf("audit: challenge index %d out of range [0, %d)", index, len(pub.Leaves))
	}
	tree := buildTree(pub.Leaves)
	siblings := make([][32]byte, 0, pub.Depth)
	idx := index
	for level := 0; level < pub.Depth; level++ {
		siblingIdx := idx ^ 1
		siblings = append(siblings, tree[level][siblingIdx])
		idx /= 2
	}
	return &Proof{Index: index, Leaf: pub.Leaves[index], Siblings: siblings}, nil
}

// Verify recomputes the expected leaf from the renter's own retained
// challenge pre-image and data digest, then checks the proof's sibling
// path against the root kept in priv.
func Verify(priv *PrivateRecord, ch Challenge, proof *Proof) bool {
	if proof.Index != ch.Index {
		return false
	}
	if proof.Leaf != leafHash(ch.Value, priv.DataDigest) {
		return false
	}
	root := proof.Leaf
	idx := proof.Index
	if len(proof.Siblings) != priv.Depth {
		return false
	}
	for _, sibling := range proof.Siblings {
		if idx%2 == 0 {
			root = pairHash(root, sibling)
		} else {
			root = pairHash(sibling, root)
		}
		idx /= 2
	}
	return root == priv.Root
}
