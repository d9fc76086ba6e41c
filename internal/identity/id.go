// Package identity wraps a secp256k1 keypair and derives the node identifier
// the rest of the network authenticates against. A NodeID is the
// RIPEMD160(SHA256(·)) of a node's compressed public key, 20 bytes, hex-encoded
// on the wire.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/bits"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck
)

// Length is the byte length of a NodeID (160 bits).
const Length = 20

// NodeID is a 160-bit identifier derived from a compressed secp256k1 public key.
type NodeID [Length]byte

// NodeIDFromPubkey computes RIPEMD160(SHA256(pub)) for a compressed public key.
func NodeIDFromPubkey(pub []byte) NodeID {
	sum := sha256.Sum256(pub)
	r := ripemd160.New()
	r.Write(sum[:])
	var id NodeID
	copy(id[:], r.Sum(nil))
	return id
}

// String renders the node ID as lowercase hex.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// MarshalText renders the node ID as hex, so NodeID can be used directly as
// a JSON object key (encoding/json requires map keys to be strings,
// integers, or implement encoding.TextMarshaler) and as a JSON string value.
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses a hex-encoded NodeID.
func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseNodeID decodes a hex-encoded NodeID.
func ParseNodeID(s string) (NodeID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("identity: decode node id %q: %w", s, err)
	}
	if len(b) != Length {
		return NodeID{}, fmt.Errorf("identity: node id %q has length %d, want %d", s, len(b), Length)
	}
	var id NodeID
	copy(id[:], b)
	return id, nil
}

// XOR returns the XOR distance between two node IDs, the Kademlia metric.
func XOR(a, b NodeID) NodeID {
	var out NodeID
	for i := 0; i < Length; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// DistanceLess reports whether a is strictly closer to target than b.
func DistanceLess(target, a, b NodeID) bool {
	da := XOR(target, a)
	db := XOR(target, b)
	for i := 0; i < Length; i++ {
		if da[i] != db[i] {
			return da[i] < db[i]
		}
	}
	return false
}

// BucketIndex returns the k-bucket index of other relative to self: the
// number of leading zero bits of XOR(self, other), i.e. the length of the
// prefix the two IDs share, so a higher index means a closer peer.
// Identical IDs are placed in the closest bucket.
func BucketIndex(self, other NodeID) int {
	dist := XOR(self, other)
	for i := 0; i < Length; i++ {
		if dist[i] != 0 {
			lz := bits.LeadingZeros8(dist[i])
			return i*8 + lz
		}
	}
	return Length*8 - 1
}
