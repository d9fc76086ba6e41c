// Package shard computes and parses the content address used to identify a
// stored blob throughout the network: ripemd160(sha256(bytes)).
package shard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // retained for Bitcoin-style address hashing compatibility
)

// Length is the byte length of a Hash (160 bits).
const Length = 20

// Hash is the content address of a shard: ripemd160(sha256(data)).
type Hash [Length]byte

// Compute derives the content address of data.
func Compute(data []byte) Hash {
	sum := sha256.Sum256(data)
	r := ripemd160.New()
	r.Write(sum[:])
	var h Hash
	copy(h[:], r.Sum(nil))
	return h
}

// String renders the hash as lowercase hex.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText renders the hash as hex, so Hash can be used directly as a
// JSON object key and as a JSON string value.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText parses a hex-encoded shard hash.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHex decodes a hex-encoded shard hash.
func ParseHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("shard: decode hash %q: %w", s, err)
	}
	if len(b) != Length {
		return Hash{}, fmt.Errorf("shard: hash %q has length %d, want %d", s, len(b), Length)
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}
