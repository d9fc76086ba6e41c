package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
)

// magicPrefix is Bitcoin's personal-message signing prefix. Framing a message
// this way before hashing keeps secp256k1 signatures interoperable with the
// wider ecosystem's address-to-signature verification tooling.
const magicPrefix = "\x18Bitcoin Signed Message:\n"

// KeyPair wraps a secp256k1 private key and exposes the node's identity
// operations: deriving its NodeID, signing outbound bytes, and verifying
// signatures against a claimed NodeID.
type KeyPair struct {
	priv *btcec.PrivateKey
}

// Generate creates a new random secp256k1 key pair.
func Generate() (*KeyPair, error) {
	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// FromBytes loads a key pair from a raw 32-byte private scalar.
func FromBytes(b []byte) (*KeyPair, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("identity: private key must be 32 bytes, got %d", len(b))
	}
	priv, _ := btcec.PrivKeyFromBytes(btcec.S256(), b)
	return &KeyPair{priv: priv}, nil
}

// Bytes returns the raw 32-byte private scalar.
func (k *KeyPair) Bytes() []byte {
	return k.priv.Serialize()
}

// PublicKeyCompressed returns the 33-byte compressed public key.
func (k *KeyPair) PublicKeyCompressed() []byte {
	return k.priv.PubKey().SerializeCompressed()
}

// NodeID derives this key pair's node identifier.
func (k *KeyPair) NodeID() NodeID {
	return NodeIDFromPubkey(k.PublicKeyCompressed())
}

// CompactSig is a Bitcoin-style compact secp256k1 signature: 1 recovery byte
// followed by 64 bytes of (r, s).
type CompactSig []byte

// Sign signs msg using the Bitcoin magic-hash construction and returns a
// compact signature that embeds the information needed to recover the
// signer's public key.
func (k *KeyPair) Sign(msg []byte) (CompactSig, error) {
	digest := magicHash(msg)
	sig, err := btcec.SignCompact(btcec.S256(), k.priv, digest, true)
	if err != nil {
		return nil, fmt.Errorf("identity: sign: %w", err)
	}
	return CompactSig(sig), nil
}

// Verify recovers the public key embedded in sig and reports whether the
// recovered key's derived NodeID matches expected. The caller must never
// trust a claimed NodeID independently of this check.
func Verify(msg []byte, sig CompactSig, expected NodeID) (bool, error) {
	digest := magicHash(msg)
	pub, _, err := btcec.RecoverCompact(btcec.S256(), sig, digest)
	if err != nil {
		return false, fmt.Errorf("identity: recover pubkey: %w", err)
	}
	recovered := NodeIDFromPubkey(pub.SerializeCompressed())
	return recovered == expected, nil
}

// RecoverPubkey recovers the compressed public key embedded in sig without
// comparing it to a claimed NodeID. Used by callers (MessageAuth) that need
// the raw key to populate a cache after a successful comparison.
func RecoverPubkey(msg []byte, sig CompactSig) ([]byte, error) {
	digest := magicHash(msg)
	pub, _, err := btcec.RecoverCompact(btcec.S256(), sig, digest)
	if err != nil {
		return nil, fmt.Errorf("identity: recover pubkey: %w", err)
	}
	return pub.SerializeCompressed(), nil
}

// magicHash computes the double-SHA256 digest of msg framed the way Bitcoin
// frames personal messages: prefix, varint-encoded length, then the message.
func magicHash(msg []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(magicPrefix)
	writeVarInt(&buf, uint64(len(msg)))
	buf.Write(msg)
	first := sha256.Sum256(buf.Bytes())
	second := sha256.Sum256(first[:])
	return second[:]
}

// writeVarInt encodes n as a Bitcoin CompactSize integer.
func writeVarInt(buf *bytes.Buffer, n uint64) {
	switch {
	case n < 0xfd:
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		buf.WriteByte(0xfd)
		binary.Write(buf, binary.LittleEndian, uint16(n)) //nolint:errcheck
	case n <= 0xffffffff:
		buf.WriteByte(0xfe)
		binary.Write(buf, binary.LittleEndian, uint32(n)) //nolint:errcheck
	default:
		buf.WriteByte(0xff)
		binary.Write(buf, binary.LittleEndian, n) //nolint:errcheck
	}
}
