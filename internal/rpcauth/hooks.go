// Package rpcauth implements the signed-envelope authentication layer every
// RPC passes through: outbound messages are signed and stamped with a
// freshness nonce, inbound messages are verified and their nonce checked
// against a freshness window before the method handler ever sees them.
package rpcauth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ssd-technologies/keepnet/internal/contact"
	"github.com/ssd-technologies/keepnet/internal/identity"
	"github.com/ssd-technologies/keepnet/internal/nodeerr"
)

// NonceExpire bounds how long a signed message remains acceptable after it
// was signed.
const NonceExpire = 15 * time.Second

const (
	nonceField     = "__nonce"
	signatureField = "__signature"
)

// Hooks signs outbound RPC bodies and verifies inbound ones. A single Hooks
// instance is shared by every send/receive on a Node. No record of seen
// nonces is kept: a message replayed within NonceExpire is accepted again.
type Hooks struct {
	KeyPair     *identity.KeyPair
	Cache       *contact.PubkeyCache
	NonceExpire time.Duration
}

// New constructs Hooks with the default NonceExpire.
func New(kp *identity.KeyPair, cache *contact.PubkeyCache) *Hooks {
	return &Hooks{KeyPair: kp, Cache: cache, NonceExpire: NonceExpire}
}

// Sign stamps body (a JSON object: params for a request, result for a
// response) with __nonce and __signature, computed over msgID‖decimal(nonce)
// using the Bitcoin magic-hash construction, and returns the updated body.
func (h *Hooks) Sign(msgID string, body json.RawMessage) (json.RawMessage, error) {
	fields, err := decodeObject(body)
	if err != nil {
		return nil, fmt.Errorf("rpcauth: sign: %w", err)
	}

	nonce := time.Now().UnixMilli()
	target := signTarget(msgID, nonce)

	sig, err := h.KeyPair.Sign([]byte(target))
	if err != nil {
		return nil, fmt.Errorf("rpcauth: sign: %w", err)
	}

	nonceRaw, err := json.Marshal(nonce)
	if err != nil {
		return nil, fmt.Errorf("rpcauth: sign: encode nonce: %w", err)
	}
	sigRaw, err := json.Marshal(base64.StdEncoding.EncodeToString(sig))
	if err != nil {
		return nil, fmt.Errorf("rpcauth: sign: encode signature: %w", err)
	}
	fields[nonceField] = nonceRaw
	fields[signatureField] = sigRaw

	return encodeObject(fields)
}

// Verify extracts __nonce/__signature from body, rejects a stale or
// malformed envelope, recovers the signer's public key, and checks it binds
// to claimed. On success the recovered key is cached.
func (h *Hooks) Verify(msgID string, body json.RawMessage, claimed identity.NodeID) error {
	fields, err := decodeObject(body)
	if err != nil {
		return fmt.Errorf("%w: %v", nodeerr.ErrSignatureInvalid, err)
	}

	nonceRaw, ok := fields[nonceField]
	if !ok {
		return fmt.Errorf("%w: missing %s", nodeerr.ErrSignatureInvalid, nonceField)
	}
	sigRaw, ok := fields[signatureField]
	if !ok {
		return fmt.Errorf("%w: missing %s", nodeerr.ErrSignatureInvalid, signatureField)
	}

	var nonce int64
	if err := json.Unmarshal(nonceRaw, &nonce); err != nil {
		return fmt.Errorf("%w: bad nonce: %v", nodeerr.ErrSignatureInvalid, err)
	}
	var sigB64 string
	if err := json.Unmarshal(sigRaw, &sigB64); err != nil {
		return fmt.Errorf("%w: bad signature encoding: %v", nodeerr.ErrSignatureInvalid, err)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding: %v", nodeerr.ErrSignatureInvalid, err)
	}

	age := time.Since(time.UnixMilli(nonce))
	if age > h.expire() {
		return fmt.Errorf("%w: nonce age %s exceeds %s", nodeerr.ErrNonceExpired, age, h.expire())
	}

	target := signTarget(msgID, nonce)
	pub, err := identity.RecoverPubkey([]byte(target), identity.CompactSig(sig))
	if err != nil {
		return fmt.Errorf("%w: %v", nodeerr.ErrSignatureInvalid, err)
	}

	recovered := identity.NodeIDFromPubkey(pub)
	if recovered != claimed {
		return fmt.Errorf("%w: claimed %s, recovered %s", nodeerr.ErrNodeIDMismatch, claimed, recovered)
	}

	h.Cache.Put(claimed, pub)
	return nil
}

func (h *Hooks) expire() time.Duration {
	if h.NonceExpire > 0 {
		return h.NonceExpire
	}
	return NonceExpire
}

func signTarget(msgID string, nonce int64) string {
	return msgID + strconv.FormatInt(nonce, 10)
}

func decodeObject(body json.RawMessage) (map[string]json.RawMessage, error) {
	if len(body) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("body is not a JSON object: %w", err)
	}
	return fields, nil
}

func encodeObject(fields map[string]json.RawMessage) (json.RawMessage, error) {
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("rpcauth: encode body: %w", err)
	}
	return b, nil
}
