package rpcauth

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ssd-technologies/keepnet/internal/contact"
	"github.com/ssd-technologies/keepnet/internal/identity"
	"github.com/ssd-technologies/keepnet/internal/nodeerr"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, _ := identity.Generate()
	h := New(kp, contact.NewPubkeyCache())

	body := json.RawMessage(`{"data_hash":"deadbeef"}`)
	signed, err := h.Sign("msg-1", body)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := h.Verify("msg-1", signed, kp.NodeID()); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	cached, ok := h.Cache.Get(kp.NodeID())
	if !ok {
		t.Fatal("expected pubkey cache to be populated after successful verify")
	}
	if string(cached) != string(kp.PublicKeyCompressed()) {
		t.Fatal("cached pubkey does not match signer's key")
	}
}

func TestVerifyRejectsStaleNonce(t *testing.T) {
	kp, _ := identity.Generate()
	h := New(kp, contact.NewPubkeyCache())
	h.NonceExpire = 10 * time.Millisecond

	signed, err := h.Sign("msg-2", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	err = h.Verify("msg-2", signed, kp.NodeID())
	if !errors.Is(err, nodeerr.ErrNonceExpired) {
		t.Fatalf("Verify error = %v, want ErrNonceExpired", err)
	}
}

func TestVerifyRejectsWrongClaimedNodeID(t *testing.T) {
	kp, _ := identity.Generate()
	impostorClaim, _ := identity.Generate()
	h := New(kp, contact.NewPubkeyCache())

	signed, err := h.Sign("msg-3", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	err = h.Verify("msg-3", signed, impostorClaim.NodeID())
	if !errors.Is(err, nodeerr.ErrNodeIDMismatch) {
		t.Fatalf("Verify error = %v, want ErrNodeIDMismatch", err)
	}
}

func TestVerifyRejectsMissingFields(t *testing.T) {
	kp, _ := identity.Generate()
	h := New(kp, contact.NewPubkeyCache())

	err := h.Verify("msg-4", json.RawMessage(`{"data_hash":"ab"}`), kp.NodeID())
	if !errors.Is(err, nodeerr.ErrSignatureInvalid) {
		t.Fatalf("Verify error = %v, want ErrSignatureInvalid", err)
	}
}

func TestSignPreservesExistingFields(t *testing.T) {
	kp, _ := identity.Generate()
	h := New(kp, contact.NewPubkeyCache())

	body := json.RawMessage(`{"data_hash":"deadbeef","token":"xyz"}`)
	signed, err := h.Sign("msg-5", body)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(signed, &fields); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if string(fields["data_hash"]) != `"deadbeef"` {
		t.Fatalf("data_hash field was lost or altered: %s", fields["data_hash"])
	}
	if string(fields["token"]) != `"xyz"` {
		t.Fatalf("token field was lost or altered: %s", fields["token"])
	}
}
