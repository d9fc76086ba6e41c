package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ssd-technologies/keepnet/internal/audit"
	"github.com/ssd-technologies/keepnet/internal/contact"
	"github.com/ssd-technologies/keepnet/internal/identity"
	"github.com/ssd-technologies/keepnet/internal/nodeerr"
	"github.com/ssd-technologies/keepnet/internal/overlay"
	"github.com/ssd-technologies/keepnet/internal/shard"
	"github.com/ssd-technologies/keepnet/internal/storage"
	"github.com/ssd-technologies/keepnet/internal/transport"
)

// AuditCoordinator implements spec.md §4.6: pick a holder, pop and commit
// its next unused challenge, send AUDIT, and verify the returned proof
// against the root retained in the renter's private record.
type AuditCoordinator struct {
	self    identity.NodeID
	overlay *overlay.Overlay
	client  *transport.Client
	items   *storage.ItemStore
	log     *logrus.Entry

	mu          sync.Mutex
	selfContact contact.Contact
}

// NewAuditCoordinator constructs an AuditCoordinator.
func NewAuditCoordinator(self identity.NodeID, selfContact contact.Contact, ov *overlay.Overlay, client *transport.Client, items *storage.ItemStore, log *logrus.Entry) *AuditCoordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &AuditCoordinator{self: self, selfContact: selfContact, overlay: ov, client: client, items: items, log: log}
}

// SetSelfContact updates the contact this AuditCoordinator advertises to
// the farmer it challenges, e.g. once Join has learned the real bound port
// of an ephemeral listener.
func (a *AuditCoordinator) SetSelfContact(c contact.Contact) {
	a.mu.Lock()
	a.selfContact = c
	a.mu.Unlock()
}

func (a *AuditCoordinator) getSelfContact() contact.Contact {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selfContact
}

// Audit challenges the farmer holding hash for possession and reports
// whether its proof verifies. Challenge consumption is committed to disk
// before the challenge is sent, so a crash-restart never re-issues a
// revealed challenge (Testable Property 6).
func (a *AuditCoordinator) Audit(ctx context.Context, hash shard.Hash) (bool, error) {
	item, ok, err := a.items.Load(hash)
	if err != nil {
		return false, fmt.Errorf("%w: %v", nodeerr.ErrStorage, err)
	}
	if !ok {
		return false, fmt.Errorf("%w: no item for shard %s", nodeerr.ErrStorage, hash)
	}

	farmerID, ok := item.FirstFarmer()
	if !ok {
		return false, fmt.Errorf("%w: shard %s has no farmers on record", nodeerr.ErrStorage, hash)
	}

	priv := item.Challenges[farmerID]
	if priv == nil || len(priv.Challenges) == 0 {
		return false, fmt.Errorf("%w: shard %s farmer %s", nodeerr.ErrChallengesExhausted, hash, farmerID)
	}

	farmerContact, err := lookupContact(ctx, a.overlay, farmerID)
	if err != nil {
		return false, err
	}

	challenge := priv.Challenges[0]
	remaining := &audit.PrivateRecord{
		Root:       priv.Root,
		Depth:      priv.Depth,
		DataDigest: priv.DataDigest,
		Challenges: append([]audit.Challenge(nil), priv.Challenges[1:]...),
	}
	item.Challenges[farmerID] = remaining
	if err := a.items.Save(item); err != nil {
		return false, fmt.Errorf("%w: commit challenge consumption: %v", nodeerr.ErrStorage, err)
	}

	params, err := json.Marshal(auditParams{DataHash: hash, Challenge: challenge, Contact: toWire(a.getSelfContact())})
	if err != nil {
		return false, fmt.Errorf("protocol: encode audit params: %w", err)
	}

	result, err := a.client.Call(ctx, farmerContact.Address(), "AUDIT", params, farmerContact.NodeID)
	if err != nil {
		// The farmer answered but refused the challenge, e.g. because it
		// discarded the shard: that is a failed audit, not a transport
		// failure, so report it as a clean negative verdict.
		if errors.Is(err, transport.ErrRemoteError) {
			return false, nil
		}
		return false, fmt.Errorf("%w: audit %s: %v", nodeerr.ErrTransport, farmerID, err)
	}

	var res auditResult
	if err := json.Unmarshal(result, &res); err != nil || res.Proof == nil {
		return false, fmt.Errorf("%w: audit response missing proof", nodeerr.ErrBadResponse)
	}

	return audit.Verify(remaining, challenge, res.Proof), nil
}
