package protocol

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ssd-technologies/keepnet/internal/contact"
	"github.com/ssd-technologies/keepnet/internal/identity"
	"github.com/ssd-technologies/keepnet/internal/nodeerr"
	"github.com/ssd-technologies/keepnet/internal/overlay"
	"github.com/ssd-technologies/keepnet/internal/shard"
	"github.com/ssd-technologies/keepnet/internal/storage"
	"github.com/ssd-technologies/keepnet/internal/transport"
)

// Retriever implements the client side of RETRIEVE: load the StorageItem
// recorded for a shard hash, DHT-lookup the farmer on record, and fetch the
// shard bytes directly (S2, S5).
type Retriever struct {
	self    identity.NodeID
	overlay *overlay.Overlay
	client  *transport.Client
	items   *storage.ItemStore

	mu          sync.Mutex
	selfContact contact.Contact
}

// NewRetriever constructs a Retriever.
func NewRetriever(self identity.NodeID, selfContact contact.Contact, ov *overlay.Overlay, client *transport.Client, items *storage.ItemStore) *Retriever {
	return &Retriever{self: self, selfContact: selfContact, overlay: ov, client: client, items: items}
}

// SetSelfContact updates the contact this Retriever advertises to the
// farmer it retrieves from, e.g. once Join has learned the real bound port
// of an ephemeral listener.
func (r *Retriever) SetSelfContact(c contact.Contact) {
	r.mu.Lock()
	r.selfContact = c
	r.mu.Unlock()
}

func (r *Retriever) getSelfContact() contact.Contact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selfContact
}

// Retrieve returns the shard bytes stored under hash, or ErrStorage if no
// StorageItem was ever recorded for it (S5: unknown hash).
func (r *Retriever) Retrieve(ctx context.Context, hash shard.Hash) ([]byte, error) {
	item, ok, err := r.items.Load(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nodeerr.ErrStorage, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no item for shard %s", nodeerr.ErrStorage, hash)
	}

	farmerID, ok := item.FirstFarmer()
	if !ok {
		return nil, fmt.Errorf("%w: shard %s has no farmers on record", nodeerr.ErrStorage, hash)
	}

	farmerContact, err := lookupContact(ctx, r.overlay, farmerID)
	if err != nil {
		return nil, err
	}

	params, err := json.Marshal(retrieveParams{DataHash: hash, Contact: toWire(r.getSelfContact())})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode retrieve params: %w", err)
	}

	result, err := r.client.Call(ctx, farmerContact.Address(), "RETRIEVE", params, farmerContact.NodeID)
	if err != nil {
		return nil, fmt.Errorf("%w: retrieve from %s: %v", nodeerr.ErrTransport, farmerID, err)
	}

	var res retrieveResult
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, fmt.Errorf("%w: decode retrieve result: %v", nodeerr.ErrBadResponse, err)
	}
	data, err := hex.DecodeString(res.DataShardHex)
	if err != nil {
		return nil, fmt.Errorf("%w: bad data_shard_hex: %v", nodeerr.ErrBadResponse, err)
	}
	return data, nil
}
