package protocol

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssd-technologies/keepnet/internal/audit"
	"github.com/ssd-technologies/keepnet/internal/contact"
	"github.com/ssd-technologies/keepnet/internal/contract"
	"github.com/ssd-technologies/keepnet/internal/identity"
	"github.com/ssd-technologies/keepnet/internal/nodeerr"
	"github.com/ssd-technologies/keepnet/internal/overlay"
	"github.com/ssd-technologies/keepnet/internal/shard"
	"github.com/ssd-technologies/keepnet/internal/storage"
	"github.com/ssd-technologies/keepnet/internal/topics"
	"github.com/ssd-technologies/keepnet/internal/transport"
)

// offerCallTimeout bounds how long a farmer waits for the renter to answer
// its OFFER, since Topics delivers published contracts without a caller
// context to inherit a deadline from.
const offerCallTimeout = 30 * time.Second

// Farmer is the farmer half of ContractProtocol: it subscribes to the
// contract topic, offers to store shards it hears about, and answers
// CONSIGN, RETRIEVE, and AUDIT for shards it has accepted.
type Farmer struct {
	self    identity.NodeID
	kp      *identity.KeyPair
	overlay *overlay.Overlay
	client  *transport.Client
	topics  *topics.Topics
	items   *storage.ItemStore
	shards  *storage.ShardStore
	log     *logrus.Entry

	mu          sync.Mutex
	selfContact contact.Contact
}

// NewFarmer constructs a Farmer.
func NewFarmer(kp *identity.KeyPair, selfContact contact.Contact, ov *overlay.Overlay, client *transport.Client, tp *topics.Topics, items *storage.ItemStore, shards *storage.ShardStore, log *logrus.Entry) *Farmer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Farmer{
		self:        kp.NodeID(),
		selfContact: selfContact,
		kp:          kp,
		overlay:     ov,
		client:      client,
		topics:      tp,
		items:       items,
		shards:      shards,
		log:         log,
	}
}

// RegisterHandlers installs the CONSIGN, RETRIEVE, and AUDIT method
// handlers on server.
func (f *Farmer) RegisterHandlers(server *transport.Server) {
	server.Register("CONSIGN", f.handleConsign)
	server.Register("RETRIEVE", f.handleRetrieve)
	server.Register("AUDIT", f.handleAudit)
}

// Subscribe registers this farmer to hear every published contract.
func (f *Farmer) Subscribe() {
	f.topics.Subscribe(contract.TypeTag, f.onContractPublished)
}

// SetSelfContact updates the contact this Farmer advertises to renters,
// e.g. once Join has learned the real bound port of an ephemeral listener.
func (f *Farmer) SetSelfContact(c contact.Contact) {
	f.mu.Lock()
	f.selfContact = c
	f.mu.Unlock()
}

func (f *Farmer) getSelfContact() contact.Contact {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selfContact
}

// onContractPublished implements spec.md §4.5's farmer-side subscribe
// handler: decode, countersign, DHT-lookup the renter, send OFFER, and on
// a validly countersigned response persist a StorageItem stub. A contract
// this node published itself as renter is ignored. Every failure mode is
// silent: a malformed contract, an unreachable renter, or an invalid renter
// signature simply drops this offer attempt.
func (f *Farmer) onContractPublished(_ identity.NodeID, payload json.RawMessage) {
	c, err := contract.Decode(payload)
	if err != nil {
		f.log.WithError(err).Debug("farmer: dropping undecodable contract")
		return
	}
	if c.RenterID == f.self {
		f.log.Debug("farmer: ignoring own published contract")
		return
	}

	if err := c.SetFarmerID(f.self); err != nil {
		f.log.WithError(err).Debug("farmer: dropping already-finalized contract")
		return
	}
	if err := c.SetPaymentDestination(f.getSelfContact().Address()); err != nil {
		f.log.WithError(err).Debug("farmer: dropping already-finalized contract")
		return
	}
	if err := c.Sign(contract.RoleFarmer, f.kp); err != nil {
		f.log.WithError(err).Error("farmer: sign contract")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), offerCallTimeout)
	defer cancel()

	renterContact, err := lookupContact(ctx, f.overlay, c.RenterID)
	if err != nil {
		f.log.WithError(err).WithField("renter", c.RenterID).Debug("farmer: renter unreachable, dropping offer")
		return
	}

	params, err := json.Marshal(offerParams{Contract: c, Contact: toWire(f.getSelfContact())})
	if err != nil {
		f.log.WithError(err).Error("farmer: encode offer params")
		return
	}

	result, err := f.client.Call(ctx, renterContact.Address(), "OFFER", params, renterContact.NodeID)
	if err != nil {
		f.log.WithError(err).WithField("renter", c.RenterID).Debug("farmer: offer rejected or unreachable")
		return
	}

	var res offerResult
	if err := json.Unmarshal(result, &res); err != nil || res.Contract == nil {
		f.log.Debug("farmer: offer response missing countersigned contract")
		return
	}
	ok, err := res.Contract.Verify(contract.RoleRenter, c.RenterID)
	if err != nil || !ok {
		f.log.WithField("renter", c.RenterID).Debug("farmer: renter countersignature invalid, aborting")
		return
	}

	item, err := f.items.LoadOrNew(c.DataHash)
	if err != nil {
		f.log.WithError(err).Error("farmer: load item stub")
		return
	}
	item.Put(c.RenterID, res.Contract, nil, nil, nil)
	if err := f.items.Save(item); err != nil {
		f.log.WithError(err).Error("farmer: persist item stub")
		return
	}
}

func (f *Farmer) handleConsign(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p consignParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: decode consign params: %v", nodeerr.ErrBadResponse, err)
	}
	data, err := hex.DecodeString(p.DataShardHex)
	if err != nil {
		return nil, fmt.Errorf("%w: bad data_shard_hex: %v", nodeerr.ErrBadResponse, err)
	}
	if shard.Compute(data) != p.DataHash {
		return nil, fmt.Errorf("%w: data does not hash to data_hash", nodeerr.ErrBadResponse)
	}
	if p.AuditTreePublic == nil {
		return nil, fmt.Errorf("%w: consign missing audit_tree_public", nodeerr.ErrBadResponse)
	}

	if err := f.shards.Put(p.DataHash, data, p.AuditTreePublic); err != nil {
		return nil, fmt.Errorf("%w: %v", nodeerr.ErrStorage, err)
	}

	result, err := json.Marshal(consignResult{Token: p.DataHash.String()})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode consign result: %w", err)
	}
	return result, nil
}

func (f *Farmer) handleRetrieve(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p retrieveParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: decode retrieve params: %v", nodeerr.ErrBadResponse, err)
	}
	data, err := f.shards.Get(p.DataHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nodeerr.ErrStorage, err)
	}
	result, err := json.Marshal(retrieveResult{DataShardHex: hex.EncodeToString(data)})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode retrieve result: %w", err)
	}
	return result, nil
}

func (f *Farmer) handleAudit(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p auditParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: decode audit params: %v", nodeerr.ErrBadResponse, err)
	}
	pub, err := f.shards.GetAuditPublic(p.DataHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nodeerr.ErrStorage, err)
	}
	proof, err := audit.Prove(pub, p.Challenge.Index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nodeerr.ErrBadResponse, err)
	}
	result, err := json.Marshal(auditResult{Proof: proof})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode audit result: %w", err)
	}
	return result, nil
}
