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
	"github.com/ssd-technologies/keepnet/internal/pending"
	"github.com/ssd-technologies/keepnet/internal/shard"
	"github.com/ssd-technologies/keepnet/internal/storage"
	"github.com/ssd-technologies/keepnet/internal/topics"
	"github.com/ssd-technologies/keepnet/internal/transport"
)

// DefaultAuditCount is the number of audit challenges pre-committed per
// stored shard.
const DefaultAuditCount = 12

// Renter is the renter half of ContractProtocol: store() publishes a
// contract and awaits an OFFER; the OFFER handler drives CONSIGN and
// persists the resulting StorageItem.
type Renter struct {
	self       identity.NodeID
	kp         *identity.KeyPair
	client     *transport.Client
	topics     *topics.Topics
	pendingTbl *pending.Table
	items      *storage.ItemStore
	log        *logrus.Entry

	mu          sync.Mutex
	selfContact contact.Contact
}

// NewRenter constructs a Renter.
func NewRenter(kp *identity.KeyPair, selfContact contact.Contact, client *transport.Client, tp *topics.Topics, pendingTbl *pending.Table, items *storage.ItemStore, log *logrus.Entry) *Renter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Renter{
		self:        kp.NodeID(),
		selfContact: selfContact,
		kp:          kp,
		client:      client,
		topics:      tp,
		pendingTbl:  pendingTbl,
		items:       items,
		log:         log,
	}
}

// RegisterHandlers installs the OFFER method handler on server.
func (r *Renter) RegisterHandlers(server *transport.Server) {
	server.Register("OFFER", r.handleOffer)
}

// SetSelfContact updates the contact this Renter advertises to farmers,
// e.g. once Join has learned the real bound port of an ephemeral listener.
func (r *Renter) SetSelfContact(c contact.Contact) {
	r.mu.Lock()
	r.selfContact = c
	r.mu.Unlock()
}

func (r *Renter) getSelfContact() contact.Contact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selfContact
}

type storeOutcome struct {
	err error
}

// Store implements the renter-side store() algorithm of spec.md §4.5:
// build a contract and an audit tree over data, register a pending
// continuation keyed by the shard hash, and publish the contract. It
// blocks until a farmer's OFFER has been processed (accepted or rejected)
// or ctx is cancelled.
func (r *Renter) Store(ctx context.Context, data []byte, duration time.Duration) (shard.Hash, error) {
	hash := shard.Compute(data)
	if r.pendingTbl.Peek(hash) {
		return shard.Hash{}, fmt.Errorf("%w: shard %s already has a pending offer", nodeerr.ErrContractRejected, hash)
	}

	c := contract.New(r.self, hash, int64(len(data)), duration, DefaultAuditCount)
	if err := c.SetPaymentDestination(r.getSelfContact().Address()); err != nil {
		return shard.Hash{}, err
	}
	if err := c.Sign(contract.RoleRenter, r.kp); err != nil {
		return shard.Hash{}, fmt.Errorf("protocol: sign contract: %w", err)
	}

	pub, priv, err := audit.Build(data, DefaultAuditCount)
	if err != nil {
		return shard.Hash{}, fmt.Errorf("protocol: build audit tree: %w", err)
	}

	outcome := make(chan storeOutcome, 1)
	r.pendingTbl.Insert(hash, &pending.Continuation{
		OnOffer: func(from contact.Contact, offered contract.Contract) error {
			return r.onOffer(ctx, hash, data, c, pub, priv, from, offered, outcome)
		},
		Deadline: time.Now().Add(pending.OfferTimeout),
	})

	payload, err := c.Encode()
	if err != nil {
		r.pendingTbl.Take(hash)
		return shard.Hash{}, fmt.Errorf("protocol: encode contract: %w", err)
	}
	if err := r.topics.Publish(ctx, contract.TypeTag, payload); err != nil {
		r.pendingTbl.Take(hash)
		return shard.Hash{}, fmt.Errorf("%w: publish contract: %v", nodeerr.ErrTransport, err)
	}

	select {
	case out := <-outcome:
		return hash, out.err
	case <-ctx.Done():
		r.pendingTbl.Take(hash)
		return shard.Hash{}, ctx.Err()
	}
}

// onOffer is the continuation invoked when a farmer's OFFER arrives on the
// renter's RPC endpoint. It verifies the farmer's countersignature, sends
// CONSIGN with the shard bytes and audit public record, and on success
// persists the StorageItem. It does not itself produce the OFFER RPC's
// result; handleOffer does that once this returns.
func (r *Renter) onOffer(ctx context.Context, hash shard.Hash, data []byte, c *contract.Contract, pub *audit.PublicRecord, priv *audit.PrivateRecord, from contact.Contact, offered contract.Contract, outcome chan<- storeOutcome) error {
	ok, err := offered.Verify(contract.RoleFarmer, from.NodeID)
	if err != nil || !ok {
		err := fmt.Errorf("%w: farmer %s signature invalid on offer for %s", nodeerr.ErrContractRejected, from.NodeID, hash)
		outcome <- storeOutcome{err: err}
		return err
	}
	if offered.FarmerID != from.NodeID {
		err := fmt.Errorf("%w: offer farmer_id %s does not match sender %s", nodeerr.ErrContractRejected, offered.FarmerID, from.NodeID)
		outcome <- storeOutcome{err: err}
		return err
	}

	dataHex := hex.EncodeToString(data)
	params, err := json.Marshal(consignParams{
		DataHash:        hash,
		DataShardHex:    dataHex,
		AuditTreePublic: pub,
		Contact:         toWire(r.getSelfContact()),
	})
	if err != nil {
		err = fmt.Errorf("protocol: encode consign params: %w", err)
		outcome <- storeOutcome{err: err}
		return err
	}

	if _, err := r.client.Call(ctx, from.Address(), "CONSIGN", params, from.NodeID); err != nil {
		err = fmt.Errorf("%w: consign to %s: %v", nodeerr.ErrTransport, from.NodeID, err)
		outcome <- storeOutcome{err: err}
		return err
	}

	item, err := r.items.LoadOrNew(hash)
	if err != nil {
		err = fmt.Errorf("%w: %v", nodeerr.ErrStorage, err)
		outcome <- storeOutcome{err: err}
		return err
	}
	farmerContract := offered
	item.Put(from.NodeID, &farmerContract, pub, priv, nil)
	if err := r.items.Save(item); err != nil {
		err = fmt.Errorf("%w: %v", nodeerr.ErrStorage, err)
		outcome <- storeOutcome{err: err}
		return err
	}

	outcome <- storeOutcome{}
	return nil
}

// handleOffer is the OFFER RPC handler: it takes the pending continuation
// for the offered contract's shard hash, runs onOffer synchronously (so
// CONSIGN is ordered after the OFFER it answers), and on success returns
// the renter's countersigned contract, now binding both node IDs.
func (r *Renter) handleOffer(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p offerParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: decode offer params: %v", nodeerr.ErrBadResponse, err)
	}
	if p.Contract == nil {
		return nil, fmt.Errorf("%w: offer missing contract", nodeerr.ErrBadResponse)
	}

	cont, ok := r.pendingTbl.Take(p.Contract.DataHash)
	if !ok {
		return nil, fmt.Errorf("%w: no pending offer for shard %s", nodeerr.ErrContractRejected, p.Contract.DataHash)
	}

	from := p.Contact.toContact()
	if err := cont.OnOffer(from, *p.Contract); err != nil {
		return nil, err
	}

	final := p.Contract.Clone()
	if err := final.Sign(contract.RoleRenter, r.kp); err != nil {
		return nil, fmt.Errorf("protocol: countersign contract: %w", err)
	}

	result, err := json.Marshal(offerResult{Contract: final})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode offer result: %w", err)
	}
	return result, nil
}
