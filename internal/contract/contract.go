// Package contract implements the storage contract object model: the
// signed agreement between a renter and a farmer about a specific shard and
// duration. Contracts are immutable once both roles have signed.
package contract

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ssd-technologies/keepnet/internal/identity"
	"github.com/ssd-technologies/keepnet/internal/shard"
)

// Role identifies which side of a contract a signature binds.
type Role string

const (
	RoleRenter Role = "renter"
	RoleFarmer Role = "farmer"
)

// TypeTag is the pub/sub topic identifier every contract publishes under.
const TypeTag = "keepnet.contract.v1"

// Contract is the signed agreement between a renter and a farmer about a
// single shard. Once both roles have signed, SetFarmerID and
// SetPaymentDestination return an error.
type Contract struct {
	RenterID           identity.NodeID   `json:"renter_id"`
	FarmerID           identity.NodeID   `json:"farmer_id"`
	DataHash           shard.Hash        `json:"data_hash"`
	DataSize           int64             `json:"data_size"`
	StoreBegin         time.Time         `json:"store_begin"`
	StoreEnd           time.Time         `json:"store_end"`
	AuditCount         int               `json:"audit_count"`
	PaymentDestination string            `json:"payment_destination"`
	Signatures         map[Role][]byte   `json:"signatures,omitempty"`
}

// New builds a fresh, unsigned contract for a renter about to publish it.
func New(renterID identity.NodeID, dataHash shard.Hash, dataSize int64, duration time.Duration, auditCount int) *Contract {
	now := time.Now()
	return &Contract{
		RenterID:   renterID,
		DataHash:   dataHash,
		DataSize:   dataSize,
		StoreBegin: now,
		StoreEnd:   now.Add(duration),
		AuditCount: auditCount,
		Signatures: make(map[Role][]byte),
	}
}

// TypeTagOf returns the topic identifier this contract publishes under.
func (c *Contract) TypeTagOf() string {
	return TypeTag
}

// bothSigned reports whether both roles have already signed.
func (c *Contract) bothSigned() bool {
	_, r := c.Signatures[RoleRenter]
	_, f := c.Signatures[RoleFarmer]
	return r && f
}

// SetFarmerID assigns the farmer side of the contract. Fails once both roles
// have signed.
func (c *Contract) SetFarmerID(id identity.NodeID) error {
	if c.bothSigned() {
		return fmt.Errorf("contract: cannot modify farmer_id after both parties have signed")
	}
	c.FarmerID = id
	return nil
}

// SetPaymentDestination assigns the farmer's payout address.
func (c *Contract) SetPaymentDestination(addr string) error {
	if c.bothSigned() {
		return fmt.Errorf("contract: cannot modify payment_destination after both parties have signed")
	}
	c.PaymentDestination = addr
	return nil
}

// canonical returns the deterministic byte encoding signed over by both
// roles: the contract's fields excluding the signature map itself.
func (c *Contract) canonical() ([]byte, error) {
	type canonicalForm struct {
		RenterID           identity.NodeID `json:"renter_id"`
		FarmerID           identity.NodeID `json:"farmer_id"`
		DataHash           shard.Hash      `json:"data_hash"`
		DataSize           int64           `json:"data_size"`
		StoreBegin         int64           `json:"store_begin"`
		StoreEnd           int64           `json:"store_end"`
		AuditCount         int             `json:"audit_count"`
		PaymentDestination string          `json:"payment_destination"`
	}
	cf := canonicalForm{
		RenterID:           c.RenterID,
		FarmerID:           c.FarmerID,
		DataHash:           c.DataHash,
		DataSize:           c.DataSize,
		StoreBegin:         c.StoreBegin.UnixMilli(),
		StoreEnd:           c.StoreEnd.UnixMilli(),
		AuditCount:         c.AuditCount,
		PaymentDestination: c.PaymentDestination,
	}
	b, err := json.Marshal(cf)
	if err != nil {
		return nil, fmt.Errorf("contract: canonicalize: %w", err)
	}
	return b, nil
}

// Sign signs the contract's canonical form as role and stores the signature.
func (c *Contract) Sign(role Role, kp *identity.KeyPair) error {
	payload, err := c.canonical()
	if err != nil {
		return err
	}
	sig, err := kp.Sign(payload)
	if err != nil {
		return fmt.Errorf("contract: sign as %s: %w", role, err)
	}
	if c.Signatures == nil {
		c.Signatures = make(map[Role][]byte)
	}
	c.Signatures[role] = sig
	return nil
}

// Verify checks that role's signature on this contract was produced by
// expected's key.
func (c *Contract) Verify(role Role, expected identity.NodeID) (bool, error) {
	sig, ok := c.Signatures[role]
	if !ok {
		return false, fmt.Errorf("contract: no signature recorded for role %s", role)
	}
	payload, err := c.canonical()
	if err != nil {
		return false, err
	}
	return identity.Verify(payload, identity.CompactSig(sig), expected)
}

// Clone returns a deep copy of the contract.
func (c *Contract) Clone() *Contract {
	clone := *c
	clone.Signatures = make(map[Role][]byte, len(c.Signatures))
	for role, sig := range c.Signatures {
		cp := make([]byte, len(sig))
		copy(cp, sig)
		clone.Signatures[role] = cp
	}
	return &clone
}

// Encode marshals the contract to its wire JSON form.
func (c *Contract) Encode() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("contract: encode: %w", err)
	}
	return b, nil
}

// Decode unmarshals a contract from its wire JSON form.
func Decode(data []byte) (*Contract, error) {
	var c Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("contract: decode: %w", err)
	}
	return &c, nil
}
