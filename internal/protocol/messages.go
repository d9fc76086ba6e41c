// Package protocol implements the contract negotiation state machine
// (publish → offer → consign → store) and the audit challenge/response
// protocol: the renter and farmer halves of ContractProtocol, and the
// AuditCoordinator that drives periodic possession proofs.
package protocol

import (
	"github.com/ssd-technologies/keepnet/internal/audit"
	"github.com/ssd-technologies/keepnet/internal/contact"
	"github.com/ssd-technologies/keepnet/internal/contract"
	"github.com/ssd-technologies/keepnet/internal/identity"
	"github.com/ssd-technologies/keepnet/internal/shard"
)

// wireContact is the {contact} shape every RPC method in §4.5 carries.
type wireContact struct {
	Scheme string          `json:"scheme"`
	Host   string          `json:"host"`
	Port   uint16          `json:"port"`
	NodeID identity.NodeID `json:"node_id"`
}

func toWire(c contact.Contact) wireContact {
	return wireContact{Scheme: c.Scheme, Host: c.Host, Port: c.Port, NodeID: c.NodeID}
}

func (w wireContact) toContact() contact.Contact {
	return contact.Contact{Scheme: w.Scheme, Host: w.Host, Port: w.Port, NodeID: w.NodeID}
}

// offerParams is OFFER's params: farmer -> renter.
type offerParams struct {
	Contract *contract.Contract `json:"contract"`
	Contact  wireContact        `json:"contact"`
}

// offerResult is OFFER's result: the renter's countersigned contract.
type offerResult struct {
	Contract *contract.Contract `json:"contract"`
}

// consignParams is CONSIGN's params: renter -> farmer.
type consignParams struct {
	DataHash        shard.Hash          `json:"data_hash"`
	DataShardHex    string              `json:"data_shard_hex"`
	AuditTreePublic *audit.PublicRecord `json:"audit_tree_public"`
	Contact         wireContact         `json:"contact"`
}

type consignResult struct {
	Token string `json:"token"`
}

// retrieveParams is RETRIEVE's params: client -> farmer.
type retrieveParams struct {
	DataHash shard.Hash  `json:"data_hash"`
	Contact  wireContact `json:"contact"`
}

type retrieveResult struct {
	DataShardHex string `json:"data_shard_hex"`
}

// auditParams is AUDIT's params: renter -> farmer.
type auditParams struct {
	DataHash  shard.Hash      `json:"data_hash"`
	Challenge audit.Challenge `json:"challenge"`
	Contact   wireContact     `json:"contact"`
}

type auditResult struct {
	Proof *audit.Proof `json:"proof"`
}
