package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ssd-technologies/keepnet/internal/contact"
	"github.com/ssd-technologies/keepnet/internal/identity"
	"github.com/ssd-technologies/keepnet/internal/nodeerr"
	"github.com/ssd-technologies/keepnet/internal/transport"
)

// Overlay performs peer discovery: routing-table bookkeeping plus the
// iterative FIND_NODE lookup, riding the shared signed JSON-RPC transport.
type Overlay struct {
	self        identity.NodeID
	selfContact contact.Contact
	table       *RoutingTable
	client      *transport.Client

	k     int
	alpha int

	mu sync.Mutex
}

// New constructs an Overlay for self, reachable at selfContact, using
// client to make outbound RPCs.
func New(self identity.NodeID, selfContact contact.Contact, client *transport.Client) *Overlay {
	return &Overlay{
		self:        self,
		selfContact: selfContact,
		table:       NewRoutingTable(self, DefaultK),
		client:      client,
		k:           DefaultK,
		alpha:       DefaultAlpha,
	}
}

// Table exposes the underlying routing table, e.g. for DHT-lookup of a
// contract counterparty.
func (o *Overlay) Table() *RoutingTable {
	return o.table
}

// SetSelfContact updates the contact this Overlay advertises in outbound
// PING and FIND_NODE messages, e.g. once Join has learned the real bound
// port of an ephemeral listener.
func (o *Overlay) SetSelfContact(c contact.Contact) {
	o.mu.Lock()
	o.selfContact = c
	o.mu.Unlock()
}

func (o *Overlay) getSelfContact() contact.Contact {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selfContact
}

// RegisterHandlers installs the PING and FIND_NODE method handlers on
// server.
func (o *Overlay) RegisterHandlers(server *transport.Server) {
	server.Register("PING", o.handlePing)
	server.Register("FIND_NODE", o.handleFindNode)
}

type pingParams struct {
	Contact wireContact `json:"contact"`
}

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

func (o *Overlay) handlePing(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p pingParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("overlay: decode ping params: %w", err)
	}
	o.table.Add(PeerInfo{NodeID: p.Contact.NodeID, Address: p.Contact.toContact().Address()})
	return json.RawMessage(`{}`), nil
}

type findNodeParams struct {
	Contact wireContact     `json:"contact"`
	Target  identity.NodeID `json:"target"`
}

type findNodeResult struct {
	Peers []wirePeer `json:"peers"`
}

type wirePeer struct {
	NodeID  identity.NodeID `json:"node_id"`
	Address string          `json:"address"`
}

func (o *Overlay) handleFindNode(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p findNodeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("overlay: decode find_node params: %w", err)
	}
	o.table.Add(PeerInfo{NodeID: p.Contact.NodeID, Address: p.Contact.toContact().Address()})

	closest := o.table.ClosestN(p.Target, o.k)
	peers := make([]wirePeer, 0, len(closest))
	for _, c := range closest {
		peers = append(peers, wirePeer{NodeID: c.NodeID, Address: c.Address})
	}
	result, err := json.Marshal(findNodeResult{Peers: peers})
	if err != nil {
		return nil, fmt.Errorf("overlay: encode find_node result: %w", err)
	}
	return result, nil
}

// Connect pings target and, on success, records it in the routing table.
func (o *Overlay) Connect(ctx context.Context, target contact.Contact) error {
	params, err := json.Marshal(pingParams{Contact: toWire(o.getSelfContact())})
	if err != nil {
		return fmt.Errorf("overlay: encode ping params: %w", err)
	}
	if _, err := o.client.Call(ctx, target.Address(), "PING", params, target.NodeID); err != nil {
		return fmt.Errorf("%w: ping %s: %v", nodeerr.ErrTransport, target, err)
	}
	o.table.Add(PeerInfo{NodeID: target.NodeID, Address: target.Address()})
	return nil
}

// FindNode performs an iterative Kademlia lookup for target, returning up
// to k peers sorted by proximity.
func (o *Overlay) FindNode(ctx context.Context, target identity.NodeID) ([]PeerInfo, error) {
	shortlist := o.table.ClosestN(target, o.k)
	queried := make(map[identity.NodeID]bool)
	queried[o.self] = true

	for {
		candidates := closestUnqueried(shortlist, queried, target, o.alpha)
		if len(candidates) == 0 {
			break
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		improved := false

		for _, c := range candidates {
			queried[c.NodeID] = true
			wg.Add(1)
			go func(peer PeerInfo) {
				defer wg.Done()
				found, err := o.findNodeRPC(ctx, peer, target)
				if err != nil {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				for _, f := range found {
					if !containsPeer(shortlist, f.NodeID) {
						shortlist = append(shortlist, f)
						improved = true
					}
				}
			}(c)
		}
		wg.Wait()

		if !improved {
			break
		}
		shortlist = topK(shortlist, target, o.k)
	}

	return topK(shortlist, target, o.k), nil
}

func (o *Overlay) findNodeRPC(ctx context.Context, peer PeerInfo, target identity.NodeID) ([]PeerInfo, error) {
	params, err := json.Marshal(findNodeParams{Contact: toWire(o.getSelfContact()), Target: target})
	if err != nil {
		return nil, fmt.Errorf("overlay: encode find_node params: %w", err)
	}
	raw, err := o.client.Call(ctx, peer.Address, "FIND_NODE", params, peer.NodeID)
	if err != nil {
		return nil, fmt.Errorf("overlay: find_node %s: %w", peer.NodeID, err)
	}
	var result findNodeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("overlay: decode find_node result: %w", err)
	}
	out := make([]PeerInfo, 0, len(result.Peers))
	for _, p := range result.Peers {
		out = append(out, PeerInfo{NodeID: p.NodeID, Address: p.Address})
	}
	return out, nil
}

// Bootstrap connects to every seed and performs a self-lookup to populate
// the routing table, best effort.
func (o *Overlay) Bootstrap(ctx context.Context, seeds []contact.Contact) {
	for _, seed := range seeds {
		_ = o.Connect(ctx, seed)
	}
	_, _ = o.FindNode(ctx, o.self)
}

func closestUnqueried(shortlist []PeerInfo, queried map[identity.NodeID]bool, target identity.NodeID, limit int) []PeerInfo {
	sorted := make([]PeerInfo, len(shortlist))
	copy(sorted, shortlist)
	sortByDistance(sorted, target)

	var out []PeerInfo
	for _, p := range sorted {
		if queried[p.NodeID] {
			continue
		}
		out = append(out, p)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func containsPeer(peers []PeerInfo, id identity.NodeID) bool {
	for _, p := range peers {
		if p.NodeID == id {
			return true
		}
	}
	return false
}

func topK(peers []PeerInfo, target identity.NodeID, k int) []PeerInfo {
	sorted := make([]PeerInfo, len(peers))
	copy(sorted, peers)
	sortByDistance(sorted, target)
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}
