// Package overlay implements the Kademlia-style DHT routing table and
// iterative FIND_NODE lookup: the `Overlay` collaborator spec.md treats as
// external, built here as a concrete in-module package riding the same
// signed JSON-RPC transport as every other RPC in this system.
package overlay

import (
	"sync"
	"time"

	"github.com/ssd-technologies/keepnet/internal/identity"
)

// NumBuckets is the number of k-buckets: one per bit of a NodeID.
const NumBuckets = identity.Length * 8

// DefaultK is the default bucket size (Kademlia's replication parameter).
const DefaultK = 20

// DefaultAlpha is the default lookup concurrency parameter.
const DefaultAlpha = 3

// PeerInfo is one routing table entry.
type PeerInfo struct {
	NodeID   identity.NodeID
	Address  string
	LastSeen time.Time
}

type bucket struct {
	peers       []PeerInfo
	lastRefresh time.Time
}

// RoutingTable is a Kademlia k-bucket routing table keyed by XOR distance
// from self.
type RoutingTable struct {
	mu      sync.Mutex
	self    identity.NodeID
	k       int
	buckets [NumBuckets]bucket
}

// NewRoutingTable creates an empty routing table for self with bucket size k.
func NewRoutingTable(self identity.NodeID, k int) *RoutingTable {
	if k <= 0 {
		k = DefaultK
	}
	return &RoutingTable{self: self, k: k}
}

// Add records or refreshes a peer. Kademlia eviction policy: if the peer is
// already known, it moves to the tail (most recently seen); if the bucket
// has room, it is appended; if the bucket is full, the new peer is
// dropped, preferring long-lived contacts. Self is never added.
func (t *RoutingTable) Add(p PeerInfo) {
	if p.NodeID == t.self {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := identity.BucketIndex(t.self, p.NodeID)
	b := &t.buckets[idx]
	b.lastRefresh = time.Now()

	for i, existing := range b.peers {
		if existing.NodeID == p.NodeID {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			p.LastSeen = time.Now()
			b.peers = append(b.peers, p)
			return
		}
	}

	if len(b.peers) >= t.k {
		return
	}
	p.LastSeen = time.Now()
	b.peers = append(b.peers, p)
}

// Remove deletes a peer from the table, if present.
func (t *RoutingTable) Remove(id identity.NodeID) {
	if id == t.self {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := identity.BucketIndex(t.self, id)
	b := &t.buckets[idx]
	for i, existing := range b.peers {
		if existing.NodeID == id {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			return
		}
	}
}

// ClosestN returns up to n peers closest to target by XOR distance.
func (t *RoutingTable) ClosestN(target identity.NodeID, n int) []PeerInfo {
	t.mu.Lock()
	all := make([]PeerInfo, 0)
	for i := range t.buckets {
		all = append(all, t.buckets[i].peers...)
	}
	t.mu.Unlock()

	sortByDistance(all, target)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func sortByDistance(peers []PeerInfo, target identity.NodeID) {
	for i := 1; i < len(peers); i++ {
		for j := i; j > 0 && identity.DistanceLess(target, peers[j].NodeID, peers[j-1].NodeID); j-- {
			peers[j], peers[j-1] = peers[j-1], peers[j]
		}
	}
}

// Size returns the total number of peers across all buckets.
func (t *RoutingTable) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.buckets {
		n += len(t.buckets[i].peers)
	}
	return n
}

// StaleBuckets returns the indexes of buckets not refreshed within maxAge.
func (t *RoutingTable) StaleBuckets(maxAge time.Duration) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var stale []int
	for i := range t.buckets {
		if len(t.buckets[i].peers) > 0 && t.buckets[i].lastRefresh.Before(cutoff) {
			stale = append(stale, i)
		}
	}
	return stale
}
