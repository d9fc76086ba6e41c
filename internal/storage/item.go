// Package storage implements the two persistence surfaces the node needs:
// StorageItem bookkeeping for the renter side (one JSON file per shard
// hash under datadir/items/), and raw shard-blob storage for the farmer
// side, backed by SQLite.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ssd-technologies/keepnet/internal/audit"
	"github.com/ssd-technologies/keepnet/internal/contract"
	"github.com/ssd-technologies/keepnet/internal/identity"
	"github.com/ssd-technologies/keepnet/internal/shard"
)

// Item is the renter-side per-shard record: one contract, audit tree, and
// challenge set per farmer holding a replica. The parallel maps always
// share the same key set; Order records insertion order so farmer
// selection (spec: "first key of contracts") is deterministic, unlike Go's
// unordered map iteration.
type Item struct {
	ShardHash  shard.Hash                            `json:"shard_hash"`
	Contracts  map[identity.NodeID]*contract.Contract `json:"contracts"`
	Trees      map[identity.NodeID]*audit.PublicRecord  `json:"trees"`
	Challenges map[identity.NodeID]*audit.PrivateRecord `json:"challenges"`
	Meta       map[identity.NodeID]json.RawMessage    `json:"meta"`
	Order      []identity.NodeID                      `json:"order"`
}

// NewItem creates an empty item for hash.
func NewItem(hash shard.Hash) *Item {
	return &Item{
		ShardHash:  hash,
		Contracts:  make(map[identity.NodeID]*contract.Contract),
		Trees:      make(map[identity.NodeID]*audit.PublicRecord),
		Challenges: make(map[identity.NodeID]*audit.PrivateRecord),
		Meta:       make(map[identity.NodeID]json.RawMessage),
	}
}

// Put records the state associated with farmer, appending it to Order the
// first time this farmer is seen and overwriting in place on any repeat
// (duplicate CONSIGN for the same (renter, shard) is idempotent).
func (it *Item) Put(farmer identity.NodeID, c *contract.Contract, pub *audit.PublicRecord, priv *audit.PrivateRecord, meta json.RawMessage) {
	if _, exists := it.Contracts[farmer]; !exists {
		it.Order = append(it.Order, farmer)
	}
	it.Contracts[farmer] = c
	it.Trees[farmer] = pub
	it.Challenges[farmer] = priv
	it.Meta[farmer] = meta
}

// FirstFarmer returns the deterministic v1 farmer-selection policy: the
// first farmer this item recorded a contract for.
func (it *Item) FirstFarmer() (identity.NodeID, bool) {
	if len(it.Order) == 0 {
		return identity.NodeID{}, false
	}
	return it.Order[0], true
}

// ItemStore persists Items as one JSON file per shard hash under
// dir/items/<hash-hex>.json.
type ItemStore struct {
	mu  sync.Mutex
	dir string
}

// NewItemStore creates an ItemStore rooted at dataDir/items.
func NewItemStore(dataDir string) (*ItemStore, error) {
	dir := filepath.Join(dataDir, "items")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("storage: create items dir: %w", err)
	}
	return &ItemStore{dir: dir}, nil
}

func (s *ItemStore) path(hash shard.Hash) string {
	return filepath.Join(s.dir, hash.String()+".json")
}

// Load reads the item for hash, or (nil, false, nil) if it does not exist.
func (s *ItemStore) Load(hash shard.Hash) (*Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(hash))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: read item %s: %w", hash, err)
	}
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, false, fmt.Errorf("storage: decode item %s: %w", hash, err)
	}
	return &item, true, nil
}

// Save writes item to disk, replacing any prior contents.
func (s *ItemStore) Save(item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("storage: encode item %s: %w", item.ShardHash, err)
	}
	tmp := s.path(item.ShardHash) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("storage: write item %s: %w", item.ShardHash, err)
	}
	if err := os.Rename(tmp, s.path(item.ShardHash)); err != nil {
		return fmt.Errorf("storage: commit item %s: %w", item.ShardHash, err)
	}
	return nil
}

// LoadOrNew loads the item for hash, creating a fresh one if none exists.
func (s *ItemStore) LoadOrNew(hash shard.Hash) (*Item, error) {
	item, ok, err := s.Load(hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return NewItem(hash), nil
	}
	return item, nil
}
