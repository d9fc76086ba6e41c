package storage

import (
	"testing"
	"time"

	"github.com/ssd-technologies/keepnet/internal/contract"
	"github.com/ssd-technologies/keepnet/internal/identity"
	"github.com/ssd-technologies/keepnet/internal/shard"
)

func TestItemStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewItemStore(dir)
	if err != nil {
		t.Fatalf("NewItemStore: %v", err)
	}

	hash := shard.Compute([]byte("data"))
	renter, _ := identity.Generate()
	farmer, _ := identity.Generate()

	item := NewItem(hash)
	c := contract.New(renter.NodeID(), hash, 4, time.Hour, 12)
	item.Put(farmer.NodeID(), c, nil, nil, nil)

	if err := store.Save(item); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, ok, err := store.Load(hash)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("expected the saved item to be found")
	}
	if loaded.ShardHash != hash {
		t.Fatalf("loaded item has wrong hash: %v", loaded.ShardHash)
	}
	first, ok := loaded.FirstFarmer()
	if !ok || first != farmer.NodeID() {
		t.Fatalf("FirstFarmer() = %v, %v; want %v, true", first, ok, farmer.NodeID())
	}
}

func TestItemStoreLoadMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	store, err := NewItemStore(dir)
	if err != nil {
		t.Fatalf("NewItemStore: %v", err)
	}
	_, ok, err := store.Load(shard.Compute([]byte("nope")))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatal("expected no item to be found")
	}
}

func TestItemPutIsIdempotentPerFarmer(t *testing.T) {
	hash := shard.Compute([]byte("data"))
	renter, _ := identity.Generate()
	farmer, _ := identity.Generate()

	item := NewItem(hash)
	c1 := contract.New(renter.NodeID(), hash, 4, time.Hour, 12)
	item.Put(farmer.NodeID(), c1, nil, nil, nil)
	c2 := contract.New(renter.NodeID(), hash, 4, 2*time.Hour, 12)
	item.Put(farmer.NodeID(), c2, nil, nil, nil)

	if len(item.Order) != 1 {
		t.Fatalf("duplicate Put for the same farmer should not grow Order, got %v", item.Order)
	}
	if item.Contracts[farmer.NodeID()] != c2 {
		t.Fatal("second Put should overwrite the first contract")
	}
}

func TestItemFirstFarmerEmpty(t *testing.T) {
	item := NewItem(shard.Compute([]byte("data")))
	if _, ok := item.FirstFarmer(); ok {
		t.Fatal("expected FirstFarmer to report false for an empty item")
	}
}
