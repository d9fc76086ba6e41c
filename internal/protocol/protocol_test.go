package protocol

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/ssd-technologies/keepnet/internal/contact"
	"github.com/ssd-technologies/keepnet/internal/identity"
	"github.com/ssd-technologies/keepnet/internal/overlay"
	"github.com/ssd-technologies/keepnet/internal/pending"
	"github.com/ssd-technologies/keepnet/internal/rpcauth"
	"github.com/ssd-technologies/keepnet/internal/shard"
	"github.com/ssd-technologies/keepnet/internal/storage"
	"github.com/ssd-technologies/keepnet/internal/topics"
	"github.com/ssd-technologies/keepnet/internal/transport"
)

func expectedHash(data []byte) string {
	return shard.Compute(data).String()
}

func shardHashOf(data []byte) shard.Hash {
	return shard.Compute(data)
}

type harnessNode struct {
	kp      *identity.KeyPair
	contact contact.Contact
	overlay *overlay.Overlay
	topics  *topics.Topics
	server  *transport.Server
	client  *transport.Client
}

func newHarnessNode(t *testing.T) *harnessNode {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	hooks := rpcauth.New(kp, contact.NewPubkeyCache())
	server := transport.NewServer("127.0.0.1:0", hooks, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("server.Start: %v", err)
	}
	t.Cleanup(func() { server.Close() })

	self := contact.Contact{Scheme: "http", Host: "127.0.0.1", Port: portOf(t, server.Addr()), NodeID: kp.NodeID()}
	client := transport.NewClient(hooks)
	ov := overlay.New(kp.NodeID(), self, client)
	ov.RegisterHandlers(server)
	tp := topics.New(kp.NodeID(), self, ov, client, nil)
	tp.RegisterHandlers(server)

	return &harnessNode{kp: kp, contact: self, overlay: ov, topics: tp, server: server, client: client}
}

func portOf(t *testing.T, addr string) uint16 {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("parse addr %q: %v", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		t.Fatalf("parse port %q: %v", portStr, err)
	}
	return uint16(port)
}

// setupRenterFarmer wires a single renter and single farmer, each with a
// direct connection to the other, mirroring scenario S2's "single-node
// cluster (R's seed list = F)".
func setupRenterFarmer(t *testing.T) (renterNode *harnessNode, farmerNode *harnessNode, renter *Renter, farmer *Farmer, itemStore *storage.ItemStore, shardStore *storage.ShardStore) {
	t.Helper()
	renterNode = newHarnessNode(t)
	farmerNode = newHarnessNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := renterNode.overlay.Connect(ctx, farmerNode.contact); err != nil {
		t.Fatalf("renter connect to farmer: %v", err)
	}
	if err := farmerNode.overlay.Connect(ctx, renterNode.contact); err != nil {
		t.Fatalf("farmer connect to renter: %v", err)
	}

	dir := t.TempDir()
	var err error
	itemStore, err = storage.NewItemStore(dir)
	if err != nil {
		t.Fatalf("NewItemStore: %v", err)
	}
	shardStore, err = storage.OpenShardStore(filepath.Join(dir, "shards.db"))
	if err != nil {
		t.Fatalf("OpenShardStore: %v", err)
	}
	t.Cleanup(func() { shardStore.Close() })

	pendingTbl := pending.New()
	renter = NewRenter(renterNode.kp, renterNode.contact, renterNode.client, renterNode.topics, pendingTbl, itemStore, nil)
	renter.RegisterHandlers(renterNode.server)

	farmerItems, err := storage.NewItemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewItemStore (farmer): %v", err)
	}
	farmer = NewFarmer(farmerNode.kp, farmerNode.contact, farmerNode.overlay, farmerNode.client, farmerNode.topics, farmerItems, shardStore, nil)
	farmer.RegisterHandlers(farmerNode.server)
	farmer.Subscribe()

	return renterNode, farmerNode, renter, farmer, itemStore, shardStore
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	_, farmerNode, renter, _, _, shardStore := setupRenterFarmer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data := []byte("hello")
	hash, err := renter.Store(ctx, data, time.Hour)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if hash.String() != expectedHash(data) {
		t.Fatalf("Store returned hash %s, want %s", hash, expectedHash(data))
	}

	got, err := shardStore.Get(hash)
	if err != nil {
		t.Fatalf("farmer did not persist the shard: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("stored shard = %q, want %q", got, data)
	}

	// RETRIEVE: client -> farmer, direct RPC (exercised the way any client
	// of the farmer would use it, not only through the renter's own state).
	params, _ := json.Marshal(retrieveParams{DataHash: hash, Contact: toWire(farmerNode.contact)})
	raw, err := farmerNode.client.Call(ctx, farmerNode.contact.Address(), "RETRIEVE", params, farmerNode.contact.NodeID)
	if err != nil {
		t.Fatalf("RETRIEVE: %v", err)
	}
	var res retrieveResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decode retrieve result: %v", err)
	}
	decoded, err := hex.DecodeString(res.DataShardHex)
	if err != nil {
		t.Fatalf("decode data_shard_hex: %v", err)
	}
	if string(decoded) != string(data) {
		t.Fatalf("RETRIEVE returned %q, want %q", decoded, data)
	}
}

func TestAuditPassThenFailAfterShardDiscarded(t *testing.T) {
	renterNode, _, renter, _, itemStore, shardStore := setupRenterFarmer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data := []byte("audited shard contents")
	hash, err := renter.Store(ctx, data, time.Hour)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	coordinator := NewAuditCoordinator(renterNode.contact.NodeID, renterNode.contact, renterNode.overlay, renterNode.client, itemStore, nil)

	ok, err := coordinator.Audit(ctx, hash)
	if err != nil {
		t.Fatalf("Audit (pass): %v", err)
	}
	if !ok {
		t.Fatal("expected the first audit to pass while the farmer retains the shard")
	}

	item, found, err := itemStore.Load(hash)
	if err != nil || !found {
		t.Fatalf("Load item after audit: found=%v err=%v", found, err)
	}
	farmerID, _ := item.FirstFarmer()
	if got := len(item.Challenges[farmerID].Challenges); got != DefaultAuditCount-1 {
		t.Fatalf("challenges remaining after one audit = %d, want %d", got, DefaultAuditCount-1)
	}

	if err := shardStore.Delete(hash); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	ok, err = coordinator.Audit(ctx, hash)
	if ok {
		t.Fatal("expected audit to fail once the farmer has discarded the shard")
	}
	_ = err

	item, found, err = itemStore.Load(hash)
	if err != nil || !found {
		t.Fatalf("Load item after second audit: found=%v err=%v", found, err)
	}
	if got := len(item.Challenges[farmerID].Challenges); got != DefaultAuditCount-2 {
		t.Fatalf("challenges remaining after two audits = %d, want %d", got, DefaultAuditCount-2)
	}
}

func TestAuditChallengesExhausted(t *testing.T) {
	renterNode, _, renter, _, itemStore, _ := setupRenterFarmer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data := []byte("small shard")
	hash, err := renter.Store(ctx, data, time.Hour)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	coordinator := NewAuditCoordinator(renterNode.contact.NodeID, renterNode.contact, renterNode.overlay, renterNode.client, itemStore, nil)

	for i := 0; i < DefaultAuditCount; i++ {
		if _, err := coordinator.Audit(ctx, hash); err != nil {
			t.Fatalf("Audit #%d: %v", i, err)
		}
	}

	if _, err := coordinator.Audit(ctx, hash); err == nil {
		t.Fatal("expected the audit past the last pre-committed challenge to fail")
	}
}

func TestStorePendingExclusivity(t *testing.T) {
	renterNode := newHarnessNode(t)
	dir := t.TempDir()
	itemStore, err := storage.NewItemStore(dir)
	if err != nil {
		t.Fatalf("NewItemStore: %v", err)
	}
	pendingTbl := pending.New()
	renter := NewRenter(renterNode.kp, renterNode.contact, renterNode.client, renterNode.topics, pendingTbl, itemStore, nil)
	renter.RegisterHandlers(renterNode.server)

	data := []byte("no farmer will ever answer this")
	hash := shardHashOf(data)
	pendingTbl.Insert(hash, &pending.Continuation{Deadline: time.Now().Add(time.Hour)})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := renter.Store(ctx, data, time.Hour); err == nil {
		t.Fatal("expected Store to refuse a second pending entry for the same shard hash")
	}
}
