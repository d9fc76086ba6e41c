// Package node composes every component into the single façade an
// application embeds: overlay discovery, topic gossip, the contract
// negotiation state machine, audits, and seed liveness, all riding one
// signed JSON-RPC transport.
package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssd-technologies/keepnet/internal/contact"
	"github.com/ssd-technologies/keepnet/internal/identity"
	"github.com/ssd-technologies/keepnet/internal/nodeerr"
	"github.com/ssd-technologies/keepnet/internal/overlay"
	"github.com/ssd-technologies/keepnet/internal/pending"
	"github.com/ssd-technologies/keepnet/internal/protocol"
	"github.com/ssd-technologies/keepnet/internal/rpcauth"
	"github.com/ssd-technologies/keepnet/internal/seedliveness"
	"github.com/ssd-technologies/keepnet/internal/shard"
	"github.com/ssd-technologies/keepnet/internal/storage"
	"github.com/ssd-technologies/keepnet/internal/topics"
	"github.com/ssd-technologies/keepnet/internal/transport"
)

// DefaultBindAddr is the address a Node listens on when Config.BindAddr is
// empty.
const DefaultBindAddr = "127.0.0.1:4000"

// pendingSweepInterval is how often the background goroutine purges
// pending continuations past OFFER_TIMEOUT.
const pendingSweepInterval = 10 * time.Second

// inboundRateLimit and inboundRateLimitWindow bound how many RPCs a single
// claimed NodeID may send per window before the server starts dropping its
// requests, guarding against a single misbehaving or compromised peer.
const (
	inboundRateLimit       = 120
	inboundRateLimitWindow = time.Minute
)

// DefaultDataDir returns $HOME/.keepnet ($USERPROFILE%\.keepnet on
// Windows, per os.UserHomeDir).
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("node: determine home directory: %w", err)
	}
	return filepath.Join(home, ".keepnet"), nil
}

// Config configures a Node before Join.
type Config struct {
	KeyPair  *identity.KeyPair
	BindAddr string
	DataDir  string
	Seeds    []string
	Log      *logrus.Entry
}

// Node composes identity, transport, overlay, topics, the contract
// protocol, audits, and seed liveness into one lifecycle.
type Node struct {
	kp          *identity.KeyPair
	selfContact contact.Contact
	log         *logrus.Entry

	hooks  *rpcauth.Hooks
	server *transport.Server
	client *transport.Client

	overlay    *overlay.Overlay
	topics     *topics.Topics
	pendingTbl *pending.Table
	renter     *protocol.Renter
	farmer     *protocol.Farmer
	auditor    *protocol.AuditCoordinator
	retriever  *protocol.Retriever
	liveness   *seedliveness.Liveness

	items  *storage.ItemStore
	shards *storage.ShardStore
	book   *contact.Book

	mu          sync.Mutex
	open        bool
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New constructs a Node from cfg. It does not bind a listener or contact
// any seed until Join is called.
func New(cfg Config) (*Node, error) {
	if cfg.KeyPair == nil {
		kp, err := identity.Generate()
		if err != nil {
			return nil, fmt.Errorf("node: generate identity: %w", err)
		}
		cfg.KeyPair = kp
	}
	bindAddr := cfg.BindAddr
	if bindAddr == "" {
		bindAddr = DefaultBindAddr
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}
		dataDir = dir
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	book, err := contact.NewBook(cfg.Seeds)
	if err != nil {
		return nil, fmt.Errorf("node: parse seeds: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}
	items, err := storage.NewItemStore(dataDir)
	if err != nil {
		return nil, err
	}
	shards, err := storage.OpenShardStore(filepath.Join(dataDir, "shards.db"))
	if err != nil {
		return nil, err
	}

	hooks := rpcauth.New(cfg.KeyPair, book.Cache)
	server := transport.NewServer(bindAddr, hooks, log)
	server.EnableRateLimit(inboundRateLimit, inboundRateLimitWindow)
	client := transport.NewClient(hooks)

	self := cfg.KeyPair.NodeID()
	selfContact := contact.Contact{Scheme: "http", Host: "", Port: 0, NodeID: self}

	ov := overlay.New(self, selfContact, client)
	tp := topics.New(self, selfContact, ov, client, log)
	pendingTbl := pending.New()
	renter := protocol.NewRenter(cfg.KeyPair, selfContact, client, tp, pendingTbl, items, log)
	farmer := protocol.NewFarmer(cfg.KeyPair, selfContact, ov, client, tp, items, shards, log)
	auditor := protocol.NewAuditCoordinator(self, selfContact, ov, client, items, log)
	retriever := protocol.NewRetriever(self, selfContact, ov, client, items)
	liveness := seedliveness.New(ov, log)

	ov.RegisterHandlers(server)
	tp.RegisterHandlers(server)
	renter.RegisterHandlers(server)
	farmer.RegisterHandlers(server)

	return &Node{
		kp:          cfg.KeyPair,
		selfContact: selfContact,
		log:         log,
		hooks:       hooks,
		server:      server,
		client:      client,
		overlay:     ov,
		topics:      tp,
		pendingTbl:  pendingTbl,
		renter:      renter,
		farmer:      farmer,
		auditor:     auditor,
		retriever:   retriever,
		liveness:    liveness,
		items:       items,
		shards:      shards,
		book:        book,
	}, nil
}

// NodeID returns this node's identity.
func (n *Node) NodeID() identity.NodeID {
	return n.kp.NodeID()
}

// Join starts the RPC server, fills in the contact's bound port, connects
// to every configured seed, subscribes the farmer side to published
// contracts, and starts the seed liveness loop. Join must be called
// exactly once; a second call fails with nodeerr.ErrAlreadyOpen.
func (n *Node) Join(ctx context.Context) error {
	n.mu.Lock()
	if n.open {
		n.mu.Unlock()
		return nodeerr.ErrAlreadyOpen
	}
	n.mu.Unlock()

	if err := n.server.Start(); err != nil {
		return fmt.Errorf("%w: %v", nodeerr.ErrTransport, err)
	}

	host, port, err := splitBoundAddr(n.server.Addr())
	if err != nil {
		_ = n.server.Close()
		return err
	}

	n.mu.Lock()
	n.selfContact.Host = host
	n.selfContact.Port = port
	selfContact := n.selfContact
	n.mu.Unlock()

	n.overlay.SetSelfContact(selfContact)
	n.topics.SetSelfContact(selfContact)
	n.renter.SetSelfContact(selfContact)
	n.farmer.SetSelfContact(selfContact)
	n.auditor.SetSelfContact(selfContact)
	n.retriever.SetSelfContact(selfContact)

	n.farmer.Subscribe()

	n.overlay.Bootstrap(ctx, n.book.Seeds)

	sweepCtx, cancel := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})
	n.mu.Lock()
	n.sweepCancel = cancel
	n.sweepDone = sweepDone
	n.open = true
	n.mu.Unlock()

	go n.sweepPending(sweepCtx, sweepDone)

	n.liveness.Start(ctx, n.book.Seeds)

	n.log.WithField("contact", selfContact.String()).Info("node: joined")
	return nil
}

// Leave cancels all ping timers, stops the pending-sweep goroutine, and
// closes the RPC server, waiting for in-flight sends to finish or fail.
// Leave on a node that was never opened fails with nodeerr.ErrNotOpen.
func (n *Node) Leave(ctx context.Context) error {
	n.mu.Lock()
	if !n.open {
		n.mu.Unlock()
		return nodeerr.ErrNotOpen
	}
	cancel := n.sweepCancel
	done := n.sweepDone
	n.open = false
	n.mu.Unlock()

	n.liveness.Stop()
	if cancel != nil {
		cancel()
		<-done
	}

	if err := n.server.Close(); err != nil {
		return fmt.Errorf("%w: %v", nodeerr.ErrTransport, err)
	}
	return n.shards.Close()
}

func (n *Node) sweepPending(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(pendingSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			expired := n.pendingTbl.Expire(time.Now())
			if len(expired) > 0 {
				n.log.WithField("count", len(expired)).Debug("node: purged expired pending offers")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Store implements store(data, duration): builds a contract and audit
// tree, publishes it, and blocks until a farmer's offer has been accepted
// or rejected.
func (n *Node) Store(ctx context.Context, data []byte, duration time.Duration) (shard.Hash, error) {
	if !n.isOpen() {
		return shard.Hash{}, nodeerr.ErrNotOpen
	}
	return n.renter.Store(ctx, data, duration)
}

// Retrieve implements retrieve(hash): loads the StorageItem recorded for
// hash, DHT-looks-up its farmer, and fetches the shard bytes directly.
func (n *Node) Retrieve(ctx context.Context, hash shard.Hash) ([]byte, error) {
	if !n.isOpen() {
		return nil, nodeerr.ErrNotOpen
	}
	return n.retriever.Retrieve(ctx, hash)
}

// Audit implements audit(hash): delegates to the AuditCoordinator.
func (n *Node) Audit(ctx context.Context, hash shard.Hash) (bool, error) {
	if !n.isOpen() {
		return false, nodeerr.ErrNotOpen
	}
	return n.auditor.Audit(ctx, hash)
}

func (n *Node) isOpen() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.open
}

// Contact returns this node's own contact, valid only after Join.
func (n *Node) Contact() contact.Contact {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.selfContact
}

func splitBoundAddr(addr string) (host string, port uint16, err error) {
	h, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("node: parse bound address %q: %w", addr, err)
	}
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("node: parse bound port %q: %w", portStr, err)
	}
	if h == "" || h == "0.0.0.0" || h == "::" {
		h = "127.0.0.1"
	}
	return h, uint16(p), nil
}
