package seedliveness

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/ssd-technologies/keepnet/internal/contact"
	"github.com/ssd-technologies/keepnet/internal/identity"
	"github.com/ssd-technologies/keepnet/internal/overlay"
	"github.com/ssd-technologies/keepnet/internal/rpcauth"
	"github.com/ssd-technologies/keepnet/internal/transport"
)

type testNode struct {
	overlay *overlay.Overlay
	server  *transport.Server
	contact contact.Contact
}

func newTestNode(t *testing.T) *testNode {
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

	return &testNode{overlay: ov, server: server, contact: self}
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

func TestLivenessConnectsToSeedOnStart(t *testing.T) {
	node := newTestNode(t)
	seed := newTestNode(t)

	l := New(node.overlay, nil)
	l.interval = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l.Start(ctx, []contact.Contact{seed.contact})
	defer l.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := node.overlay.FindNode(ctx, seed.contact.NodeID); err == nil {
			peers, _ := node.overlay.FindNode(ctx, seed.contact.NodeID)
			for _, p := range peers {
				if p.NodeID == seed.contact.NodeID {
					return
				}
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("seed was never added to the routing table after Start")
}

func TestLivenessRetriesUnreachableSeed(t *testing.T) {
	node := newTestNode(t)

	unreachable := contact.Contact{Scheme: "http", Host: "127.0.0.1", Port: 1, NodeID: identity.NodeID{0x01}}

	l := New(node.overlay, nil)
	l.interval = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	// Start must not block or panic on a seed that never answers; pings
	// against it are retried indefinitely rather than causing eviction.
	l.Start(ctx, []contact.Contact{unreachable})
	time.Sleep(100 * time.Millisecond)
	l.Stop()
}

func TestLivenessStopCancelsAllTimers(t *testing.T) {
	node := newTestNode(t)
	seedA := newTestNode(t)
	seedB := newTestNode(t)

	l := New(node.overlay, nil)
	l.interval = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l.Start(ctx, []contact.Contact{seedA.contact, seedB.contact})
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return, ping goroutines likely leaked")
	}

	l.mu.Lock()
	n := len(l.seeds)
	l.mu.Unlock()
	if n != 0 {
		t.Fatalf("seeds map not cleared after Stop: %d entries remain", n)
	}
}
