package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/ssd-technologies/keepnet/internal/contact"
	"github.com/ssd-technologies/keepnet/internal/identity"
	"github.com/ssd-technologies/keepnet/internal/rpcauth"
)

type fakeContact struct {
	NodeID identity.NodeID `json:"node_id"`
}

func paramsWithContact(id identity.NodeID, extra map[string]any) json.RawMessage {
	m := map[string]any{"contact": fakeContact{NodeID: id}}
	for k, v := range extra {
		m[k] = v
	}
	b, _ := json.Marshal(m)
	return b
}

func startServer(t *testing.T, serverKP *identity.KeyPair) (*Server, *rpcauth.Hooks) {
	t.Helper()
	hooks := rpcauth.New(serverKP, contact.NewPubkeyCache())
	srv := NewServer("127.0.0.1:0", hooks, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, hooks
}

func TestCallRoundTrip(t *testing.T) {
	serverKP, _ := identity.Generate()
	clientKP, _ := identity.Generate()

	srv, _ := startServer(t, serverKP)
	srv.Register("PING", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})

	clientHooks := rpcauth.New(clientKP, contact.NewPubkeyCache())
	client := NewClient(clientHooks)

	params := paramsWithContact(clientKP.NodeID(), nil)
	result, err := client.Call(context.Background(), srv.Addr(), "PING", params, serverKP.NodeID())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var decoded struct{ OK bool `json:"ok"` }
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !decoded.OK {
		t.Fatal("expected ok:true in result")
	}
}

func TestCallSurfacesHandlerError(t *testing.T) {
	serverKP, _ := identity.Generate()
	clientKP, _ := identity.Generate()

	srv, _ := startServer(t, serverKP)
	srv.Register("AUDIT", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("challenges exhausted")
	})

	clientHooks := rpcauth.New(clientKP, contact.NewPubkeyCache())
	client := NewClient(clientHooks)

	params := paramsWithContact(clientKP.NodeID(), nil)
	_, err := client.Call(context.Background(), srv.Addr(), "AUDIT", params, serverKP.NodeID())
	if err == nil {
		t.Fatal("expected an error from a failing handler")
	}
}

func TestServerDropsUnsignedRequests(t *testing.T) {
	serverKP, _ := identity.Generate()
	clientKP, _ := identity.Generate()

	srv, _ := startServer(t, serverKP)
	called := false
	srv.Register("PING", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		called = true
		return json.RawMessage(`{}`), nil
	})

	clientHooks := rpcauth.New(clientKP, contact.NewPubkeyCache())
	client := NewClient(clientHooks)

	// Bypass Client.Call's signing by constructing the request by hand with
	// no __nonce/__signature at all.
	raw := paramsWithContact(clientKP.NodeID(), nil)
	reqBody, _ := json.Marshal(Request{JSONRPC: "2.0", ID: "unsigned", Method: "PING", Params: raw})

	httpClient := client.httpClient
	resp, err := httpClient.Post("http://"+srv.Addr()+"/rpc", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	time.Sleep(20 * time.Millisecond)
	if called {
		t.Fatal("handler should not run for an unsigned request")
	}
}

func TestMethodNotFound(t *testing.T) {
	serverKP, _ := identity.Generate()
	clientKP, _ := identity.Generate()

	srv, _ := startServer(t, serverKP)

	clientHooks := rpcauth.New(clientKP, contact.NewPubkeyCache())
	client := NewClient(clientHooks)

	params := paramsWithContact(clientKP.NodeID(), nil)
	_, err := client.Call(context.Background(), srv.Addr(), "NONEXISTENT", params, serverKP.NodeID())
	if err == nil {
		t.Fatal("expected an error for an unregistered method")
	}
}

// TestRateLimitPerNodeID is scenario S6's abuse-protection half: once a
// sender's claimed NodeID exceeds its window, further requests from that
// same NodeID fail, while a different sender is unaffected.
func TestRateLimitPerNodeID(t *testing.T) {
	serverKP, _ := identity.Generate()
	clientKP, _ := identity.Generate()
	otherKP, _ := identity.Generate()

	srv, _ := startServer(t, serverKP)
	srv.EnableRateLimit(2, time.Minute)
	srv.Register("PING", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})

	clientHooks := rpcauth.New(clientKP, contact.NewPubkeyCache())
	client := NewClient(clientHooks)
	params := paramsWithContact(clientKP.NodeID(), nil)

	for i := 0; i < 2; i++ {
		if _, err := client.Call(context.Background(), srv.Addr(), "PING", params, serverKP.NodeID()); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if _, err := client.Call(context.Background(), srv.Addr(), "PING", params, serverKP.NodeID()); err == nil {
		t.Fatal("expected the third call from the same NodeID to be rate limited")
	}

	otherHooks := rpcauth.New(otherKP, contact.NewPubkeyCache())
	otherClient := NewClient(otherHooks)
	otherParams := paramsWithContact(otherKP.NodeID(), nil)
	if _, err := otherClient.Call(context.Background(), srv.Addr(), "PING", otherParams, serverKP.NodeID()); err != nil {
		t.Fatalf("call from a different NodeID should not be affected by another sender's limit: %v", err)
	}
}
