// Package contact parses and formats peer contact URIs and caches public
// keys recovered during message verification.
package contact

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/ssd-technologies/keepnet/internal/identity"
)

// Contact identifies where and who a peer is.
type Contact struct {
	Scheme string
	Host   string
	Port   uint16
	NodeID identity.NodeID
}

// Address returns the host:port dial target for this contact.
func (c Contact) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String renders the contact as a seed URI: scheme://host:port/nodeIdHex.
func (c Contact) String() string {
	return fmt.Sprintf("%s://%s:%d/%s", c.Scheme, c.Host, c.Port, c.NodeID.String())
}

// Parse decodes a seed URI of the form scheme://host:port/nodeIdHex.
func Parse(raw string) (Contact, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Contact{}, fmt.Errorf("contact: parse uri %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Contact{}, fmt.Errorf("contact: uri %q missing scheme or host", raw)
	}
	host, portStr, err := splitHostPort(u.Host)
	if err != nil {
		return Contact{}, fmt.Errorf("contact: parse uri %q: %w", raw, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Contact{}, fmt.Errorf("contact: parse uri %q: bad port: %w", raw, err)
	}
	idHex := strings.TrimPrefix(u.Path, "/")
	if idHex == "" {
		return Contact{}, fmt.Errorf("contact: uri %q missing node id", raw)
	}
	id, err := identity.ParseNodeID(idHex)
	if err != nil {
		return Contact{}, fmt.Errorf("contact: uri %q: %w", raw, err)
	}
	return Contact{Scheme: u.Scheme, Host: host, Port: uint16(port), NodeID: id}, nil
}

func splitHostPort(hostport string) (host, port string, err error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("missing port in %q", hostport)
	}
	return hostport[:idx], hostport[idx+1:], nil
}

// PubkeyCache maps a NodeID to the public key most recently recovered for
// it. It is populated only on successful signature verification and must
// never be treated as authoritative: every use re-derives and compares the
// NodeID before trusting a cached key.
type PubkeyCache struct {
	mu   sync.RWMutex
	keys map[identity.NodeID][]byte
}

// NewPubkeyCache creates an empty cache.
func NewPubkeyCache() *PubkeyCache {
	return &PubkeyCache{keys: make(map[identity.NodeID][]byte)}
}

// Get returns the cached compressed public key for id, if any.
func (c *PubkeyCache) Get(id identity.NodeID) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pub, ok := c.keys[id]
	return pub, ok
}

// Put records pub as the key most recently verified for id. Callers must
// have already checked that identity.NodeIDFromPubkey(pub) == id.
func (c *PubkeyCache) Put(id identity.NodeID, pub []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[id] = pub
}

// Book combines a pubkey cache with the set of configured seed contacts.
type Book struct {
	Cache *PubkeyCache
	Seeds []Contact
}

// NewBook constructs a Book from a list of seed URIs.
func NewBook(seedURIs []string) (*Book, error) {
	seeds := make([]Contact, 0, len(seedURIs))
	for _, raw := range seedURIs {
		c, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, c)
	}
	return &Book{Cache: NewPubkeyCache(), Seeds: seeds}, nil
}
