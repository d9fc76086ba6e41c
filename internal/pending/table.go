// Package pending implements the renter-side table of shards awaiting a
// farmer's OFFER: at most one pending continuation exists per shard hash at
// any instant.
package pending

import (
	"sync"
	"time"

	"github.com/ssd-technologies/keepnet/internal/contact"
	"github.com/ssd-technologies/keepnet/internal/contract"
	"github.com/ssd-technologies/keepnet/internal/shard"
)

// OfferTimeout bounds how long a pending continuation waits for an OFFER
// before it is purged. Not specified by source; picked explicitly (see
// DESIGN.md).
const OfferTimeout = 60 * time.Second

// Continuation is what store() registers while it waits for a farmer's
// OFFER. It replaces the function-valued map the reference implementation
// used, admitting expiry, metrics, and unit testing.
type Continuation struct {
	ExpectedFarmer *contact.Contact
	OnOffer        func(from contact.Contact, offered contract.Contract) error
	Deadline       time.Time
}

// Table maps shard hash to its single pending continuation.
type Table struct {
	mu      sync.Mutex
	entries map[shard.Hash]*Continuation
}

// New creates an empty pending table.
func New() *Table {
	return &Table{entries: make(map[shard.Hash]*Continuation)}
}

// Insert registers a continuation for hash. It is the caller's
// responsibility to ensure store() has not already registered one for the
// same hash (Testable Property 7: at most one pending continuation per
// shard hash).
func (t *Table) Insert(hash shard.Hash, c *Continuation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[hash] = c
}

// Take removes and returns the continuation for hash, if any.
func (t *Table) Take(hash shard.Hash) (*Continuation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.entries[hash]
	if ok {
		delete(t.entries, hash)
	}
	return c, ok
}

// Peek reports whether a pending continuation exists for hash without
// removing it.
func (t *Table) Peek(hash shard.Hash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[hash]
	return ok
}

// Expire removes and returns every continuation whose deadline is at or
// before now.
func (t *Table) Expire(now time.Time) []shard.Hash {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []shard.Hash
	for hash, c := range t.entries {
		if !c.Deadline.After(now) {
			expired = append(expired, hash)
			delete(t.entries, hash)
		}
	}
	return expired
}

// Len returns the number of pending continuations.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
