package pending

import (
	"testing"
	"time"

	"github.com/ssd-technologies/keepnet/internal/contact"
	"github.com/ssd-technologies/keepnet/internal/contract"
	"github.com/ssd-technologies/keepnet/internal/shard"
)

func TestInsertTake(t *testing.T) {
	table := New()
	h := shard.Compute([]byte("data"))
	called := false

	table.Insert(h, &Continuation{
		OnOffer: func(from contact.Contact, offered contract.Contract) error {
			called = true
			return nil
		},
		Deadline: time.Now().Add(time.Minute),
	})

	c, ok := table.Take(h)
	if !ok {
		t.Fatal("expected to find the inserted continuation")
	}
	if err := c.OnOffer(contact.Contact{}, contract.Contract{}); err != nil {
		t.Fatalf("OnOffer: %v", err)
	}
	if !called {
		t.Fatal("OnOffer was not invoked")
	}

	if _, ok := table.Take(h); ok {
		t.Fatal("expected Take to remove the continuation")
	}
}

func TestAtMostOnePendingPerShard(t *testing.T) {
	table := New()
	h := shard.Compute([]byte("data"))

	table.Insert(h, &Continuation{Deadline: time.Now().Add(time.Minute)})
	if table.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", table.Len())
	}
	table.Insert(h, &Continuation{Deadline: time.Now().Add(time.Minute)})
	if table.Len() != 1 {
		t.Fatalf("re-inserting the same hash should not grow the table, Len() = %d", table.Len())
	}
}

func TestExpirePurgesPastDeadline(t *testing.T) {
	table := New()
	h1 := shard.Compute([]byte("one"))
	h2 := shard.Compute([]byte("two"))

	now := time.Now()
	table.Insert(h1, &Continuation{Deadline: now.Add(-time.Second)})
	table.Insert(h2, &Continuation{Deadline: now.Add(time.Hour)})

	expired := table.Expire(now)
	if len(expired) != 1 || expired[0] != h1 {
		t.Fatalf("Expire() = %v, want [%v]", expired, h1)
	}
	if table.Peek(h1) {
		t.Fatal("expired entry should have been removed")
	}
	if !table.Peek(h2) {
		t.Fatal("non-expired entry should remain")
	}
}
