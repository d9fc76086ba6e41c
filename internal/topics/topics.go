// Package topics implements the pub/sub layer spec.md describes as "built
// over the DHT": publishing a contract broadcasts it, with bounded-hop
// gossip forwarding, to every peer this node currently knows about through
// its Overlay routing table.
package topics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssd-technologies/keepnet/internal/contact"
	"github.com/ssd-technologies/keepnet/internal/identity"
	"github.com/ssd-technologies/keepnet/internal/overlay"
	"github.com/ssd-technologies/keepnet/internal/transport"
)

// DefaultMaxHops bounds how many times a published message is forwarded
// before peers stop relaying it.
const DefaultMaxHops = 10

// DefaultSeenTTL bounds how long a message id is remembered for
// deduplication purposes.
const DefaultSeenTTL = 10 * time.Minute

// Handler processes a payload delivered on a subscribed topic.
type Handler func(origin identity.NodeID, payload json.RawMessage)

type envelope struct {
	MessageID string          `json:"message_id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Origin    identity.NodeID `json:"origin"`
	Hops      int             `json:"hops"`
	MaxHops   int             `json:"max_hops"`
}

type publishParams struct {
	Contact  wireContact `json:"contact"`
	Envelope envelope    `json:"envelope"`
}

type wireContact struct {
	Scheme string          `json:"scheme"`
	Host   string          `json:"host"`
	Port   uint16          `json:"port"`
	NodeID identity.NodeID `json:"node_id"`
}

// Topics publishes contract objects on named topics and delivers them to
// subscribed handlers, forwarding through the overlay's known peer set.
type Topics struct {
	self        identity.NodeID
	selfContact contact.Contact
	overlay     *overlay.Overlay
	client      *transport.Client
	log         *logrus.Entry

	mu       sync.RWMutex
	handlers map[string]Handler
	seen     map[string]time.Time
	seenTTL  time.Duration
	maxHops  int
}

// New constructs a Topics instance riding o's routing table and client for
// delivery.
func New(self identity.NodeID, selfContact contact.Contact, o *overlay.Overlay, client *transport.Client, log *logrus.Entry) *Topics {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Topics{
		self:        self,
		selfContact: selfContact,
		overlay:     o,
		client:      client,
		log:         log,
		handlers:    make(map[string]Handler),
		seen:        make(map[string]time.Time),
		seenTTL:     DefaultSeenTTL,
		maxHops:     DefaultMaxHops,
	}
}

// RegisterHandlers installs the PUBLISH method handler on server.
func (t *Topics) RegisterHandlers(server *transport.Server) {
	server.Register("PUBLISH", t.handlePublish)
}

// SetSelfContact updates the contact this Topics advertises as the origin
// of outbound publishes, e.g. once Join has learned the real bound port of
// an ephemeral listener.
func (t *Topics) SetSelfContact(c contact.Contact) {
	t.mu.Lock()
	t.selfContact = c
	t.mu.Unlock()
}

func (t *Topics) getSelfContact() contact.Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.selfContact
}

// Subscribe registers handler to receive payloads published on topic.
// A second Subscribe for the same topic replaces the first handler.
func (t *Topics) Subscribe(topic string, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[topic] = handler
}

// Publish broadcasts payload on topic to every peer this node currently
// knows about, best effort: delivery failures to individual peers are
// logged and otherwise ignored.
func (t *Topics) Publish(ctx context.Context, topic string, payload json.RawMessage) error {
	env := envelope{
		MessageID: newMessageID(),
		Topic:     topic,
		Payload:   payload,
		Origin:    t.self,
		Hops:      0,
		MaxHops:   t.maxHops,
	}
	t.markSeen(env.MessageID)
	t.deliverLocally(env)
	t.forward(ctx, env, identity.NodeID{})
	return nil
}

func (t *Topics) handlePublish(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p publishParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("topics: decode publish params: %w", err)
	}
	env := p.Envelope

	if t.hasSeen(env.MessageID) {
		return json.RawMessage(`{}`), nil
	}
	t.markSeen(env.MessageID)

	t.deliverLocally(env)

	if env.Hops < env.MaxHops {
		env.Hops++
		// The forwards outlive this request, whose context ends when the
		// handler returns.
		t.forward(context.WithoutCancel(ctx), env, p.Contact.NodeID)
	}
	return json.RawMessage(`{}`), nil
}

func (t *Topics) deliverLocally(env envelope) {
	t.mu.RLock()
	handler, ok := t.handlers[env.Topic]
	t.mu.RUnlock()
	if ok {
		handler(env.Origin, env.Payload)
	}
}

// forward relays env to every peer known to the overlay, skipping from (the
// peer that just delivered it to us, if any) and self.
func (t *Topics) forward(ctx context.Context, env envelope, from identity.NodeID) {
	peers := t.overlay.Table().ClosestN(t.self, t.overlay.Table().Size())
	self := t.getSelfContact()
	params, err := json.Marshal(publishParams{
		Contact:  wireContact{Scheme: self.Scheme, Host: self.Host, Port: self.Port, NodeID: t.self},
		Envelope: env,
	})
	if err != nil {
		t.log.WithError(err).Error("topics: encode publish params")
		return
	}
	for _, p := range peers {
		if p.NodeID == from || p.NodeID == env.Origin {
			continue
		}
		go func(addr string, id identity.NodeID) {
			if _, err := t.client.Call(ctx, addr, "PUBLISH", params, id); err != nil {
				t.log.WithError(err).WithField("peer", id).Debug("topics: publish forward failed")
			}
		}(p.Address, p.NodeID)
	}
}

func (t *Topics) markSeen(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[id] = time.Now()
}

func (t *Topics) hasSeen(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	seenAt, ok := t.seen[id]
	if !ok {
		return false
	}
	if time.Since(seenAt) > t.seenTTL {
		delete(t.seen, id)
		return false
	}
	return true
}

// PruneSeen removes expired dedup entries and returns how many were removed.
func (t *Topics) PruneSeen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, seenAt := range t.seen {
		if time.Since(seenAt) > t.seenTTL {
			delete(t.seen, id)
			n++
		}
	}
	return n
}

var messageIDCounter struct {
	mu sync.Mutex
	n  uint64
}

// newMessageID returns a process-unique dedup id: a timestamp plus a
// monotonic counter, sufficient since this is only a gossip-dedup key, not
// a security token.
func newMessageID() string {
	messageIDCounter.mu.Lock()
	defer messageIDCounter.mu.Unlock()
	messageIDCounter.n++
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), messageIDCounter.n)
}
