package protocol

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/ssd-technologies/keepnet/internal/contact"
	"github.com/ssd-technologies/keepnet/internal/identity"
	"github.com/ssd-technologies/keepnet/internal/nodeerr"
	"github.com/ssd-technologies/keepnet/internal/overlay"
)

// lookupContact performs a DHT lookup for target and returns its contact
// info, failing with ErrPeerNotFound if the iterative lookup never turns up
// an exact match.
func lookupContact(ctx context.Context, ov *overlay.Overlay, target identity.NodeID) (contact.Contact, error) {
	if direct := exactMatch(ov.Table().ClosestN(target, ov.Table().Size()), target); direct != nil {
		return *direct, nil
	}
	peers, err := ov.FindNode(ctx, target)
	if err != nil {
		return contact.Contact{}, fmt.Errorf("%w: %v", nodeerr.ErrPeerNotFound, err)
	}
	if found := exactMatch(peers, target); found != nil {
		return *found, nil
	}
	return contact.Contact{}, fmt.Errorf("%w: %s", nodeerr.ErrPeerNotFound, target)
}

func exactMatch(peers []overlay.PeerInfo, target identity.NodeID) *contact.Contact {
	for _, p := range peers {
		if p.NodeID == target {
			host, port := splitAddress(p.Address)
			c := contact.Contact{Host: host, Port: port, NodeID: p.NodeID, Scheme: "http"}
			return &c
		}
	}
	return nil
}

func splitAddress(addr string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return host, 0
	}
	return host, uint16(port)
}
