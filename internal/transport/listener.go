package transport

import (
	"fmt"
	"net"
)

// newListener binds addr, allowing callers to pass a port of 0 to get an
// ephemeral port assigned by the OS (used heavily in tests).
func newListener(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	return ln, nil
}
