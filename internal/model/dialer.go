package model

import (
	"context"
	"net"
)

// Dialer dials raw network connections. A *net.Dialer satisfies this
// interface; tests provide in-memory fakes.
type Dialer interface {
	// DialContext behaves like net.Dialer.DialContext.
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}
