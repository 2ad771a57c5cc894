// Package transport provides the obfuscated session primitive: an
// encrypted, blocking-resistant connection to a bridge carrying many
// ordered reliable streams. The obfuscation schemes form a closed set
// (obfs4, wss, camo) behind the uniform [Dialer] capability; everything
// above this package is oblivious to which scheme is in use.
package transport

import (
	"context"
	"io"

	"github.com/brume-vpn/brume/internal/model"
)

// Dialer establishes transport sessions against bridges.
type Dialer interface {
	// DialSession dials the bridge and returns a live [Session]. The
	// returned session is not authenticated yet.
	DialSession(ctx context.Context, desc *model.BridgeDescriptor) (Session, error)
}

// Session is a single established transport session.
type Session interface {
	// Authenticate presents the credential to the bridge. Errors wrap
	// [model.ErrAuthRejected] when the bridge refused the credential
	// and [model.ErrTransport] for transient failures.
	Authenticate(ctx context.Context, cred *model.Credential) error

	// OpenStream opens a new logical stream on the session.
	OpenStream(ctx context.Context) (Stream, error)

	// Keepalive performs one liveness probe round trip.
	Keepalive(ctx context.Context) error

	// Close tears down the session and resets all its streams.
	Close() error
}

// Stream is one logical byte stream multiplexed onto a session. Each
// direction closes independently: CloseWrite signals end-of-stream to
// the peer while reads continue until the peer closes its side.
type Stream interface {
	io.Reader
	io.Writer

	// CloseWrite half-closes the local write direction.
	CloseWrite() error

	// Close resets both directions.
	Close() error
}
