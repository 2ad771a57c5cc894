package transport

import (
	"context"

	"github.com/brume-vpn/brume/internal/model"
)

// MockDialer is a configurable [Dialer] for tests.
type MockDialer struct {
	// MockDialSession allows mocking DialSession.
	MockDialSession func(ctx context.Context, desc *model.BridgeDescriptor) (Session, error)
}

var _ Dialer = &MockDialer{}

// DialSession implements Dialer.
func (d *MockDialer) DialSession(ctx context.Context, desc *model.BridgeDescriptor) (Session, error) {
	return d.MockDialSession(ctx, desc)
}

// MockSession is a configurable [Session] for tests.
type MockSession struct {
	// MockAuthenticate allows mocking Authenticate.
	MockAuthenticate func(ctx context.Context, cred *model.Credential) error

	// MockOpenStream allows mocking OpenStream.
	MockOpenStream func(ctx context.Context) (Stream, error)

	// MockKeepalive allows mocking Keepalive.
	MockKeepalive func(ctx context.Context) error

	// MockClose allows mocking Close.
	MockClose func() error
}

var _ Session = &MockSession{}

// Authenticate implements Session.
func (s *MockSession) Authenticate(ctx context.Context, cred *model.Credential) error {
	if s.MockAuthenticate == nil {
		return nil
	}
	return s.MockAuthenticate(ctx, cred)
}

// OpenStream implements Session.
func (s *MockSession) OpenStream(ctx context.Context) (Stream, error) {
	return s.MockOpenStream(ctx)
}

// Keepalive implements Session.
func (s *MockSession) Keepalive(ctx context.Context) error {
	if s.MockKeepalive == nil {
		return nil
	}
	return s.MockKeepalive(ctx)
}

// Close implements Session.
func (s *MockSession) Close() error {
	if s.MockClose == nil {
		return nil
	}
	return s.MockClose()
}
