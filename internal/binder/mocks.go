package binder

import (
	"context"

	"github.com/brume-vpn/brume/internal/model"
)

// MockClient is a configurable [Client] for tests.
type MockClient struct {
	// MockEpochSigningKey allows mocking EpochSigningKey.
	MockEpochSigningKey func(ctx context.Context, tier string, epoch uint64) ([]byte, error)

	// MockAuthenticate allows mocking Authenticate.
	MockAuthenticate func(ctx context.Context, req *AuthRequest) (*AuthResponse, error)

	// MockFetchBridges allows mocking FetchBridges.
	MockFetchBridges func(ctx context.Context, cred *model.Credential) ([]*model.BridgeDescriptor, error)
}

var _ Client = &MockClient{}

// EpochSigningKey implements Client.
func (c *MockClient) EpochSigningKey(ctx context.Context, tier string, epoch uint64) ([]byte, error) {
	return c.MockEpochSigningKey(ctx, tier, epoch)
}

// Authenticate implements Client.
func (c *MockClient) Authenticate(ctx context.Context, req *AuthRequest) (*AuthResponse, error) {
	return c.MockAuthenticate(ctx, req)
}

// FetchBridges implements Client.
func (c *MockClient) FetchBridges(ctx context.Context, cred *model.Credential) ([]*model.BridgeDescriptor, error) {
	return c.MockFetchBridges(ctx, cred)
}

// NopBlinder is a [Blinder] that does not blind at all: the blinded
// digest is the digest and signatures always verify. Only for tests.
type NopBlinder struct{}

var _ Blinder = &NopBlinder{}

// Blind implements Blinder.
func (*NopBlinder) Blind(signingKey, digest []byte) ([]byte, []byte, error) {
	return digest, []byte("secret"), nil
}

// Unblind implements Blinder.
func (*NopBlinder) Unblind(signingKey, blindSig, secret []byte) ([]byte, error) {
	return blindSig, nil
}

// Verify implements Blinder.
func (*NopBlinder) Verify(signingKey, digest, unblindedSig []byte) bool {
	return true
}
