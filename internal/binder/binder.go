// Package binder abstracts the client side of the binder, the central
// directory service that authenticates subscribers and hands out bridge
// lists. The wire format is external to this package: [Client] is the
// seam, and the concrete implementation lives behind it.
package binder

import (
	"context"
	"errors"

	"github.com/brume-vpn/brume/internal/model"
)

var (
	// ErrWrongTier indicates the account does not hold the requested tier.
	// Callers try the next tier in their list.
	ErrWrongTier = errors.New("binder: wrong tier for this account")

	// ErrRejected indicates the binder explicitly refused the request,
	// e.g. wrong password or an expired subscription.
	ErrRejected = errors.New("binder: request rejected")
)

// AuthRequest is a blind-signature authentication request. The binder
// sees the blinded digest only, so the token it signs is unlinkable to
// the account.
type AuthRequest struct {
	// Username is the account username.
	Username string `json:"username"`

	// Password is the account password.
	Password string `json:"password"`

	// Tier is the subscription tier the token is requested for.
	Tier string `json:"tier"`

	// Epoch is the validity epoch the token is requested for.
	Epoch uint64 `json:"epoch"`

	// BlindedDigest is the blinded token digest.
	BlindedDigest []byte `json:"blinded_digest"`
}

// AuthResponse is the binder response to an [AuthRequest].
type AuthResponse struct {
	// BlindSignature is the binder signature over the blinded digest.
	BlindSignature []byte `json:"blind_signature"`
}

// Client issues requests to the binder.
type Client interface {
	// EpochSigningKey returns the binder signing key for the given tier
	// and epoch, serialized in an opaque format understood by [Blinder].
	EpochSigningKey(ctx context.Context, tier string, epoch uint64) ([]byte, error)

	// Authenticate performs the blind-signature exchange. It returns
	// [ErrWrongTier] when the account does not hold the requested tier
	// and [ErrRejected] when the binder refuses the account.
	Authenticate(ctx context.Context, req *AuthRequest) (*AuthResponse, error)

	// FetchBridges returns the current candidate bridges for a holder
	// of the given credential.
	FetchBridges(ctx context.Context, cred *model.Credential) ([]*model.BridgeDescriptor, error)
}
