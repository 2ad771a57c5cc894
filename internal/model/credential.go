package model

import "time"

// Credential is an anonymous, epoch-scoped access token obtained from
// the binder via a blind-signature exchange. The token proves a valid
// subscription without being linkable to the account that requested it.
type Credential struct {
	// Tier is the subscription tier this token was issued for.
	Tier string `json:"tier"`

	// Epoch is the validity epoch of the token.
	Epoch uint64 `json:"epoch"`

	// UnblindedDigest is the random digest we chose and unblinded.
	UnblindedDigest []byte `json:"unblinded_digest"`

	// UnblindedSignature is the binder signature over the digest,
	// unblinded with the secret the binder never saw.
	UnblindedSignature []byte `json:"unblinded_signature"`

	// ExpiresAt is when the token stops being valid.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired returns whether the credential is no longer valid at the given time.
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// ExpiringWithin returns whether the credential expires within the
// given safety margin from now.
func (c *Credential) ExpiringWithin(now time.Time, margin time.Duration) bool {
	return !now.Add(margin).Before(c.ExpiresAt)
}
