package binder

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"

	"crypto/rand"
)

// Blinder implements the blind-signature primitives over opaque byte
// slices. The session and credential code treats these operations as a
// black box; [RSABlinder] is the production implementation and tests
// plug in trivial fakes.
type Blinder interface {
	// Blind blinds the digest under the given signing key, returning
	// the blinded digest and the blinding secret needed to unblind.
	Blind(signingKey, digest []byte) (blinded, secret []byte, err error)

	// Unblind removes the blinding from a blind signature using the
	// secret returned by [Blinder.Blind].
	Unblind(signingKey, blindSig, secret []byte) ([]byte, error)

	// Verify reports whether the unblinded signature is a valid
	// signature over the digest under the given signing key.
	Verify(signingKey, digest, unblindedSig []byte) bool
}

// ErrBlind indicates a blinding operation failed.
var ErrBlind = errors.New("binder: blinding operation failed")

// RSABlinder implements [Blinder] with textbook RSA blinding: the
// digest is hashed into the group, multiplied by r^e before signing and
// by r^-1 after. Signing keys are DER-encoded RSA public keys.
type RSABlinder struct{}

var _ Blinder = &RSABlinder{}

// Blind implements Blinder.
func (*RSABlinder) Blind(signingKey, digest []byte) ([]byte, []byte, error) {
	pub, err := parseSigningKey(signingKey)
	if err != nil {
		return nil, nil, err
	}
	m := hashToGroup(digest, pub.N)
	r, err := rand.Int(rand.Reader, pub.N)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrBlind, err.Error())
	}
	if r.Sign() == 0 {
		r = big.NewInt(1)
	}
	e := big.NewInt(int64(pub.E))
	// blinded = m * r^e mod n
	blinded := new(big.Int).Exp(r, e, pub.N)
	blinded.Mul(blinded, m).Mod(blinded, pub.N)
	return blinded.Bytes(), r.Bytes(), nil
}

// Unblind implements Blinder.
func (*RSABlinder) Unblind(signingKey, blindSig, secret []byte) ([]byte, error) {
	pub, err := parseSigningKey(signingKey)
	if err != nil {
		return nil, err
	}
	r := new(big.Int).SetBytes(secret)
	rinv := new(big.Int).ModInverse(r, pub.N)
	if rinv == nil {
		return nil, fmt.Errorf("%w: blinding secret not invertible", ErrBlind)
	}
	// sig = blindSig * r^-1 mod n
	sig := new(big.Int).SetBytes(blindSig)
	sig.Mul(sig, rinv).Mod(sig, pub.N)
	return sig.Bytes(), nil
}

// Verify implements Blinder.
func (*RSABlinder) Verify(signingKey, digest, unblindedSig []byte) bool {
	pub, err := parseSigningKey(signingKey)
	if err != nil {
		return false
	}
	m := hashToGroup(digest, pub.N)
	e := big.NewInt(int64(pub.E))
	got := new(big.Int).SetBytes(unblindedSig)
	got.Exp(got, e, pub.N)
	return got.Cmp(m) == 0
}

// parseSigningKey decodes a DER-encoded RSA public key.
func parseSigningKey(signingKey []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(signingKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBlind, err.Error())
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrBlind)
	}
	return pub, nil
}

// hashToGroup maps a digest into Z_n.
func hashToGroup(digest []byte, n *big.Int) *big.Int {
	h := sha256.Sum256(digest)
	v := new(big.Int).SetBytes(h[:])
	return v.Mod(v, n)
}
