package model

import "fmt"

// BridgeID uniquely identifies a bridge. It is the hex encoding of the
// bridge identity public key, so equality implies the same identity.
type BridgeID string

// Bridge protocols. This is a closed set: each value selects one of the
// supported obfuscation schemes behind the uniform transport dialer.
const (
	// ProtocolObfs4 is the obfs4 look-like-nothing protocol.
	ProtocolObfs4 = "obfs4"

	// ProtocolWSS tunnels the session inside a websocket connection.
	ProtocolWSS = "wss"

	// ProtocolCamo tunnels the session inside a TLS connection with a
	// browser-like fingerprint.
	ProtocolCamo = "camo"
)

// BridgeDescriptor describes a candidate relay bridge as returned by
// the binder. Descriptors are immutable within a refresh cycle.
type BridgeDescriptor struct {
	// ID is the bridge identity.
	ID BridgeID `json:"id"`

	// PublicKey is the raw identity public key.
	PublicKey []byte `json:"public_key"`

	// Protocol is one of the Protocol* constants.
	Protocol string `json:"protocol"`

	// Endpoint is the host:port to dial.
	Endpoint string `json:"endpoint"`

	// Cookie carries protocol-specific obfuscation parameters in
	// URL-query form, e.g. "cert=...&iat-mode=0" for obfs4.
	Cookie string `json:"cookie"`

	// Capacity is an advisory capacity tag set by the binder.
	Capacity string `json:"capacity"`
}

// String implements fmt.Stringer.
func (bd *BridgeDescriptor) String() string {
	return fmt.Sprintf("%s://%s#%s", bd.Protocol, bd.Endpoint, bd.ID)
}
