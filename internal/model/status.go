package model

import "time"

// StatusSnapshot is a point-in-time view of the client, as exposed by
// the local introspection endpoint.
type StatusSnapshot struct {
	// State is the session manager state name.
	State string `json:"state"`

	// Bridge is the identity of the bridge the session is bound to,
	// empty when disconnected.
	Bridge BridgeID `json:"bridge"`

	// Generation is the session generation counter.
	Generation uint64 `json:"generation"`

	// Streams is the number of currently open logical streams.
	Streams int `json:"streams"`

	// Epoch is the validity epoch of the cached credential, zero when
	// no credential is cached.
	Epoch uint64 `json:"epoch"`

	// LastError is the most recent client-wide failure, empty when the
	// client is healthy.
	LastError string `json:"last_error,omitempty"`

	// Since is when the current state was entered.
	Since time.Time `json:"since"`
}
