package model

import "errors"

var (
	// ErrAuthUnavailable indicates the binder could not be reached. This
	// error is transient: callers retry with backoff.
	ErrAuthUnavailable = errors.New("binder unavailable")

	// ErrAuthRejected indicates the binder explicitly refused to issue or
	// accept a credential. This error is fatal: the client stops attempting
	// connections until the account is fixed externally.
	ErrAuthRejected = errors.New("credential rejected")

	// ErrTransport indicates a per-attempt transport failure. It triggers
	// bridge failover within the current round.
	ErrTransport = errors.New("transport error")

	// ErrDirectoryStale indicates the bridge directory could not be
	// refreshed and the previous set is still in use.
	ErrDirectoryStale = errors.New("bridge directory is stale")

	// ErrStreamReset indicates a logical stream was torn down, for
	// example because the session generation advanced underneath it.
	ErrStreamReset = errors.New("stream reset")

	// ErrNotActive indicates there is no active session right now, so a
	// local connection cannot be forwarded.
	ErrNotActive = errors.New("no active session")

	// ErrExhausted indicates every known bridge failed during the
	// current failover round.
	ErrExhausted = errors.New("all bridges exhausted")

	// ErrShutdown indicates the client is shutting down.
	ErrShutdown = errors.New("client is shutting down")
)
