package adapter

import "errors"

// Error taxonomy (§7): categories, not concrete type names. Adapters and
// the Connection Manager wrap underlying causes with these sentinels via
// fmt.Errorf("%w: ...", ErrX, cause) so callers can classify with
// errors.Is without inspecting strings.
var (
	// ErrAuthMissing means no token exists for (user, provider). Not retried.
	ErrAuthMissing = errors.New("adapter: no token for provider")

	// ErrAuthExpired means the token expired and refresh failed or was
	// unavailable. Not retried.
	ErrAuthExpired = errors.New("adapter: token expired, reconnect required")

	// ErrTransport covers network failures, timeouts, connection resets.
	// Retried by the Connection Manager's health loop with backoff.
	ErrTransport = errors.New("adapter: transport error")

	// ErrSessionEvicted means the remote returned 404 on a session header;
	// the caller must reinitialize.
	ErrSessionEvicted = errors.New("adapter: session evicted")

	// ErrBadArgument means the adapter rejected parameters as malformed.
	// Surfaced verbatim; no retry.
	ErrBadArgument = errors.New("adapter: bad argument")

	// ErrToolFailure is an adapter-reported domain error (e.g. "event not
	// found"). Surfaced verbatim; no retry.
	ErrToolFailure = errors.New("adapter: tool failure")

	// ErrTimeout means a deadline elapsed waiting on an async result (e.g.
	// a remote adapter's pending SSE response never arrived in time).
	ErrTimeout = errors.New("adapter: timed out waiting for result")
)
