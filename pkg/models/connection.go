package models

import "time"

// ConnState is a ConnectionHandle's position in the Connection Manager's
// per-(user, provider) state machine.
type ConnState string

const (
	ConnStateConnecting ConnState = "connecting"
	ConnStateConnected  ConnState = "connected"
	ConnStateError      ConnState = "error"
	ConnStateClosed     ConnState = "closed"
)

// TransportKind distinguishes the two adapter variants.
type TransportKind string

const (
	TransportLocal  TransportKind = "local"
	TransportRemote TransportKind = "remote"
)

// ConnectionHandle is exclusively owned by the Connection Manager. It is
// created on first use and destroyed on explicit disconnect; once the max
// reconnect attempts are exhausted it stays in the error state.
type ConnectionHandle struct {
	UserID         string        `json:"user_id"`
	Provider       string        `json:"provider"`
	Transport      TransportKind `json:"transport"`
	State          ConnState     `json:"state"`
	LastHealthyAt  time.Time     `json:"last_healthy_at,omitempty"`
	BackoffAttempt int           `json:"backoff_attempt"`
	LastError      string        `json:"last_error,omitempty"`
	SessionID      string        `json:"session_id,omitempty"`
	Endpoint       string        `json:"endpoint,omitempty"`
	ProtocolVer    string        `json:"protocol_version,omitempty"`
	ToolCount      int           `json:"tool_count"`
}

// ConnectionStatus is the write-through persistence mirror the Connection
// Manager publishes for each (user, provider) pair (§6 persisted state).
type ConnectionStatus struct {
	UserID        string    `json:"user_id"`
	Provider      string    `json:"provider"`
	State         ConnState `json:"state"`
	ToolCount     int       `json:"tool_count"`
	LastError     string    `json:"last_error,omitempty"`
	LastHealthyAt time.Time `json:"last_healthy_at,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	Endpoint      string    `json:"endpoint,omitempty"`
	ProtocolVer   string    `json:"protocol_version,omitempty"`
}
