package models

import "time"

// TokenRecord is a per-user, per-provider credential record. It is owned by
// the external Token Store; the orchestrator only ever reads it and never
// writes the ciphertext fields directly (adapters perform refresh and
// persist the result through the Token Store's own write path).
type TokenRecord struct {
	UserID             string     `json:"user_id"`
	Provider           string     `json:"provider"`
	AccessCiphertext   string     `json:"access_ciphertext"`
	RefreshCiphertext  string     `json:"refresh_ciphertext,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	Scope              string     `json:"scope,omitempty"`
}

// Expired reports whether the record needs a refresh before use. A record
// with a nil ExpiresAt never expires.
func (t TokenRecord) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && t.ExpiresAt.Before(now)
}

// HasRefresh reports whether a refresh token is available.
func (t TokenRecord) HasRefresh() bool {
	return t.RefreshCiphertext != ""
}
