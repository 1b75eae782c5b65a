package models

import "time"

// ActivityType distinguishes the entries a uniform /activity feed unions
// together: conversation sessions, executed commands, and provider
// connection lifecycle events.
type ActivityType string

const (
	ActivitySession         ActivityType = "session"
	ActivityCommand         ActivityType = "command"
	ActivityOAuthConnect    ActivityType = "oauth_connect"
	ActivityOAuthDisconnect ActivityType = "oauth_disconnect"
)

// ActivityItem is one entry of the flattened, newest-first activity feed
// (§6 GET /activity).
type ActivityItem struct {
	ID          string       `json:"id"`
	Timestamp   time.Time    `json:"timestamp"`
	Type        ActivityType `json:"type"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Success     *bool        `json:"success,omitempty"`
	Service     string       `json:"service,omitempty"`
}
