package models

import "time"

// SessionMode distinguishes how the voice front end is driving the session.
type SessionMode string

const (
	ModeContinuous SessionMode = "continuous"
	ModePushToTalk SessionMode = "push_to_talk"
)

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionTimeout   SessionStatus = "timeout"
)

// SessionTurn is one (user query, assistant reply) pair within a session.
// Turns are appended, never mutated.
type SessionTurn struct {
	TurnNumber     int            `json:"turn_number"`
	UserQuery      string         `json:"user_query"`
	AssistantReply string         `json:"assistant_reply"`
	ToolResults    []StepResult   `json:"tool_results,omitempty"`
	DurationMs     int64          `json:"duration_ms"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Session is a bounded, idle-timed conversation context containing ordered
// turns. At most one active session exists per user at a time; older
// actives are auto-closed to Timeout after 15 minutes of inactivity.
type Session struct {
	SessionID           string        `json:"session_id"`
	UserID              string        `json:"user_id"`
	Mode                SessionMode   `json:"mode"`
	Status              SessionStatus `json:"status"`
	CreatedAt           time.Time     `json:"created_at"`
	LastActivityAt      time.Time     `json:"last_activity_at"`
	TurnCount           int           `json:"turn_count"`
	ContextSummary      string        `json:"context_summary,omitempty"`
	LastSummarizedTurn  int           `json:"last_summarized_turn,omitempty"`
}
