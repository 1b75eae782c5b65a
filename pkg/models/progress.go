package models

import "time"

// ProgressKind enumerates the stages emitted during ProcessQuery.
type ProgressKind string

const (
	ProgressAnalyzing  ProgressKind = "analyzing"
	ProgressDiscovering ProgressKind = "discovering"
	ProgressSelecting  ProgressKind = "selecting"
	ProgressExecuting  ProgressKind = "executing"
	ProgressCompleted  ProgressKind = "completed"
	ProgressError      ProgressKind = "error"
	ProgressDone       ProgressKind = "done"
)

// ProgressEvent is emitted to the caller while a plan executes. The stream
// is always terminated by a single ProgressDone event carrying the final
// OrchestrationResult in Payload.
type ProgressEvent struct {
	Kind    ProgressKind `json:"kind"`
	Message string       `json:"message,omitempty"`
	At      time.Time    `json:"at"`
	Payload any          `json:"payload,omitempty"`
}

// OrchestrationResult is the terminal outcome ProcessQuery returns.
type OrchestrationResult struct {
	Success               bool         `json:"success"`
	Steps                 []StepResult `json:"steps,omitempty"`
	TotalMs               int64        `json:"total_ms"`
	NeedsClarification    bool         `json:"needs_clarification,omitempty"`
	ClarificationQuestion string       `json:"clarification_question,omitempty"`
	Reply                 string       `json:"reply,omitempty"`
	ConfirmationID        string       `json:"confirmation_id,omitempty"`
	RiskSummary           string       `json:"risk_summary,omitempty"`
}
