package models

import (
	"testing"
	"time"
)

func TestSession_ZeroValueStatus(t *testing.T) {
	var s Session
	if s.Status != "" {
		t.Errorf("expected empty status on zero value, got %q", s.Status)
	}
}

func TestSessionTurn_AccumulatesToolResults(t *testing.T) {
	turn := SessionTurn{
		TurnNumber: 1,
		UserQuery:  "what's on my calendar",
		ToolResults: []StepResult{
			{Success: true, Provider: "calendar", Tool: "list_events"},
		},
		CreatedAt: time.Now(),
	}

	if len(turn.ToolResults) != 1 {
		t.Fatalf("expected 1 tool result, got %d", len(turn.ToolResults))
	}
	if turn.ToolResults[0].Provider != "calendar" {
		t.Errorf("Provider = %q, want calendar", turn.ToolResults[0].Provider)
	}
}

func TestSessionStatus_Constants(t *testing.T) {
	tests := []SessionStatus{SessionActive, SessionCompleted, SessionTimeout}
	seen := make(map[SessionStatus]bool)
	for _, s := range tests {
		if seen[s] {
			t.Errorf("duplicate status value %q", s)
		}
		seen[s] = true
	}
}
