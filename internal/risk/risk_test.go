package risk

import (
	"testing"

	"github.com/corvynix/voxctl/pkg/models"
)

func TestAssess_SafeVerb(t *testing.T) {
	a := Assess("list", nil, "what's on my calendar")
	if a.Level != models.RiskSafe {
		t.Errorf("Level = %v, want SAFE", a.Level)
	}
}

func TestAssess_DestructiveVerbIsMediumAndFlagged(t *testing.T) {
	a := Assess("delete", map[string]any{"eventId": "e1"}, "cancel my 3pm meeting")
	if a.Level != models.RiskMedium {
		t.Errorf("Level = %v, want MEDIUM", a.Level)
	}
	if !a.Destructive {
		t.Error("expected Destructive to be true")
	}
}

func TestAssess_FanOutWordIsHigh(t *testing.T) {
	a := Assess("delete", nil, "delete all my meetings tomorrow")
	if a.Level != models.RiskHigh {
		t.Errorf("Level = %v, want HIGH", a.Level)
	}
}

func TestAssess_CountExceedsFiveIsHigh(t *testing.T) {
	a := Assess("delete", map[string]any{"count": 6.0}, "delete a few events")
	if a.Level != models.RiskHigh {
		t.Errorf("Level = %v, want HIGH", a.Level)
	}
}

func TestAssess_IDsArrayExceedsFiveIsHigh(t *testing.T) {
	ids := make([]any, 7)
	a := Assess("delete", map[string]any{"ids": ids}, "delete these")
	if a.Level != models.RiskHigh {
		t.Errorf("Level = %v, want HIGH", a.Level)
	}
}

func TestAssess_SendVerbIsAtLeastLow(t *testing.T) {
	a := Assess("send", nil, "send the report")
	if a.Level != models.RiskLow {
		t.Errorf("Level = %v, want LOW", a.Level)
	}
}

func TestAssess_AttendeesParamIsAtLeastLow(t *testing.T) {
	a := Assess("create", map[string]any{"attendees": []any{"a@example.com"}}, "schedule a meeting")
	if a.Level != models.RiskLow {
		t.Errorf("Level = %v, want LOW", a.Level)
	}
}

func TestAssess_SecretLikeParamIsAtLeastMedium(t *testing.T) {
	a := Assess("update", map[string]any{"note": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"}, "update the note")
	if a.Level != models.RiskMedium {
		t.Errorf("Level = %v, want MEDIUM", a.Level)
	}
}

func TestAssess_MaxOfContributingSignals(t *testing.T) {
	// "update" alone is MEDIUM, but the fan-out word pushes it to HIGH:
	// the level must be the max across all signals, not the first match.
	a := Assess("update", nil, "update all my events")
	if a.Level != models.RiskHigh {
		t.Errorf("Level = %v, want HIGH (max of MEDIUM verb and HIGH fan-out)", a.Level)
	}
}
