package models

import (
	"encoding/json"
	"testing"
)

func TestToolCall_JSONRoundTrip(t *testing.T) {
	original := ToolCall{
		ID:    "call-1",
		Name:  "create_event",
		Input: json.RawMessage(`{"summary":"Meeting"}`),
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var decoded ToolCall
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if decoded.Name != original.Name {
		t.Errorf("Name = %q, want %q", decoded.Name, original.Name)
	}
	if string(decoded.Input) != string(original.Input) {
		t.Errorf("Input = %s, want %s", decoded.Input, original.Input)
	}
}

func TestToolResult_IsError(t *testing.T) {
	result := ToolResult{ToolCallID: "call-1", Content: "event not found", IsError: true}
	if !result.IsError {
		t.Error("expected IsError to be true")
	}
}
