package models

import (
	"testing"
	"time"
)

func TestProviderEntry_Expired(t *testing.T) {
	now := time.Now()
	entry := ProviderEntry{DiscoveredAt: now.Add(-10 * time.Minute)}

	if !entry.Expired(now, 5*time.Minute) {
		t.Error("expected entry discovered 10m ago to be expired with a 5m ttl")
	}
	if entry.Expired(now, 30*time.Minute) {
		t.Error("did not expect entry to be expired with a 30m ttl")
	}
}

func TestToolSchema_ParamsOptional(t *testing.T) {
	schema := ToolSchema{Name: "ping"}
	if schema.Params != nil {
		t.Errorf("expected nil Params, got %v", schema.Params)
	}
}
