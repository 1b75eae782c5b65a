package models

import "time"

// ParamType enumerates the primitive JSON types a tool parameter may take.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamArray   ParamType = "array"
	ParamObject  ParamType = "object"
)

// ToolParam describes one parameter of a tool, flattened from the adapter's
// JSON-Schema into an LLM-friendly shape.
type ToolParam struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
}

// ToolSchema is the LLM-friendly flattened form of a tool an adapter exposes.
type ToolSchema struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Params      []ToolParam `json:"params,omitempty"`
}

// ProviderEntry is one cache line in the ToolRegistry: the tools a given
// provider exposed the last time it was discovered, and when.
type ProviderEntry struct {
	Provider     string       `json:"provider"`
	Tools        []ToolSchema `json:"tools"`
	DiscoveredAt time.Time    `json:"discovered_at"`
}

// Expired reports whether this entry is older than ttl as of now.
func (e ProviderEntry) Expired(now time.Time, ttl time.Duration) bool {
	return e.DiscoveredAt.Add(ttl).Before(now)
}
