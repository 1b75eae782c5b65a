// Package adapter defines the uniform contract every provider adapter
// must satisfy, plus the schema-flattening helper shared by the local and
// remote variants.
package adapter

import (
	"context"
	"encoding/json"

	"github.com/corvynix/voxctl/pkg/models"
)

// Adapter is the polymorphic capability set every provider client must
// implement, regardless of whether it runs in-process (local) or talks
// JSON-RPC over HTTP+SSE (remote). Avoid inheritance: each variant is a
// separate concrete type holding only what it needs.
type Adapter interface {
	// DiscoverTools is idempotent and stable for the lifetime of a handle.
	DiscoverTools(ctx context.Context) ([]models.ToolSchema, error)

	// CallTool is at-most-once relative to the caller. args must be
	// JSON-compatible. The returned value is normalized: if the adapter
	// wraps results as {success, data}, the caller receives data.
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)

	// Ping is a cheap liveness check, target latency <= 200ms. Adapters
	// that cannot implement it cheaply should return ErrPingUnsupported
	// so the caller falls back to DiscoverTools.
	Ping(ctx context.Context) error

	// Close releases any session, file handles, or sockets.
	Close() error
}

// ErrPingUnsupported signals that an adapter has no native liveness probe
// and callers should fall back to DiscoverTools, caching its result.
var ErrPingUnsupported = &pingUnsupportedError{}

type pingUnsupportedError struct{}

func (*pingUnsupportedError) Error() string { return "adapter: ping not supported" }

// rawToolSchema is the richer per-tool JSON-Schema shape an adapter
// exposes over the wire, mirroring the MCP "tools/list" result shape.
type rawToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type jsonSchemaObject struct {
	Type       string                     `json:"type"`
	Properties map[string]jsonSchemaField `json:"properties"`
	Required   []string                   `json:"required"`
}

type jsonSchemaField struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// FlattenSchema projects an adapter's richer JSON-Schema tool declarations
// into the LLM-friendly models.ToolSchema shape the Planner consumes.
func FlattenSchema(raw json.RawMessage) ([]models.ToolSchema, error) {
	var tools []rawToolSchema
	if err := json.Unmarshal(raw, &tools); err != nil {
		return nil, err
	}

	out := make([]models.ToolSchema, 0, len(tools))
	for _, t := range tools {
		schema := models.ToolSchema{Name: t.Name, Description: t.Description}

		if len(t.InputSchema) > 0 {
			var obj jsonSchemaObject
			if err := json.Unmarshal(t.InputSchema, &obj); err == nil {
				required := make(map[string]bool, len(obj.Required))
				for _, r := range obj.Required {
					required[r] = true
				}
				for name, field := range obj.Properties {
					schema.Params = append(schema.Params, models.ToolParam{
						Name:        name,
						Type:        models.ParamType(field.Type),
						Required:    required[name],
						Description: field.Description,
					})
				}
			}
		}

		out = append(out, schema)
	}

	return out, nil
}
