package adapter

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var schemaCache sync.Map

// ValidateArgs compiles the adapter-declared JSON-Schema for a tool (if
// any) and validates args against it before the call is dispatched,
// surfacing malformed arguments as a BadArgument-category error rather
// than letting them reach the wire.
func ValidateArgs(toolName string, rawSchema json.RawMessage, args map[string]any) error {
	if len(rawSchema) == 0 {
		return nil
	}

	schema, err := compileSchema(rawSchema)
	if err != nil {
		// A schema we can't compile can't be enforced; let the adapter
		// itself reject bad input rather than failing the call up front.
		return nil
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args for %s: %w", toolName, err)
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode args for %s: %w", toolName, err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadArgument, toolName, err)
	}

	return nil
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
