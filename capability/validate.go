package capability

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/viable-systems/vsm-mcp-sub004/core"
)

// schemaCache compiles declared tool input schemas on demand and keeps
// them per (server, tool). Entries for a server are dropped when the
// server goes away.
type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) get(serverID, tool string, raw json.RawMessage) (*jsonschema.Schema, error) {
	key := serverID + "/" + tool
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.compiled[key]; ok {
		return s, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema for %s: %w", key, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", key, err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", key, err)
	}
	c.compiled[key] = schema
	return schema, nil
}

func (c *schemaCache) dropServer(serverID string) {
	prefix := serverID + "/"
	c.mu.Lock()
	for key := range c.compiled {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(c.compiled, key)
		}
	}
	c.mu.Unlock()
}

// validate checks invocation arguments against the bound tool's declared
// input schema. A validation failure rejects the call before it reaches
// the wire. Tools that declare no schema, and schemas that fail to
// compile, pass everything through.
func (r *Registry) validate(binding core.CapabilityBinding, args map[string]interface{}) error {
	view, ok := r.source.Server(binding.ServerID)
	if !ok {
		return nil
	}
	var raw json.RawMessage
	for _, t := range view.Tools {
		if t.Name == binding.Tool {
			raw = t.InputSchema
			break
		}
	}
	if len(raw) == 0 {
		return nil
	}

	schema, err := r.schemas.get(binding.ServerID, binding.Tool, raw)
	if err != nil {
		// A server advertising an uncompilable schema is its own problem;
		// the invocation proceeds unvalidated.
		r.logger.Warn("tool schema does not compile, skipping validation", map[string]interface{}{
			"capability": binding.Capability,
			"server_id":  binding.ServerID,
			"error":      err.Error(),
		})
		return nil
	}

	// Round-trip through JSON so numbers and nested values take the shapes
	// the validator expects.
	encoded, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var doc any
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return &core.Error{
			Code:    core.CodeInvalidArgs,
			Op:      "capability.Registry.Invoke",
			ID:      binding.Capability,
			Message: err.Error(),
			Err:     core.ErrInvalidArgs,
		}
	}
	return nil
}
