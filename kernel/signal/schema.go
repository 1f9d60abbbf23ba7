package signal

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaRegistry validates well-known signal payloads against JSON Schemas at
// dispatch boundaries. Schemas are compiled once at registration; signals
// whose name has no registered schema always validate.
//
// The registry is safe for concurrent use.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry returns an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles the JSON Schema and associates it with the signal name.
// Registering a name twice replaces the prior schema.
func (r *SchemaRegistry) Register(name string, schema []byte) error {
	if name == "" {
		return fmt.Errorf("signal name is required")
	}
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return fmt.Errorf("unmarshal schema for %q: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("add schema resource for %q: %w", name, err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", name, err)
	}
	r.mu.Lock()
	r.schemas[name] = compiled
	r.mu.Unlock()
	return nil
}

// Validate checks the payload of the signal against the schema registered for
// its name. Signals with no registered schema validate trivially. The payload
// is round-tripped through JSON so struct payloads validate the same way their
// wire form does.
func (r *SchemaRegistry) Validate(sig Signal) error {
	r.mu.RLock()
	compiled, ok := r.schemas[sig.Name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	raw, err := json.Marshal(sig.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %q: %w", sig.Name, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal payload for %q: %w", sig.Name, err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("payload for %q: %w", sig.Name, err)
	}
	return nil
}

// Names returns the signal names with a registered schema.
func (r *SchemaRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	return names
}
