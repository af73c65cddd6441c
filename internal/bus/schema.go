package bus

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	apperrors "pollenisator/pkg/errors"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator checks inbound event payloads against the JSON schema named
// after the event. Events without a schema pass.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the embedded event schemas.
func NewValidator() (*Validator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("failed to list event schemas: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	v := &Validator{schemas: make(map[string]*jsonschema.Schema)}
	for _, e := range entries {
		name := e.Name()
		data, err := schemaFS.ReadFile(path.Join("schemas", name))
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to add schema resource %s: %w", name, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
		}
		v.schemas[strings.TrimSuffix(name, ".json")] = schema
	}
	return v, nil
}

// Validate reports a ValidationError when data does not fit the schema of
// event.
func (v *Validator) Validate(event string, data json.RawMessage) error {
	v.mu.RLock()
	schema, ok := v.schemas[event]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	var doc any
	if len(data) == 0 {
		return apperrors.NewValidationError(event, "", "missing payload")
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return apperrors.NewValidationError(event, string(data), "payload is not JSON")
	}
	if err := schema.Validate(doc); err != nil {
		return apperrors.NewValidationError(event, string(data), err.Error())
	}
	return nil
}

// Events lists the events that carry a schema.
func (v *Validator) Events() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.schemas))
	for name := range v.schemas {
		out = append(out, name)
	}
	return out
}
