// Package schema validates task payloads against an operator-supplied
// JSON Schema before they reach the queue.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator checks payloads against one compiled schema. A nil *Validator
// accepts everything.
type Validator struct {
	schema *jsonschema.Schema
}

// ValidationError describes a payload the schema rejected.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Compile builds a validator from raw schema JSON.
func Compile(raw []byte) (*Validator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("payload.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile("payload.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// Load compiles the schema at path. An empty path yields a nil validator.
func Load(path string) (*Validator, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload schema: %w", err)
	}
	return Compile(raw)
}

// Validate checks payload. An absent payload is validated as JSON null.
func (v *Validator) Validate(payload json.RawMessage) error {
	if v == nil {
		return nil
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("null")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return &ValidationError{Message: fmt.Sprintf("invalid JSON: %s", err)}
	}
	if err := v.schema.Validate(doc); err != nil {
		return &ValidationError{Message: fmt.Sprintf("payload does not match schema: %s", err)}
	}
	return nil
}
