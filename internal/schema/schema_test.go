package schema_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/missionctl/internal/schema"
)

const repoSchema = `{
  "type": "object",
  "required": ["repo"],
  "properties": {
    "repo": {"type": "string", "minLength": 1},
    "depth": {"type": "integer", "minimum": 1}
  }
}`

func TestValidate(t *testing.T) {
	v, err := schema.Compile([]byte(repoSchema))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	tests := []struct {
		name    string
		payload string
		ok      bool
	}{
		{"valid", `{"repo":"missionctl","depth":3}`, true},
		{"missing required", `{"depth":3}`, false},
		{"wrong type", `{"repo":"x","depth":1.5}`, false},
		{"empty payload", ``, false},
		{"not json", `{"repo":`, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(json.RawMessage(tc.payload))
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok {
				var ve *schema.ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("err = %v, want *ValidationError", err)
				}
			}
		})
	}
}

func TestNilValidatorAcceptsAnything(t *testing.T) {
	var v *schema.Validator
	if err := v.Validate(json.RawMessage(`{"anything":true}`)); err != nil {
		t.Fatalf("nil validator rejected payload: %v", err)
	}
}

func TestLoad(t *testing.T) {
	v, err := schema.Load("")
	if err != nil || v != nil {
		t.Fatalf("empty path: v=%v err=%v", v, err)
	}

	path := filepath.Join(t.TempDir(), "payload.json")
	if err := os.WriteFile(path, []byte(repoSchema), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	v, err = schema.Load(path)
	if err != nil || v == nil {
		t.Fatalf("load: v=%v err=%v", v, err)
	}
	if _, err := schema.Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := schema.Compile([]byte(`{"type": 12}`)); err == nil {
		t.Fatal("expected compile error for invalid schema")
	}
}
