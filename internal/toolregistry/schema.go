package toolregistry

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// descriptorJSONSchema constrains the shape of a tool descriptor's
// input_schema field itself is free-form (it's a JSON Schema the caller's
// invocation payload is checked against elsewhere); this schema checks the
// descriptor envelope: required id/name/kind/version/invocation.
const descriptorJSONSchema = `{
  "type": "object",
  "required": ["id", "name", "kind", "version", "invocation"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "kind": {"enum": ["LANGUAGE_MODEL", "EXECUTABLE", "WORKFLOW", "REMOTE_API"]},
    "version": {
      "type": "object",
      "required": ["major", "minor", "patch"],
      "properties": {
        "major": {"type": "integer", "minimum": 0},
        "minor": {"type": "integer", "minimum": 0},
        "patch": {"type": "integer", "minimum": 0}
      }
    },
    "invocation": {"type": "object"}
  }
}`

func compileDescriptorSchema() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(descriptorJSONSchema), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal descriptor schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("descriptor.json", doc); err != nil {
		return nil, fmt.Errorf("add descriptor schema resource: %w", err)
	}
	return c.Compile("descriptor.json")
}

// validateDescriptorEnvelope checks raw (the descriptor decoded to a generic
// map) against the descriptor envelope schema.
func validateDescriptorEnvelope(schema *jsonschema.Schema, raw map[string]any) error {
	return schema.Validate(raw)
}
