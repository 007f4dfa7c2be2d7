package streams

import "fmt"

// Event types carried on the task stream.
const (
	EventDistributionTask = "distribution.task"
	PayloadV1             = "v1"
)

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventDistributionTask,
		Version:   PayloadV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["task_id", "kind", "requested_at"],
  "properties": {
    "task_id": {"type": "string", "minLength": 1},
    "kind": {"type": "string", "enum": ["distribute", "redistribute", "remove_session", "clean_duplicates"]},
    "targets": {"type": "array", "items": {"type": "string"}},
    "phone_number": {"type": "string"},
    "requested_by": {"type": "string"},
    "requested_at": {"type": "string", "format": "date-time"}
  },
  "allOf": [
    {
      "if": {"properties": {"kind": {"const": "remove_session"}}},
      "then": {"required": ["phone_number"], "properties": {"phone_number": {"minLength": 1}}}
    }
  ],
  "additionalProperties": false
}`),
	},
}

// BaseDefinitions returns a copy of the built-in schema definitions.
func BaseDefinitions() []Definition {
	out := make([]Definition, len(baseDefinitions))
	copy(out, baseDefinitions)
	return out
}

// RegisterBaseSchemas registers the built-in task schemas.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s/%s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}
