package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// reflectSchema derives the JSON-schema object for a tool's argument struct.
// The struct's json and jsonschema tags drive property names, descriptions,
// and the required list.
func reflectSchema(v interface{}) map[string]interface{} {
	reflector := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)

	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]interface{}{"type": "object"}
	}

	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{"type": "object"}
	}

	delete(out, "$schema")
	delete(out, "$id")
	return out
}
