package tools

import (
	"fmt"
)

// validateArguments checks args against the tool's JSON-schema before any
// dispatch happens. A failure here means the tool never runs.
func validateArguments(info ToolInfo, args map[string]interface{}) error {
	schema := info.InputSchema
	if schema == nil {
		return nil
	}

	properties, _ := schema["properties"].(map[string]interface{})

	if required, ok := schema["required"].([]interface{}); ok {
		for _, item := range required {
			name, ok := item.(string)
			if !ok {
				continue
			}
			if _, present := args[name]; !present {
				return fmt.Errorf("%w: missing required argument %q", ErrInvalidToolArguments, name)
			}
		}
	} else if required, ok := schema["required"].([]string); ok {
		for _, name := range required {
			if _, present := args[name]; !present {
				return fmt.Errorf("%w: missing required argument %q", ErrInvalidToolArguments, name)
			}
		}
	}

	additional := true
	if allow, ok := schema["additionalProperties"].(bool); ok {
		additional = allow
	}

	for name, value := range args {
		propSchema, known := lookupProperty(properties, name)
		if !known {
			if !additional {
				return fmt.Errorf("%w: unknown argument %q", ErrInvalidToolArguments, name)
			}
			continue
		}
		if err := validateValue(name, value, propSchema); err != nil {
			return err
		}
	}

	return nil
}

func lookupProperty(properties map[string]interface{}, name string) (map[string]interface{}, bool) {
	if properties == nil {
		return nil, false
	}
	raw, ok := properties[name]
	if !ok {
		return nil, false
	}
	propSchema, ok := raw.(map[string]interface{})
	return propSchema, ok
}

func validateValue(name string, value interface{}, propSchema map[string]interface{}) error {
	if propSchema == nil {
		return nil
	}

	if typeName, ok := propSchema["type"].(string); ok {
		if !matchesType(value, typeName) {
			return fmt.Errorf("%w: argument %q must be of type %s", ErrInvalidToolArguments, name, typeName)
		}
	}

	if enum, ok := propSchema["enum"].([]interface{}); ok && len(enum) > 0 {
		matched := false
		for _, allowed := range enum {
			if fmt.Sprintf("%v", allowed) == fmt.Sprintf("%v", value) {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("%w: argument %q must be one of %v", ErrInvalidToolArguments, name, enum)
		}
	}

	return nil
}

// matchesType mirrors JSON decoding: numbers arrive as float64, objects as
// maps, arrays as slices.
func matchesType(value interface{}, typeName string) bool {
	if value == nil {
		return typeName == "null"
	}
	switch typeName {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	default:
		return true
	}
}
