package tools

// Schema helpers for building JSON Schema definitions of the structured
// decisions the oracle returns.

// Schema is a JSON Schema document.
type Schema = map[string]any

// Definition describes one structured decision: a name, what it is for, and
// the schema its arguments must satisfy.
type Definition struct {
	Name        string
	Description string
	InputSchema Schema
}

// Properties returns the schema's properties map, or nil.
func (d Definition) Properties() map[string]any {
	props, _ := d.InputSchema["properties"].(map[string]any)
	return props
}

// Required returns the schema's required property names.
func (d Definition) Required() []string {
	required, _ := d.InputSchema["required"].([]string)
	return required
}

// ObjectSchema creates an object schema with the given properties.
func ObjectSchema(properties map[string]any, required ...string) Schema {
	schema := Schema{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// StringProperty creates a string property.
func StringProperty(description string) Schema {
	return Schema{
		"type":        "string",
		"description": description,
	}
}

// StringEnumProperty creates a string property with allowed values.
func StringEnumProperty(description string, values ...string) Schema {
	return Schema{
		"type":        "string",
		"description": description,
		"enum":        values,
	}
}

// BooleanProperty creates a boolean property.
func BooleanProperty(description string) Schema {
	return Schema{
		"type":        "boolean",
		"description": description,
	}
}

// ArrayProperty creates an array property with the given item type.
func ArrayProperty(description string, itemType Schema) Schema {
	return Schema{
		"type":        "array",
		"description": description,
		"items":       itemType,
	}
}

// WithReasoning adds a reasoning property to a copy of schema.
// If required is true, "reasoning" is appended to the required list.
func WithReasoning(schema Schema, required bool) Schema {
	result := make(Schema, len(schema))
	for k, v := range schema {
		result[k] = v
	}

	props := make(map[string]any)
	if existing, ok := result["properties"].(map[string]any); ok {
		for k, v := range existing {
			props[k] = v
		}
	}
	props["reasoning"] = StringProperty("A short explanation of the decision. Not shown to the user.")
	result["properties"] = props

	if required {
		existing, _ := result["required"].([]string)
		names := append([]string(nil), existing...)
		result["required"] = append(names, "reasoning")
	}
	return result
}

// BuildSchemaWithReasoning creates an ObjectSchema and adds the reasoning
// property in one call.
func BuildSchemaWithReasoning(properties map[string]any, requireReasoning bool, required ...string) Schema {
	return WithReasoning(ObjectSchema(properties, required...), requireReasoning)
}
