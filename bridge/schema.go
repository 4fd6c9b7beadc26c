package bridge

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/petal-labs/toolbridge/bridge/mcp"
)

// ToolSchema describes one operation a provider exposes.
type ToolSchema struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Parameters  []ParameterField `json:"parameters,omitempty"`
	// InputSchema is the provider's JSON schema, kept verbatim.
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ParameterField is the structural description of one accepted parameter.
type ParameterField struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// RequiredParameters returns the names of required parameters.
func (s ToolSchema) RequiredParameters() []string {
	var out []string
	for _, field := range s.Parameters {
		if field.Required {
			out = append(out, field.Name)
		}
	}
	return out
}

func (s ToolSchema) clone() ToolSchema {
	out := s
	out.Parameters = slices.Clone(s.Parameters)
	out.InputSchema = maps.Clone(s.InputSchema)
	return out
}

func cloneSchemas(in []ToolSchema) []ToolSchema {
	if in == nil {
		return nil
	}
	out := make([]ToolSchema, len(in))
	for i, schema := range in {
		out[i] = schema.clone()
	}
	return out
}

// schemaFromMCP converts a discovered MCP tool. Tools without a name or with
// a non-object input schema are rejected.
func schemaFromMCP(tool mcp.Tool) (ToolSchema, error) {
	name := strings.TrimSpace(tool.Name)
	if name == "" {
		return ToolSchema{}, fmt.Errorf("tool without a name")
	}
	if typ, ok := tool.InputSchema["type"]; ok {
		if s, _ := typ.(string); s != "" && s != "object" {
			return ToolSchema{}, fmt.Errorf("tool %q: input schema type %q is not object", name, s)
		}
	}
	return ToolSchema{
		Name:        name,
		Description: strings.TrimSpace(tool.Description),
		Parameters:  parameterFields(tool.InputSchema),
		InputSchema: maps.Clone(tool.InputSchema),
	}, nil
}

func parameterFields(schema map[string]any) []ParameterField {
	if len(schema) == 0 {
		return nil
	}

	requiredSet := make(map[string]struct{})
	if requiredRaw, ok := schema["required"].([]any); ok {
		for _, item := range requiredRaw {
			if field, ok := item.(string); ok {
				requiredSet[field] = struct{}{}
			}
		}
	}

	propertiesRaw, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}

	keys := make([]string, 0, len(propertiesRaw))
	for key := range propertiesRaw {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	fields := make([]ParameterField, 0, len(keys))
	for _, key := range keys {
		fieldSchema, _ := propertiesRaw[key].(map[string]any)
		_, required := requiredSet[key]
		description, _ := fieldSchema["description"].(string)
		fields = append(fields, ParameterField{
			Name:        key,
			Type:        jsonSchemaType(fieldSchema),
			Description: strings.TrimSpace(description),
			Required:    required,
		})
	}
	return fields
}

func jsonSchemaType(schema map[string]any) string {
	switch typed := schema["type"].(type) {
	case string:
		if typed != "" {
			return typed
		}
	case []any:
		// Nullable unions such as ["string","null"] collapse to the first concrete type.
		for _, item := range typed {
			if s, ok := item.(string); ok && s != "null" {
				return s
			}
		}
	}
	return "any"
}
