package toolregistry

import (
	"bytes"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	jsonx "runcore/internal/shared/json"
)

// normalizeForSchema converts Go literals (ints, typed slices, nested structs)
// into the decoded-JSON shape the validator expects. Values that cannot be
// encoded are returned unchanged and fail validation on their own.
func normalizeForSchema(v any) any {
	data, err := jsonx.Marshal(v)
	if err != nil {
		return v
	}
	out, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return v
	}
	return out
}

// SchemaProperties returns the property names and required list of a simple
// object schema, for prompt and catalog rendering.
func SchemaProperties(schema map[string]any) (props []string, required []string) {
	if p, ok := schema["properties"].(map[string]any); ok {
		for name := range p {
			props = append(props, name)
		}
	}
	switch req := schema["required"].(type) {
	case []string:
		required = append(required, req...)
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
	}
	sort.Strings(props)
	return props, required
}
