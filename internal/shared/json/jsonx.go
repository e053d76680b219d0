package jsonx

import (
	"errors"

	"github.com/goccy/go-json"
)

// Event payloads, SSE frames and action decoding all go through these so the
// JSON implementation can be swapped in one place.
var (
	Marshal       = json.Marshal
	MarshalIndent = json.MarshalIndent
	Unmarshal     = json.Unmarshal
	NewDecoder    = json.NewDecoder
	NewEncoder    = json.NewEncoder
	Valid         = json.Valid
)

type RawMessage = json.RawMessage

var errNotObject = errors.New("json value is not an object")

// DecodeObject decodes data as a single JSON object. Arrays, scalars and
// trailing content are rejected.
func DecodeObject(data []byte) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errNotObject
	}
	return obj, nil
}

// String renders v as compact JSON, falling back to "null" on encode failure.
// It is meant for log lines and transcript text, not wire formats.
func String(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}
