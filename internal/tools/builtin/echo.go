package builtin

import (
	"time"

	"runcore/internal/toolregistry"
)

// NewEcho returns a tool that hands its text argument back unchanged.
func NewEcho() toolregistry.Spec {
	return toolregistry.Spec{
		Name:        "echo",
		Description: "Return the given text unchanged.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []any{"text"},
		},
		Tool: toolregistry.SyncFunc(func(args map[string]any) (any, error) {
			text, _ := args["text"].(string)
			return map[string]any{"text": text}, nil
		}),
		Mode:    toolregistry.ModeSync,
		Timeout: time.Second,
		Retry:   toolregistry.NoRetry(),
	}
}
