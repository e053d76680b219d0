package builtin

import (
	"fmt"
	"strings"
	"time"

	"runcore/internal/toolregistry"
)

// NewCalc returns the arithmetic calculator tool. It never retries: a bad
// expression fails the same way every time.
func NewCalc() toolregistry.Spec {
	return toolregistry.Spec{
		Name:        "calc",
		Description: "Evaluate an arithmetic expression with + - * / % ^ and parentheses.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{
					"type":        "string",
					"description": "Expression to evaluate, for example (2+3)*4.",
				},
			},
			"required": []any{"expression"},
		},
		Tool:    toolregistry.SyncFunc(calc),
		Mode:    toolregistry.ModeSync,
		Timeout: 3 * time.Second,
		Retry:   toolregistry.NoRetry(),
	}
}

func calc(args map[string]any) (any, error) {
	raw, _ := args["expression"].(string)
	expression := strings.TrimSpace(raw)
	if expression == "" {
		return nil, fmt.Errorf("expression is required")
	}
	value, err := evalExpression(expression)
	if err != nil {
		return nil, fmt.Errorf("calc %q: %w", expression, err)
	}
	return map[string]any{"expression": expression, "value": value}, nil
}
