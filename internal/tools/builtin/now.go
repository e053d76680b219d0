package builtin

import (
	"time"

	"runcore/internal/toolregistry"
)

// NewNow returns a tool reporting the current time.
func NewNow(clock func() time.Time) toolregistry.Spec {
	if clock == nil {
		clock = time.Now
	}
	return toolregistry.Spec{
		Name:        "now",
		Description: "Get the current unix timestamp and UTC time.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Tool: toolregistry.SyncFunc(func(map[string]any) (any, error) {
			t := clock()
			return map[string]any{
				"unix": float64(t.UnixNano()) / float64(time.Second),
				"utc":  t.UTC().Format(time.RFC3339Nano),
			}, nil
		}),
		Mode:    toolregistry.ModeSync,
		Timeout: 2 * time.Second,
		Retry:   toolregistry.NoRetry(),
	}
}
