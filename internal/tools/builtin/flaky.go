package builtin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"runcore/internal/observability"
	"runcore/internal/toolregistry"
)

// DefaultFlakyFailures is how many calls per key fail before flaky succeeds.
const DefaultFlakyFailures = 2

// flaky fails the first N calls for each key, then succeeds. The key is the
// "key" argument, or the session carried by ctx.
type flaky struct {
	failures int

	mu    sync.Mutex
	calls map[string]int
}

// NewFlaky returns a tool that fails failures times per key before succeeding.
// Its retry policy allows enough attempts to recover from the default count.
func NewFlaky(failures int) toolregistry.Spec {
	if failures < 0 {
		failures = 0
	}
	return toolregistry.Spec{
		Name:        "flaky",
		Description: fmt.Sprintf("Fails the first %d calls per session, then succeeds (demo tool for retries).", failures),
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key":      map[string]any{"type": "string"},
				"failures": map[string]any{"type": "integer", "minimum": 0},
			},
		},
		Tool:    &flaky{failures: failures, calls: make(map[string]int)},
		Mode:    toolregistry.ModeSync,
		Timeout: 2 * time.Second,
		Retry: toolregistry.RetryPolicy{
			MaxRetries:  3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    time.Second,
			JitterBound: 50 * time.Millisecond,
		},
	}
}

func (f *flaky) Invoke(ctx context.Context, args map[string]any) (any, error) {
	key, _ := args["key"].(string)
	if key == "" {
		key = observability.SessionIDFromContext(ctx)
	}
	failures := f.failures
	if n, ok := number(args["failures"]); ok && n >= 0 {
		failures = int(n)
	}

	f.mu.Lock()
	f.calls[key]++
	call := f.calls[key]
	f.mu.Unlock()

	if call <= failures {
		return nil, fmt.Errorf("flaky: call %d of %d failed on purpose", call, failures)
	}
	return map[string]any{"key": key, "calls": call}, nil
}
