package builtin

import (
	"context"
	"fmt"
	"math"
	"time"

	"runcore/internal/toolregistry"
)

// maxSleepSeconds is the longest wait a time.Duration can hold.
var maxSleepSeconds = math.Floor(float64(math.MaxInt64) / float64(time.Second))

// NewSleep returns a tool that waits for the requested number of seconds.
// Requests longer than its 5s timeout demonstrate deadline handling.
func NewSleep() toolregistry.Spec {
	return toolregistry.Spec{
		Name:        "sleep",
		Description: "Sleep for N seconds (demo tool for timeouts and cancellation).",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"seconds": map[string]any{"type": "number", "minimum": 0, "maximum": maxSleepSeconds},
			},
			"required": []any{"seconds"},
		},
		Tool:    toolregistry.AsyncFunc(sleep),
		Mode:    toolregistry.ModeAsync,
		Timeout: 5 * time.Second,
		Retry:   toolregistry.NoRetry(),
	}
}

func sleep(ctx context.Context, args map[string]any) (any, error) {
	seconds, ok := number(args["seconds"])
	if !ok {
		seconds = 1
	}
	if !(seconds >= 0 && seconds <= maxSleepSeconds) {
		return nil, fmt.Errorf("seconds must be between 0 and %.0f, got %v", maxSleepSeconds, seconds)
	}

	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return map[string]any{"slept": seconds}, nil
	}
}

// number reads a numeric argument decoded from JSON or passed in from Go.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
