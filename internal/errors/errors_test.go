package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelHierarchy(t *testing.T) {
	assert.ErrorIs(t, ErrToolNotFound, ErrNotFound)
	assert.ErrorIs(t, ErrSessionNotFound, ErrNotFound)
	assert.NotErrorIs(t, ErrDuplicateTool, ErrNotFound)
	assert.Equal(t, "tool not found", ErrToolNotFound.Error())
}

func TestIsCancelled(t *testing.T) {
	assert.True(t, IsCancelled(Cancelled("before attempt 2")))
	assert.True(t, IsCancelled(fmt.Errorf("wrapped: %w", context.Canceled)))
	assert.False(t, IsCancelled(context.DeadlineExceeded))
	assert.False(t, IsCancelled(nil))
	assert.Equal(t, "before attempt 2: operation cancelled", Cancelled("before attempt 2").Error())
}

func TestToolErrorUnwrapsCause(t *testing.T) {
	cause := &ToolExecutionError{Tool: "calc", Attempt: 3, Err: ErrTimeout}
	err := &ToolError{Tool: "calc", Attempts: 3, Elapsed: 1500 * time.Millisecond, Err: cause}

	assert.ErrorIs(t, err, ErrTimeout)
	var execErr *ToolExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 3, execErr.Attempt)
	assert.Contains(t, err.Error(), "after 3 attempt(s)")
}

func TestIsTransientClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"explicit transient", &TransientError{Err: errors.New("x")}, true},
		{"explicit permanent", &PermanentError{Err: errors.New("x")}, false},
		{"rate limited", ClassifyHTTPStatus(errors.New("slow down"), http.StatusTooManyRequests), true},
		{"bad request", ClassifyHTTPStatus(errors.New("bad"), http.StatusBadRequest), false},
		{"connection reset", fmt.Errorf("dial: %w", syscall.ECONNRESET), true},
		{"cancelled", &TransientError{Err: context.Canceled}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestRetryWithResultRetriesTransientErrors(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	got, err := RetryWithResult(context.Background(), cfg, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &TransientError{Err: errors.New("flaky")}
		}
		return "ok", nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestRetryWithResultStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := RetryWithResult(context.Background(), RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(context.Context) (int, error) {
		calls++
		return 0, &PermanentError{Err: errors.New("nope"), StatusCode: 401}
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryWithResultHonoursCancellationDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := RetryWithResult(ctx, RetryConfig{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, &TransientError{Err: errors.New("later")}
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestCalculateBackoffIsCapped(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, JitterFactor: 0.25}
	for attempt := 0; attempt < 8; attempt++ {
		d := calculateBackoff(attempt, cfg)
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, cfg.MaxDelay)
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker("llm", CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute}, nil)
	cb.now = func() time.Time { return now }

	fail := func(context.Context) (int, error) { return 0, errors.New("down") }
	ok := func(context.Context) (int, error) { return 1, nil }

	_, _ = ExecuteFunc(cb, context.Background(), fail)
	_, _ = ExecuteFunc(cb, context.Background(), fail)
	assert.Equal(t, StateOpen, cb.State())

	_, err := ExecuteFunc(cb, context.Background(), ok)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsTransient(err))

	now = now.Add(2 * time.Minute)
	got, err := ExecuteFunc(cb, context.Background(), ok)
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker("llm", CircuitBreakerConfig{FailureThreshold: 1}, nil)
	_, _ = ExecuteFunc(cb, context.Background(), func(context.Context) (int, error) { return 0, context.Canceled })
	assert.Equal(t, StateClosed, cb.State())
}
