package toolregistry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Mode tells the runner how a tool body is executed.
type Mode string

const (
	// ModeSync bodies block and run on the bounded worker pool.
	ModeSync Mode = "sync"
	// ModeAsync bodies honour ctx and run directly under the attempt deadline.
	ModeAsync Mode = "async"
)

// Invoker is the uniform invocation contract every tool body satisfies.
type Invoker interface {
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// SyncFunc adapts a blocking function that has no use for a context.
type SyncFunc func(args map[string]any) (any, error)

// Invoke calls f.
func (f SyncFunc) Invoke(_ context.Context, args map[string]any) (any, error) {
	return f(args)
}

// AsyncFunc adapts a function that watches ctx for its deadline.
type AsyncFunc func(ctx context.Context, args map[string]any) (any, error)

// Invoke calls f.
func (f AsyncFunc) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

// RetryPolicy bounds how often and how patiently a failing tool is retried.
type RetryPolicy struct {
	MaxRetries  int           `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay" mapstructure:"max_delay"`
	JitterBound time.Duration `json:"jitter_bound" yaml:"jitter_bound" mapstructure:"jitter_bound"`
}

// DefaultRetryPolicy returns two retries starting at 400ms, capped at 3s,
// with up to 200ms of jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  2,
		BaseDelay:   400 * time.Millisecond,
		MaxDelay:    3 * time.Second,
		JitterBound: 200 * time.Millisecond,
	}
}

// NoRetry fails on the first error.
func NoRetry() RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxRetries = 0
	return p
}

// Validate rejects negative values.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return fmt.Errorf("max_retries must be >= 0, got %d", p.MaxRetries)
	case p.BaseDelay < 0, p.MaxDelay < 0, p.JitterBound < 0:
		return fmt.Errorf("retry delays must be >= 0")
	}
	return nil
}

// Delay returns the wait before the attempt that follows failed attempt n
// (n starts at 1): min(base*2^(n-1), max) + jitter*u, with u in [0, 1).
// A zero MaxDelay leaves the exponential term uncapped.
func (p RetryPolicy) Delay(attempt int, u float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt && delay > 0 && delay < math.MaxInt64/2; i++ {
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if u < 0 {
		u = 0
	}
	if u >= 1 {
		u = 0.999999
	}
	return delay + time.Duration(float64(p.JitterBound)*u)
}

// DefaultTimeout applies to specs registered without one.
const DefaultTimeout = 10 * time.Second

// Spec describes a registered tool. It is immutable once registered.
type Spec struct {
	Name        string
	Description string
	InputSchema map[string]any
	Tool        Invoker
	Mode        Mode
	Timeout     time.Duration
	Retry       RetryPolicy
}

func (s Spec) normalized() (Spec, error) {
	if s.Name == "" {
		return s, fmt.Errorf("tool name must not be empty")
	}
	if s.Tool == nil {
		return s, fmt.Errorf("tool %s has no implementation", s.Name)
	}
	if s.Mode == "" {
		if _, ok := s.Tool.(AsyncFunc); ok {
			s.Mode = ModeAsync
		} else {
			s.Mode = ModeSync
		}
	}
	if s.Mode != ModeSync && s.Mode != ModeAsync {
		return s, fmt.Errorf("tool %s has unknown mode %q", s.Name, s.Mode)
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if err := s.Retry.Validate(); err != nil {
		return s, fmt.Errorf("tool %s: %w", s.Name, err)
	}
	return s, nil
}
