package toolregistry

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "runcore/internal/errors"
)

func echoSpec(name string) Spec {
	return Spec{
		Name:        name,
		Description: "returns its arguments",
		Tool: SyncFunc(func(args map[string]any) (any, error) {
			return args, nil
		}),
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoSpec("echo")))

	err := reg.Register(echoSpec("echo"))
	require.ErrorIs(t, err, errs.ErrDuplicateTool)
	assert.Equal(t, 1, reg.Len())
}

func TestGetUnknownTool(t *testing.T) {
	_, err := NewRegistry().Get("missing")
	require.ErrorIs(t, err, errs.ErrToolNotFound)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestListIsSortedByName(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(echoSpec("sleep"), echoSpec("calc"), echoSpec("echo"))

	var names []string
	for _, spec := range reg.List() {
		names = append(names, spec.Name)
	}
	assert.Equal(t, []string{"calc", "echo", "sleep"}, names)
}

func TestRegisterAppliesDefaults(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{
		Name: "wait",
		Tool: AsyncFunc(func(context.Context, map[string]any) (any, error) { return nil, nil }),
	}))

	spec, err := reg.Get("wait")
	require.NoError(t, err)
	assert.Equal(t, ModeAsync, spec.Mode)
	assert.Equal(t, DefaultTimeout, spec.Timeout)
}

func TestRegisterRejectsInvalidSpecs(t *testing.T) {
	reg := NewRegistry()

	var verr *errs.ValidationError
	require.ErrorAs(t, reg.Register(Spec{Name: "", Tool: echoSpec("x").Tool}), &verr)
	require.ErrorAs(t, reg.Register(Spec{Name: "nobody"}), &verr)
	require.ErrorAs(t, reg.Register(Spec{Name: "neg", Tool: echoSpec("x").Tool, Retry: RetryPolicy{MaxRetries: -1}}), &verr)
	require.ErrorAs(t, reg.Register(Spec{
		Name:        "badschema",
		Tool:        echoSpec("x").Tool,
		InputSchema: map[string]any{"type": "no-such-type"},
	}), &verr)
	assert.Zero(t, reg.Len())
}

func TestValidateArgsAgainstSchema(t *testing.T) {
	reg := NewRegistry()
	spec := echoSpec("calc")
	spec.InputSchema = map[string]any{
		"type":       "object",
		"properties": map[string]any{"expression": map[string]any{"type": "string"}},
		"required":   []string{"expression"},
	}
	reg.MustRegister(spec)

	assert.NoError(t, reg.ValidateArgs("calc", map[string]any{"expression": "2+2"}))

	var verr *errs.ValidationError
	require.ErrorAs(t, reg.ValidateArgs("calc", map[string]any{"expression": 4}), &verr)
	require.ErrorAs(t, reg.ValidateArgs("calc", nil), &verr)

	props, required := SchemaProperties(spec.InputSchema)
	assert.Equal(t, []string{"expression"}, props)
	assert.Equal(t, []string{"expression"}, required)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, JitterBound: 50 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1, 0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2, 0))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3, 0))
	assert.Equal(t, 300*time.Millisecond, p.Delay(40, 0))
	assert.Equal(t, 125*time.Millisecond, p.Delay(1, 0.5))
}

// TestRetryPolicyDelayProperty checks that with a fixed jitter draw the delays
// never decrease and never exceed max_delay + jitter_bound.
func TestRetryPolicyDelayProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("delays are non-decreasing and bounded", prop.ForAll(
		func(baseMs, maxMs, jitterMs int, u float64) bool {
			p := RetryPolicy{
				BaseDelay:   time.Duration(baseMs) * time.Millisecond,
				MaxDelay:    time.Duration(maxMs) * time.Millisecond,
				JitterBound: time.Duration(jitterMs) * time.Millisecond,
			}
			prev := time.Duration(-1)
			for attempt := 1; attempt <= 12; attempt++ {
				d := p.Delay(attempt, u)
				if d < prev || d > p.MaxDelay+p.JitterBound {
					return false
				}
				prev = d
			}
			return true
		},
		gen.IntRange(0, 1000),
		gen.IntRange(1, 5000),
		gen.IntRange(0, 500),
		gen.Float64Range(0, 0.999),
	))

	properties.TestingRun(t)
}
