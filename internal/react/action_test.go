package react

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "runcore/internal/errors"
	"runcore/internal/toolregistry"
	"runcore/internal/tools/builtin"
)

func TestExtractObject(t *testing.T) {
	cases := []struct {
		name string
		text string
		want map[string]any
	}{
		{
			name: "bare object",
			text: `{"type":"final","final":"x"}`,
			want: map[string]any{"type": "final", "final": "x"},
		},
		{
			name: "surrounding prose",
			text: "Sure! Here you go:\n{\"type\":\"final\",\"final\":\"x\"}\nHope that helps.",
			want: map[string]any{"type": "final", "final": "x"},
		},
		{
			name: "markdown fence",
			text: "```json\n{\"type\":\"tool\",\"tool_name\":\"calc\",\"args\":{\"expression\":\"1+1\"}}\n```",
			want: map[string]any{"type": "tool", "tool_name": "calc", "args": map[string]any{"expression": "1+1"}},
		},
		{
			name: "braces inside strings",
			text: `{"type":"final","final":"use {curly} braces like }{"}`,
			want: map[string]any{"type": "final", "final": "use {curly} braces like }{"},
		},
		{
			name: "escaped quote inside string",
			text: `{"type":"final","final":"she said \"{hi}\""} trailing {"type":"final","final":"second"}`,
			want: map[string]any{"type": "final", "final": `she said "{hi}"`},
		},
		{
			name: "first of two objects",
			text: `{"type":"final","final":"one"} {"type":"final","final":"two"}`,
			want: map[string]any{"type": "final", "final": "one"},
		},
		{
			name: "valid object nested in invalid outer span",
			text: `{thinking: {"type":"final","final":"inner"} }`,
			want: map[string]any{"type": "final", "final": "inner"},
		},
		{
			name: "unbalanced prefix before a valid object",
			text: `{ oops {"type":"final","final":"ok"}`,
			want: map[string]any{"type": "final", "final": "ok"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractObject(tc.text, false)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExtractObjectFailures(t *testing.T) {
	for name, text := range map[string]string{
		"no braces":      "the answer is 4",
		"unbalanced":     `{"type":"final","final":"x"`,
		"not json":       "{type: final}",
		"array not obj":  `[{"type"`,
		"empty":          "",
		"only a closing": "}",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ExtractObject(text, false)
			var parseErr *errs.ParseError
			require.ErrorAs(t, err, &parseErr)
		})
	}
}

func TestExtractObjectSkipsUnmatchedBraces(t *testing.T) {
	got, err := ExtractObject(`thinking { about it {"type":"final","final":"ok"}`, false)
	require.NoError(t, err)
	assert.Equal(t, "ok", got["final"])
}

func TestExtractObjectBoundsWorkOnUnmatchedBraces(t *testing.T) {
	text := strings.Repeat("{", 200_000) + `{"type":"final","final":"ok"}`
	done := make(chan error, 1)
	go func() {
		_, err := ExtractObject(text, false)
		done <- err
	}()
	select {
	case err := <-done:
		var parseErr *errs.ParseError
		require.ErrorAs(t, err, &parseErr)
	case <-time.After(5 * time.Second):
		t.Fatal("extraction did not finish on a long run of unmatched braces")
	}
}

func TestExtractObjectLenientRepair(t *testing.T) {
	got, err := ExtractObject(`Action: {"type":"final","final":"cut off`, true)
	require.NoError(t, err)
	assert.Equal(t, "cut off", got["final"])

	got, err = ExtractObject(`{'type': 'final', 'final': 'single quotes',}`, true)
	require.NoError(t, err)
	assert.Equal(t, "single quotes", got["final"])
}

func TestParseErrorSnippetIsBounded(t *testing.T) {
	_, err := ExtractObject(strings.Repeat("é", 500), false)
	var parseErr *errs.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.LessOrEqual(t, len(parseErr.Snippet), snippetLimit+3)
	assert.True(t, strings.HasSuffix(parseErr.Snippet, "..."))
}

func TestParseAction(t *testing.T) {
	action, err := ParseAction(`{"type":"tool","tool_name":"calc"}`, false)
	require.NoError(t, err)
	assert.Equal(t, ActionTool, action.Type)
	assert.Equal(t, "calc", action.ToolName)
	assert.Equal(t, map[string]any{}, action.Args, "missing args default to an empty object")

	action, err = ParseAction(`{"type":"final","final":""}`, false)
	require.NoError(t, err)
	assert.Equal(t, ActionFinal, action.Type)
	assert.Empty(t, action.Final)

	_, err = ParseAction(`{"type":"tool","tool_name":"  "}`, false)
	var validation *errs.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "tool_name", validation.Field)

	_, err = ParseAction(`{"type":"tool","tool_name":"calc","args":null}`, false)
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "args", validation.Field)
	assert.Contains(t, validation.Error(), "null")

	_, err = ParseAction(`{"final":"no type"}`, false)
	var unknown *errs.UnknownActionError
	require.ErrorAs(t, err, &unknown)
	assert.Empty(t, unknown.Type)
}

func TestBuildSystemPrompt(t *testing.T) {
	calc := builtin.NewCalc()
	sleep := builtin.NewSleep()
	sleep.Timeout = 1500 * time.Millisecond
	prompt := BuildSystemPrompt([]toolregistry.Spec{calc, sleep}, "  Reply in Spanish.  ")

	assert.Contains(t, prompt, `{"type":"tool","tool_name":"<tool>","args":{...}}`)
	assert.Contains(t, prompt, `{"type":"final","final":"<your answer>"}`)
	assert.Contains(t, prompt, "- calc: "+calc.Description)
	assert.Contains(t, prompt, "args.properties=[expression], required=[expression], timeout=3s, max_retries=0")
	assert.Contains(t, prompt, "- sleep: ")
	assert.Contains(t, prompt, "timeout=1.5s")
	assert.True(t, strings.HasSuffix(prompt, "Reply in Spanish.\n"))

	assert.Contains(t, BuildSystemPrompt(nil, ""), "(none)")
}
