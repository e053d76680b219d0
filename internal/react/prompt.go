package react

import (
	"fmt"
	"strconv"
	"strings"

	"runcore/internal/toolregistry"
)

const protocolPrompt = `You are an agent that can use tools. Reply with exactly one JSON object and nothing else.
When you need a tool, reply:
{"type":"tool","tool_name":"<tool>","args":{...}}
When you have the final answer, reply:
{"type":"final","final":"<your answer>"}
Rules:
1) Only choose tool_name from the tool list below.
2) args must match the tool's arguments.
3) Tool results come back as a user message starting with "Observation:".
4) Do not explain your reasoning and do not use markdown. Output JSON only.`

// BuildSystemPrompt describes the action protocol and every registered tool.
// A non-empty userSystem is appended as additional instructions.
func BuildSystemPrompt(specs []toolregistry.Spec, userSystem string) string {
	var sb strings.Builder
	sb.WriteString(protocolPrompt)
	sb.WriteString("\n\nAvailable tools:\n")
	if len(specs) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, spec := range specs {
		props, required := toolregistry.SchemaProperties(spec.InputSchema)
		fmt.Fprintf(&sb, "- %s: %s\n", spec.Name, spec.Description)
		fmt.Fprintf(&sb, "  args.properties=%s, required=%s, timeout=%ss, max_retries=%d\n",
			list(props), list(required),
			strconv.FormatFloat(spec.Timeout.Seconds(), 'f', -1, 64),
			spec.Retry.MaxRetries)
	}
	if extra := strings.TrimSpace(userSystem); extra != "" {
		sb.WriteString("\nAdditional instructions from the user:\n")
		sb.WriteString(extra)
		sb.WriteString("\n")
	}
	return sb.String()
}

func list(items []string) string {
	return "[" + strings.Join(items, ", ") + "]"
}
