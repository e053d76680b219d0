package react

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kaptinlin/jsonrepair"

	errs "runcore/internal/errors"
	jsonx "runcore/internal/shared/json"
)

// ActionType tags the decoded model action.
type ActionType string

const (
	ActionTool  ActionType = "tool"
	ActionFinal ActionType = "final"
)

// Action is either a tool call (ToolName, Args) or a final answer (Final).
type Action struct {
	Type     ActionType
	ToolName string
	Args     map[string]any
	Final    string
}

const (
	snippetLimit = 200
	// maxCandidates bounds how many '{' positions are tried, balanced or not,
	// so scanning stays linear in the length of the model output.
	maxCandidates = 64
)

var (
	errNoObject   = errors.New("no JSON object found in model output")
	errUnbalanced = errors.New("unbalanced JSON object in model output")
)

// ParseAction extracts the first JSON object embedded in text and decodes it
// into an Action. With lenient set, a malformed object is passed through
// jsonrepair before giving up.
func ParseAction(text string, lenient bool) (Action, error) {
	obj, err := ExtractObject(text, lenient)
	if err != nil {
		return Action{}, err
	}
	return decodeAction(obj)
}

// ExtractObject returns the first balanced {...} span of text that decodes to
// a JSON object. Braces inside JSON strings are ignored while matching, and
// spans nested in an undecodable outer span are tried in order of position.
func ExtractObject(text string, lenient bool) (map[string]any, error) {
	first := strings.IndexByte(text, '{')
	if first < 0 {
		return nil, &errs.ParseError{Snippet: snippet(text), Err: errNoObject}
	}

	lastErr := errUnbalanced
	firstSpan := ""
	tried := 0
	for start := first; start >= 0 && tried < maxCandidates; {
		tried++
		if end, ok := matchBrace(text, start); ok {
			candidate := text[start : end+1]
			if firstSpan == "" {
				firstSpan = candidate
			}
			obj, err := jsonx.DecodeObject([]byte(candidate))
			if err == nil {
				return obj, nil
			}
			lastErr = err
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}

	if lenient {
		// an unbalanced tail is what truncated model output looks like
		source := firstSpan
		if source == "" {
			source = text[first:]
		}
		if obj, err := repairObject(source); err == nil {
			return obj, nil
		}
	}
	return nil, &errs.ParseError{Snippet: snippet(text), Err: lastErr}
}

func repairObject(src string) (map[string]any, error) {
	repaired, err := jsonrepair.JSONRepair(src)
	if err != nil {
		return nil, err
	}
	return jsonx.DecodeObject([]byte(repaired))
}

// matchBrace returns the index of the brace closing the one at start.
func matchBrace(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func decodeAction(obj map[string]any) (Action, error) {
	rawType, _ := obj["type"].(string)
	switch ActionType(rawType) {
	case ActionTool:
		name, ok := obj["tool_name"].(string)
		if !ok || strings.TrimSpace(name) == "" {
			return Action{}, errs.NewValidationError("tool_name", fmt.Sprintf("must be a non-empty string, got %s", describe(obj["tool_name"])))
		}
		args := map[string]any{}
		if raw, present := obj["args"]; present {
			m, ok := raw.(map[string]any)
			if !ok {
				return Action{}, errs.NewValidationError("args", fmt.Sprintf("must be an object, got %s", describe(raw)))
			}
			args = m
		}
		return Action{Type: ActionTool, ToolName: name, Args: args}, nil
	case ActionFinal:
		final, ok := obj["final"].(string)
		if !ok {
			return Action{}, errs.NewValidationError("final", fmt.Sprintf("must be a string, got %s", describe(obj["final"])))
		}
		return Action{Type: ActionFinal, Final: final}, nil
	default:
		if rawType == "" && obj["type"] != nil {
			rawType = fmt.Sprint(obj["type"])
		}
		return Action{}, &errs.UnknownActionError{Type: rawType}
	}
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func snippet(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= snippetLimit {
		return text
	}
	cut := snippetLimit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
