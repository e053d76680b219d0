package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"

	"runcore/internal/eventbus"
	"runcore/internal/jobs"
	"runcore/internal/react"
	jsonx "runcore/internal/shared/json"
	"runcore/internal/task"
	"runcore/internal/toolregistry"
)

var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// isTerminal reports whether w is an interactive terminal. Writers that are
// not files count as terminals so captured output stays human-readable.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return true
	}
	return term.IsTerminal(int(f.Fd()))
}

// eventPrinter renders session events for a terminal. Model tokens are
// written inline; everything else gets its own line.
type eventPrinter struct {
	w       io.Writer
	raw     bool
	inToken bool
}

func newEventPrinter(w io.Writer, raw bool) *eventPrinter {
	return &eventPrinter{w: w, raw: raw}
}

func (p *eventPrinter) Print(ev eventbus.Event) {
	if p.raw {
		data, err := jsonx.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintln(p.w, string(data))
		return
	}

	if ev.Type == jobs.EventLLMToken {
		text, _ := ev.Payload["text"].(string)
		fmt.Fprint(p.w, text)
		p.inToken = true
		return
	}
	if p.inToken {
		fmt.Fprintln(p.w)
		p.inToken = false
	}
	if line := formatEvent(ev); line != "" {
		fmt.Fprintln(p.w, line)
	}
}

func formatEvent(ev eventbus.Event) string {
	p := ev.Payload
	str := func(key string) string {
		v, ok := p[key]
		if !ok || v == nil {
			return ""
		}
		if s, ok := v.(string); ok {
			return s
		}
		return jsonx.String(v)
	}

	switch ev.Type {
	case task.EventStarted:
		return blue(fmt.Sprintf("▶ run %s (%s)", str("run_id"), str("kind")))
	case eventbus.TypeDone:
		return green(fmt.Sprintf("✔ done in %sms", str("duration_ms")))
	case eventbus.TypeCancelled:
		line := fmt.Sprintf("■ cancelled after %sms", str("duration_ms"))
		if reason := str("reason"); reason != "" {
			line += " (" + reason + ")"
		}
		return yellow(line)
	case eventbus.TypeError:
		return red("✖ " + str("error"))
	case jobs.EventDemoTick:
		return gray(fmt.Sprintf("tick %s/%s", str("i"), str("of")))
	case jobs.EventToolResult:
		return green(fmt.Sprintf("%s → %s", str("tool"), str("output")))
	case toolregistry.EventToolEnd:
		return gray(fmt.Sprintf("  %s ok (attempt %s, %sms)", str("tool"), str("attempt"), str("duration_ms")))
	case toolregistry.EventToolStart:
		return cyan(fmt.Sprintf("⚙ %s %s", str("tool"), str("args")))
	case toolregistry.EventToolError:
		return yellow(fmt.Sprintf("  %s attempt %s failed: %s", str("tool"), str("attempt"), str("error")))
	case toolregistry.EventToolCancelled:
		return yellow(fmt.Sprintf("  %s cancelled", str("tool")))
	case react.EventStepStart:
		return bold(fmt.Sprintf("step %s", str("step")))
	case react.EventModelRaw:
		return gray("  " + strings.TrimSpace(str("text")))
	case react.EventParseError:
		return red("  parse error: " + str("error"))
	case react.EventObservation:
		if ok, _ := p["ok"].(bool); !ok {
			return yellow("  observation: " + str("error"))
		}
		return gray("  observation: " + str("output"))
	case jobs.EventReactFinal:
		return green(str("final"))
	case jobs.EventLLMDone, react.EventStart, react.EventToolSelected, react.EventDone:
		return ""
	}
	return gray(fmt.Sprintf("%s %s", ev.Type, jsonx.String(ev.Payload)))
}
