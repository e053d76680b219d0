package observability

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	jsonx "runcore/internal/shared/json"
)

// DefaultTraceFile is where the file exporter writes when no path is configured.
const DefaultTraceFile = "logs/traces.jsonl"

// SpanRecord is one finished span as written by the file exporter, one JSON
// object per line.
type SpanRecord struct {
	Name         string         `json:"name"`
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	StartTimeNS  int64          `json:"start_time_ns"`
	EndTimeNS    int64          `json:"end_time_ns"`
	Status       string         `json:"status"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// Duration returns the span's wall time, or zero for malformed records.
func (r SpanRecord) Duration() time.Duration {
	if r.EndTimeNS < r.StartTimeNS || r.StartTimeNS == 0 {
		return 0
	}
	return time.Duration(r.EndTimeNS - r.StartTimeNS)
}

// FileSpanExporter appends finished spans to a JSONL file. Stream spans are
// skipped: they live as long as a client stays connected and drown the runs
// they observe.
type FileSpanExporter struct {
	path string

	mu   sync.Mutex
	file *os.File
}

var _ sdktrace.SpanExporter = (*FileSpanExporter)(nil)

// NewFileSpanExporter creates the parent directory of path and returns an
// exporter that opens the file on first export.
func NewFileSpanExporter(path string) (*FileSpanExporter, error) {
	if path == "" {
		path = DefaultTraceFile
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return &FileSpanExporter{path: path}, nil
}

// ExportSpans writes one line per span.
func (e *FileSpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		f, err := os.OpenFile(e.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		e.file = f
	}

	w := bufio.NewWriter(e.file)
	for _, span := range spans {
		if err := ctx.Err(); err != nil {
			return err
		}
		if name := span.Name(); name == SpanSSEStream || name == SpanWSStream {
			continue
		}
		line, err := jsonx.Marshal(recordOf(span))
		if err != nil {
			return fmt.Errorf("encode span %s: %w", span.Name(), err)
		}
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	return w.Flush()
}

// Shutdown closes the file.
func (e *FileSpanExporter) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return nil
	}
	err := e.file.Close()
	e.file = nil
	return err
}

func recordOf(span sdktrace.ReadOnlySpan) SpanRecord {
	sc := span.SpanContext()
	rec := SpanRecord{
		Name:        span.Name(),
		TraceID:     sc.TraceID().String(),
		SpanID:      sc.SpanID().String(),
		StartTimeNS: span.StartTime().UnixNano(),
		EndTimeNS:   span.EndTime().UnixNano(),
		Status:      span.Status().Code.String(),
	}
	if parent := span.Parent(); parent.IsValid() {
		rec.ParentSpanID = parent.SpanID().String()
	}
	if attrs := span.Attributes(); len(attrs) > 0 {
		rec.Attributes = make(map[string]any, len(attrs))
		for _, kv := range attrs {
			rec.Attributes[string(kv.Key)] = kv.Value.AsInterface()
		}
	}
	return rec
}

// ReadSpans decodes the JSONL stream r, keeping spans of traceID (all spans
// when traceID is empty). Lines that do not decode are skipped.
func ReadSpans(r io.Reader, traceID string) ([]SpanRecord, error) {
	var out []SpanRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec SpanRecord
		if err := jsonx.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if traceID != "" && rec.TraceID != traceID {
			continue
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}

// SpanNode is a span with its children ordered by start time.
type SpanNode struct {
	Span     SpanRecord
	Children []*SpanNode
}

// BuildSpanTree links spans to their parents. Spans whose parent is absent
// become roots.
func BuildSpanTree(spans []SpanRecord) []*SpanNode {
	nodes := make(map[string]*SpanNode, len(spans))
	for _, span := range spans {
		if span.SpanID != "" {
			nodes[span.SpanID] = &SpanNode{Span: span}
		}
	}

	var roots []*SpanNode
	for _, span := range spans {
		node, ok := nodes[span.SpanID]
		if !ok {
			node = &SpanNode{Span: span}
		}
		if parent, ok := nodes[span.ParentSpanID]; ok && span.ParentSpanID != "" && parent != node {
			parent.Children = append(parent.Children, node)
			continue
		}
		roots = append(roots, node)
	}

	sortNodes(roots)
	for _, node := range nodes {
		sortNodes(node.Children)
	}
	return roots
}

func sortNodes(nodes []*SpanNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i].Span, nodes[j].Span
		if a.StartTimeNS != b.StartTimeNS {
			return a.StartTimeNS < b.StartTimeNS
		}
		return a.EndTimeNS < b.EndTimeNS
	})
}

// Label renders a short description of the span: step numbers for react
// steps, the tool name for tool spans, the kind for runs.
func (n *SpanNode) Label() string {
	span := n.Span
	switch span.Name {
	case SpanReactStep:
		if step, ok := span.Attributes[AttrStep]; ok {
			return fmt.Sprintf("%s#%v", span.Name, step)
		}
	case SpanToolExecute:
		if tool, ok := span.Attributes[AttrToolName]; ok {
			return fmt.Sprintf("%s %v", span.Name, tool)
		}
	case SpanRun:
		if kind, ok := span.Attributes[AttrRunKind]; ok {
			return fmt.Sprintf("%s (%v)", span.Name, kind)
		}
	}
	return span.Name
}

// WriteSpanTree prints roots as an indented tree with durations in
// milliseconds. showIDs appends span and parent ids.
func WriteSpanTree(w io.Writer, roots []*SpanNode, showIDs bool) error {
	var walk func(node *SpanNode, indent string) error
	walk = func(node *SpanNode, indent string) error {
		line := fmt.Sprintf("%s- %s (%.1f ms)", indent, node.Label(), float64(node.Span.Duration())/float64(time.Millisecond))
		if strings.EqualFold(node.Span.Status, "error") {
			line += " [ERROR]"
		}
		if showIDs {
			line += fmt.Sprintf("  (span=%s, parent=%s)", node.Span.SpanID, node.Span.ParentSpanID)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
		for _, child := range node.Children {
			if err := walk(child, indent+"  "); err != nil {
				return err
			}
		}
		return nil
	}
	for _, root := range roots {
		if err := walk(root, ""); err != nil {
			return err
		}
	}
	return nil
}
