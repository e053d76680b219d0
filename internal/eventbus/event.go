package eventbus

import (
	"time"

	jsonx "runcore/internal/shared/json"
)

// Event is one ordered, typed record published for a session. Payload is
// opaque to the bus.
type Event struct {
	Type      string
	SessionID string
	Seq       uint64
	Timestamp time.Time
	Payload   map[string]any
	TraceID   string
	SpanID    string
}

// Get returns a payload field.
func (e Event) Get(key string) (any, bool) {
	v, ok := e.Payload[key]
	return v, ok
}

// Terminal reports whether the event ends a run.
func (e Event) Terminal() bool {
	switch e.Type {
	case TypeDone, TypeCancelled, TypeError:
		return true
	}
	return false
}

// Fields flattens the event into a single map: payload keys first, then the
// envelope keys, which win on collision.
func (e Event) Fields() map[string]any {
	out := make(map[string]any, len(e.Payload)+6)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["type"] = e.Type
	out["session_id"] = e.SessionID
	out["seq"] = e.Seq
	out["ts"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	if e.TraceID != "" {
		out["trace_id"] = e.TraceID
	}
	if e.SpanID != "" {
		out["span_id"] = e.SpanID
	}
	return out
}

// MarshalJSON encodes the flat wire form {"type": ..., <payload>, "seq": ..., "ts": ...}.
func (e Event) MarshalJSON() ([]byte, error) {
	return jsonx.Marshal(e.Fields())
}

// Terminal run event types.
const (
	TypeDone      = "done"
	TypeCancelled = "cancelled"
	TypeError     = "error"
)
