// Package eventbus fans out ordered per-session events to any number of
// subscribers without blocking publishers or dropping events.
package eventbus

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"runcore/internal/logging"
	"runcore/internal/observability"
)

// Annotator decorates an event before it is sequenced and enqueued. Errors and
// panics are logged and swallowed; the event is delivered regardless.
type Annotator func(ctx context.Context, ev *Event) error

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger logging.Logger) Option {
	return func(b *Bus) { b.logger = logging.OrNop(logger) }
}

// WithMetrics records publish counts and backlog warnings.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithMaxPending sets the soft per-subscriber capacity. Crossing it logs a
// warning; nothing blocks and nothing is dropped. Zero disables the check.
func WithMaxPending(n int) Option {
	return func(b *Bus) { b.maxPending = n }
}

// WithAnnotator appends an annotator.
func WithAnnotator(a Annotator) Option {
	return func(b *Bus) {
		if a != nil {
			b.annotators = append(b.annotators, a)
		}
	}
}

// Bus is a broadcast event bus partitioned by session. Every subscriber owns
// an unbounded FIFO queue and sees each event published after it subscribed.
// Session state exists only while a session has subscribers; sequence numbers
// come from one bus-wide counter so they keep increasing across that churn.
type Bus struct {
	mu       sync.Mutex
	seq      uint64
	sessions map[string]*sessionState

	annotators []Annotator
	maxPending int
	logger     logging.Logger
	metrics    *observability.MetricsCollector
	now        func() time.Time
}

type sessionState struct {
	subs map[*Subscription]struct{}
}

// Stats is a point-in-time view of bus occupancy.
type Stats struct {
	Sessions    int `json:"sessions"`
	Subscribers int `json:"subscribers"`
	Pending     int `json:"pending"`
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		sessions: make(map[string]*sessionState),
		logger:   logging.NewComponentLogger("EventBus"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends an event to every current subscriber queue of sessionID and
// returns the sequenced event. It never waits on consumers.
func (b *Bus) Publish(ctx context.Context, sessionID, eventType string, payload map[string]any) Event {
	ev := Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: b.now(),
		Payload:   maps.Clone(payload),
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	b.annotate(ctx, &ev)

	b.mu.Lock()
	b.seq++
	ev.Seq = b.seq
	var backlogged int
	if state, ok := b.sessions[sessionID]; ok {
		for sub := range state.subs {
			if depth := sub.push(ev); b.maxPending > 0 && depth == b.maxPending+1 {
				backlogged++
			}
		}
	}
	b.mu.Unlock()

	b.metrics.RecordEventPublished(ctx, eventType)
	if backlogged > 0 {
		b.metrics.RecordBacklogWarning(ctx)
		b.logger.Warn("Session %s: %d subscriber(s) above soft capacity %d", sessionID, backlogged, b.maxPending)
	}
	return ev
}

// Subscribe returns a subscription that observes events published from now on.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	sub := newSubscription(b, sessionID)

	b.mu.Lock()
	b.sessionLocked(sessionID).subs[sub] = struct{}{}
	count := len(b.sessions[sessionID].subs)
	b.mu.Unlock()

	b.logger.Debug("Subscribed to session %s (%d subscriber(s))", sessionID, count)
	return sub
}

// Discard closes every subscription of sessionID and forgets its state.
func (b *Bus) Discard(sessionID string) {
	b.mu.Lock()
	state, ok := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	b.mu.Unlock()
	if !ok {
		return
	}
	for sub := range state.subs {
		sub.close()
	}
	b.logger.Debug("Discarded session %s", sessionID)
}

// Stats reports the number of subscribed sessions, subscribers and queued
// events.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := Stats{Sessions: len(b.sessions)}
	for _, state := range b.sessions {
		stats.Subscribers += len(state.subs)
		for sub := range state.subs {
			stats.Pending += sub.Len()
		}
	}
	return stats
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state, ok := b.sessions[sub.sessionID]; ok {
		delete(state.subs, sub)
		if len(state.subs) == 0 {
			delete(b.sessions, sub.sessionID)
		}
	}
}

func (b *Bus) sessionLocked(sessionID string) *sessionState {
	state, ok := b.sessions[sessionID]
	if !ok {
		state = &sessionState{subs: make(map[*Subscription]struct{})}
		b.sessions[sessionID] = state
	}
	return state
}

func (b *Bus) annotate(ctx context.Context, ev *Event) {
	for i, annotate := range b.annotators {
		if err := runAnnotator(ctx, annotate, ev); err != nil {
			b.logger.Warn("Annotator %d failed for %s event: %v", i, ev.Type, err)
		}
	}
}

func runAnnotator(ctx context.Context, annotate Annotator, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return annotate(ctx, ev)
}

// TraceAnnotator copies the trace and span ids of the publishing context's
// span onto the event.
func TraceAnnotator() Annotator {
	return func(ctx context.Context, ev *Event) error {
		if ctx == nil {
			return nil
		}
		if traceID, spanID, ok := observability.TraceFields(ctx); ok {
			ev.TraceID = traceID
			ev.SpanID = spanID
		}
		return nil
	}
}
