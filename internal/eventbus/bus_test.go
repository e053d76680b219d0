package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"runcore/internal/logging"
	jsonx "runcore/internal/shared/json"
)

func nextWithin(t *testing.T, sub *Subscription) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	return ev
}

// TestPublishOrderProperty checks that a subscriber started before the first
// publish observes every event in publish order.
func TestPublishOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("subscriber observes FIFO order", prop.ForAll(
		func(types []string) bool {
			bus := New(WithLogger(logging.Nop()))
			sub := bus.Subscribe("s")
			defer sub.Close()

			for i, typ := range types {
				bus.Publish(context.Background(), "s", typ, map[string]any{"i": i})
			}
			for i, typ := range types {
				ev, err := sub.Next(context.Background())
				if err != nil || ev.Type != typ || ev.Payload["i"] != i || ev.Seq != uint64(i+1) {
					return false
				}
			}
			return sub.Len() == 0
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestBroadcastToEverySubscriber(t *testing.T) {
	bus := New(WithLogger(logging.Nop()))
	a := bus.Subscribe("s1")
	b := bus.Subscribe("s1")
	other := bus.Subscribe("s2")
	defer a.Close()
	defer b.Close()
	defer other.Close()

	bus.Publish(context.Background(), "s1", "tick", map[string]any{"n": 1})

	assert.Equal(t, "tick", nextWithin(t, a).Type)
	assert.Equal(t, "tick", nextWithin(t, b).Type)
	assert.Zero(t, other.Len())
}

func TestSubscribeDoesNotReplay(t *testing.T) {
	bus := New(WithLogger(logging.Nop()))
	bus.Publish(context.Background(), "s", "before", nil)

	sub := bus.Subscribe("s")
	defer sub.Close()
	bus.Publish(context.Background(), "s", "after", nil)

	ev := nextWithin(t, sub)
	assert.Equal(t, "after", ev.Type)
	assert.Equal(t, uint64(2), ev.Seq)
}

func TestPublishCopiesPayload(t *testing.T) {
	bus := New(WithLogger(logging.Nop()))
	sub := bus.Subscribe("s")
	defer sub.Close()

	payload := map[string]any{"k": "v"}
	bus.Publish(context.Background(), "s", "x", payload)
	payload["k"] = "mutated"

	assert.Equal(t, "v", nextWithin(t, sub).Payload["k"])
}

func TestConcurrentPublishersKeepPerPublisherOrder(t *testing.T) {
	bus := New(WithLogger(logging.Nop()))
	sub := bus.Subscribe("s")
	defer sub.Close()

	const publishers, perPublisher = 4, 50
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				bus.Publish(context.Background(), "s", fmt.Sprintf("p%d", p), map[string]any{"i": i})
			}
		}(p)
	}
	wg.Wait()

	last := map[string]int{}
	var lastSeq uint64
	for n := 0; n < publishers*perPublisher; n++ {
		ev := nextWithin(t, sub)
		i := ev.Payload["i"].(int)
		prev, seen := last[ev.Type]
		if seen {
			assert.Greater(t, i, prev)
		}
		last[ev.Type] = i
		assert.Greater(t, ev.Seq, lastSeq)
		lastSeq = ev.Seq
	}
}

func TestChannelDeliversQueuedEventsAfterDiscard(t *testing.T) {
	bus := New(WithLogger(logging.Nop()))
	sub := bus.Subscribe("s")
	bus.Publish(context.Background(), "s", "one", nil)
	bus.Publish(context.Background(), "s", TypeDone, nil)
	bus.Discard("s")

	var got []string
	for ev := range sub.C() {
		got = append(got, ev.Type)
	}
	assert.Equal(t, []string{"one", TypeDone}, got)

	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, bus.Stats().Sessions)
}

func TestCloseDetachesSubscriber(t *testing.T) {
	bus := New(WithLogger(logging.Nop()))
	sub := bus.Subscribe("s")
	sub.Close()
	sub.Close()

	bus.Publish(context.Background(), "s", "x", nil)
	assert.Equal(t, 0, bus.Stats().Subscribers)

	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNextHonoursContext(t *testing.T) {
	bus := New(WithLogger(logging.Nop()))
	sub := bus.Subscribe("s")
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSoftCapacityNeverDrops(t *testing.T) {
	bus := New(WithLogger(logging.Nop()), WithMaxPending(2))
	sub := bus.Subscribe("s")
	defer sub.Close()

	for i := 0; i < 10; i++ {
		bus.Publish(context.Background(), "s", "x", nil)
	}
	assert.Equal(t, 10, sub.Len())
	assert.Equal(t, 10, bus.Stats().Pending)
}

func TestAnnotatorFailuresAreSwallowed(t *testing.T) {
	bus := New(
		WithLogger(logging.Nop()),
		WithAnnotator(func(context.Context, *Event) error { return errors.New("exporter down") }),
		WithAnnotator(func(context.Context, *Event) error { panic("boom") }),
		WithAnnotator(func(_ context.Context, ev *Event) error {
			ev.Payload["annotated"] = true
			return nil
		}),
	)
	sub := bus.Subscribe("s")
	defer sub.Close()

	bus.Publish(context.Background(), "s", "x", nil)
	ev := nextWithin(t, sub)
	assert.Equal(t, "x", ev.Type)
	assert.Equal(t, true, ev.Payload["annotated"])
}

func TestTraceAnnotatorAddsSpanIDs(t *testing.T) {
	provider := sdktrace.NewTracerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()
	ctx, span := provider.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	bus := New(WithLogger(logging.Nop()), WithAnnotator(TraceAnnotator()))
	sub := bus.Subscribe("s")
	defer sub.Close()

	bus.Publish(ctx, "s", "x", nil)
	ev := nextWithin(t, sub)
	assert.Equal(t, span.SpanContext().TraceID().String(), ev.TraceID)
	assert.Equal(t, span.SpanContext().SpanID().String(), ev.SpanID)

	bus.Publish(context.Background(), "s", "y", nil)
	assert.Empty(t, nextWithin(t, sub).TraceID)
}

func TestEventMarshalsFlat(t *testing.T) {
	ev := Event{
		Type:      "tool_end",
		SessionID: "s",
		Seq:       3,
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Payload:   map[string]any{"tool": "calc", "type": "ignored"},
	}
	data, err := jsonx.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, jsonx.Unmarshal(data, &decoded))
	assert.Equal(t, "tool_end", decoded["type"])
	assert.Equal(t, "calc", decoded["tool"])
	assert.Equal(t, float64(3), decoded["seq"])
	assert.Equal(t, "2024-01-02T03:04:05Z", decoded["ts"])
	assert.NotContains(t, decoded, "trace_id")
}

func TestSessionStateLivesOnlyWhileSubscribed(t *testing.T) {
	bus := New(WithLogger(logging.Nop()))
	for i := 0; i < 100; i++ {
		bus.Publish(context.Background(), fmt.Sprintf("unwatched-%d", i), "x", nil)
	}
	assert.Equal(t, 0, bus.Stats().Sessions)

	first := bus.Subscribe("s")
	assert.Equal(t, 1, bus.Stats().Sessions)
	bus.Publish(context.Background(), "s", "one", nil)
	seen := nextWithin(t, first).Seq
	first.Close()
	assert.Equal(t, 0, bus.Stats().Sessions)

	bus.Publish(context.Background(), "s", "missed", nil)
	second := bus.Subscribe("s")
	defer second.Close()
	bus.Publish(context.Background(), "s", "two", nil)
	ev := nextWithin(t, second)
	assert.Equal(t, "two", ev.Type)
	assert.Greater(t, ev.Seq, seen)
}
