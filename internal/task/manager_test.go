package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runcore/internal/cancel"
	errs "runcore/internal/errors"
	"runcore/internal/eventbus"
	"runcore/internal/logging"
)

func newManager(t *testing.T, opts ...Option) (*Manager, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(eventbus.WithLogger(logging.Nop()))
	m := NewManager(bus, append([]Option{WithLogger(logging.Nop())}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, bus
}

func waitFor(t *testing.T, m *Manager, sessionID string) Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := m.Wait(ctx, sessionID)
	require.NoError(t, err)
	return rec
}

func drain(sub *eventbus.Subscription) []eventbus.Event {
	var out []eventbus.Event
	for sub.Len() > 0 {
		ev, err := sub.Next(context.Background())
		if err != nil {
			break
		}
		out = append(out, ev)
	}
	return out
}

// loopJob ticks until cancelled, checking the token on every iteration.
func loopJob(started *atomic.Int32) Job {
	return func(ctx context.Context, token *cancel.Token) error {
		started.Add(1)
		for {
			if err := token.Sleep(ctx, 5*time.Millisecond); err != nil {
				return err
			}
		}
	}
}

func TestStartTwiceIsRejected(t *testing.T) {
	m, _ := newManager(t)
	var started atomic.Int32

	first, err := m.Start(context.Background(), "s1", "demo", loopJob(&started))
	require.NoError(t, err)
	assert.Equal(t, Started, first.Outcome)

	second, err := m.Start(context.Background(), "s1", "demo", loopJob(&started))
	require.NoError(t, err)
	assert.Equal(t, AlreadyRunning, second.Outcome)
	assert.Equal(t, first.RunID, second.RunID)

	m.Cancel("s1")
	waitFor(t, m, "s1")
	assert.Equal(t, int32(1), started.Load())
}

func TestStartRejectsEmptySession(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Start(context.Background(), "", "demo", func(context.Context, *cancel.Token) error { return nil })
	assert.ErrorIs(t, err, errs.ErrInvalidSession)
}

func TestCancelUnknownSession(t *testing.T) {
	m, _ := newManager(t)
	assert.Equal(t, CancelResult{Outcome: NotFound}, m.Cancel("nobody"))
	assert.False(t, m.Status("nobody").Exists)
}

func TestCancelRunningJobEndsWithCancelledEvent(t *testing.T) {
	m, bus := newManager(t)
	sub := bus.Subscribe("s1")
	defer sub.Close()
	var started atomic.Int32

	_, err := m.Start(context.Background(), "s1", "demo", loopJob(&started))
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, m.Status("s1").Status)

	res := m.Cancel("s1")
	assert.Equal(t, Cancelling, res.Outcome)

	rec := waitFor(t, m, "s1")
	assert.Equal(t, StatusCancelled, rec.Status)
	assert.False(t, rec.FinishedAt.IsZero())

	events := drain(sub)
	require.NotEmpty(t, events)
	assert.Equal(t, EventStarted, events[0].Type)
	assert.Equal(t, eventbus.TypeCancelled, events[len(events)-1].Type)

	again := m.Cancel("s1")
	assert.Equal(t, Cancelling, again.Outcome)
	assert.Equal(t, StatusCancelled, again.Status)
}

func TestForcedStopReachesJobsThatIgnoreTheToken(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Start(context.Background(), "s1", "stubborn", func(ctx context.Context, _ *cancel.Token) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	m.Cancel("s1")
	assert.Equal(t, StatusCancelled, waitFor(t, m, "s1").Status)
}

func TestJobOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		job     Job
		status  Status
		message string
		event   string
	}{
		{"done", func(context.Context, *cancel.Token) error { return nil }, StatusDone, "", eventbus.TypeDone},
		{"error", func(context.Context, *cancel.Token) error { return errors.New("boom") }, StatusError, "boom", eventbus.TypeError},
		{"cancelled", func(context.Context, *cancel.Token) error { return errs.Cancelled("job") }, StatusCancelled, "", eventbus.TypeCancelled},
		{"panic", func(context.Context, *cancel.Token) error { panic("kaboom") }, StatusError, "panic in task:s1: kaboom", eventbus.TypeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, bus := newManager(t)
			sub := bus.Subscribe("s1")
			defer sub.Close()

			_, err := m.Start(context.Background(), "s1", "unit", tt.job)
			require.NoError(t, err)
			rec := waitFor(t, m, "s1")

			assert.Equal(t, tt.status, rec.Status)
			assert.Equal(t, tt.message, rec.Error)

			events := drain(sub)
			require.NotEmpty(t, events)
			last := events[len(events)-1]
			assert.Equal(t, tt.event, last.Type)
			assert.Equal(t, rec.RunID, last.Payload["run_id"])
			if tt.message != "" {
				assert.Equal(t, tt.message, last.Payload["error"])
			}
		})
	}
}

func TestTerminalEventPublishedBeforeStatusFlips(t *testing.T) {
	m, bus := newManager(t)
	sub := bus.Subscribe("s1")
	defer sub.Close()

	_, err := m.Start(context.Background(), "s1", "unit", func(context.Context, *cancel.Token) error { return nil })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		if ev.Terminal() {
			break
		}
	}
	// The terminal event is observable no later than the status change.
	rec := waitFor(t, m, "s1")
	assert.Equal(t, StatusDone, rec.Status)
}

func TestRestartAfterTerminalReplacesRecord(t *testing.T) {
	m, _ := newManager(t)
	first, err := m.Start(context.Background(), "s1", "unit", func(context.Context, *cancel.Token) error { return errors.New("x") })
	require.NoError(t, err)
	waitFor(t, m, "s1")

	second, err := m.Start(context.Background(), "s1", "unit", func(context.Context, *cancel.Token) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Started, second.Outcome)
	assert.NotEqual(t, first.RunID, second.RunID)

	rec := waitFor(t, m, "s1")
	assert.Equal(t, second.RunID, rec.RunID)
	assert.Equal(t, StatusDone, rec.Status)
	assert.Empty(t, rec.Error)
}

func TestRetentionEvictsOnlyTerminalRecords(t *testing.T) {
	m, _ := newManager(t, WithRetention(1))
	var started atomic.Int32

	_, err := m.Start(context.Background(), "live", "demo", loopJob(&started))
	require.NoError(t, err)

	for _, sessionID := range []string{"a", "b"} {
		_, err := m.Start(context.Background(), sessionID, "unit", func(context.Context, *cancel.Token) error { return nil })
		require.NoError(t, err)
		waitFor(t, m, sessionID)
	}

	assert.False(t, m.Status("a").Exists)
	assert.True(t, m.Status("b").Exists)
	assert.Equal(t, StatusRunning, m.Status("live").Status)
	assert.Len(t, m.List(), 2)
}

func TestShutdownCancelsRunningJobs(t *testing.T) {
	m, _ := newManager(t)
	var started atomic.Int32
	for _, sessionID := range []string{"a", "b", "c"} {
		_, err := m.Start(context.Background(), sessionID, "demo", loopJob(&started))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	for _, rec := range m.List() {
		assert.Equal(t, StatusCancelled, rec.Status)
	}
	_, err := m.Start(context.Background(), "d", "demo", loopJob(&started))
	assert.ErrorIs(t, err, ErrShuttingDown)
}
