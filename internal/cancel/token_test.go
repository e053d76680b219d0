package cancel

import (
	"context"
	"sync"
	"testing"
	"time"

	errs "runcore/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCancelIsIdempotent(t *testing.T) {
	tok := New()
	require.NoError(t, tok.Checkpoint())
	assert.False(t, tok.IsCancelled())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok.Cancel()
		}()
	}
	wg.Wait()

	assert.True(t, tok.IsCancelled())
	assert.ErrorIs(t, tok.Checkpoint(), errs.ErrCancelled)
	select {
	case <-tok.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestNilTokenNeverCancels(t *testing.T) {
	var tok *Token
	tok.Cancel()
	assert.False(t, tok.IsCancelled())
	assert.NoError(t, tok.Checkpoint())
	assert.NoError(t, tok.Sleep(context.Background(), time.Millisecond))
}

func TestSleepReturnsOnCancel(t *testing.T) {
	tok := New()
	go func() {
		time.Sleep(10 * time.Millisecond)
		tok.Cancel()
	}()

	start := time.Now()
	err := tok.Sleep(context.Background(), time.Minute)
	assert.ErrorIs(t, err, errs.ErrCancelled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSleepReturnsCancelledOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New().Sleep(ctx, time.Minute)
	assert.True(t, errs.IsCancelled(err))
}

func TestSleepReportsDeadlineSeparately(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err := New().Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, errs.IsCancelled(err))
}

func TestBindCancelsContextWhenTokenFires(t *testing.T) {
	tok := New()
	ctx, stop := tok.Bind(context.Background())
	defer stop()

	require.NoError(t, ctx.Err())
	tok.Cancel()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("bound context was not cancelled")
	}
	assert.ErrorIs(t, context.Cause(ctx), errs.ErrCancelled)
}

func TestBindStopReleasesContext(t *testing.T) {
	tok := New()
	ctx, stop := tok.Bind(context.Background())
	stop()
	stop()

	<-ctx.Done()
	assert.NotErrorIs(t, context.Cause(ctx), errs.ErrCancelled)
	assert.False(t, tok.IsCancelled())
}
