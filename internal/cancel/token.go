// Package cancel provides the cooperative cancellation signal owned by a run.
package cancel

import (
	"context"
	"errors"
	"sync"
	"time"

	errs "runcore/internal/errors"
)

// Token is a single-shot cancellation flag. It starts unset, Cancel sets it
// once, and it is never reset. A Token is shared by reference with every
// operation a run delegates to.
type Token struct {
	once sync.Once
	done chan struct{}
}

// New returns an unset token.
func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel sets the flag. Repeated calls are no-ops.
func (t *Token) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.done) })
}

// IsCancelled reports whether Cancel has been called.
func (t *Token) IsCancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Checkpoint returns an error matching errs.ErrCancelled once the token is set.
// Long-running jobs call it on every loop iteration and before any visible
// side effect.
func (t *Token) Checkpoint() error {
	if t.IsCancelled() {
		return errs.ErrCancelled
	}
	return nil
}

// Done returns a channel closed on Cancel. A nil token never fires.
func (t *Token) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}

// Sleep waits for d unless the token or ctx fires first. Token cancellation and
// ctx cancellation return a cancellation error; an expired ctx deadline
// returns context.DeadlineExceeded.
func (t *Token) Sleep(ctx context.Context, d time.Duration) error {
	if err := t.Checkpoint(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-t.Done():
		return errs.ErrCancelled
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ctx.Err()
		}
		return errs.Cancelled(context.Cause(ctx).Error())
	}
}

// Bind derives a context that is cancelled with errs.ErrCancelled as its
// cause when the token fires. Callers must call the returned stop function.
func (t *Token) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	bound, cancel := context.WithCancelCause(ctx)
	if t == nil {
		return bound, func() { cancel(context.Canceled) }
	}
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		select {
		case <-t.done:
			cancel(errs.ErrCancelled)
		case <-bound.Done():
		case <-stop:
		}
	}()
	return bound, func() {
		once.Do(func() { close(stop) })
		cancel(context.Canceled)
	}
}
