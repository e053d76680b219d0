package async

import (
	"fmt"
	"runtime/debug"
)

// PanicLogger captures panic reports from background goroutines.
type PanicLogger interface {
	Error(format string, args ...any)
}

// PanicError carries a recovered panic value and the stack at recovery time.
type PanicError struct {
	Name  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("panic: %v", e.Value)
	}
	return fmt.Sprintf("panic in %s: %v", e.Name, e.Value)
}

// Go runs fn in a goroutine guarded by panic recovery.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// GoErr runs fn in a goroutine and hands its outcome to done exactly once.
// A panic inside fn is logged and reported to done as a *PanicError.
func GoErr(logger PanicLogger, name string, fn func() error, done func(error)) {
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				perr := &PanicError{Name: name, Value: r, Stack: debug.Stack()}
				logPanic(logger, name, r, perr.Stack)
				err = perr
			}
			if done != nil {
				done(err)
			}
		}()
		err = fn()
	}()
}

// Recover logs panic details without crashing the process.
func Recover(logger PanicLogger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r, debug.Stack())
	}
}

func logPanic(logger PanicLogger, name string, r any, stack []byte) {
	if logger == nil {
		return
	}
	if name == "" {
		logger.Error("goroutine panic: %v, stack: %s", r, stack)
		return
	}
	logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, stack)
}
