// Package future implements the single-assignment deferred result used
// throughout the replication engine wherever a call completes on a
// different goroutine than the one that issued it (spec §4.1). It adapts
// the style of Ice-like begin_X(args, onOk, onErr) callback completion
// into something a caller can .then chain or .wait on synchronously, the
// way torua's HTTP handlers return plain values but background work
// (health checks, relay delivery) needs a result that arrives later.
package future

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrTimeout is returned by Wait when the deadline elapses before the
// future becomes terminal. The underlying work is not cancelled; the RPC
// runtime's own policy governs that (spec §5 Cancellation & timeout).
var ErrTimeout = errors.New("future: wait timed out")

var fallbackLog = zap.NewNop().Sugar()

type state int

const (
	statePending state = iota
	stateResolved
	stateFailed
)

// Future is a single-assignment deferred result carrying zero or more
// values (spec §4.1: wait returns a single value, a tuple for n>=2, or nil
// for the zero-value case). Transitions from pending to resolved/failed
// are one-shot; later attempts to resolve or error an already-terminal
// Future are silently ignored, except that Resolve with a single *Future
// argument adopts that inner future's eventual state instead of settling
// immediately.
type Future struct {
	mu        sync.Mutex
	st        state
	values    []any
	err       error
	done      chan struct{}
	callbacks []func([]any)
	errbacks  []func(error)
	hasErrCb  bool
	log       *zap.SugaredLogger
}

// New creates a pending Future. log may be nil, in which case the
// unhandled-error diagnostic (§4.1) is silent.
func New(log *zap.SugaredLogger) *Future {
	if log == nil {
		log = fallbackLog
	}
	return &Future{done: make(chan struct{}), log: log}
}

// Resolve transitions f to resolved with values, unless f is already
// terminal. If values is a single *Future, f instead adopts that future:
// f becomes terminal only once the inner future does, with the same
// values or error.
func (f *Future) Resolve(values ...any) {
	if len(values) == 1 {
		if inner, ok := values[0].(*Future); ok {
			inner.Callback(func(v []any) { f.resolveNow(v) }, func(err error) { f.errorNow(err) })
			return
		}
	}
	f.resolveNow(values)
}

func (f *Future) resolveNow(values []any) {
	f.mu.Lock()
	if f.st != statePending {
		f.mu.Unlock()
		return
	}
	f.st = stateResolved
	f.values = values
	cbs := f.callbacks
	f.callbacks = nil
	f.errbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(values)
	}
}

// Error transitions f to failed with err, unless f is already terminal.
func (f *Future) Error(err error) {
	f.errorNow(err)
}

func (f *Future) errorNow(err error) {
	f.mu.Lock()
	if f.st != statePending {
		f.mu.Unlock()
		return
	}
	f.st = stateFailed
	f.err = err
	ebs := f.errbacks
	f.errbacks = nil
	f.callbacks = nil
	hadCb := f.hasErrCb
	close(f.done)
	f.mu.Unlock()

	for _, eb := range ebs {
		eb(err)
	}
	if !hadCb {
		f.armUnhandledDiagnostic(err)
	}
}

// armUnhandledDiagnostic logs err if f is garbage-collected while still in
// the failed state without ever having had an error callback attached
// (spec §4.1 unhandled-error diagnostic).
func (f *Future) armUnhandledDiagnostic(err error) {
	log := f.log
	stack := string(debugStack())
	runtime.SetFinalizer(f, func(*Future) {
		log.Errorw("future garbage-collected with unhandled error", "error", err, "stack", stack)
	})
}

func debugStack() []byte {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return buf[:n]
}

// Callback registers cb (invoked on resolve) and eb (invoked on error,
// may be nil). If f is already terminal, the appropriate one runs
// immediately on the calling goroutine.
func (f *Future) Callback(cb func(values []any), eb func(err error)) {
	f.mu.Lock()
	switch f.st {
	case statePending:
		if cb != nil {
			f.callbacks = append(f.callbacks, cb)
		}
		if eb != nil {
			f.errbacks = append(f.errbacks, eb)
			f.hasErrCb = true
		}
		f.mu.Unlock()
	case stateResolved:
		values := f.values
		f.mu.Unlock()
		if cb != nil {
			cb(values)
		}
	case stateFailed:
		err := f.err
		f.hasErrCb = f.hasErrCb || eb != nil
		f.mu.Unlock()
		if eb != nil {
			eb(err)
		}
	}
}

// Errback registers eb to run on error; equivalent to Callback(nil, eb).
func (f *Future) Errback(eb func(err error)) {
	f.Callback(nil, eb)
}

// Wait blocks until f is terminal (or timeout elapses, if timeout > 0),
// and returns its value per spec §4.1: nil for zero values, the single
// value for one, or []any for two or more. A failed future's error is
// returned as err; a timeout returns ErrTimeout without altering f.
func (f *Future) Wait(timeout time.Duration) (any, error) {
	if timeout > 0 {
		select {
		case <-f.done:
		case <-time.After(timeout):
			return nil, ErrTimeout
		}
	} else {
		<-f.done
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.st == stateFailed {
		return nil, f.err
	}
	switch len(f.values) {
	case 0:
		return nil, nil
	case 1:
		return f.values[0], nil
	default:
		return f.values, nil
	}
}

// Then returns a new Future that runs fn with this future's resolved
// values once they're available; if fn's own return value is a *Future,
// the new Future recursively adopts it. Errors on f are forwarded
// unchanged; a panic or error returned by fn fails the new Future.
func (f *Future) Then(fn func(values []any) (any, error), extra ...any) *Future {
	next := New(f.log)
	f.Callback(func(values []any) {
		args := append(append([]any{}, values...), extra...)
		result, err := safeCall(fn, args)
		if err != nil {
			next.Error(err)
			return
		}
		next.Resolve(result)
	}, func(err error) {
		next.Error(err)
	})
	return next
}

func safeCall(fn func(values []any) (any, error), args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("future: panic in then callback: %v", r)
		}
	}()
	return fn(args)
}

// Run invokes fn and pipes its outcome into a freshly created Future:
// a nil error resolves with fn's values (no values -> Resolve(), 2+
// -> Resolve(vs...)); a non-nil error fails the future; a panic inside fn
// also fails it.
func Run(log *zap.SugaredLogger, fn func() ([]any, error)) *Future {
	f := New(log)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.Error(fmt.Errorf("future: panic in run: %v", r))
			}
		}()
		values, err := fn()
		if err != nil {
			f.Error(err)
			return
		}
		f.Resolve(values...)
	}()
	return f
}
