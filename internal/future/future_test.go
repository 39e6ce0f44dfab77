package future

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/torua-repl/internal/workerpool"
)

func TestFutureResolveSingleValue(t *testing.T) {
	f := New(nil)
	f.Resolve(42)
	v, err := f.Wait(0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestFutureResolveZeroValues(t *testing.T) {
	f := New(nil)
	f.Resolve()
	v, err := f.Wait(0)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestFutureResolveTuple(t *testing.T) {
	f := New(nil)
	f.Resolve(1, "two", 3.0)
	v, err := f.Wait(0)
	require.NoError(t, err)
	assert.Equal(t, []any{1, "two", 3.0}, v)
}

func TestFutureError(t *testing.T) {
	f := New(nil)
	wantErr := errors.New("boom")
	f.Error(wantErr)
	v, err := f.Wait(0)
	assert.Nil(t, v)
	assert.Equal(t, wantErr, err)
}

func TestFutureResolveAfterTerminalIsIgnored(t *testing.T) {
	f := New(nil)
	f.Resolve(1)
	f.Resolve(2)
	v, _ := f.Wait(0)
	assert.Equal(t, 1, v)
}

func TestFutureWaitTimeout(t *testing.T) {
	f := New(nil)
	_, err := f.Wait(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestFutureCallbackInvokedOnResolve(t *testing.T) {
	f := New(nil)
	got := make(chan []any, 1)
	f.Callback(func(values []any) { got <- values }, nil)
	f.Resolve("a", "b")
	select {
	case v := <-got:
		assert.Equal(t, []any{"a", "b"}, v)
	case <-time.After(time.Second):
		t.Fatal("callback never invoked")
	}
}

func TestFutureCallbackInvokedImmediatelyIfAlreadyTerminal(t *testing.T) {
	f := New(nil)
	f.Resolve("done")
	got := make(chan []any, 1)
	f.Callback(func(values []any) { got <- values }, nil)
	select {
	case v := <-got:
		assert.Equal(t, []any{"done"}, v)
	default:
		t.Fatal("callback should run synchronously for a terminal future")
	}
}

func TestFutureResolveAdoptsInnerFuture(t *testing.T) {
	inner := New(nil)
	outer := New(nil)
	outer.Resolve(inner)

	go func() {
		time.Sleep(5 * time.Millisecond)
		inner.Resolve("inner value")
	}()

	v, err := outer.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "inner value", v)
}

func TestFutureThenChains(t *testing.T) {
	f := New(nil)
	next := f.Then(func(values []any) (any, error) {
		return values[0].(int) * 2, nil
	})
	f.Resolve(21)
	v, err := next.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestFutureThenForwardsError(t *testing.T) {
	f := New(nil)
	next := f.Then(func(values []any) (any, error) {
		t.Fatal("fn should not run when source future fails")
		return nil, nil
	})
	wantErr := errors.New("source failed")
	f.Error(wantErr)
	_, err := next.Wait(time.Second)
	assert.Equal(t, wantErr, err)
}

func TestFutureThenPropagatesPanicAsError(t *testing.T) {
	f := New(nil)
	next := f.Then(func(values []any) (any, error) {
		panic("kaboom")
	})
	f.Resolve(1)
	_, err := next.Wait(time.Second)
	require.Error(t, err)
}

func TestRunResolvesFromFunction(t *testing.T) {
	f := Run(nil, func() ([]any, error) {
		return []any{"ok"}, nil
	})
	v, err := f.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestRunCatchesPanicAsError(t *testing.T) {
	f := Run(nil, func() ([]any, error) {
		panic("boom")
	})
	_, err := f.Wait(time.Second)
	require.Error(t, err)
}

func TestPrunAggregatesResultsInOrder(t *testing.T) {
	pool := workerpool.New(4)
	defer pool.Release()

	tasks := make([]func() ([]any, error), 5)
	for i := 0; i < 5; i++ {
		i := i
		tasks[i] = func() ([]any, error) {
			time.Sleep(time.Duration(5-i) * time.Millisecond)
			return []any{i}, nil
		}
	}

	f := Prun(pool, zap.NewNop().Sugar(), tasks)
	v, err := f.Wait(time.Second)
	require.NoError(t, err)
	results := v.([]any)
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, results[i])
	}
}

func TestPrunAggregatesFailures(t *testing.T) {
	pool := workerpool.New(2)
	defer pool.Release()

	tasks := []func() ([]any, error){
		func() ([]any, error) { return []any{"ok"}, nil },
		func() ([]any, error) { return nil, errors.New("task 1 failed") },
	}

	f := Prun(pool, zap.NewNop().Sugar(), tasks)
	_, err := f.Wait(time.Second)
	require.Error(t, err)
	var me *MultiError
	require.ErrorAs(t, err, &me)
	assert.Len(t, me.Errors, 1)
	assert.Contains(t, me.Errors, 1)
}

func TestPrunEmptyTaskListResolvesImmediately(t *testing.T) {
	pool := workerpool.New(1)
	defer pool.Release()

	f := Prun(pool, zap.NewNop().Sugar(), nil)
	v, err := f.Wait(time.Second)
	require.NoError(t, err)
	assert.Nil(t, v)
}
