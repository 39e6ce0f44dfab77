package future

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"github.com/dreamware/torua-repl/internal/workerpool"
)

// Prun ("parallel run") submits each task to pool and returns a Future
// that resolves with a single value: the []any of per-task results in
// submission order, once every task has completed (spec §4.1: "prun runs
// n tasks across a WorkerPool and resolves once all complete, or fails
// with the aggregate of every task's error"). A task's own ([]any, error)
// return is collapsed the same way Wait collapses a Future's values: nil
// for zero, the bare value for one, the slice for more than one.
//
// If any task returns an error, the aggregate Future fails with a
// *MultiError listing every failure; successful results are discarded in
// that case, matching spec §4.1's "discards partial results on failure".
func Prun(pool *workerpool.Pool, log *zap.SugaredLogger, tasks []func() ([]any, error)) *Future {
	out := New(log)
	if len(tasks) == 0 {
		out.Resolve()
		return out
	}

	results := make([]any, len(tasks))
	errs := make([]error, len(tasks))
	var wg sync.WaitGroup
	wg.Add(len(tasks))

	for i, task := range tasks {
		i, task := i, task
		pool.Submit(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("prun: panic in task %d: %v", i, r)
				}
			}()
			values, err := task()
			if err != nil {
				errs[i] = err
				return
			}
			switch len(values) {
			case 0:
				results[i] = nil
			case 1:
				results[i] = values[0]
			default:
				results[i] = values
			}
		})
	}

	go func() {
		wg.Wait()
		if me := newMultiError(errs); me != nil {
			out.Error(me)
			return
		}
		out.Resolve(results)
	}()

	return out
}

// MultiError aggregates the failures of a Prun call, indexed by task
// position.
type MultiError struct {
	Errors map[int]error
}

func newMultiError(errs []error) *MultiError {
	me := &MultiError{Errors: make(map[int]error)}
	for i, err := range errs {
		if err != nil {
			me.Errors[i] = err
		}
	}
	if len(me.Errors) == 0 {
		return nil
	}
	return me
}

func (me *MultiError) Error() string {
	parts := make([]string, 0, len(me.Errors))
	for i, err := range me.Errors {
		parts = append(parts, fmt.Sprintf("task %d: %v", i, err))
	}
	return "prun: " + strings.Join(parts, "; ")
}
