package core

import (
	"fmt"
	"runtime/debug"

	"github.com/jabolina/go-mproc/pkg/mproc/types"
)

// What a runner hands back to the scheduler after being driven.
type yieldKind uint8

const (
	// The thunk finished, the yield carries the return value.
	yieldDone yieldKind = iota

	// The thunk awaits a remote identifier, the work item must be
	// parked on the waiting table until the result arrives.
	yieldWait
)

type yield struct {
	kind  yieldKind
	value any
	verb  types.Verb
	oid   types.RefID

	// Set when the thunk panicked. The runner stack is in an
	// indeterminate state and must not be reused.
	broken bool
}

// Sent into a runner to begin a fresh thunk.
type startInput struct {
	item *workItem
	task *Task
}

// Sent into a runner to resume a suspended await with the
// delivered value.
type resumeInput struct {
	value any
}

// A reusable execution context for thunks.
//
// The scheduler and the runner operate in strict alternation: the
// scheduler sends exactly one input and then blocks until the runner
// yields. While a thunk executes the scheduler is parked, so the
// thunk may touch the process state directly without locking. A
// suspended thunk blocks inside its await receiving from in, which
// keeps the runner bound to its work item until resumption.
type runner struct {
	in  chan any
	out chan yield
}

func newRunner(invoker Invoker) *runner {
	r := &runner{
		in:  make(chan any),
		out: make(chan yield),
	}
	invoker.Spawn(r.loop)
	return r
}

// Runs thunks until the input channel is closed. A single panic
// ends the loop, the runner is discarded by the scheduler.
func (r *runner) loop() {
	for input := range r.in {
		st := input.(startInput)
		value, broken := r.execute(st)
		r.out <- yield{kind: yieldDone, value: value, broken: broken}
		if broken {
			return
		}
	}
}

// Runs one thunk to completion, turning both returned errors and
// panics into a failure value that waiters receive in place of a
// result. Only a panic marks the runner as broken.
func (r *runner) execute(st startInput) (value any, broken bool) {
	defer func() {
		if rec := recover(); rec != nil {
			broken = true
			value = types.RemoteError{
				On:     st.task.p.self,
				Reason: fmt.Sprint(rec),
				Stack:  string(debug.Stack()),
			}
		}
	}()

	out, err := st.item.thunk(st.task)
	if err != nil {
		if failure, ok := err.(types.RemoteError); ok {
			return failure, false
		}
		return types.RemoteError{On: st.task.p.self, Reason: err.Error()}, false
	}
	return out, false
}

// Terminates the runner goroutine. Must only be called while the
// runner is idle, never while it holds a suspended thunk.
func (r *runner) close() {
	close(r.in)
}
