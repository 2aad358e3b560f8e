package core

import (
	"runtime"

	"github.com/jabolina/go-mproc/pkg/mproc/types"
)

// The execution context a registered function receives. A task runs
// while the event loop is parked yielding into its runner, so its
// methods may act on the process state directly. Awaiting a handle
// suspends only the task, the loop keeps servicing traffic and
// other work until the result arrives.
type Task struct {
	p    *Process
	item *workItem
	r    *runner
}

// Self returns the identifier of the process running the task.
func (t *Task) Self() types.ProcessID {
	return t.p.self
}

// Size returns how many processes form the group.
func (t *Task) Size() int {
	return len(t.p.group.locations)
}

// Call issues a remote invocation from inside the task, returning
// the handle synchronously.
func (t *Task) Call(target types.ProcessID, fn string, args ...any) (*Ref, error) {
	return t.p.call(target, fn, args)
}

// Do issues a fire and forget invocation from inside the task.
func (t *Task) Do(target types.ProcessID, fn string, args ...any) error {
	return t.p.do(target, fn, args)
}

// Sync suspends the task until the computation completed.
func (t *Task) Sync(r *Ref) error {
	_, err := t.waitRef(types.VerbSync, r)
	return err
}

// Fetch suspends the task until the computation completed and
// returns its value. A thunk failure surfaces as the error.
func (t *Task) Fetch(r *Ref) (any, error) {
	return t.waitRef(types.VerbFetch, r)
}

func (t *Task) waitRef(verb types.Verb, r *Ref) (any, error) {
	id := r.id
	if id.Where == t.p.self {
		item := t.p.reg.ensure(id)
		if item.done {
			return asResult(t.p.resultValue(verb, item, id))
		}
		item.notify = append([]notifyEntry{{verb: verb, oid: id}}, item.notify...)
		return asResult(t.await(verb, id))
	}
	msg := &types.Message{Version: t.p.cfg.Version, Verb: verb, OID: id}
	if err := t.p.send(id.Where, msg); err != nil {
		return nil, err
	}
	return asResult(t.await(verb, id))
}

// Yields a wait sentinel up to the scheduler and blocks until the
// scheduler resumes the task with the delivered value. When the
// process shuts down while suspended the task goroutine unwinds
// instead of resuming.
func (t *Task) await(verb types.Verb, oid types.RefID) any {
	t.r.out <- yield{kind: yieldWait, verb: verb, oid: oid}
	select {
	case in := <-t.r.in:
		return in.(resumeInput).value
	case <-t.p.done:
		runtime.Goexit()
		return nil
	}
}
