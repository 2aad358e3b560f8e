package core

import (
	"runtime"
	"weak"

	"github.com/jabolina/go-mproc/pkg/mproc/types"
)

// A handle to a remote computation.
//
// Strong handles participate in the distributed reference count:
// the process-local table uniques them by identifier, so two
// reconstructions of the same identifier collapse into one handle
// and produce exactly one deletion when the last reference is
// dropped. Weak handles never emit deletions and are not uniqued.
type Ref struct {
	id types.RefID
	p  *Process

	// Weak handles do not take part in the reference count. Only
	// mutated on the event loop goroutine.
	weak bool
}

// ID returns the identifier the handle denotes.
func (r *Ref) ID() types.RefID {
	return r.id
}

func (r *Ref) String() string {
	return r.id.String()
}

// Sync blocks the calling goroutine until the computation
// completed. Inside a registered function use Task.Sync instead,
// which suspends the task without blocking the event loop.
func (r *Ref) Sync() error {
	_, err := r.wait(types.VerbSync)
	return err
}

// Fetch blocks the calling goroutine until the computation
// completed and returns its value. A thunk failure surfaces as the
// returned error. Inside a registered function use Task.Fetch.
func (r *Ref) Fetch() (any, error) {
	return r.wait(types.VerbFetch)
}

func (r *Ref) wait(verb types.Verb) (any, error) {
	reply := make(chan any, 1)
	if err := r.p.post(func() { r.p.interest(verb, r.id, reply) }); err != nil {
		return nil, err
	}
	select {
	case v := <-reply:
		return asResult(v)
	case <-r.p.finished:
		select {
		case v := <-reply:
			return asResult(v)
		default:
			return nil, ErrClosed
		}
	}
}

// Release drops this process's strong interest in the computation
// immediately instead of waiting for the collector to notice the
// handle is gone. Safe to call more than once.
func (r *Ref) Release() {
	_ = r.p.post(func() { r.p.releaseHandle(r) })
}

func asResult(v any) (any, error) {
	if failure, ok := v.(types.RemoteError); ok {
		return nil, failure
	}
	return v, nil
}

func newWeakRef(p *Process, id types.RefID) *Ref {
	return &Ref{id: id, p: p, weak: true}
}

// One entry of the handle uniquing table. The generation guards the
// collector callback against acting on a slot that was already
// released and repopulated by a newer handle.
type refSlot struct {
	ptr weak.Pointer[Ref]
	gen uint64
}

type refTable struct {
	slots map[types.RefKey]refSlot
	gen   uint64
}

func newRefTable() *refTable {
	return &refTable{slots: make(map[types.RefKey]refSlot)}
}

// Returns the live strong handle for the identifier, creating and
// registering a fresh one when none exists. Event loop only.
func (p *Process) internRef(id types.RefID) *Ref {
	key := id.Key()
	if slot, ok := p.refs.slots[key]; ok {
		if live := slot.ptr.Value(); live != nil {
			return live
		}
	}
	r := &Ref{id: id, p: p}
	p.refs.gen++
	gen := p.refs.gen
	p.refs.slots[key] = refSlot{ptr: weak.Make(r), gen: gen}
	runtime.AddCleanup(r, func(g uint64) { p.reclaimHandle(id, g) }, gen)
	return r
}

// Invoked by the collector once a strong handle became
// unreachable. The actual bookkeeping is marshalled onto the event
// loop, finalization never touches the process state directly.
func (p *Process) reclaimHandle(id types.RefID, gen uint64) {
	_ = p.post(func() {
		slot, ok := p.refs.slots[id.Key()]
		if !ok || slot.gen != gen {
			return
		}
		delete(p.refs.slots, id.Key())
		p.sendDelClient(id)
	})
}

// Drops the handle's slot and emits the deletion. Event loop only.
func (p *Process) releaseHandle(r *Ref) {
	if r.weak {
		return
	}
	key := r.id.Key()
	slot, ok := p.refs.slots[key]
	if !ok || slot.ptr.Value() != r {
		return
	}
	delete(p.refs.slots, key)
	p.sendDelClient(r.id)
}

// Turns a strong handle into a weak one, so dropping it never
// emits a deletion. Used for handles whose interest is carried by
// another discipline. Event loop only.
func (p *Process) disarmHandle(r *Ref) {
	key := r.id.Key()
	if slot, ok := p.refs.slots[key]; ok && slot.ptr.Value() == r {
		delete(p.refs.slots, key)
	}
	r.weak = true
}

// Notifies the owner that this process no longer holds a strong
// handle, applying the removal locally when the owner is the
// process itself.
func (p *Process) sendDelClient(id types.RefID) {
	if id.Where == p.self {
		p.reg.delClient(id.Key(), p.self)
		return
	}
	p.sendControl(id.Where, funcDelClient, []any{id, p.self})
}
