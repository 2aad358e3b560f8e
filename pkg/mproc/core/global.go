package core

import (
	"fmt"
	"runtime"
	"weak"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/jabolina/go-mproc/pkg/mproc/types"
)

// A value replicated across every process of the group: one local
// instance per process plus a fixed-length table of weak handles to
// each peer's instance, indexed by process identifier.
//
// The table forms a known-topology cycle between the peers, so its
// handles are exempt from the automatic reference count. Membership
// of a process in the cycle is recorded on every instance's client
// set instead, and withdrawn in one broadcast when the local
// instance is reclaimed.
type Global struct {
	p *Process

	// Weak handle to each process's instance.
	refs []*Ref

	// Processes known to hold a piece of the cycle. Serializing the
	// object towards a process outside this set first introduces it
	// to every other participant.
	participants mapset.Set[types.ProcessID]

	// Payload this process attaches to its local instance. Never
	// serialized, each process sees only its own.
	Local any
}

// Peer returns the handle of the given process's instance.
func (g *Global) Peer(id types.ProcessID) *Ref {
	if g.refs == nil || int(id) < 0 || int(id) >= len(g.refs) {
		return nil
	}
	return g.refs[id]
}

// Constructs the empty local instance, the result of the
// construction call issued to every process.
func emptyGlobalFunc(t *Task, args ...any) (any, error) {
	return &Global{
		p:            t.p,
		participants: mapset.NewThreadUnsafeSet[types.ProcessID](),
	}, nil
}

// Binds the peer table of the local instance from the broadcast
// identifiers.
func initGlobalFunc(t *Task, args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("initGlobal expects 1 argument, got %d", len(args))
	}
	rids, ok := args[0].([]types.RefID)
	if !ok {
		return nil, fmt.Errorf("initGlobal expects identifiers, got %T", args[0])
	}
	return nil, t.p.initGlobal(rids)
}

// Completes the construction protocol on this process: builds the
// weak peer table, records this process's membership on every
// instance's client set, swaps the owning work item's result for a
// weak box and arms the reclamation broadcast. Event loop context.
func (p *Process) initGlobal(rids []types.RefID) error {
	if p.group == nil {
		return ErrNoGroup
	}
	if len(rids) != len(p.group.locations) {
		return fmt.Errorf("expected %d instances, got %d", len(p.group.locations), len(rids))
	}
	key := rids[p.self].Key()
	item := p.reg.lookup(key)
	if item == nil || !item.done {
		return fmt.Errorf("no local instance for %s", rids[p.self])
	}
	g, ok := item.result.(*Global)
	if !ok {
		if wb, boxed := item.result.(weakBox); boxed && wb.get() != nil {
			// Already initialized by an earlier broadcast.
			return nil
		}
		return fmt.Errorf("local instance for %s is %T", rids[p.self], item.result)
	}

	g.refs = make([]*Ref, len(rids))
	for i, rid := range rids {
		g.refs[i] = newWeakRef(p, rid)
		g.participants.Add(types.ProcessID(i))
	}
	for i, rid := range rids {
		id := types.ProcessID(i)
		if id == p.self {
			p.reg.addClient(rid.Key(), p.self)
			continue
		}
		p.sendControl(id, funcAddClient, []any{rid, p.self})
	}

	item.result = weakBox{ptr: weak.Make(g)}
	runtime.AddCleanup(g, func(ids []types.RefID) { p.reclaimGlobal(ids) }, rids)
	return nil
}

// Invoked by the collector when the local instance became
// unreachable. If this process still figures on its own instance's
// client set, its membership in the whole cycle is withdrawn with
// one deletion per peer, letting each registry entry disappear once
// no holder remains anywhere.
func (p *Process) reclaimGlobal(rids []types.RefID) {
	_ = p.post(func() {
		item := p.reg.lookup(rids[p.self].Key())
		if item == nil || !item.clients.Contains(p.self) {
			return
		}
		for i, rid := range rids {
			id := types.ProcessID(i)
			if id == p.self {
				p.reg.delClient(rid.Key(), p.self)
				continue
			}
			p.sendControl(id, funcDelClient, []any{rid, p.self})
		}
	})
}

// Wire form of a replicated object leaving towards dest: only the
// table entry for the destination is carried. A destination outside
// the participant set is first announced to every other peer, a
// destination already holding the cycle gets no bookkeeping at all.
func (p *Process) prepareGlobal(g *Global, dest types.ProcessID) any {
	if g.refs == nil {
		return types.RemoteError{On: p.self, Reason: "replicated object not initialized"}
	}
	if int(dest) < 0 || int(dest) >= len(g.refs) {
		return types.RemoteError{On: p.self, Reason: fmt.Sprintf("no instance for process %d", dest)}
	}
	if !g.participants.Contains(dest) {
		for i, rf := range g.refs {
			id := types.ProcessID(i)
			if id == dest {
				continue
			}
			if id == p.self {
				p.reg.addClient(rf.id.Key(), dest)
				continue
			}
			p.sendControl(id, funcAddClient, []any{rf.id, dest})
		}
		g.participants.Add(dest)
	}
	return types.WireGlobal{Ref: g.refs[dest].id}
}

// Runs the construction protocol from this process: one empty
// instance call per peer, the local instance constructed in place,
// then the table broadcast. The local table binding runs before
// returning and the instance is handed back directly, the registry
// itself only ever holds it weakly. Event loop context.
func (p *Process) startGlobal() (*Global, error) {
	if p.group == nil {
		return nil, ErrNoGroup
	}
	np := len(p.group.locations)
	rids := make([]types.RefID, np)
	temps := make([]*Ref, np)
	local := &Global{
		p:            p,
		participants: mapset.NewThreadUnsafeSet[types.ProcessID](),
	}
	for i := 0; i < np; i++ {
		id := types.ProcessID(i)
		if id == p.self {
			p.counter++
			oid := types.RefID{Where: p.self, Whence: p.self, ID: p.counter}
			item := newWorkItem(oid, nil)
			item.started = true
			item.done = true
			item.result = local
			p.reg.register(item)
			item.clients.Add(p.self)
			rids[i] = oid
			temps[i] = p.internRef(oid)
			continue
		}
		ref, err := p.call(id, funcEmptyGlobal, nil)
		if err != nil {
			return nil, err
		}
		rids[i] = ref.id
		temps[i] = ref
	}
	for i := 0; i < np; i++ {
		id := types.ProcessID(i)
		if id == p.self {
			continue
		}
		if err := p.do(id, funcInitGlobal, []any{rids}); err != nil {
			return nil, err
		}
	}
	if err := p.initGlobal(rids); err != nil {
		return nil, err
	}
	// Membership is carried by the instances from here on, the
	// construction handles must not emit deletions when dropped.
	for _, ref := range temps {
		p.disarmHandle(ref)
	}
	return local, nil
}

// NewGlobal builds a replicated object across the whole group and
// returns this process's local instance.
func (p *Process) NewGlobal() (*Global, error) {
	var g *Global
	var err error
	if werr := p.postWait(func() { g, err = p.startGlobal() }); werr != nil {
		return nil, werr
	}
	return g, err
}
