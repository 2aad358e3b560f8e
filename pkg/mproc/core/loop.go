package core

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	plog "github.com/prometheus/common/log"
	"golang.org/x/sync/errgroup"

	"github.com/jabolina/go-mproc/pkg/mproc/types"
)

var (
	// Returned when the process already shut down.
	ErrClosed = errors.New("process is shut down")

	// Returned when an operation requires a formed process group.
	ErrNoGroup = errors.New("process group not formed")

	// Returned when the target identifier is outside the group.
	ErrBadTarget = errors.New("target process outside the group")
)

// The fixed set of peers participating in the runtime, with one
// connection per pair.
type processGroup struct {
	self      types.ProcessID
	cluster   string
	locations []types.Location
	peers     []*peerConn

	// Frames addressed to peers whose connection was not identified
	// yet. Lower identifiers dial higher ones after bootstrap, so a
	// send towards a lower peer may briefly precede its identify.
	backlog [][]*types.Message
}

func newProcessGroup(self types.ProcessID, cluster string, locations []types.Location) *processGroup {
	return &processGroup{
		self:      self,
		cluster:   cluster,
		locations: locations,
		peers:     make([]*peerConn, len(locations)),
		backlog:   make([][]*types.Message, len(locations)),
	}
}

// A single process of the group, driving both network traffic and
// local cooperative task execution on one event loop goroutine.
//
// The registry, waiting table, work queue, handle table and peer
// set are owned exclusively by that goroutine. Thunks touch them
// directly only while the loop is parked yielding into their
// runner, every other goroutine marshals operations through post.
type Process struct {
	cfg     *types.Config
	logger  types.Logger
	invoker Invoker
	trans   *transport

	self  types.ProcessID
	group *processGroup

	reg     *registry
	waiting *waitingTable
	queue   *workQueue
	refs    *refTable

	// The single idle runner kept for reuse.
	idle *runner

	// Monotone identifier allocation for handles created here.
	counter uint64

	// Operations marshalled onto the loop from other goroutines,
	// public API calls and handle reclamations alike.
	ops chan func()

	done     chan struct{}
	finished chan struct{}
	off      sync.Once

	// Frames that arrived on accepted connections before the
	// bootstrap materialized the group.
	parked []envelope
}

// Creates a process that listens for peers on the given listener.
// Workers pass their advertised listener and learn their identity
// from the bootstrap payload, the initiator follows up with
// StartInitiator before running the loop.
func NewProcess(cfg *types.Config, lis net.Listener) (*Process, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	invoker := NewInvoker()
	p := &Process{
		cfg:      cfg,
		logger:   cfg.Logger,
		invoker:  invoker,
		trans:    newTransport(lis, cfg.InboxDepth, invoker, cfg.Logger),
		self:     -1,
		reg:      newRegistry(),
		waiting:  newWaitingTable(),
		queue:    newWorkQueue(),
		refs:     newRefTable(),
		ops:      make(chan func(), cfg.OpsDepth),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	p.trans.start()
	return p, nil
}

// Forms the group from the initiator side: connects to every
// worker, assigns identifiers and sends the bootstrap payload as
// the first frame on each connection. The workers must already be
// listening on their advertised locations.
func (p *Process) StartInitiator(locations []types.Location) error {
	if p.group != nil {
		return fmt.Errorf("group already formed")
	}
	cluster := uuid.NewString()
	group := newProcessGroup(0, cluster, locations)
	group.peers[0] = &peerConn{id: 0, loc: locations[0], self: true}

	var mu sync.Mutex
	var g errgroup.Group
	for i := 1; i < len(locations); i++ {
		id := types.ProcessID(i)
		loc := locations[i]
		g.Go(func() error {
			pc, err := p.trans.dial(id, loc)
			if err != nil {
				return fmt.Errorf("failed connecting worker %d at %s: %w", id, loc.Addr(), err)
			}
			mu.Lock()
			group.peers[id] = pc
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := 1; i < len(locations); i++ {
		msg := &types.Message{
			Version:   p.cfg.Version,
			Verb:      types.VerbBootstrap,
			Peer:      types.ProcessID(i),
			Cluster:   cluster,
			Locations: locations,
		}
		if err := group.peers[i].send(msg); err != nil {
			return fmt.Errorf("failed bootstrapping worker %d: %w", i, err)
		}
	}

	p.self = 0
	p.group = group
	return nil
}

// Run drives the event loop until shutdown or until an established
// peer connection reaches end of file, which ends a worker cleanly.
//
// Each turn services one inbound frame or one marshalled operation.
// When the work queue is non-empty the poll does not block and an
// idle poll executes one step of work, when the queue is empty the
// loop blocks until an event arrives.
func (p *Process) Run() {
	defer close(p.finished)
	defer p.cleanup()
	for {
		if p.queue.empty() {
			select {
			case env := <-p.trans.inbox:
				if !p.dispatch(env) {
					return
				}
			case op := <-p.ops:
				op()
			case <-p.done:
				return
			}
		} else {
			select {
			case env := <-p.trans.inbox:
				if !p.dispatch(env) {
					return
				}
			case op := <-p.ops:
				op()
			case <-p.done:
				return
			default:
				p.performWork()
			}
		}
	}
}

// Marshals an operation onto the event loop goroutine.
func (p *Process) post(op func()) error {
	select {
	case p.ops <- op:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

// Marshals an operation and waits for it to run.
func (p *Process) postWait(op func()) error {
	ran := make(chan struct{})
	if err := p.post(func() {
		op()
		close(ran)
	}); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-p.finished:
		select {
		case <-ran:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close requests shutdown. The loop drains on its own goroutine,
// use Wait to block until everything stopped.
func (p *Process) Close() {
	p.signal()
}

// Wait blocks until the event loop and every spawned goroutine
// finished.
func (p *Process) Wait() {
	<-p.finished
	p.invoker.Stop()
}

func (p *Process) signal() {
	p.off.Do(func() {
		close(p.done)
		p.trans.close()
	})
}

// Final cleanup on the loop goroutine itself.
func (p *Process) cleanup() {
	p.signal()
	if p.idle != nil {
		p.idle.close()
		p.idle = nil
	}
	p.logger.Infof("process %d shut down", p.self)
}

// Routes one inbound envelope. Returns false when the loop must
// end, on end of file from an established peer.
func (p *Process) dispatch(env envelope) bool {
	if env.err != nil {
		return p.connectionBroken(env)
	}
	msg := env.msg
	if msg.Version != p.cfg.Version {
		p.logger.Warnf("not processing %s message on version %d", msg.Verb, msg.Version)
		return true
	}
	if p.group == nil && msg.Verb != types.VerbBootstrap {
		p.parked = append(p.parked, env)
		return true
	}
	switch msg.Verb {
	case types.VerbBootstrap:
		p.bootstrap(env)
	case types.VerbCall:
		p.handleCall(env)
	case types.VerbDo:
		p.handleDo(env)
	case types.VerbSync, types.VerbFetch:
		p.handleWait(env)
	case types.VerbResult:
		p.deliverLocal(msg.Wait, msg.OID, p.resolveValue(msg.Value))
	default:
		p.logger.Warnf("unknown verb %d from peer %d", msg.Verb, env.pc.id)
	}
	return true
}

// An end of file from an established peer ends the loop cleanly. A
// decode failure leaves the stream without a recoverable frame
// boundary, so the connection is dropped and the loop continues.
func (p *Process) connectionBroken(env envelope) bool {
	if errors.Is(env.err, net.ErrClosed) {
		return true
	}
	if errors.Is(env.err, io.EOF) || errors.Is(env.err, io.ErrUnexpectedEOF) {
		if env.pc.id >= 0 {
			p.logger.Infof("connection to peer %d closed", env.pc.id)
			return false
		}
		env.pc.conn.Close()
		return true
	}
	p.logger.Errorf("dropping connection to peer %d. %v", env.pc.id, env.err)
	env.pc.conn.Close()
	return true
}

// Materializes the process group from the bootstrap payload and
// opens the outbound half of the mesh towards every higher
// identifier. Frames that raced ahead of the bootstrap on other
// connections are replayed afterwards.
func (p *Process) bootstrap(env envelope) {
	msg := env.msg
	if p.group != nil {
		p.logger.Warnf("ignoring bootstrap, group already formed")
		return
	}
	self := msg.Peer
	if int(self) <= 0 || int(self) >= len(msg.Locations) {
		p.logger.Errorf("bootstrap carries invalid identifier %d", self)
		return
	}

	group := newProcessGroup(self, msg.Cluster, msg.Locations)
	env.pc.id = 0
	env.pc.loc = msg.Locations[0]
	group.peers[0] = env.pc
	group.peers[self] = &peerConn{id: self, loc: msg.Locations[self], self: true}

	p.self = self
	p.group = group

	for j := int(self) + 1; j < len(msg.Locations); j++ {
		id := types.ProcessID(j)
		pc, err := p.trans.dial(id, msg.Locations[j])
		if err != nil {
			p.logger.Errorf("failed connecting peer %d. %v", id, err)
			continue
		}
		group.peers[j] = pc
		identify := &types.Message{
			Version: p.cfg.Version,
			Verb:    types.VerbDo,
			Func:    funcIdentify,
			Args:    []any{self, msg.Cluster},
		}
		if err := pc.send(identify); err != nil {
			p.logger.Errorf("failed identifying to peer %d. %v", id, err)
		}
	}
	p.logger.Infof("joined cluster %s as process %d of %d", msg.Cluster, self, len(msg.Locations))

	parked := p.parked
	p.parked = nil
	for _, e := range parked {
		p.dispatch(e)
	}
}

// Records the reverse direction of a connection opened by a lower
// identifier. The connection itself is injected by the dispatcher,
// the arguments carry the claimed identity.
func (p *Process) identifySocket(pc *peerConn, args []any) error {
	if len(args) != 2 {
		return fmt.Errorf("identify expects 2 arguments, got %d", len(args))
	}
	id, ok := args[0].(types.ProcessID)
	if !ok {
		return fmt.Errorf("identify expects a process id, got %T", args[0])
	}
	cluster, ok := args[1].(string)
	if !ok {
		return fmt.Errorf("identify expects a cluster id, got %T", args[1])
	}
	if cluster != p.group.cluster {
		pc.conn.Close()
		return fmt.Errorf("peer %d belongs to cluster %s, not %s", id, cluster, p.group.cluster)
	}
	if int(id) < 0 || int(id) >= len(p.group.peers) {
		pc.conn.Close()
		return fmt.Errorf("peer identifier %d outside the group", id)
	}
	pc.id = id
	pc.loc = p.group.locations[id]
	p.group.peers[id] = pc
	for _, m := range p.group.backlog[id] {
		if err := pc.send(m); err != nil {
			p.logger.Errorf("failed flushing frame to peer %d. %v", id, err)
		}
	}
	p.group.backlog[id] = nil
	return nil
}

// Sends one frame towards a peer. Frames addressed to a peer whose
// connection was not identified yet are buffered and flushed on its
// identify, preserving their order.
func (p *Process) send(id types.ProcessID, msg *types.Message) error {
	if p.group == nil {
		return ErrNoGroup
	}
	if int(id) < 0 || int(id) >= len(p.group.peers) {
		return ErrBadTarget
	}
	pc := p.group.peers[id]
	if pc != nil && pc.self {
		return ErrNotConnected
	}
	if pc != nil && pc.conn != nil {
		return pc.send(msg)
	}
	p.group.backlog[id] = append(p.group.backlog[id], msg)
	return nil
}

// Sends a control operation without payload rewriting, the
// arguments are plain identifiers.
func (p *Process) sendControl(id types.ProcessID, fn string, args []any) {
	msg := &types.Message{Version: p.cfg.Version, Verb: types.VerbDo, Func: fn, Args: args}
	if err := p.send(id, msg); err != nil {
		p.logger.Errorf("failed sending %s to peer %d. %v", fn, id, err)
	}
}

func (p *Process) handleCall(env envelope) {
	msg := env.msg
	args := p.resolveArgs(msg.Args)
	item := p.reg.ensure(msg.OID)
	item.thunk = p.thunkFor(msg.Func, args)
	item.clients.Add(msg.OID.Whence)
	p.queue.push(item)
}

func (p *Process) handleDo(env envelope) {
	msg := env.msg
	if msg.Func == funcIdentify {
		pc := env.pc
		args := msg.Args
		item := newWorkItem(types.RefID{}, func(t *Task) (any, error) {
			return nil, t.p.identifySocket(pc, args)
		})
		p.queue.push(item)
		return
	}
	args := p.resolveArgs(msg.Args)
	item := newWorkItem(types.RefID{}, p.thunkFor(msg.Func, args))
	p.queue.push(item)
}

// A sync or fetch from a remote peer: reply immediately when done,
// otherwise attach the peer to the item's notify list. The item is
// materialized as a placeholder when the request overtook the call.
func (p *Process) handleWait(env envelope) {
	msg := env.msg
	item := p.reg.ensure(msg.OID)
	if item.done {
		p.sendResult(env.pc, msg.Verb, msg.OID, item)
		return
	}
	item.notify = append([]notifyEntry{{peer: env.pc, verb: msg.Verb, oid: msg.OID}}, item.notify...)
}

// Binds a name to a runnable thunk. An unknown name still produces
// a thunk, so the failure is delivered to waiters instead of being
// swallowed.
func (p *Process) thunkFor(name string, args []any) Thunk {
	fn, ok := lookupFunc(name)
	if !ok {
		return func(*Task) (any, error) {
			return nil, fmt.Errorf("unknown function %q", name)
		}
	}
	return func(t *Task) (any, error) {
		return fn(t, args...)
	}
}

// Executes one scheduling step: pop one item and drive its runner
// until it yields. Terminal yields complete the item and run
// notifications, a wait yield parks the item on the waiting table
// with its runner still bound for resumption.
func (p *Process) performWork() {
	item := p.queue.pop()
	if item == nil {
		return
	}
	var y yield
	if !item.started {
		r := p.takeRunner()
		item.task = r
		item.started = true
		r.in <- startInput{item: item, task: &Task{p: p, item: item, r: r}}
		y = <-r.out
	} else {
		r := item.task
		value := item.resume
		item.resume = nil
		r.in <- resumeInput{value: value}
		y = <-r.out
	}

	switch y.kind {
	case yieldDone:
		r := item.task
		item.task = nil
		p.releaseRunner(r, y.broken)
		p.markDone(item, y.value)
	case yieldWait:
		p.waiting.add(y.oid.Key(), waitEntry{verb: y.verb, item: item})
	}
}

func (p *Process) takeRunner() *runner {
	if p.idle != nil {
		r := p.idle
		p.idle = nil
		return r
	}
	return newRunner(p.invoker)
}

// Returns a runner to the idle slot, or terminates it when the
// slot is taken. Broken runners already unwound their goroutine.
func (p *Process) releaseRunner(r *runner, broken bool) {
	if broken {
		return
	}
	if p.idle == nil {
		p.idle = r
		return
	}
	r.close()
}

// Completes a work item. Once done the flag and the result are
// frozen, late completions are ignored.
func (p *Process) markDone(item *workItem, value any) {
	if item.done {
		return
	}
	item.done = true
	item.result = value
	item.thunk = nil
	if failure, ok := value.(types.RemoteError); ok {
		p.logger.Errorf("computation %s failed: %s", item.oid, failure.Reason)
	}
	p.notifyDone(item)
}

// Drains the notify list, delivering the result to remote sockets,
// reply channels and locally suspended tasks.
func (p *Process) notifyDone(item *workItem) {
	pending := item.notify
	item.notify = nil
	for _, e := range pending {
		switch {
		case e.peer != nil:
			p.sendResult(e.peer, e.verb, e.oid, item)
		case e.ch != nil:
			e.ch <- p.resultValue(e.verb, item, e.oid)
		default:
			p.deliverLocal(e.verb, e.oid, p.resultValue(e.verb, item, e.oid))
		}
	}
}

// The value a waiter receives: the identifier for sync, the result
// for fetch. A weakly boxed replicated object resolves to the
// instance itself.
func (p *Process) resultValue(verb types.Verb, item *workItem, oid types.RefID) any {
	if verb == types.VerbSync {
		return oid
	}
	if wb, ok := item.result.(weakBox); ok {
		if g := wb.get(); g != nil {
			return g
		}
		return types.RemoteError{On: p.self, Reason: "replicated object already reclaimed"}
	}
	return item.result
}

// Sends a result frame to a remote waiter. A serialization failure
// is caught and the error itself is sent in the value slot, so the
// requester does not hang.
func (p *Process) sendResult(pc *peerConn, verb types.Verb, oid types.RefID, item *workItem) {
	var value any
	if verb == types.VerbSync {
		value = oid
	} else {
		value = p.prepareValue(item.result, pc.id)
	}
	msg := &types.Message{
		Version: p.cfg.Version,
		Verb:    types.VerbResult,
		Wait:    verb,
		OID:     oid,
		Value:   value,
	}
	if err := pc.send(msg); err != nil {
		plog.Errorf("failed sending result for %s to peer %d. %v", oid, pc.id, err)
		fallback := &types.Message{
			Version: p.cfg.Version,
			Verb:    types.VerbResult,
			Wait:    verb,
			OID:     oid,
			Value:   types.RemoteError{On: p.self, Reason: err.Error()},
		}
		if err := pc.send(fallback); err != nil {
			p.logger.Errorf("connection to peer %d lost replying %s. %v", pc.id, oid, err)
		}
	}
}

// Hands a delivered value to the first waiter suspended on the
// identifier with a matching verb: either a reply channel or a
// parked task re-enqueued with the value bound for resumption.
func (p *Process) deliverLocal(verb types.Verb, oid types.RefID, value any) {
	e, ok := p.waiting.take(oid.Key(), verb)
	if !ok {
		p.logger.Warnf("no waiter for %s on %s", verb, oid)
		return
	}
	if e.ch != nil {
		e.ch <- value
		return
	}
	e.item.resume = value
	p.queue.push(e.item)
}

// Registers interest from a goroutine outside any task, replying
// on the channel once the computation completes.
func (p *Process) interest(verb types.Verb, id types.RefID, reply chan any) {
	if p.group == nil {
		reply <- types.RemoteError{On: p.self, Reason: ErrNoGroup.Error()}
		return
	}
	if id.Where == p.self {
		item := p.reg.lookup(id.Key())
		if item == nil {
			reply <- types.RemoteError{On: p.self, Reason: fmt.Sprintf("unknown reference %s", id)}
			return
		}
		if item.done {
			reply <- p.resultValue(verb, item, id)
			return
		}
		item.notify = append([]notifyEntry{{ch: reply, verb: verb, oid: id}}, item.notify...)
		return
	}
	p.waiting.add(id.Key(), waitEntry{verb: verb, ch: reply})
	msg := &types.Message{Version: p.cfg.Version, Verb: verb, OID: id}
	if err := p.send(id.Where, msg); err != nil {
		p.waiting.remove(id.Key(), reply)
		reply <- types.RemoteError{On: p.self, Reason: err.Error()}
	}
}

// Allocates an identifier and issues the call, returning the
// handle synchronously. A call to the local process registers and
// enqueues the work item directly. Event loop context.
func (p *Process) call(target types.ProcessID, fn string, args []any) (*Ref, error) {
	if p.group == nil {
		return nil, ErrNoGroup
	}
	if int(target) < 0 || int(target) >= len(p.group.peers) {
		return nil, ErrBadTarget
	}
	p.counter++
	oid := types.RefID{Where: target, Whence: p.self, ID: p.counter}
	if target == p.self {
		item := newWorkItem(oid, p.thunkFor(fn, args))
		p.reg.register(item)
		item.clients.Add(p.self)
		p.queue.push(item)
		return p.internRef(oid), nil
	}
	msg := &types.Message{
		Version: p.cfg.Version,
		Verb:    types.VerbCall,
		OID:     oid,
		Func:    fn,
		Args:    p.prepareArgs(args, target),
	}
	if err := p.send(target, msg); err != nil {
		return nil, err
	}
	return p.internRef(oid), nil
}

// Fire and forget: the target enqueues the thunk with no registry
// entry. Event loop context.
func (p *Process) do(target types.ProcessID, fn string, args []any) error {
	if p.group == nil {
		return ErrNoGroup
	}
	if int(target) < 0 || int(target) >= len(p.group.peers) {
		return ErrBadTarget
	}
	if target == p.self {
		item := newWorkItem(types.RefID{}, p.thunkFor(fn, args))
		p.queue.push(item)
		return nil
	}
	msg := &types.Message{
		Version: p.cfg.Version,
		Verb:    types.VerbDo,
		Func:    fn,
		Args:    p.prepareArgs(args, target),
	}
	return p.send(target, msg)
}

// Call issues a remote invocation from outside any task, returning
// the handle for the allocated identifier.
func (p *Process) Call(target types.ProcessID, fn string, args ...any) (*Ref, error) {
	var ref *Ref
	var err error
	if werr := p.postWait(func() { ref, err = p.call(target, fn, args) }); werr != nil {
		return nil, werr
	}
	return ref, err
}

// Do issues a fire and forget invocation from outside any task.
func (p *Process) Do(target types.ProcessID, fn string, args ...any) error {
	var err error
	if werr := p.postWait(func() { err = p.do(target, fn, args) }); werr != nil {
		return werr
	}
	return err
}

// Self returns the identifier assigned to this process, or
// ErrNoGroup while the group is not formed yet.
func (p *Process) Self() (types.ProcessID, error) {
	var id types.ProcessID
	if err := p.postWait(func() { id = p.self }); err != nil {
		return -1, err
	}
	if id < 0 {
		return -1, ErrNoGroup
	}
	return id, nil
}

// Size returns how many processes form the group.
func (p *Process) Size() (int, error) {
	var n int
	if err := p.postWait(func() {
		if p.group != nil {
			n = len(p.group.locations)
		}
	}); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNoGroup
	}
	return n, nil
}

// Clients reports the client set of a locally owned computation.
// Diagnostic surface, the second return is false when the registry
// has no entry for the identifier.
func (p *Process) Clients(id types.RefID) ([]types.ProcessID, bool) {
	var out []types.ProcessID
	var ok bool
	if err := p.postWait(func() {
		if item := p.reg.lookup(id.Key()); item != nil {
			ok = true
			out = item.clients.ToSlice()
		}
	}); err != nil {
		return nil, false
	}
	return out, ok
}
