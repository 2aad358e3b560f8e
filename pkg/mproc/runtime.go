// Package mproc implements a peer-to-peer cluster of worker
// processes that execute registered functions on behalf of one
// another, exchange results asynchronously and manage the lifetime
// of handles to pending or completed computations through a
// distributed reference count.
package mproc

import (
	"fmt"
	"net"
	"sync"

	"github.com/jabolina/go-mproc/pkg/mproc/core"
	"github.com/jabolina/go-mproc/pkg/mproc/definition"
	"github.com/jabolina/go-mproc/pkg/mproc/types"
)

// Surface re-exported from the core so applications depend on a
// single package.
type (
	// Handle to a remote computation.
	Ref = core.Ref

	// Value replicated across every process of the group.
	Global = core.Global

	// Execution context a registered function receives.
	Task = core.Task

	// A function peers can invoke remotely by name.
	Func = core.Func
)

// Register makes the function invocable by every peer under the
// given name. Every process of the group must register the same
// set of functions before the cluster is formed.
func Register(name string, fn Func) error {
	return core.Register(name, fn)
}

// Holds information for shutting down the whole process.
type poweroff struct {
	shutdown bool
	mutex    *sync.Mutex
}

// Runtime is one process of the group. The initiator, identifier
// 0, forms the cluster over workers that are already serving on
// their advertised locations. After the bootstrap the protocol is
// peer-symmetric, any process can call into any other.
type Runtime struct {
	configuration *types.Config
	process       *core.Process
	off           poweroff
}

// The default configuration for a process, logging under the
// given name.
func DefaultConfig(name string) *types.Config {
	return &types.Config{
		Version: types.LatestVersion,
		Logger:  definition.NewDefaultLogger(name),
	}
}

func newRuntime(configuration *types.Config, p *core.Process) *Runtime {
	r := &Runtime{
		configuration: configuration,
		process:       p,
		off:           poweroff{mutex: &sync.Mutex{}},
	}
	go p.Run()
	return r
}

// Serve starts a worker listening on the address. The worker
// learns its identity and the location table from the initiator's
// bootstrap payload, and its loop ends cleanly when the peer
// connection reaches end of file.
func Serve(configuration *types.Config, addr string) (*Runtime, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return ServeListener(configuration, lis)
}

// ServeListener starts a worker on an already bound listener.
func ServeListener(configuration *types.Config, lis net.Listener) (*Runtime, error) {
	p, err := core.NewProcess(configuration, lis)
	if err != nil {
		return nil, err
	}
	return newRuntime(configuration, p), nil
}

// Bootstrap forms the cluster from the initiator side. The first
// location is the initiator's own, the rest must already be
// serving.
func Bootstrap(configuration *types.Config, locations []types.Location) (*Runtime, error) {
	if len(locations) == 0 {
		return nil, fmt.Errorf("bootstrap requires at least the initiator location")
	}
	lis, err := net.Listen("tcp", locations[0].Addr())
	if err != nil {
		return nil, err
	}
	return BootstrapListener(configuration, lis, locations)
}

// BootstrapListener forms the cluster using an already bound
// listener for the initiator.
func BootstrapListener(configuration *types.Config, lis net.Listener, locations []types.Location) (*Runtime, error) {
	p, err := core.NewProcess(configuration, lis)
	if err != nil {
		lis.Close()
		return nil, err
	}
	if err := p.StartInitiator(locations); err != nil {
		p.Close()
		p.Wait()
		return nil, err
	}
	return newRuntime(configuration, p), nil
}

// Call submits the named function to the target process and
// returns the handle synchronously. The computation runs on the
// target, the handle can later be synced, fetched or forwarded to
// other peers as an argument.
func (r *Runtime) Call(target types.ProcessID, fn string, args ...any) (*Ref, error) {
	return r.process.Call(target, fn, args...)
}

// Do submits the named function to the target with no handle and
// no registry entry, fire and forget.
func (r *Runtime) Do(target types.ProcessID, fn string, args ...any) error {
	return r.process.Do(target, fn, args...)
}

// NewGlobal builds a value replicated across the whole group and
// returns this process's local instance.
func (r *Runtime) NewGlobal() (*Global, error) {
	return r.process.NewGlobal()
}

// Self returns the identifier assigned to this process, or an
// error while the group is not formed yet.
func (r *Runtime) Self() (types.ProcessID, error) {
	return r.process.Self()
}

// Size returns how many processes form the group.
func (r *Runtime) Size() (int, error) {
	return r.process.Size()
}

// Clients reports the client set of a computation owned by this
// process. Diagnostic surface.
func (r *Runtime) Clients(id types.RefID) ([]types.ProcessID, bool) {
	return r.process.Clients(id)
}

// Pmap applies the named function to every input, dispatching the
// calls round-robin over the other processes of the group, and
// fetches the results in input order. With no other process the
// work runs locally.
func (r *Runtime) Pmap(fn string, inputs []any) ([]any, error) {
	self, err := r.process.Self()
	if err != nil {
		return nil, err
	}
	size, err := r.process.Size()
	if err != nil {
		return nil, err
	}
	var targets []types.ProcessID
	for i := 0; i < size; i++ {
		if types.ProcessID(i) != self {
			targets = append(targets, types.ProcessID(i))
		}
	}
	if len(targets) == 0 {
		targets = []types.ProcessID{self}
	}

	refs := make([]*Ref, len(inputs))
	for i, input := range inputs {
		ref, err := r.process.Call(targets[i%len(targets)], fn, input)
		if err != nil {
			return nil, err
		}
		refs[i] = ref
	}
	out := make([]any, len(inputs))
	for i, ref := range refs {
		v, err := ref.Fetch()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Shutdown stops the process and waits until the loop and every
// spawned goroutine finished. Safe to call more than once.
func (r *Runtime) Shutdown() {
	r.off.mutex.Lock()
	defer r.off.mutex.Unlock()
	if r.off.shutdown {
		return
	}
	r.off.shutdown = true
	r.process.Close()
	r.process.Wait()
}

// Wait blocks until the process loop ends, which for a worker
// happens when a peer connection closes.
func (r *Runtime) Wait() {
	r.process.Wait()
}
