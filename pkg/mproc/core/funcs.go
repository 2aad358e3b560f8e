package core

import (
	"fmt"
	"strings"
	"sync"

	"github.com/jabolina/go-mproc/pkg/mproc/types"
)

// A function that peers can invoke remotely by name. Closures do
// not cross process boundaries, so every participant registers the
// same set of functions before the group is formed, the wire only
// carries the name and the arguments.
type Func func(t *Task, args ...any) (any, error)

// Names under this prefix are reserved for the runtime's own
// control operations.
const reserved = "mproc."

const (
	funcIdentify    = "mproc.identifySocket"
	funcDelClient   = "mproc.delClient"
	funcAddClient   = "mproc.addClient"
	funcEmptyGlobal = "mproc.emptyGlobal"
	funcInitGlobal  = "mproc.initGlobal"
)

var (
	funcsMu sync.RWMutex
	funcs   = make(map[string]Func)
)

// Register makes the function invocable by every peer under the
// given name. Registering the same name again replaces the previous
// function.
func Register(name string, fn Func) error {
	if strings.HasPrefix(name, reserved) {
		return fmt.Errorf("function name %q is reserved", name)
	}
	if fn == nil {
		return fmt.Errorf("function %q is nil", name)
	}
	register(name, fn)
	return nil
}

func register(name string, fn Func) {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	funcs[name] = fn
}

func lookupFunc(name string) (Func, bool) {
	funcsMu.RLock()
	defer funcsMu.RUnlock()
	fn, ok := funcs[name]
	return fn, ok
}

func init() {
	register(funcDelClient, delClientFunc)
	register(funcAddClient, addClientFunc)
	register(funcEmptyGlobal, emptyGlobalFunc)
	register(funcInitGlobal, initGlobalFunc)
}

// Drops the sender from the client set of a locally owned
// computation. Carried between peers through do messages.
func delClientFunc(t *Task, args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("delClient expects 2 arguments, got %d", len(args))
	}
	oid, ok := args[0].(types.RefID)
	if !ok {
		return nil, fmt.Errorf("delClient expects an identifier, got %T", args[0])
	}
	client, ok := args[1].(types.ProcessID)
	if !ok {
		return nil, fmt.Errorf("delClient expects a process id, got %T", args[1])
	}
	t.p.reg.delClient(oid.Key(), client)
	return nil, nil
}

// Records a new holder on the client set of a locally owned
// computation.
func addClientFunc(t *Task, args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("addClient expects 2 arguments, got %d", len(args))
	}
	oid, ok := args[0].(types.RefID)
	if !ok {
		return nil, fmt.Errorf("addClient expects an identifier, got %T", args[0])
	}
	client, ok := args[1].(types.ProcessID)
	if !ok {
		return nil, fmt.Errorf("addClient expects a process id, got %T", args[1])
	}
	item := t.p.reg.ensure(oid)
	item.clients.Add(client)
	return nil, nil
}
