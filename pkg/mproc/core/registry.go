package core

import (
	"github.com/jabolina/go-mproc/pkg/mproc/types"
)

// Locally owned computations, keyed by identifier. An item stays
// registered for as long as at least one process, possibly the
// owner itself, holds a strong handle to it.
type registry struct {
	items map[types.RefKey]*workItem
}

func newRegistry() *registry {
	return &registry{items: make(map[types.RefKey]*workItem)}
}

func (r *registry) register(item *workItem) {
	r.items[item.oid.Key()] = item
}

func (r *registry) lookup(key types.RefKey) *workItem {
	return r.items[key]
}

// Returns the item for the identifier, creating an empty
// placeholder when none exists yet. Messages about one computation
// travel on different connections, so a fetch or a client addition
// may overtake the call that fills the thunk in.
func (r *registry) ensure(oid types.RefID) *workItem {
	if item := r.items[oid.Key()]; item != nil {
		return item
	}
	item := newWorkItem(oid, nil)
	r.register(item)
	return item
}

// Records that the given process holds a strong handle to the
// identified computation.
func (r *registry) addClient(key types.RefKey, client types.ProcessID) bool {
	item := r.items[key]
	if item == nil {
		return false
	}
	item.clients.Add(client)
	return true
}

// Removes the process from the client set, dropping the item
// entirely once no holder remains.
func (r *registry) delClient(key types.RefKey, client types.ProcessID) {
	item := r.items[key]
	if item == nil {
		return
	}
	item.clients.Remove(client)
	if item.clients.Cardinality() == 0 {
		delete(r.items, key)
	}
}

func (r *registry) size() int {
	return len(r.items)
}
