package core

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/jabolina/go-mproc/pkg/mproc/types"
)

// The thunk a work item executes. Receives the task context so the
// body can issue further remote operations and await handles.
type Thunk func(t *Task) (any, error)

// The owner-side record of one computation.
type workItem struct {
	// Identifier the item is registered under. Zero for items
	// enqueued through do, which have no registry entry.
	oid types.RefID

	thunk Thunk

	// The runner currently executing the thunk, also reserved for
	// resumption while the item is parked on the waiting table.
	task    *runner
	started bool

	// Monotone: once set it stays set and result is frozen.
	done   bool
	result any

	// Parties awaiting completion, most recent first.
	notify []notifyEntry

	// Value to resume the suspended thunk with on the next turn.
	resume any

	// Process identifiers currently holding a strong handle.
	clients mapset.Set[types.ProcessID]
}

func newWorkItem(oid types.RefID, thunk Thunk) *workItem {
	return &workItem{
		oid:     oid,
		thunk:   thunk,
		clients: mapset.NewThreadUnsafeSet[types.ProcessID](),
	}
}

// One party awaiting a work item's completion. Exactly one of peer
// and ch is set for remote and calling-goroutine waiters, both nil
// marks a local task to be resumed through the waiting table.
type notifyEntry struct {
	peer *peerConn
	ch   chan any
	verb types.Verb
	oid  types.RefID
}

// Runnable items, in enqueue order.
type workQueue struct {
	items []*workItem
}

func newWorkQueue() *workQueue {
	return &workQueue{}
}

func (q *workQueue) push(item *workItem) {
	q.items = append(q.items, item)
}

func (q *workQueue) pop() *workItem {
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return item
}

func (q *workQueue) empty() bool {
	return len(q.items) == 0
}

// One suspension on a remote identifier. Either a parked work item
// to be re-enqueued with the value, or a channel for a waiter
// outside any task.
type waitEntry struct {
	verb types.Verb
	item *workItem
	ch   chan any
}

// Local tasks suspended awaiting the result of an identifier.
type waitingTable struct {
	waiting map[types.RefKey][]waitEntry
}

func newWaitingTable() *waitingTable {
	return &waitingTable{waiting: make(map[types.RefKey][]waitEntry)}
}

func (w *waitingTable) add(key types.RefKey, e waitEntry) {
	w.waiting[key] = append(w.waiting[key], e)
}

// Removes and returns the first entry on the identifier whose verb
// matches.
func (w *waitingTable) take(key types.RefKey, verb types.Verb) (waitEntry, bool) {
	entries := w.waiting[key]
	for i, e := range entries {
		if e.verb != verb {
			continue
		}
		entries = append(entries[:i], entries[i+1:]...)
		if len(entries) == 0 {
			delete(w.waiting, key)
		} else {
			w.waiting[key] = entries
		}
		return e, true
	}
	return waitEntry{}, false
}

// Removes the entry bound to the given reply channel, used to
// back out of an interest whose request failed to send.
func (w *waitingTable) remove(key types.RefKey, ch chan any) {
	entries := w.waiting[key]
	for i, e := range entries {
		if e.ch != ch {
			continue
		}
		entries = append(entries[:i], entries[i+1:]...)
		if len(entries) == 0 {
			delete(w.waiting, key)
		} else {
			w.waiting[key] = entries
		}
		return
	}
}

func (w *waitingTable) size() int {
	total := 0
	for _, entries := range w.waiting {
		total += len(entries)
	}
	return total
}
