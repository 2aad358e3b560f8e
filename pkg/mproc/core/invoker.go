package core

import "sync"

// Used to spawn and control the goroutines created by the runtime,
// so that a shutdown can wait for everything to finish.
type Invoker interface {
	// Spawn the function on its own goroutine.
	Spawn(f func())

	// Block until every spawned goroutine finished.
	Stop()
}

type groupInvoker struct {
	group *sync.WaitGroup
}

// Creates an invoker backed by a wait group.
func NewInvoker() Invoker {
	return &groupInvoker{group: &sync.WaitGroup{}}
}

func (i *groupInvoker) Spawn(f func()) {
	i.group.Add(1)
	go func() {
		defer i.group.Done()
		f()
	}()
}

func (i *groupInvoker) Stop() {
	i.group.Wait()
}
