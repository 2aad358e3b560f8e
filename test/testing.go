package test

import (
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/jabolina/go-mproc/pkg/mproc"
	"github.com/jabolina/go-mproc/pkg/mproc/helper"
	"github.com/jabolina/go-mproc/pkg/mproc/types"
)

// Functions every process of the in-memory clusters can execute.
// All processes share one OS process here, so a single registration
// covers the whole group, the same way a deployed cluster runs the
// same binary everywhere.
func init() {
	mproc.Register("add", func(t *mproc.Task, args ...any) (any, error) {
		total := 0
		for _, a := range args {
			v, ok := a.(int)
			if !ok {
				return nil, fmt.Errorf("add expects ints, got %T", a)
			}
			total += v
		}
		return total, nil
	})

	mproc.Register("square", func(t *mproc.Task, args ...any) (any, error) {
		v := args[0].(int)
		return v * v, nil
	})

	mproc.Register("boom", func(t *mproc.Task, args ...any) (any, error) {
		return nil, fmt.Errorf("boom")
	})

	mproc.Register("explode", func(t *mproc.Task, args ...any) (any, error) {
		panic("exploded on purpose")
	})

	// Sleeps inside the thunk before returning the value, keeping
	// the owning process busy for the duration.
	mproc.Register("slowValue", func(t *mproc.Task, args ...any) (any, error) {
		time.Sleep(time.Duration(args[0].(int)) * time.Millisecond)
		return args[1], nil
	})

	// Awaits the handle received as first argument and adds the
	// second to its value. Exercises suspension and resumption of
	// tasks and handle forwarding between peers.
	mproc.Register("fetchAdd", func(t *mproc.Task, args ...any) (any, error) {
		ref, ok := args[0].(*mproc.Ref)
		if !ok {
			return nil, fmt.Errorf("fetchAdd expects a handle, got %T", args[0])
		}
		v, err := t.Fetch(ref)
		if err != nil {
			return nil, err
		}
		return v.(int) + args[1].(int), nil
	})

	// Receives a replicated object and reports whether the local
	// instance arrived initialized.
	mproc.Register("touchGlobal", func(t *mproc.Task, args ...any) (any, error) {
		g, ok := args[0].(*mproc.Global)
		if !ok {
			return nil, fmt.Errorf("touchGlobal expects a replicated object, got %T", args[0])
		}
		return g.Peer(t.Self()) != nil, nil
	})
}

// A whole process group running inside the test binary, every
// member on its own loopback listener. Index zero is the
// initiator.
type Cluster struct {
	T        *testing.T
	Runtimes []*mproc.Runtime
}

// CreateCluster forms a group of the given size and waits until
// every worker processed its bootstrap.
func CreateCluster(size int, prefix string, t *testing.T) *Cluster {
	listeners, locations, err := helper.LoopbackListeners(size)
	if err != nil {
		t.Fatalf("failed binding listeners. %v", err)
	}

	cluster := &Cluster{T: t, Runtimes: make([]*mproc.Runtime, size)}
	for i := 1; i < size; i++ {
		conf := mproc.DefaultConfig(fmt.Sprintf("%s-worker-%d", prefix, i))
		r, err := mproc.ServeListener(conf, listeners[i])
		if err != nil {
			t.Fatalf("failed serving worker %d. %v", i, err)
		}
		cluster.Runtimes[i] = r
	}

	conf := mproc.DefaultConfig(prefix + "-initiator")
	r, err := mproc.BootstrapListener(conf, listeners[0], locations)
	if err != nil {
		t.Fatalf("failed bootstrapping cluster. %v", err)
	}
	cluster.Runtimes[0] = r

	for i := 1; i < size; i++ {
		waitReady(t, cluster.Runtimes[i], types.ProcessID(i))
	}
	return cluster
}

func waitReady(t *testing.T, r *mproc.Runtime, expected types.ProcessID) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		id, err := r.Self()
		if err == nil {
			if id != expected {
				t.Fatalf("worker joined as %d, expected %d", id, expected)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("worker %d never joined the group", expected)
}

// Off shuts the whole group down, initiator first so the workers
// observe end of file on their peer connections.
func (c *Cluster) Off() {
	for _, r := range c.Runtimes {
		if r != nil {
			r.Shutdown()
		}
	}
}

func PrintStackTrace(t *testing.T) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	t.Errorf("%s", buf)
}

func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan bool)
	go func() {
		cb()
		done <- true
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}
