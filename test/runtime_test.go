package test

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jabolina/go-mproc/pkg/mproc/types"
)

func TestRuntime_BootstrapCluster(t *testing.T) {
	cluster := CreateCluster(3, "bootstrap", t)
	cluster.Off()
}

// A single remote invocation: the caller receives the handle
// synchronously, the fetch blocks until the worker delivers the
// value. Once the handle is released the owner's registry entry
// disappears.
func TestRuntime_CallAndFetch(t *testing.T) {
	cluster := CreateCluster(2, "call-fetch", t)
	defer cluster.Off()

	ref, err := cluster.Runtimes[0].Call(1, "add", 41, 1)
	require.NoError(t, err)

	v, err := ref.Fetch()
	require.NoError(t, err)
	require.Equal(t, 42, v)

	oid := ref.ID()
	clients, ok := cluster.Runtimes[1].Clients(oid)
	require.True(t, ok)
	assert.Contains(t, clients, types.ProcessID(0))

	ref.Release()
	assert.Eventually(t, func() bool {
		_, ok := cluster.Runtimes[1].Clients(oid)
		return !ok
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRuntime_SyncThenFetch(t *testing.T) {
	cluster := CreateCluster(2, "sync", t)
	defer cluster.Off()

	ref, err := cluster.Runtimes[0].Call(1, "square", 9)
	require.NoError(t, err)
	require.NoError(t, ref.Sync())

	v, err := ref.Fetch()
	require.NoError(t, err)
	require.Equal(t, 81, v)
}

// Round-robin parallel map over the worker set.
func TestRuntime_Pmap(t *testing.T) {
	cluster := CreateCluster(4, "pmap", t)
	defer cluster.Off()

	out, err := cluster.Runtimes[0].Pmap("square", []any{10, 20, 30})
	require.NoError(t, err)
	require.Equal(t, []any{100, 400, 900}, out)
}

// A handle produced on one worker is forwarded as an argument to
// another, which awaits it. The owner's client set holds both the
// originator and the forwarded destination while the handles live,
// and converges to empty once everything is dropped.
func TestRuntime_HandleForwarding(t *testing.T) {
	cluster := CreateCluster(4, "forward", t)
	defer cluster.Off()

	initiator := cluster.Runtimes[0]
	produced, err := initiator.Call(2, "add", 20, 1)
	require.NoError(t, err)

	chained, err := initiator.Call(3, "fetchAdd", produced, 100)
	require.NoError(t, err)

	v, err := chained.Fetch()
	require.NoError(t, err)
	require.Equal(t, 121, v)

	oid := produced.ID()
	assert.Eventually(t, func() bool {
		clients, ok := cluster.Runtimes[2].Clients(oid)
		if !ok {
			return false
		}
		set := map[types.ProcessID]bool{}
		for _, c := range clients {
			set[c] = true
		}
		return set[types.ProcessID(0)] && set[types.ProcessID(3)]
	}, 3*time.Second, 20*time.Millisecond)

	produced.Release()
	chained.Release()
	assert.Eventually(t, func() bool {
		runtime.GC()
		_, ok := cluster.Runtimes[2].Clients(oid)
		return !ok
	}, 5*time.Second, 50*time.Millisecond)
}

// A failing thunk completes its work item with the failure as the
// value, the fetch returns instead of hanging.
func TestRuntime_ThunkFailure(t *testing.T) {
	cluster := CreateCluster(2, "failure", t)
	defer cluster.Off()

	ref, err := cluster.Runtimes[0].Call(1, "boom")
	require.NoError(t, err)

	_, err = ref.Fetch()
	require.Error(t, err)
	var failure types.RemoteError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, types.ProcessID(1), failure.On)
	assert.Contains(t, failure.Reason, "boom")
}

// A panicking thunk is recovered, its runner is discarded and the
// worker keeps serving afterwards.
func TestRuntime_ThunkPanic(t *testing.T) {
	cluster := CreateCluster(2, "panic", t)
	defer cluster.Off()

	ref, err := cluster.Runtimes[0].Call(1, "explode")
	require.NoError(t, err)

	_, err = ref.Fetch()
	require.Error(t, err)
	var failure types.RemoteError
	require.ErrorAs(t, err, &failure)
	assert.Contains(t, failure.Reason, "exploded on purpose")

	after, err := cluster.Runtimes[0].Call(1, "add", 1, 1)
	require.NoError(t, err)
	v, err := after.Fetch()
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

// A task awaiting a slow remote computation yields control: the
// suspended worker keeps serving other requests and resumes
// exactly when the result arrives.
func TestRuntime_SuspendedTaskResumption(t *testing.T) {
	cluster := CreateCluster(3, "resume", t)
	defer cluster.Off()

	initiator := cluster.Runtimes[0]
	slow, err := initiator.Call(2, "slowValue", 500, 7)
	require.NoError(t, err)

	chained, err := initiator.Call(1, "fetchAdd", slow, 1)
	require.NoError(t, err)

	// Worker 1 is now suspended on worker 2's computation. It must
	// still answer unrelated work well before the sleep elapses.
	started := time.Now()
	quick, err := initiator.Call(1, "add", 1, 2)
	require.NoError(t, err)
	v, err := quick.Fetch()
	require.NoError(t, err)
	require.Equal(t, 3, v)
	assert.Less(t, time.Since(started), 300*time.Millisecond)

	v, err = chained.Fetch()
	require.NoError(t, err)
	require.Equal(t, 8, v)
}

// Replicated object construction: every instance is reachable
// through the peer table, any entry fetched from the initiator
// resolves to the initiator's own instance, and serializing the
// object to a process already holding it emits no bookkeeping.
func TestRuntime_GlobalObject(t *testing.T) {
	cluster := CreateCluster(3, "global", t)
	defer cluster.Off()

	g, err := cluster.Runtimes[0].NewGlobal()
	require.NoError(t, err)

	local, err := g.Peer(0).Fetch()
	require.NoError(t, err)
	require.Same(t, g, local)

	remote, err := g.Peer(1).Fetch()
	require.NoError(t, err)
	require.Same(t, g, remote)

	// After construction every process figures on every instance's
	// client set.
	oid := g.Peer(1).ID()
	assert.Eventually(t, func() bool {
		clients, ok := cluster.Runtimes[1].Clients(oid)
		return ok && len(clients) == 3
	}, 3*time.Second, 20*time.Millisecond)

	// Worker 1 already participates, sending the object there again
	// must not grow any client set.
	ref, err := cluster.Runtimes[0].Call(1, "touchGlobal", g)
	require.NoError(t, err)
	v, err := ref.Fetch()
	require.NoError(t, err)
	require.Equal(t, true, v)

	clients, ok := cluster.Runtimes[1].Clients(oid)
	require.True(t, ok)
	assert.Len(t, clients, 3)
}
