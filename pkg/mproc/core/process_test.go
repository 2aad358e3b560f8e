package core

import (
	"testing"

	"github.com/jabolina/go-mproc/pkg/mproc/definition"
	"github.com/jabolina/go-mproc/pkg/mproc/types"
)

// A process with a single-member group and no transport, driven
// manually on the test goroutine. Every scheduler interaction is
// exercised by calling performWork directly, the way the loop
// would between polls.
func newTestProcess(t *testing.T) *Process {
	t.Helper()
	cfg := &types.Config{Logger: definition.NewDefaultLogger("core-test")}
	p, err := NewProcess(cfg, nil)
	if err != nil {
		t.Fatalf("failed creating process. %v", err)
	}
	p.self = 0
	p.group = &processGroup{
		self:      0,
		cluster:   "core-test",
		locations: []types.Location{{Host: "127.0.0.1", Port: 0}},
		peers:     []*peerConn{{id: 0, self: true}},
	}
	t.Cleanup(func() {
		if p.idle != nil {
			p.idle.close()
			p.idle = nil
		}
		p.signal()
	})
	return p
}

func init() {
	register("core.const", func(t *Task, args ...any) (any, error) {
		return args[0], nil
	})
	register("core.sum", func(t *Task, args ...any) (any, error) {
		total := 0
		for _, a := range args {
			total += a.(int)
		}
		return total, nil
	})
	register("core.chain", func(t *Task, args ...any) (any, error) {
		v, err := t.Fetch(args[0].(*Ref))
		if err != nil {
			return nil, err
		}
		return v.(int) + 1, nil
	})
	register("core.fail", func(t *Task, args ...any) (any, error) {
		panic("broken thunk")
	})
}

func TestProcess_LocalCallRunsToCompletion(t *testing.T) {
	p := newTestProcess(t)

	ref, err := p.call(0, "core.sum", []any{20, 22})
	if err != nil {
		t.Fatalf("failed calling. %v", err)
	}
	item := p.reg.lookup(ref.id.Key())
	if item == nil {
		t.Fatal("call did not register the work item")
	}
	if !item.clients.Contains(types.ProcessID(0)) {
		t.Fatal("owner not on its own client set")
	}

	p.performWork()
	if !item.done {
		t.Fatal("work item not done after one step")
	}
	if item.result != 42 {
		t.Fatalf("expected 42, found %v", item.result)
	}
}

// A task awaiting a local identifier parks on the waiting table
// and resumes with the value once the producer completes.
func TestProcess_SuspendAndResume(t *testing.T) {
	p := newTestProcess(t)

	producer, err := p.call(0, "core.const", []any{41})
	if err != nil {
		t.Fatalf("failed calling producer. %v", err)
	}
	consumer, err := p.call(0, "core.chain", []any{producer})
	if err != nil {
		t.Fatalf("failed calling consumer. %v", err)
	}

	// Run the consumer first so it actually suspends.
	prodItem := p.reg.lookup(producer.id.Key())
	consItem := p.reg.lookup(consumer.id.Key())
	p.queue.items = []*workItem{consItem, prodItem}

	p.performWork()
	if consItem.done {
		t.Fatal("consumer finished without its input")
	}
	if consItem.task == nil {
		t.Fatal("suspended item lost its runner")
	}
	if p.waiting.size() != 1 {
		t.Fatalf("expected 1 suspension, found %d", p.waiting.size())
	}

	p.performWork()
	if !prodItem.done {
		t.Fatal("producer not done")
	}
	if p.queue.empty() {
		t.Fatal("consumer was not re-enqueued after delivery")
	}

	p.performWork()
	if !consItem.done {
		t.Fatal("consumer not done after resumption")
	}
	if consItem.result != 42 {
		t.Fatalf("expected 42, found %v", consItem.result)
	}
	if consItem.task != nil {
		t.Fatal("finished item still holds a runner")
	}
}

// Once done, a work item stays done and its result is frozen.
func TestProcess_DoneIsMonotone(t *testing.T) {
	p := newTestProcess(t)

	item := newWorkItem(types.RefID{Where: 0, Whence: 0, ID: 9}, nil)
	p.markDone(item, 1)
	p.markDone(item, 2)
	if item.result != 1 {
		t.Fatalf("result mutated after done, found %v", item.result)
	}
}

// A panicking thunk completes the item with the failure value and
// its runner is not returned to the idle slot.
func TestProcess_PanicDiscardsRunner(t *testing.T) {
	p := newTestProcess(t)

	ref, err := p.call(0, "core.fail", nil)
	if err != nil {
		t.Fatalf("failed calling. %v", err)
	}
	p.performWork()

	item := p.reg.lookup(ref.id.Key())
	if item == nil || !item.done {
		t.Fatal("failed thunk did not complete its item")
	}
	failure, ok := item.result.(types.RemoteError)
	if !ok {
		t.Fatalf("expected a failure value, found %T", item.result)
	}
	if failure.On != 0 {
		t.Fatalf("failure reported on process %d", failure.On)
	}
	if p.idle != nil {
		t.Fatal("broken runner went back to the idle slot")
	}

	// The process keeps executing fresh work on a new runner.
	after, err := p.call(0, "core.sum", []any{1, 1})
	if err != nil {
		t.Fatalf("failed calling. %v", err)
	}
	p.performWork()
	if got := p.reg.lookup(after.id.Key()).result; got != 2 {
		t.Fatalf("expected 2, found %v", got)
	}
}

// The single idle runner is reused across items.
func TestProcess_RunnerReuse(t *testing.T) {
	p := newTestProcess(t)

	first, _ := p.call(0, "core.sum", []any{1})
	p.performWork()
	reused := p.idle
	if reused == nil {
		t.Fatal("no idle runner after completion")
	}

	second, _ := p.call(0, "core.sum", []any{2})
	p.performWork()
	if p.idle != reused {
		t.Fatal("idle runner was not reused")
	}
	if p.reg.lookup(first.id.Key()).result != 1 || p.reg.lookup(second.id.Key()).result != 2 {
		t.Fatal("unexpected results")
	}
}
