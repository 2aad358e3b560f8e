package core

import (
	"testing"

	"github.com/jabolina/go-mproc/pkg/mproc/types"
)

// Construction over a single-member group: the instance is built
// in place, the peer table holds one weak handle, the registry
// keeps the instance only through the weak box and the process
// figures on its own client set.
func TestGlobal_SingleProcessConstruction(t *testing.T) {
	p := newTestProcess(t)

	g, err := p.startGlobal()
	if err != nil {
		t.Fatalf("failed constructing. %v", err)
	}
	if len(g.refs) != 1 || g.Peer(0) == nil {
		t.Fatal("peer table not bound")
	}
	if !g.Peer(0).weak {
		t.Fatal("peer table handle participates in the reference count")
	}
	if !g.participants.Contains(types.ProcessID(0)) {
		t.Fatal("own process missing from the participant set")
	}

	item := p.reg.lookup(g.Peer(0).id.Key())
	if item == nil {
		t.Fatal("instance not registered")
	}
	if !item.clients.Contains(types.ProcessID(0)) {
		t.Fatal("own process missing from the client set")
	}
	wb, ok := item.result.(weakBox)
	if !ok {
		t.Fatalf("result not weakly boxed, found %T", item.result)
	}
	if wb.get() != g {
		t.Fatal("weak box does not resolve to the instance")
	}
}

// The wire form carries only the destination's table entry and
// resolves back to the local instance.
func TestGlobal_WireRoundtrip(t *testing.T) {
	p := newTestProcess(t)

	g, err := p.startGlobal()
	if err != nil {
		t.Fatalf("failed constructing. %v", err)
	}

	out := p.prepareGlobal(g, types.ProcessID(0))
	wire, ok := out.(types.WireGlobal)
	if !ok {
		t.Fatalf("expected the wire form, found %T", out)
	}
	if wire.Ref != g.Peer(0).id {
		t.Fatalf("wire form carries %s", wire.Ref)
	}

	back := p.resolveValue(wire)
	if back != g {
		t.Fatalf("wire form did not resolve to the instance, found %T", back)
	}
}
