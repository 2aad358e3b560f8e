package core

import (
	"testing"

	"github.com/jabolina/go-mproc/pkg/mproc/types"
)

type payload struct {
	Name   string
	Handle any
}

// A handle leaving towards a third process becomes its wire form
// and the destination lands on the owner's client set.
func TestCodec_PrepareEmitsWireRefAndBookkeeping(t *testing.T) {
	p := newTestProcess(t)

	ref, err := p.call(0, "core.const", []any{1})
	if err != nil {
		t.Fatalf("failed calling. %v", err)
	}

	out := p.prepareValue(ref, types.ProcessID(2))
	wire, ok := out.(types.WireRef)
	if !ok {
		t.Fatalf("expected a wire handle, found %T", out)
	}
	if wire.ID != ref.id {
		t.Fatalf("wire identifier mismatch: %s", wire.ID)
	}
	item := p.reg.lookup(ref.id.Key())
	if !item.clients.Contains(types.ProcessID(2)) {
		t.Fatal("destination missing from the client set")
	}
}

// No bookkeeping when the destination is the owner itself, it
// inserts itself during deserialization.
func TestCodec_PrepareSkipsOwnerDestination(t *testing.T) {
	p := newTestProcess(t)

	remote := p.internRef(types.RefID{Where: 2, Whence: 0, ID: 5})
	out := p.prepareValue(remote, types.ProcessID(2))
	if _, ok := out.(types.WireRef); !ok {
		t.Fatalf("expected a wire handle, found %T", out)
	}
}

// Handles are rewritten wherever they sit: inside slices, maps and
// exported struct fields. Payloads without handles pass through
// untouched and unchanged containers keep their identity.
func TestCodec_WalkNestedContainers(t *testing.T) {
	p := newTestProcess(t)

	ref, _ := p.call(0, "core.const", []any{1})
	nested := []any{
		map[string]any{"ref": ref, "n": 1},
		payload{Name: "x", Handle: ref},
		"plain",
	}
	out := p.prepareValue(nested, types.ProcessID(2)).([]any)

	m := out[0].(map[string]any)
	if _, ok := m["ref"].(types.WireRef); !ok {
		t.Fatalf("map value not rewritten, found %T", m["ref"])
	}
	if m["n"] != 1 {
		t.Fatal("unrelated map value mutated")
	}
	s := out[1].(payload)
	if _, ok := s.Handle.(types.WireRef); !ok {
		t.Fatalf("struct field not rewritten, found %T", s.Handle)
	}
	if out[2] != "plain" {
		t.Fatal("plain value mutated")
	}

	clean := []any{1, "two", []int{3}}
	if got := p.prepareValue(clean, types.ProcessID(2)); got == nil {
		t.Fatal("clean payload dropped")
	} else if &clean[0] != &got.([]any)[0] {
		t.Fatal("unchanged payload was rebuilt")
	}
}

// Resolving the wire form of a remote identifier reconstructs the
// interned handle.
func TestCodec_ResolveInternsHandle(t *testing.T) {
	p := newTestProcess(t)

	id := types.RefID{Where: 3, Whence: 1, ID: 11}
	out := p.resolveValue(types.WireRef{ID: id})
	ref, ok := out.(*Ref)
	if !ok {
		t.Fatalf("expected a handle, found %T", out)
	}
	if p.internRef(id) != ref {
		t.Fatal("resolved handle is not the interned one")
	}
}

// A locally owned, completed computation short-circuits: the
// receiver gets the value itself instead of a handle.
func TestCodec_ResolveShortcutsDoneValues(t *testing.T) {
	p := newTestProcess(t)

	ref, _ := p.call(0, "core.const", []any{42})
	p.performWork()

	out := p.resolveValue(types.WireRef{ID: ref.id})
	if out != 42 {
		t.Fatalf("expected the value, found %v", out)
	}
	item := p.reg.lookup(ref.id.Key())
	if !item.clients.Contains(types.ProcessID(0)) {
		t.Fatal("receiver did not insert itself on the client set")
	}
}

// A pending local computation resolves to the handle.
func TestCodec_ResolvePendingStaysHandle(t *testing.T) {
	p := newTestProcess(t)

	ref, _ := p.call(0, "core.const", []any{42})
	out := p.resolveValue(types.WireRef{ID: ref.id})
	if out != ref {
		t.Fatalf("expected the interned handle, found %T", out)
	}
}
