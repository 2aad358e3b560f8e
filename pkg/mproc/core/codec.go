package core

import (
	"reflect"
	"weak"

	"github.com/jabolina/go-mproc/pkg/mproc/types"
)

// A weak box around a replicated object, stored as the owning work
// item's result so local disappearance stays observable without the
// registry keeping the instance alive.
type weakBox struct {
	ptr weak.Pointer[Global]
}

func (w weakBox) get() *Global {
	return w.ptr.Value()
}

// Rewrites an outbound payload for the destination process,
// replacing handles and replicated objects with their wire forms
// and emitting the client-set bookkeeping the substitution implies.
// Event loop only.
func (p *Process) prepareValue(v any, dest types.ProcessID) any {
	return p.walk(v, func(x any) (any, bool) {
		switch value := x.(type) {
		case *Ref:
			p.noteHandleSend(value, dest)
			return types.WireRef{ID: value.id}, true
		case *Global:
			return p.prepareGlobal(value, dest), true
		case weakBox:
			if g := value.get(); g != nil {
				return p.prepareGlobal(g, dest), true
			}
			return types.RemoteError{On: p.self, Reason: "replicated object already reclaimed"}, true
		}
		return nil, false
	})
}

func (p *Process) prepareArgs(args []any, dest types.ProcessID) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = p.prepareValue(a, dest)
	}
	return out
}

// Rewrites an inbound payload, reconstructing handles from their
// wire forms. Event loop only.
func (p *Process) resolveValue(v any) any {
	return p.walk(v, func(x any) (any, bool) {
		switch value := x.(type) {
		case types.WireRef:
			return p.resolveRef(value.ID), true
		case types.WireGlobal:
			return p.resolveGlobal(value.Ref), true
		}
		return nil, false
	})
}

func (p *Process) resolveArgs(args []any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = p.resolveValue(a)
	}
	return out
}

// Client-set bookkeeping for a handle leaving towards dest. The
// owner needs no message when it is the destination, it inserts
// itself during deserialization. When the sender owns the
// computation the addition is applied in place.
func (p *Process) noteHandleSend(r *Ref, dest types.ProcessID) {
	owner := r.id.Where
	if dest == owner || dest < 0 {
		return
	}
	if owner == p.self {
		p.reg.ensure(r.id).clients.Add(dest)
		return
	}
	p.sendControl(owner, funcAddClient, []any{r.id, dest})
}

// Reconstructs a handle from its identifier. For a locally owned,
// already completed computation the handle short-circuits into the
// value itself, or into the local instance for replicated objects.
func (p *Process) resolveRef(id types.RefID) any {
	if id.Where == p.self {
		if item := p.reg.lookup(id.Key()); item != nil {
			item.clients.Add(p.self)
			if item.done {
				if wb, ok := item.result.(weakBox); ok {
					if g := wb.get(); g != nil {
						return g
					}
				} else {
					return item.result
				}
			}
		}
	}
	return p.internRef(id)
}

// Resolves the table entry carried for a replicated object into
// this process's local instance.
func (p *Process) resolveGlobal(id types.RefID) any {
	if item := p.reg.lookup(id.Key()); item != nil {
		item.clients.Add(p.self)
		if item.done {
			if wb, ok := item.result.(weakBox); ok {
				if g := wb.get(); g != nil {
					return g
				}
			}
			if g, ok := item.result.(*Global); ok {
				return g
			}
		}
	}
	p.logger.Warnf("no local instance for replicated object %s", id)
	return p.internRef(id)
}

// Applies the rewrite over a payload tree, descending through
// slices, arrays, maps and exported struct fields. Containers are
// rebuilt only when a nested value actually changed, so payloads
// without handles pass through untouched.
func (p *Process) walk(v any, rewrite func(any) (any, bool)) any {
	if v == nil {
		return nil
	}
	out, changed := p.walkValue(reflect.ValueOf(v), rewrite)
	if !changed {
		return v
	}
	return out.Interface()
}

func (p *Process) walkValue(rv reflect.Value, rewrite func(any) (any, bool)) (reflect.Value, bool) {
	if !rv.IsValid() || !rv.CanInterface() {
		return rv, false
	}
	if out, ok := rewrite(rv.Interface()); ok {
		return reflect.ValueOf(out), true
	}
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return rv, false
		}
		return p.walkValue(rv.Elem(), rewrite)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return rv, false
		}
		var out reflect.Value
		changed := false
		for i := 0; i < rv.Len(); i++ {
			nv, c := p.walkValue(rv.Index(i), rewrite)
			if !c {
				continue
			}
			if !changed {
				out = reflect.New(rv.Type()).Elem()
				if rv.Kind() == reflect.Slice {
					out.Set(reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len()))
				}
				reflect.Copy(out, rv)
				changed = true
			}
			if !p.assign(out.Index(i), nv) {
				return rv, false
			}
		}
		if changed {
			return out, true
		}
		return rv, false
	case reflect.Map:
		if rv.IsNil() {
			return rv, false
		}
		var out reflect.Value
		changed := false
		iter := rv.MapRange()
		for iter.Next() {
			nv, c := p.walkValue(iter.Value(), rewrite)
			if !c {
				continue
			}
			if !changed {
				out = reflect.MakeMapWithSize(rv.Type(), rv.Len())
				inner := rv.MapRange()
				for inner.Next() {
					out.SetMapIndex(inner.Key(), inner.Value())
				}
				changed = true
			}
			if !nv.Type().AssignableTo(rv.Type().Elem()) {
				p.logger.Warnf("cannot rewrite %s into map of %s", nv.Type(), rv.Type().Elem())
				return rv, false
			}
			out.SetMapIndex(iter.Key(), nv)
		}
		if changed {
			return out, true
		}
		return rv, false
	case reflect.Struct:
		var out reflect.Value
		changed := false
		for i := 0; i < rv.NumField(); i++ {
			field := rv.Field(i)
			if !field.CanInterface() {
				continue
			}
			nv, c := p.walkValue(field, rewrite)
			if !c {
				continue
			}
			if !changed {
				out = reflect.New(rv.Type()).Elem()
				out.Set(rv)
				changed = true
			}
			if !p.assign(out.Field(i), nv) {
				return rv, false
			}
		}
		if changed {
			return out, true
		}
		return rv, false
	}
	return rv, false
}

func (p *Process) assign(slot reflect.Value, nv reflect.Value) bool {
	if !nv.Type().AssignableTo(slot.Type()) {
		p.logger.Warnf("cannot rewrite %s into slot of %s", nv.Type(), slot.Type())
		return false
	}
	slot.Set(nv)
	return true
}
