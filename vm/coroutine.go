package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Coroutines
// ---------------------------------------------------------------------------

// CoroutineTypeName is the external type backing coroutine objects. It is
// always registered first, at index 0.
const CoroutineTypeName = "coroutine"

const coroutineType int32 = 0

// coroutineStackCap is the initial stack capacity of a coroutine context.
const coroutineStackCap = 16

func (vm *VM) registerCoroutineType() {
	_, _ = vm.RegisterExternalType(&ExternalType{
		Name:      CoroutineTypeName,
		Serialize: vm.serializeCoroutine,
		Cleanup: func(vm *VM, _ ObjectID, data any) {
			if c, ok := data.(*Context); ok {
				vm.alloc.free(c.mem)
			}
		},
		Mark: func(g *GCState, _ ObjectID, data any) {
			if c, ok := data.(*Context); ok {
				g.markValues(c.live())
			}
		},
	})
}

// coroutineArg resolves a coroutine operand.
func (vm *VM) coroutineArg(v Value) *Context {
	o := vm.objectArg(v)
	if o == nil {
		return nil
	}
	c, ok := o.extData.(*Context)
	if o.extType != coroutineType || !ok {
		vm.fail("object %d is not a coroutine", o.index)
		return nil
	}
	return c
}

// Coroutine returns the context behind a coroutine object.
func (vm *VM) Coroutine(v Value) (*Context, bool) {
	if !v.IsObject() {
		return nil, false
	}
	o := vm.objects.Get(v.ObjectID())
	if o == nil || o.extType != coroutineType {
		return nil, false
	}
	c, ok := o.extData.(*Context)
	return c, ok
}

// opCoroutine wraps a function ref in a new context: fn → coroutine.
func opCoroutine(vm *VM) {
	if !vm.need(1) {
		return
	}
	fv := vm.pop()
	if !fv.IsFunction() || int(fv.bits) >= len(vm.functions) {
		vm.fail("cannot make a coroutine from %s", fv)
		return
	}
	c := vm.newContext(coroutineStackCap)
	c.state = StateCreated
	c.entry = fv.FunctionID()
	o := vm.objects.Create()
	c.object = o.index
	vm.attachExternal(o, coroutineType, c)
	vm.push(FromObject(o.index))
}

// opResume switches into a coroutine: co value → result. The value becomes
// the argument of a created coroutine's function, or the result of the
// YIELD a suspended coroutine is waiting in.
func opResume(vm *VM) {
	if !vm.need(2) {
		return
	}
	v := vm.pop()
	co := vm.coroutineArg(vm.pop())
	if co == nil {
		vm.push(Nil)
		return
	}
	if co.state != StateCreated && co.state != StateSuspended {
		vm.fail("cannot resume %s coroutine", co.state)
		vm.push(Nil)
		return
	}

	first := co.state == StateCreated
	co.parent = vm.current
	co.state = StateRunning
	vm.current = co
	if !first {
		vm.push(v)
		return
	}
	f := vm.functions[co.entry]
	vm.push(FromFunction(co.entry))
	argc := int32(1)
	if f.declaredArity() == 0 {
		argc = 0
	} else {
		vm.push(v)
	}
	vm.push(FromInt(argc))
	vm.push(FromInt(retCoroutine))
	vm.invoke()
}

// opYield switches back to the resumer: value → (in the resumer) value.
func opYield(vm *VM) {
	if !vm.need(1) {
		return
	}
	v := vm.pop()
	c := vm.current
	if c.root || c.parent == nil {
		vm.fail("yield outside a coroutine")
		vm.push(Nil)
		return
	}
	if c.hostCalls > 0 {
		vm.fail("cannot yield across a host call")
		vm.push(Nil)
		return
	}
	c.state = StateSuspended
	vm.current = c.parent
	c.parent = nil
	vm.push(v)
}

// finishCoroutine completes the current coroutine, delivering r to its
// resumer.
func (vm *VM) finishCoroutine(r Value) {
	c := vm.current
	if c.root || c.parent == nil {
		vm.push(r)
		vm.fail("return past the root context")
		return
	}
	vm.unwind(0)
	c.state = StateFinished
	vm.current = c.parent
	c.parent = nil
	vm.shrinkStack(c)
	vm.push(r)
}

// opStatus pushes a coroutine's state as an int: co → state.
func opStatus(vm *VM) {
	if !vm.need(1) {
		return
	}
	co := vm.coroutineArg(vm.pop())
	if co == nil {
		return
	}
	vm.push(FromInt(int32(co.state)))
}

// serializeCoroutine saves or restores a coroutine context. The parent link
// is not part of the record; the snapshot's active chain restores it.
func (vm *VM) serializeCoroutine(s *SnapshotIO, obj ObjectID, data any) (any, error) {
	c, _ := data.(*Context)
	var capacity, sp, ip, state, entry uint32
	if !s.Loading() {
		if c == nil {
			return nil, fmt.Errorf("coroutine %d has no context", obj)
		}
		capacity, sp, ip = uint32(len(c.stack)), uint32(c.sp), c.ip
		state, entry = uint32(c.state), uint32(c.entry)
	}
	s.Uint32(&capacity)
	s.Uint32(&sp)
	s.Uint32(&ip)
	s.Uint32(&state)
	s.Uint32(&entry)
	if err := s.Err(); err != nil {
		return nil, err
	}
	if s.Loading() {
		if !validCapacity(capacity) {
			return nil, fmt.Errorf("%w: coroutine %d stack capacity %d", ErrBadCapacity, obj, capacity)
		}
		if sp > capacity {
			return nil, fmt.Errorf("%w: coroutine %d depth %d exceeds capacity %d", ErrCorruptSnapshot, obj, sp, capacity)
		}
		if CoroutineState(state) > StateSuspended {
			return nil, fmt.Errorf("%w: coroutine %d state %d", ErrCorruptSnapshot, obj, state)
		}
		if int(entry) >= len(vm.functions) {
			return nil, fmt.Errorf("%w: coroutine %d entry function %d", ErrCorruptSnapshot, obj, entry)
		}
		mem, err := vm.alloc.tryAlloc("context", contextBytes+int64(capacity)*valueBytes)
		if err != nil {
			return nil, err
		}
		c = &Context{
			stack:  make([]Value, capacity),
			sp:     int(sp),
			ip:     ip,
			state:  CoroutineState(state),
			entry:  FunctionID(entry),
			object: obj,
			mem:    mem,
		}
	}
	for i := 0; i < c.sp; i++ {
		s.Value(&c.stack[i])
	}
	if err := s.Err(); err != nil {
		if s.Loading() {
			vm.alloc.free(c.mem)
		}
		return nil, err
	}
	return c, nil
}
