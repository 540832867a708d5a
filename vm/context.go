package vm

import "fmt"

// ---------------------------------------------------------------------------
// Execution contexts
// ---------------------------------------------------------------------------

// CoroutineState is the lifecycle state of a context.
type CoroutineState int32

const (
	StateCreated   CoroutineState = 0 // never resumed
	StateRunning   CoroutineState = 1 // on the active chain
	StateFinished  CoroutineState = 2 // function returned
	StateSuspended CoroutineState = 3 // yielded, resumable
)

func (s CoroutineState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateSuspended:
		return "suspended"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// initialStackCap is the stack capacity of a new context.
const initialStackCap = 64

// Context is one execution context: a value stack and an instruction
// pointer. The root context has no parent and no object. Every other context
// is a coroutine, owned by a script-visible object of the built-in
// "coroutine" external type; the object and the context die together.
type Context struct {
	stack  []Value
	sp     int
	ip     uint32
	parent *Context
	state  CoroutineState
	object ObjectID
	root   bool

	// entry is the function a created coroutine invokes on first resume.
	entry FunctionID

	// hostCalls counts VM.Call invocations in progress on this context.
	// A context with a pending host call cannot yield.
	hostCalls int

	mem allocHandle
}

// newContext allocates a context with a stack of the given capacity.
func (vm *VM) newContext(capacity int) *Context {
	c := &Context{stack: make([]Value, capacity)}
	c.mem = vm.alloc.alloc("context", contextBytes+int64(capacity)*valueBytes)
	return c
}

// IP returns the instruction pointer.
func (c *Context) IP() uint32 { return c.ip }

// Depth returns the number of live stack slots.
func (c *Context) Depth() int { return c.sp }

// State returns the coroutine state.
func (c *Context) State() CoroutineState { return c.state }

// Stack returns a copy of the live stack, bottom first.
func (c *Context) Stack() []Value {
	out := make([]Value, c.sp)
	copy(out, c.stack[:c.sp])
	return out
}

// live returns the live stack slots without copying.
func (c *Context) live() []Value {
	return c.stack[:c.sp]
}

// ---------------------------------------------------------------------------
// Stack primitives
// ---------------------------------------------------------------------------

// push appends v, growing the stack by doubling. Exceeding the configured
// maximum depth is an ordinary error and the value is dropped.
func (vm *VM) push(v Value) {
	c := vm.current
	if vm.limits.MaxStackDepth > 0 && c.sp >= vm.limits.MaxStackDepth {
		vm.fail("stack overflow: depth %d", c.sp)
		return
	}
	if c.sp == len(c.stack) {
		vm.growStack(c, c.sp+1)
	}
	c.stack[c.sp] = v
	c.sp++
}

// pop removes the top slot. Callers check depth with need first.
func (vm *VM) pop() Value {
	c := vm.current
	c.sp--
	v := c.stack[c.sp]
	c.stack[c.sp] = Nil
	return v
}

// peek returns the slot depth entries below the top (0 = top).
func (vm *VM) peek(depth int) Value {
	c := vm.current
	return c.stack[c.sp-1-depth]
}

// need records a stack underflow unless at least n slots are live.
func (vm *VM) need(n int) bool {
	if vm.current.sp < n {
		vm.fail("stack underflow: need %d, have %d", n, vm.current.sp)
		return false
	}
	return true
}

// drop discards n slots.
func (vm *VM) drop(n int) {
	c := vm.current
	for i := 0; i < n; i++ {
		c.sp--
		c.stack[c.sp] = Nil
	}
}

func (vm *VM) growStack(c *Context, need int) {
	newCap := growCapacity(len(c.stack), need)
	vm.alloc.resize(c.mem, contextBytes+int64(newCap)*valueBytes)
	stack := make([]Value, newCap)
	copy(stack, c.stack[:c.sp])
	c.stack = stack
}

// shrinkStack reduces capacity to the smallest power of two holding sp.
func (vm *VM) shrinkStack(c *Context) {
	n, err := pow2AtLeast(c.sp)
	if err != nil || n >= len(c.stack) {
		return
	}
	stack := make([]Value, n)
	copy(stack, c.stack[:c.sp])
	c.stack = stack
	vm.alloc.resize(c.mem, contextBytes+int64(n)*valueBytes)
}

// chain returns the active contexts from current outwards, ending with the
// root.
func (vm *VM) chain() []*Context {
	var out []*Context
	for c := vm.current; c != nil; c = c.parent {
		out = append(out, c)
	}
	if len(out) == 0 || out[len(out)-1] != vm.root {
		out = append(out, vm.root)
	}
	return out
}
