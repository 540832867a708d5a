package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Native functions
// ---------------------------------------------------------------------------

// NativeFunc is a host callback. args is a private copy of the call's
// arguments; the returned Value becomes the call's result. A non-nil error
// is recorded as an ordinary error and the call yields nil. Natives may
// re-enter the machine through VM.Call.
type NativeFunc func(vm *VM, args []Value) (Value, error)

// native is one host registration.
type native struct {
	name     string
	arity    int32
	argTypes []Kind
	fn       NativeFunc
}

// RegisterNative makes fn callable from programs that import name.
//
// arity is the fixed argument count, or -1 to accept any count. types, if
// given, lists the expected kind of each argument; KindNil accepts anything.
// Registration must happen before Load or Restore, since both bind native
// imports by name.
func (vm *VM) RegisterNative(name string, arity int32, fn NativeFunc, types ...Kind) error {
	if fn == nil {
		return fmt.Errorf("native %q: nil callback", name)
	}
	if arity < -1 {
		return fmt.Errorf("native %q: invalid arity %d", name, arity)
	}
	if arity >= 0 && len(types) > int(arity) {
		return fmt.Errorf("native %q: %d argument types for arity %d", name, len(types), arity)
	}
	for _, k := range types {
		if !k.Valid() {
			return fmt.Errorf("native %q: invalid argument kind %d", name, k)
		}
	}
	vm.natives[name] = &native{
		name:     name,
		arity:    arity,
		argTypes: append([]Kind(nil), types...),
		fn:       fn,
	}
	return nil
}

// checkArgs validates argument kinds against the native's declaration.
func (n *native) checkArgs(args []Value) error {
	for i, want := range n.argTypes {
		if i >= len(args) {
			break
		}
		if want != KindNil && args[i].Kind() != want {
			return fmt.Errorf("%s: argument %d is %s, expected %s", n.name, i, args[i].Kind(), want)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Function table
// ---------------------------------------------------------------------------

// function is one function table entry. Script functions carry an entry
// address; natives are bound to a host registration by name.
type function struct {
	name    string
	address uint32
	arity   int32
	native  *native
	mem     allocHandle
}

func (f *function) isNative() bool {
	return f.native != nil
}

// declaredArity returns the arity that CALL checks against.
func (f *function) declaredArity() int32 {
	if f.native != nil {
		return f.native.arity
	}
	return f.arity
}

// bindFunction creates a table entry from a declaration, resolving native
// imports against the registered natives.
func (vm *VM) bindFunction(decl FunctionDecl) (*function, error) {
	f := &function{name: decl.Name, address: decl.Address, arity: decl.Arity}
	if decl.Native {
		n, ok := vm.natives[decl.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownNative, decl.Name)
		}
		f.native = n
		f.arity = n.arity
	}
	mem, err := vm.alloc.tryAlloc("function", functionEntryBytes+int64(len(decl.Name)))
	if err != nil {
		return nil, err
	}
	f.mem = mem
	return f, nil
}

// FunctionName returns the declared name of a function ref.
func (vm *VM) FunctionName(v Value) (string, bool) {
	if !v.IsFunction() || int(v.bits) >= len(vm.functions) {
		return "", false
	}
	return vm.functions[v.bits].name, true
}

// FunctionByName returns a function ref for the named table entry.
func (vm *VM) FunctionByName(name string) (Value, bool) {
	for i, f := range vm.functions {
		if f.name == name {
			return FromFunction(FunctionID(i)), true
		}
	}
	return Nil, false
}
