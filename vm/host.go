package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Host API: strings, objects and handles
// ---------------------------------------------------------------------------

// Intern returns a string ref for s, creating the entry if needed. The
// entry is collectable like any other: keep the ref reachable from a stack,
// a global or a handled object, or pin it.
func (vm *VM) Intern(s string) (v Value, err error) {
	if err := vm.usable(); err != nil {
		return Nil, err
	}
	defer vm.guard(&err)
	return FromString(vm.strings.Intern(s)), nil
}

// Pin marks a string so it is never collected or moved.
func (vm *VM) Pin(v Value) error {
	if !v.IsString() || vm.strings.entry(v.StringID()) == nil {
		return fmt.Errorf("pin: %s is not a live string", v)
	}
	vm.strings.Pin(v.StringID())
	return nil
}

// String returns the content of a string ref.
func (vm *VM) String(v Value) (string, bool) {
	if !v.IsString() {
		return "", false
	}
	return vm.strings.Get(v.StringID())
}

// FindString looks up an interned string without creating it.
func (vm *VM) FindString(s string) (Value, bool) {
	id, ok := vm.strings.Find(s)
	if !ok {
		return Nil, false
	}
	return FromString(id), true
}

// Strings returns the string table.
func (vm *VM) Strings() *StringTable { return vm.strings }

// Objects returns the object table.
func (vm *VM) Objects() *ObjectTable { return vm.objects }

// NewObject creates an empty object. Like NEW_OBJECT, the result is
// collectable until it is reachable or acquired.
func (vm *VM) NewObject() (v Value, err error) {
	if err := vm.usable(); err != nil {
		return Nil, err
	}
	defer vm.guard(&err)
	return FromObject(vm.objects.Create().index), nil
}

func (vm *VM) liveObject(v Value) (*Object, error) {
	if !v.IsObject() {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchObject, v)
	}
	o := vm.objects.Get(v.ObjectID())
	if o == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchObject, v.bits)
	}
	return o, nil
}

// SetField stores obj[key] = val.
func (vm *VM) SetField(obj, key, val Value) (err error) {
	if err := vm.usable(); err != nil {
		return err
	}
	defer vm.guard(&err)
	o, err := vm.liveObject(obj)
	if err != nil {
		return err
	}
	for _, v := range [...]Value{key, val} {
		if err := vm.checkValue(v); err != nil {
			return err
		}
	}
	if _, exists := o.get(key); !exists {
		if limit := vm.limits.MaxObjectFields; limit > 0 && o.count >= limit {
			return fmt.Errorf("object %d exceeds %d fields", o.index, limit)
		}
		vm.objects.charge(o, o.count+1)
	}
	o.set(key, val)
	return nil
}

// Field returns obj[key].
func (vm *VM) Field(obj, key Value) (Value, bool) {
	o, err := vm.liveObject(obj)
	if err != nil {
		return Nil, false
	}
	return o.get(key)
}

// DeleteField removes obj[key], reporting whether it existed.
func (vm *VM) DeleteField(obj, key Value) (bool, error) {
	o, err := vm.liveObject(obj)
	if err != nil {
		return false, err
	}
	if !o.del(key) {
		return false, nil
	}
	vm.objects.charge(o, o.count)
	return true, nil
}

// Fields returns a copy of obj's properties.
func (vm *VM) Fields(obj Value) ([]Property, error) {
	o, err := vm.liveObject(obj)
	if err != nil {
		return nil, err
	}
	return o.properties(), nil
}

// Acquire adds an external handle to obj. Handled objects are collector
// roots and are never moved by Shrink.
func (vm *VM) Acquire(obj Value) error {
	o, err := vm.liveObject(obj)
	if err != nil {
		return err
	}
	vm.objects.acquire(o)
	return nil
}

// Release drops one external handle from obj.
func (vm *VM) Release(obj Value) error {
	o, err := vm.liveObject(obj)
	if err != nil {
		return err
	}
	if o.handles == 0 {
		return fmt.Errorf("object %d has no handles", o.index)
	}
	vm.objects.release(o)
	return nil
}

// Push places v on the current stack.
func (vm *VM) Push(v Value) (err error) {
	if err := vm.usable(); err != nil {
		return err
	}
	defer vm.guard(&err)
	if err := vm.checkValue(v); err != nil {
		return err
	}
	n := len(vm.errors)
	vm.push(v)
	if len(vm.errors) > n {
		return fmt.Errorf("push: %s", vm.errors[len(vm.errors)-1])
	}
	return nil
}

// Pop removes and returns the top of the current stack.
func (vm *VM) Pop() (Value, bool) {
	if vm.current.sp == 0 {
		return Nil, false
	}
	return vm.pop(), true
}

// Top returns the top of the current stack without removing it.
func (vm *VM) Top() (Value, bool) {
	if vm.current.sp == 0 {
		return Nil, false
	}
	return vm.peek(0), true
}
