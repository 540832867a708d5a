package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// External types: host data attached to objects
// ---------------------------------------------------------------------------

// ExternalType describes host data carried by objects. Types are identified
// by Name; a snapshot can only be restored into a machine that registered
// the same names in the same order.
type ExternalType struct {
	Name string

	// Serialize writes data when s is saving and returns the restored data
	// when s is loading (data is nil then). It must make the same sequence
	// of SnapshotIO calls in both directions.
	Serialize func(s *SnapshotIO, obj ObjectID, data any) (any, error)

	// Cleanup runs when the object is collected or the machine closes.
	// It is not called for nil data.
	Cleanup func(vm *VM, obj ObjectID, data any)

	// Mark reports values the host data keeps alive.
	Mark func(g *GCState, obj ObjectID, data any)
}

// RegisterExternalType adds t and returns its index. Names must be unique.
func (vm *VM) RegisterExternalType(t *ExternalType) (int32, error) {
	if t == nil || t.Name == "" {
		return 0, fmt.Errorf("external type needs a name")
	}
	if _, dup := vm.extIndex[t.Name]; dup {
		return 0, fmt.Errorf("external type %q already registered", t.Name)
	}
	idx := int32(len(vm.extTypes))
	vm.extTypes = append(vm.extTypes, t)
	vm.extIndex[t.Name] = idx
	return idx, nil
}

// ExternalTypes returns the registered type names in registration order.
func (vm *VM) ExternalTypes() []string {
	out := make([]string, len(vm.extTypes))
	for i, t := range vm.extTypes {
		out[i] = t.Name
	}
	return out
}

// NewExternalObject creates an object of the named external type carrying
// data.
func (vm *VM) NewExternalObject(typeName string, data any) (v Value, err error) {
	if err := vm.usable(); err != nil {
		return Nil, err
	}
	defer vm.guard(&err)
	idx, ok := vm.extIndex[typeName]
	if !ok {
		return Nil, fmt.Errorf("%w: %q not registered", ErrExternalTypeMismatch, typeName)
	}
	o := vm.objects.Create()
	vm.attachExternal(o, idx, data)
	return FromObject(o.index), nil
}

// attachExternal binds host data to o. The allocation's release callback
// runs the type's cleanup so teardown after a failure still reaches it.
func (vm *VM) attachExternal(o *Object, idx int32, data any) {
	o.extType = idx
	o.extData = data
	t := vm.extTypes[idx]
	if t.Cleanup != nil {
		vm.alloc.setRelease(o.mem, func() {
			if o.extData != nil {
				t.Cleanup(vm, o.index, o.extData)
			}
		})
	}
}

// ExternalData returns the host data of an external object and its type
// name.
func (vm *VM) ExternalData(v Value) (any, string, bool) {
	if !v.IsObject() {
		return nil, "", false
	}
	o := vm.objects.Get(v.ObjectID())
	if o == nil || o.extType == noExternalType {
		return nil, "", false
	}
	return o.extData, vm.extTypes[o.extType].Name, true
}

// cleanupExternal runs o's cleanup, if any, and removes it from the table.
// Objects whose host data was never restored have nothing to clean up.
func (vm *VM) cleanupExternal(o *Object) {
	if o.extType != noExternalType && o.extData != nil {
		if t := vm.extTypes[o.extType]; t.Cleanup != nil {
			t.Cleanup(vm, o.index, o.extData)
		}
	}
	vm.objects.remove(o.index)
}

// ---------------------------------------------------------------------------
// Subsystems: named host data saved with the machine
// ---------------------------------------------------------------------------

// Subsystem is opaque host state that travels with snapshots.
type Subsystem struct {
	Name string
	Data any

	// Cleanup runs when the machine closes and when a snapshot load
	// replaces Data. It is not called for nil data.
	Cleanup func(vm *VM, data any)

	// Serialize follows the same contract as ExternalType.Serialize.
	Serialize func(s *SnapshotIO, data any) (any, error)

	mem allocHandle
}

// AttachSubsystem registers s. Names must be unique.
func (vm *VM) AttachSubsystem(s *Subsystem) (err error) {
	if err := vm.usable(); err != nil {
		return err
	}
	defer vm.guard(&err)
	if s == nil || s.Name == "" {
		return fmt.Errorf("subsystem needs a name")
	}
	if _, ok := vm.Subsystem(s.Name); ok {
		return fmt.Errorf("%w: %q already attached", ErrSubsystemMismatch, s.Name)
	}
	vm.chargeSubsystem(s)
	vm.subsystems = append(vm.subsystems, s)
	return nil
}

func (vm *VM) chargeSubsystem(s *Subsystem) {
	s.mem = vm.alloc.alloc("subsystem", int64(len(s.Name)))
	if s.Cleanup != nil {
		vm.alloc.setRelease(s.mem, func() { vm.cleanupSubsystemData(s, s.Data) })
	}
}

func (vm *VM) cleanupSubsystemData(s *Subsystem, data any) {
	if s.Cleanup != nil && data != nil {
		s.Cleanup(vm, data)
	}
}

// Subsystem finds an attached subsystem by name.
func (vm *VM) Subsystem(name string) (*Subsystem, bool) {
	for _, s := range vm.subsystems {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

func (vm *VM) cleanupSubsystems() {
	for _, s := range vm.subsystems {
		vm.cleanupSubsystemData(s, s.Data)
		vm.alloc.free(s.mem)
	}
}
