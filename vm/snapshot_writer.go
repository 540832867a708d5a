package vm

import (
	"bytes"
	"fmt"
	"io"
)

// ---------------------------------------------------------------------------
// Snapshot writer
// ---------------------------------------------------------------------------

// SaveSnapshot writes the complete machine state to w. Execution resumes
// exactly where it stopped once the snapshot is loaded into a machine with
// the same natives, external types and subsystems registered.
func (vm *VM) SaveSnapshot(w io.Writer) (err error) {
	if err := vm.usable(); err != nil {
		return err
	}
	defer vm.guard(&err)
	if vm.reentered() {
		return fmt.Errorf("cannot snapshot machine %s: %w", vm.id, ErrReentered)
	}
	s := newSnapshotWriter(vm, w)
	vm.writeSnapshot(s)
	if err := s.flush(); err != nil {
		vm.snapLog.Errorf("machine %s: snapshot failed: %v", vm.id, err)
		return err
	}
	vm.snapLog.Infof("machine %s: snapshot saved: %d strings, %d objects, %d code slots",
		vm.id, vm.strings.Len(), vm.objects.Len(), len(vm.code))
	return nil
}

// Snapshot returns the machine state as a byte slice.
func (vm *VM) Snapshot() ([]byte, error) {
	var buf bytes.Buffer
	if err := vm.SaveSnapshot(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (vm *VM) writeSnapshot(s *SnapshotIO) {
	magic := SnapshotMagic
	s.raw(magic[:])
	version := SnapshotVersion
	s.Uint32(&version)

	vm.writeCode(s)
	vm.writeErrors(s)
	vm.writeStatic(s)
	vm.writeContext(s, vm.root)
	vm.writeStrings(s)
	vm.writeCounters(s)
	vm.writeFunctions(s)
	vm.writeObjects(s)
	vm.writeNames(s, vm.globalNames)
	vm.writeNames(s, vm.ExternalTypes())
	vm.writeSubsystems(s)
	vm.writeExternalData(s)
	vm.writeDebug(s)
	vm.writeChain(s)
}

// writeCode saves the capacity, so the address mask reconstructs, and the
// code up to the last instruction that is not a no-op.
func (vm *VM) writeCode(s *SnapshotIO) {
	capacity := uint32(len(vm.code))
	s.capacity("code", &capacity)
	end := len(vm.code)
	for end > 0 && Opcode(vm.code[end-1]) == OpNop {
		end--
	}
	n := uint32(end)
	s.Uint32(&n)
	for i := 0; i < end; i++ {
		s.Int32(&vm.code[i])
	}
}

func (vm *VM) writeErrors(s *SnapshotIO) {
	n := uint32(len(vm.errors))
	s.count("error", &n)
	for i := range vm.errors {
		s.String(&vm.errors[i])
	}
}

func (vm *VM) writeStatic(s *SnapshotIO) {
	capacity := uint32(len(vm.static))
	s.capacity("static space", &capacity)
	n := uint32(vm.staticLen)
	s.Uint32(&n)
	for i := 0; i < vm.staticLen; i++ {
		s.Value(&vm.static[i])
	}
}

// writeContext saves a stack and pointer. Coroutine state travels with the
// coroutine's object.
func (vm *VM) writeContext(s *SnapshotIO, c *Context) {
	capacity := uint32(len(c.stack))
	s.capacity("stack", &capacity)
	sp := uint32(c.sp)
	s.Uint32(&sp)
	for i := 0; i < c.sp; i++ {
		s.Value(&c.stack[i])
	}
	s.Uint32(&c.ip)
}

func (vm *VM) writeStrings(s *SnapshotIO) {
	st := vm.strings
	capacity := uint32(len(st.slots))
	s.capacity("string table", &capacity)
	n := uint32(st.count)
	s.count("string", &n)
	for _, e := range st.slots {
		if e == nil {
			continue
		}
		index := uint32(e.index)
		s.Uint32(&index)
		s.Bool(&e.pinned)
		s.Uint32(&e.stamp)
		s.String(&e.data)
	}
}

func (vm *VM) writeCounters(s *SnapshotIO) {
	s.Uint32(&vm.gcPass)
	countdown := int32(vm.gcCountdown)
	s.Int32(&countdown)
	executed := uint64(vm.executed)
	s.Uint64(&executed)
}

func (vm *VM) writeFunctions(s *SnapshotIO) {
	n := uint32(len(vm.functions))
	s.count("function", &n)
	for _, f := range vm.functions {
		native := f.isNative()
		s.String(&f.name)
		s.Bool(&native)
		s.Int32(&f.arity)
		s.Uint32(&f.address)
	}
}

func (vm *VM) writeObjects(s *SnapshotIO) {
	ot := vm.objects
	capacity := uint32(len(ot.slots))
	s.capacity("object table", &capacity)
	n := uint32(ot.count)
	s.count("object", &n)
	for _, o := range ot.slots {
		if o == nil {
			continue
		}
		index := uint32(o.index)
		s.Uint32(&index)
		s.Int32(&o.handles)
		s.Int32(&o.extType)
		s.Uint32(&o.stamp)
		props := o.properties()
		np := uint32(len(props))
		s.Uint32(&np)
		for i := range props {
			s.Value(&props[i].Key)
			s.Value(&props[i].Value)
		}
	}
}

func (vm *VM) writeNames(s *SnapshotIO, names []string) {
	n := uint32(len(names))
	s.count("name", &n)
	for i := range names {
		s.String(&names[i])
	}
}

func (vm *VM) writeSubsystems(s *SnapshotIO) {
	names := make([]string, len(vm.subsystems))
	for i, sub := range vm.subsystems {
		names[i] = sub.Name
	}
	vm.writeNames(s, names)
	for _, sub := range vm.subsystems {
		if sub.Serialize == nil {
			continue
		}
		if _, err := sub.Serialize(s, sub.Data); err != nil {
			s.Fail(fmt.Errorf("subsystem %q: %w", sub.Name, err))
		}
	}
}

// writeExternalData saves host data of every external object in slot order.
func (vm *VM) writeExternalData(s *SnapshotIO) {
	var ext []*Object
	for _, o := range vm.objects.slots {
		if o != nil && o.extType != noExternalType {
			ext = append(ext, o)
		}
	}
	n := uint32(len(ext))
	s.count("external object", &n)
	for _, o := range ext {
		index := uint32(o.index)
		s.Uint32(&index)
		t := vm.extTypes[o.extType]
		if t.Serialize == nil {
			continue
		}
		if _, err := t.Serialize(s, o.index, o.extData); err != nil {
			s.Fail(fmt.Errorf("external object %d of type %q: %w", o.index, t.Name, err))
		}
	}
}

func (vm *VM) writeDebug(s *SnapshotIO) {
	vm.writeNames(s, vm.debug.files)
	n := uint32(len(vm.debug.lines))
	s.count("line", &n)
	for i := range vm.debug.lines {
		lp := &vm.debug.lines[i]
		s.Uint32(&lp.Address)
		s.Uint32(&lp.File)
		s.Int32(&lp.Line)
	}
}

// writeChain saves the active coroutine contexts from the current one
// outwards as object IDs, terminated by chainEnd.
func (vm *VM) writeChain(s *SnapshotIO) {
	for c := vm.current; c != nil && !c.root; c = c.parent {
		id := uint32(c.object)
		s.Uint32(&id)
	}
	end := chainEnd
	s.Uint32(&end)
}
