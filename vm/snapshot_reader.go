package vm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ---------------------------------------------------------------------------
// Snapshot reader
// ---------------------------------------------------------------------------

// ReadSnapshotHeader checks the magic marker and version of a snapshot
// without loading it.
func ReadSnapshotHeader(r io.Reader) (uint32, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if !bytes.Equal(hdr[:4], SnapshotMagic[:]) {
		return 0, fmt.Errorf("%w: got %q", ErrInvalidMagic, hdr[:4])
	}
	version := binary.NativeEndian.Uint32(hdr[4:])
	if version != SnapshotVersion {
		return version, fmt.Errorf("%w: expected %d, got %d", ErrVersionMismatch, SnapshotVersion, version)
	}
	return version, nil
}

// LoadSnapshot replaces the machine's state with the snapshot read from r.
// Natives, external types and subsystems must already be registered; they
// are matched by name. On error the machine is left empty, with every
// allocation made during the load released.
func (vm *VM) LoadSnapshot(r io.Reader) (err error) {
	if err := vm.usable(); err != nil {
		return err
	}
	defer vm.guard(&err)
	if vm.reentered() {
		return fmt.Errorf("cannot load a snapshot into machine %s: %w", vm.id, ErrReentered)
	}
	vm.resetState()
	br := bufio.NewReader(r)
	if _, err := ReadSnapshotHeader(br); err != nil {
		vm.snapLog.Errorf("machine %s: snapshot rejected: %v", vm.id, err)
		return err
	}
	s := newSnapshotReader(vm, br)
	if err := vm.readSnapshot(s); err != nil {
		vm.snapLog.Errorf("machine %s: snapshot rejected: %v", vm.id, err)
		vm.resetState()
		return err
	}
	vm.snapLog.Infof("machine %s: snapshot loaded: %d strings, %d objects, %d code slots",
		vm.id, vm.strings.Len(), vm.objects.Len(), len(vm.code))
	return nil
}

// Restore loads a snapshot held in memory.
func (vm *VM) Restore(data []byte) error {
	return vm.LoadSnapshot(bytes.NewReader(data))
}

// resetState discards everything but the host registrations and the
// allocator's peak.
func (vm *VM) resetState() {
	if vm.objects != nil {
		vm.cleanupObjects()
	}
	peak := vm.alloc.peak
	vm.alloc = newAllocator(vm.limits.MaxBytes)
	vm.alloc.peak = peak
	for _, s := range vm.subsystems {
		vm.chargeSubsystem(s)
	}
	vm.errors = nil
	vm.functions = nil
	vm.globalNames = nil
	vm.debug = debugInfo{}
	vm.loaded = false
	vm.staticLen = 0
	vm.gcPass = 0
	vm.executed = 0
	vm.hostReturn = false
	vm.initState()
}

func (vm *VM) readSnapshot(s *SnapshotIO) error {
	steps := []func(*SnapshotIO) error{
		vm.readCode,
		vm.readErrors,
		vm.readStatic,
		func(s *SnapshotIO) error { return vm.readContext(s, vm.root) },
		vm.readStrings,
		vm.readCounters,
		vm.readFunctions,
		vm.readObjects,
		func(s *SnapshotIO) error {
			names, err := vm.readNames(s, "global")
			vm.globalNames = names
			return err
		},
		vm.readExternalTypes,
		vm.readSubsystems,
		vm.readExternalData,
		vm.readDebug,
		vm.readChain,
		func(*SnapshotIO) error { return vm.verifyState() },
	}
	for _, step := range steps {
		if err := step(s); err != nil {
			return err
		}
		if err := s.Err(); err != nil {
			return err
		}
	}
	vm.loaded = true
	return nil
}

func (vm *VM) readCode(s *SnapshotIO) error {
	var capacity, n uint32
	s.capacity("code", &capacity)
	s.Uint32(&n)
	if err := s.Err(); err != nil {
		return err
	}
	if n > capacity {
		return fmt.Errorf("%w: %d code slots exceed capacity %d", ErrCorruptSnapshot, n, capacity)
	}
	if err := vm.alloc.tryResize(vm.codeMem, int64(capacity)*valueBytes); err != nil {
		return err
	}
	vm.code = make([]int32, capacity)
	vm.mask = capacity - 1
	for i := uint32(0); i < n; i++ {
		s.Int32(&vm.code[i])
	}
	return nil
}

func (vm *VM) readErrors(s *SnapshotIO) error {
	var n uint32
	s.count("error", &n)
	for i := uint32(0); i < n && s.Err() == nil; i++ {
		var msg string
		s.String(&msg)
		vm.errors = append(vm.errors, msg)
	}
	return nil
}

func (vm *VM) readStatic(s *SnapshotIO) error {
	var capacity, n uint32
	s.capacity("static space", &capacity)
	s.Uint32(&n)
	if err := s.Err(); err != nil {
		return err
	}
	if n > capacity {
		return fmt.Errorf("%w: %d globals exceed capacity %d", ErrCorruptSnapshot, n, capacity)
	}
	if err := vm.alloc.tryResize(vm.staticMem, int64(capacity)*valueBytes); err != nil {
		return err
	}
	vm.static = make([]Value, capacity)
	vm.staticLen = int(n)
	for i := 0; i < vm.staticLen; i++ {
		s.Value(&vm.static[i])
	}
	return nil
}

func (vm *VM) readContext(s *SnapshotIO, c *Context) error {
	var capacity, sp uint32
	s.capacity("stack", &capacity)
	s.Uint32(&sp)
	if err := s.Err(); err != nil {
		return err
	}
	if sp > capacity {
		return fmt.Errorf("%w: stack depth %d exceeds capacity %d", ErrCorruptSnapshot, sp, capacity)
	}
	if err := vm.alloc.tryResize(c.mem, contextBytes+int64(capacity)*valueBytes); err != nil {
		return err
	}
	c.stack = make([]Value, capacity)
	c.sp = int(sp)
	for i := 0; i < c.sp; i++ {
		s.Value(&c.stack[i])
	}
	s.Uint32(&c.ip)
	return nil
}

func (vm *VM) readStrings(s *SnapshotIO) error {
	st := vm.strings
	var capacity, n uint32
	s.capacity("string table", &capacity)
	s.count("string", &n)
	if err := s.Err(); err != nil {
		return err
	}
	if n > capacity {
		return fmt.Errorf("%w: %d strings exceed capacity %d", ErrCorruptSnapshot, n, capacity)
	}
	if err := vm.alloc.tryResize(st.mem, int64(capacity)*slotBytes); err != nil {
		return err
	}
	st.slots = make([]*stringEntry, capacity)
	st.holes = st.holes[:0]
	for i := uint32(0); i < n; i++ {
		var index uint32
		e := &stringEntry{}
		s.Uint32(&index)
		s.Bool(&e.pinned)
		s.Uint32(&e.stamp)
		s.String(&e.data)
		if err := s.Err(); err != nil {
			return err
		}
		e.index = StringID(index)
		mem, err := vm.alloc.tryAlloc("string", stringEntryBytes+int64(len(e.data)))
		if err != nil {
			return err
		}
		e.mem = mem
		if err := st.place(e); err != nil {
			vm.alloc.free(mem)
			return err
		}
	}
	st.reindex()
	return nil
}

func (vm *VM) readCounters(s *SnapshotIO) error {
	var countdown int32
	var executed uint64
	s.Uint32(&vm.gcPass)
	s.Int32(&countdown)
	s.Uint64(&executed)
	vm.gcCountdown = int(countdown)
	vm.executed = int64(executed)
	return nil
}

// readFunctions rebuilds the function table. Natives are bound by name to
// the host's current registrations.
func (vm *VM) readFunctions(s *SnapshotIO) error {
	var n uint32
	s.count("function", &n)
	for i := uint32(0); i < n; i++ {
		var decl FunctionDecl
		s.String(&decl.Name)
		s.Bool(&decl.Native)
		s.Int32(&decl.Arity)
		s.Uint32(&decl.Address)
		if err := s.Err(); err != nil {
			return err
		}
		if decl.Arity < -1 {
			return fmt.Errorf("%w: function %q arity %d", ErrCorruptSnapshot, decl.Name, decl.Arity)
		}
		f, err := vm.bindFunction(decl)
		if err != nil {
			return err
		}
		vm.functions = append(vm.functions, f)
		if f.isNative() && f.native.arity != decl.Arity {
			return fmt.Errorf("%w: %q saved with arity %d, registered with %d",
				ErrUnknownNative, decl.Name, decl.Arity, f.native.arity)
		}
	}
	return nil
}

func (vm *VM) readObjects(s *SnapshotIO) error {
	ot := vm.objects
	var capacity, n uint32
	s.capacity("object table", &capacity)
	s.count("object", &n)
	if err := s.Err(); err != nil {
		return err
	}
	if n > capacity {
		return fmt.Errorf("%w: %d objects exceed capacity %d", ErrCorruptSnapshot, n, capacity)
	}
	if err := vm.alloc.tryResize(ot.mem, int64(capacity)*slotBytes); err != nil {
		return err
	}
	ot.slots = make([]*Object, capacity)
	ot.holes = ot.holes[:0]
	for i := uint32(0); i < n; i++ {
		if err := vm.readObject(s); err != nil {
			return err
		}
	}
	ot.reindex()
	return nil
}

func (vm *VM) readObject(s *SnapshotIO) error {
	var index, np uint32
	o := &Object{}
	s.Uint32(&index)
	s.Int32(&o.handles)
	s.Int32(&o.extType)
	s.Uint32(&o.stamp)
	s.count("property", &np)
	if err := s.Err(); err != nil {
		return err
	}
	o.index = ObjectID(index)
	if o.handles < 0 {
		return fmt.Errorf("%w: object %d handle count %d", ErrCorruptSnapshot, index, o.handles)
	}
	if o.extType < noExternalType || o.extType >= int32(len(vm.extTypes)) {
		return fmt.Errorf("%w: object %d external type %d", ErrExternalTypeMismatch, index, o.extType)
	}
	if limit := vm.limits.MaxObjectFields; limit > 0 && int(np) > limit {
		return fmt.Errorf("%w: object %d has %d fields", ErrCorruptSnapshot, index, np)
	}
	mem, err := vm.alloc.tryAlloc("object", objectEntryBytes+int64(np)*propertyBytes)
	if err != nil {
		return err
	}
	o.mem = mem
	if err := vm.objects.place(o); err != nil {
		vm.alloc.free(mem)
		return err
	}
	for j := uint32(0); j < np; j++ {
		var key, val Value
		s.Value(&key)
		s.Value(&val)
		if err := s.Err(); err != nil {
			return err
		}
		if !o.set(key, val) {
			return fmt.Errorf("%w: object %d repeats key %s", ErrCorruptSnapshot, index, key)
		}
	}
	return nil
}

func (vm *VM) readNames(s *SnapshotIO, what string) ([]string, error) {
	var n uint32
	s.count(what, &n)
	var names []string
	for i := uint32(0); i < n && s.Err() == nil; i++ {
		var name string
		s.String(&name)
		names = append(names, name)
	}
	return names, s.Err()
}

// readExternalTypes verifies the saved type list against the registered
// one. There is no remapping: order and names must match exactly.
func (vm *VM) readExternalTypes(s *SnapshotIO) error {
	names, err := vm.readNames(s, "external type")
	if err != nil {
		return err
	}
	if len(names) != len(vm.extTypes) {
		return fmt.Errorf("%w: snapshot has %d types, machine has %d", ErrExternalTypeMismatch, len(names), len(vm.extTypes))
	}
	for i, name := range names {
		if vm.extTypes[i].Name != name {
			return fmt.Errorf("%w: type %d is %q in snapshot, %q in machine", ErrExternalTypeMismatch, i, name, vm.extTypes[i].Name)
		}
	}
	return nil
}

func (vm *VM) readSubsystems(s *SnapshotIO) error {
	names, err := vm.readNames(s, "subsystem")
	if err != nil {
		return err
	}
	if len(names) != len(vm.subsystems) {
		return fmt.Errorf("%w: snapshot has %d subsystems, machine has %d", ErrSubsystemMismatch, len(names), len(vm.subsystems))
	}
	for i, name := range names {
		if vm.subsystems[i].Name != name {
			return fmt.Errorf("%w: subsystem %d is %q in snapshot, %q in machine", ErrSubsystemMismatch, i, name, vm.subsystems[i].Name)
		}
	}
	for _, sub := range vm.subsystems {
		if sub.Serialize == nil {
			continue
		}
		data, err := sub.Serialize(s, nil)
		if err == nil {
			err = s.Err()
		}
		if err != nil {
			vm.cleanupSubsystemData(sub, data)
			return fmt.Errorf("subsystem %q: %w", sub.Name, err)
		}
		old := sub.Data
		sub.Data = data
		vm.cleanupSubsystemData(sub, old)
	}
	return nil
}

// readExternalData restores host data for every external object, in slot
// order.
func (vm *VM) readExternalData(s *SnapshotIO) error {
	var ext []*Object
	for _, o := range vm.objects.slots {
		if o != nil && o.extType != noExternalType {
			ext = append(ext, o)
		}
	}
	var n uint32
	s.count("external object", &n)
	if err := s.Err(); err != nil {
		return err
	}
	if int(n) != len(ext) {
		return fmt.Errorf("%w: %d external records for %d external objects", ErrCorruptSnapshot, n, len(ext))
	}
	for _, o := range ext {
		var index uint32
		s.Uint32(&index)
		if err := s.Err(); err != nil {
			return err
		}
		if ObjectID(index) != o.index {
			return fmt.Errorf("%w: external record for object %d, expected %d", ErrCorruptSnapshot, index, o.index)
		}
		t := vm.extTypes[o.extType]
		var data any
		if t.Serialize != nil {
			var err error
			data, err = t.Serialize(s, o.index, nil)
			if err == nil {
				err = s.Err()
			}
			if err != nil {
				return fmt.Errorf("external object %d of type %q: %w", o.index, t.Name, err)
			}
		}
		vm.attachExternal(o, o.extType, data)
	}
	return nil
}

func (vm *VM) readDebug(s *SnapshotIO) error {
	files, err := vm.readNames(s, "file")
	if err != nil {
		return err
	}
	var n uint32
	s.count("line", &n)
	lines := make([]LinePos, 0, min(n, 1024))
	for i := uint32(0); i < n; i++ {
		var lp LinePos
		s.Uint32(&lp.Address)
		s.Uint32(&lp.File)
		s.Int32(&lp.Line)
		if err := s.Err(); err != nil {
			return err
		}
		if int(lp.File) >= len(files) {
			return fmt.Errorf("%w: line entry names file %d of %d", ErrCorruptSnapshot, lp.File, len(files))
		}
		lines = append(lines, lp)
	}
	vm.debug.set(files, lines)
	return nil
}

// readChain relinks the active coroutine contexts. Every running coroutine
// must appear in the chain exactly once.
func (vm *VM) readChain(s *SnapshotIO) error {
	var chain []*Context
	seen := make(map[ObjectID]bool)
	for {
		var id uint32
		s.Uint32(&id)
		if err := s.Err(); err != nil {
			return err
		}
		if id == chainEnd {
			break
		}
		c, ok := vm.Coroutine(FromObject(ObjectID(id)))
		if !ok {
			return fmt.Errorf("%w: chain entry %d is not a coroutine", ErrCorruptSnapshot, id)
		}
		if seen[ObjectID(id)] || c.state != StateRunning {
			return fmt.Errorf("%w: chain entry %d is %s", ErrCorruptSnapshot, id, c.state)
		}
		seen[ObjectID(id)] = true
		chain = append(chain, c)
	}
	for _, c := range vm.contexts()[1:] {
		if c.state == StateRunning && !seen[c.object] {
			return fmt.Errorf("%w: running coroutine %d missing from chain", ErrCorruptSnapshot, c.object)
		}
	}
	vm.current = vm.root
	for i := len(chain) - 1; i >= 0; i-- {
		chain[i].parent = vm.current
		vm.current = chain[i]
	}
	return nil
}

// verifyState checks table invariants and that every reference held by a
// stack, global or property names a live entry.
func (vm *VM) verifyState() error {
	if err := vm.strings.verify(); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if err := vm.objects.verify(); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	check := func(where string, vs []Value) error {
		for i, v := range vs {
			if err := vm.checkValue(v); err != nil {
				return fmt.Errorf("%w: %s slot %d: %v", ErrCorruptSnapshot, where, i, err)
			}
		}
		return nil
	}
	for _, c := range vm.contexts() {
		if err := check("stack", c.live()); err != nil {
			return err
		}
	}
	if err := check("global", vm.static[:vm.staticLen]); err != nil {
		return err
	}
	for _, o := range vm.objects.slots {
		if o == nil {
			continue
		}
		for _, p := range o.properties() {
			if err := check(fmt.Sprintf("object %d", o.index), []Value{p.Key, p.Value}); err != nil {
				return err
			}
		}
	}
	return nil
}
