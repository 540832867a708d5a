package vm

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Limits
// ---------------------------------------------------------------------------

// Limits are the host-imposed bounds of one machine. They are set before
// running and never change afterwards. Zero means unlimited, or disabled for
// GCInterval.
type Limits struct {
	MaxBytes          int64 // allocator ceiling
	MaxObjectFields   int   // properties per object
	MaxStackDepth     int   // slots per context stack
	InstructionBudget int64 // total instructions over the machine's life
	GCInterval        int   // instructions between automatic collections
}

// DefaultLimits returns the limits used when a host configures nothing.
func DefaultLimits() Limits {
	return Limits{
		MaxBytes:        64 << 20,
		MaxObjectFields: 1 << 16,
		MaxStackDepth:   1 << 16,
		GCInterval:      4096,
	}
}

// ---------------------------------------------------------------------------
// VM
// ---------------------------------------------------------------------------

const (
	initialStringCap = 64
	initialObjectCap = 64
	initialStaticCap = 16
)

// VM is one instance of the scripting machine. A VM is single-threaded;
// callers must not use it from more than one goroutine at a time.
type VM struct {
	// OnStep, when set, observes every dispatched instruction.
	OnStep func(ip uint32, op Opcode)

	id      uuid.UUID
	log     commonlog.Logger
	gcLog   commonlog.Logger
	snapLog commonlog.Logger

	limits Limits
	alloc  *Allocator
	errors []string

	// Code
	code    []int32
	mask    uint32
	at      uint32 // address of the instruction being executed
	codeMem allocHandle
	loaded  bool
	debug   debugInfo

	// Tables
	strings   *StringTable
	objects   *ObjectTable
	functions []*function
	natives   map[string]*native

	// Static space: staticLen slots are declared, capacity is len(static).
	static      []Value
	staticLen   int
	staticMem   allocHandle
	globalNames []string

	// Contexts
	root    *Context
	current *Context

	// Host extensions
	extTypes   []*ExternalType
	extIndex   map[string]int32
	subsystems []*Subsystem

	// Collector and budget counters
	gcPass      uint32
	gcCountdown int
	executed    int64

	// hostReturn is set by a RETURN to a host Call.
	hostReturn  bool
	hostDepth   int // host Calls in progress
	nativeDepth int // native callbacks in progress

	// failure is the first catastrophic error, kept for re-raising.
	failure error

	closed bool
}

// NewVM creates an empty machine with the given limits.
func NewVM(limits Limits) (vm *VM, err error) {
	vm = &VM{
		id:      uuid.New(),
		log:     commonlog.GetLogger("cinder.vm"),
		gcLog:   commonlog.GetLogger("cinder.gc"),
		snapLog: commonlog.GetLogger("cinder.snapshot"),
		limits:  limits,
		alloc:   newAllocator(limits.MaxBytes),
		natives: make(map[string]*native),
	}
	vm.extIndex = make(map[string]int32)
	vm.registerCoroutineType()

	defer vm.guard(&err)
	vm.initState()
	vm.log.Debugf("machine %s: created, limit %d bytes", vm.id, limits.MaxBytes)
	return vm, nil
}

// initState builds the empty tables, stacks and code array.
func (vm *VM) initState() {
	vm.strings = newStringTable(vm.alloc, initialStringCap)
	vm.objects = newObjectTable(vm.alloc, initialObjectCap)
	vm.root = vm.newContext(initialStackCap)
	vm.root.root = true
	vm.root.state = StateRunning
	vm.current = vm.root
	vm.static = make([]Value, initialStaticCap)
	vm.staticMem = vm.alloc.alloc("static space", initialStaticCap*valueBytes)
	vm.code = make([]int32, 1)
	vm.mask = 0
	vm.codeMem = vm.alloc.alloc("code", valueBytes)
	vm.gcCountdown = vm.limits.GCInterval
}

// ID returns the machine's instance ID.
func (vm *VM) ID() uuid.UUID { return vm.id }

// Limits returns the machine's limits.
func (vm *VM) Limits() Limits { return vm.limits }

// Failed reports whether a catastrophic failure has occurred.
func (vm *VM) Failed() bool { return vm.alloc.failed }

// MemoryStats reports the allocator's accounting.
func (vm *VM) MemoryStats() MemoryStats { return vm.alloc.stats() }

// Current returns the context that is executing.
func (vm *VM) Current() *Context { return vm.current }

// Root returns the root context.
func (vm *VM) Root() *Context { return vm.root }

// Code returns a copy of the instruction array, including padding.
func (vm *VM) Code() []int32 {
	return append([]int32(nil), vm.code...)
}

// SourcePosition maps an instruction address to a source file and line.
func (vm *VM) SourcePosition(addr uint32) (string, int, bool) {
	return vm.debug.lookup(addr)
}

// ---------------------------------------------------------------------------
// Program loading
// ---------------------------------------------------------------------------

// Load installs a program into a fresh machine. String literals become
// pinned strings with IDs equal to their literal index, native imports are
// bound to registered natives, and the code array is padded with no-ops to a
// power of two.
func (vm *VM) Load(p *Program) (err error) {
	if err := vm.usable(); err != nil {
		return err
	}
	defer vm.guard(&err)
	if vm.loaded {
		return ErrAlreadyLoaded
	}
	if err := p.validate(); err != nil {
		return err
	}
	if vm.strings.Len() > 0 || vm.objects.Len() > 0 {
		return ErrAlreadyLoaded
	}

	functions := make([]*function, 0, len(p.Functions))
	for _, decl := range p.Functions {
		f, err := vm.bindFunction(decl)
		if err != nil {
			for _, g := range functions {
				vm.alloc.free(g.mem)
			}
			return err
		}
		functions = append(functions, f)
	}
	vm.functions = functions

	for i, s := range p.Strings {
		id := vm.strings.Intern(s)
		if int(id) != i {
			return fmt.Errorf("%w: literal %d interned as %d", ErrInvalidProgram, i, id)
		}
		vm.strings.Pin(id)
	}

	vm.installCode(p.Code)
	vm.globalNames = append([]string(nil), p.Globals...)
	vm.debug.set(p.Files, p.Lines)
	vm.loaded = true
	vm.log.Infof("machine %s: loaded %d code slots, %d literals, %d functions",
		vm.id, len(p.Code), len(p.Strings), len(p.Functions))
	return nil
}

// installCode copies code into a power-of-two array padded with no-ops.
func (vm *VM) installCode(code []int32) {
	n := growCapacity(1, len(code))
	vm.alloc.resize(vm.codeMem, int64(n)*valueBytes)
	vm.code = make([]int32, n)
	copy(vm.code, code)
	vm.mask = uint32(n - 1)
}

// ---------------------------------------------------------------------------
// Globals
// ---------------------------------------------------------------------------

// declareGlobal makes static slot g exist, growing the static space.
func (vm *VM) declareGlobal(g int) {
	if g >= len(vm.static) {
		n := growCapacity(len(vm.static), g+1)
		vm.alloc.resize(vm.staticMem, int64(n)*valueBytes)
		static := make([]Value, n)
		copy(static, vm.static)
		vm.static = static
	}
	vm.static[g] = Nil
	if g >= vm.staticLen {
		vm.staticLen = g + 1
	}
}

// GlobalNames returns the names of the program's global slots.
func (vm *VM) GlobalNames() []string {
	return append([]string(nil), vm.globalNames...)
}

func (vm *VM) globalSlot(name string) (int, bool) {
	for i, n := range vm.globalNames {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// Global returns the value of a declared global by name.
func (vm *VM) Global(name string) (Value, bool) {
	g, ok := vm.globalSlot(name)
	if !ok || g >= vm.staticLen {
		return Nil, false
	}
	return vm.static[g], true
}

// SetGlobal stores v into a global by name, declaring its slot if the
// program has not done so yet.
func (vm *VM) SetGlobal(name string, v Value) (err error) {
	if err := vm.usable(); err != nil {
		return err
	}
	defer vm.guard(&err)
	g, ok := vm.globalSlot(name)
	if !ok {
		return fmt.Errorf("unknown global %q", name)
	}
	if err := vm.checkValue(v); err != nil {
		return err
	}
	if g >= vm.staticLen {
		vm.declareGlobal(g)
	}
	vm.static[g] = v
	return nil
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// Close releases every resource held by the machine. After a clean run it
// walks the tables and runs external and subsystem cleanups; after a
// catastrophic failure it trusts nothing but the allocator's flat list,
// whose release callbacks perform the same cleanups.
func (vm *VM) Close() {
	if vm.closed {
		return
	}
	vm.closed = true
	if vm.alloc.failed {
		vm.log.Infof("machine %s: releasing %d allocations after failure", vm.id, len(vm.alloc.records))
		vm.alloc.releaseAll()
		return
	}
	vm.cleanupObjects()
	vm.cleanupSubsystems()
	vm.alloc.releaseAll()
	vm.log.Debugf("machine %s: closed", vm.id)
}

// cleanupObjects runs external cleanups for every live external object and
// frees its allocation.
func (vm *VM) cleanupObjects() {
	for _, o := range vm.objects.slots {
		if o == nil {
			continue
		}
		vm.cleanupExternal(o)
	}
}

// reentered reports whether a native callback or host Call is running.
// Whole-machine operations are refused then: the interrupted instruction
// has not finished and its call header is still on the stack.
func (vm *VM) reentered() bool {
	return vm.hostDepth > 0 || vm.nativeDepth > 0
}

// checkValue verifies that a host-supplied Value names a live slot.
func (vm *VM) checkValue(v Value) error {
	switch v.kind {
	case KindNil, KindInt, KindFloat:
		return nil
	case KindString:
		if vm.strings.entry(StringID(v.bits)) == nil {
			return fmt.Errorf("string %d does not exist", v.bits)
		}
	case KindFunction:
		if int(v.bits) >= len(vm.functions) {
			return fmt.Errorf("function %d does not exist", v.bits)
		}
	case KindObject:
		if vm.objects.Get(ObjectID(v.bits)) == nil {
			return fmt.Errorf("%w: %d", ErrNoSuchObject, v.bits)
		}
	default:
		return fmt.Errorf("invalid value kind %d", v.kind)
	}
	return nil
}
