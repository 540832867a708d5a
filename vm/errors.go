package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Error sentinels
// ---------------------------------------------------------------------------

var (
	ErrAllocationFailure    = errors.New("allocation failure")
	ErrAddressSpace         = errors.New("address space exhausted")
	ErrMachineFailed        = errors.New("machine is in failed state")
	ErrInvalidMagic         = errors.New("invalid snapshot magic")
	ErrVersionMismatch      = errors.New("snapshot version mismatch")
	ErrBadCapacity          = errors.New("capacity is not a power of two within bounds")
	ErrCorruptSnapshot      = errors.New("corrupt snapshot data")
	ErrUnknownNative        = errors.New("native function not registered")
	ErrExternalTypeMismatch = errors.New("external type mismatch")
	ErrSubsystemMismatch    = errors.New("subsystem mismatch")
	ErrAlreadyLoaded        = errors.New("machine already has a program")
	ErrInvalidProgram       = errors.New("invalid program")
	ErrNoSuchObject         = errors.New("no such object")
	ErrNotCallable          = errors.New("value is not callable")
	ErrReentered            = errors.New("machine is inside a native or host call")
)

// ---------------------------------------------------------------------------
// Catastrophic failure: non-local abort to the entry point
// ---------------------------------------------------------------------------

// abort is the panic payload used to unwind from deep inside the machine to
// the nearest exported entry point.
type abort struct {
	err error
}

// raise unwinds to the enclosing guard.
func raise(err error) {
	panic(abort{err: err})
}

// guard is deferred by every exported entry point. It converts an abort into
// an error return and marks the machine as failed. Other panics propagate.
func (vm *VM) guard(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	a, ok := r.(abort)
	if !ok {
		panic(r)
	}
	if !vm.alloc.failed {
		vm.alloc.failed = true
		vm.failure = a.err
		vm.log.Errorf("machine %s: catastrophic failure: %v", vm.id, a.err)
	}
	if errp != nil {
		*errp = a.err
	}
}

// usable returns ErrMachineFailed once the sticky failure flag is set.
func (vm *VM) usable() error {
	if vm.alloc.failed {
		return ErrMachineFailed
	}
	return nil
}

// propagateFailure re-raises a catastrophic failure that a nested entry
// point already recovered, so no ordinary-error work follows it and the
// outermost entry point reports it too.
func (vm *VM) propagateFailure() {
	if vm.alloc.failed {
		raise(fmt.Errorf("%w: %w", ErrMachineFailed, vm.failure))
	}
}

// ---------------------------------------------------------------------------
// Ordinary errors
// ---------------------------------------------------------------------------

// fail appends an ordinary error. The message is prefixed with the source
// position of the current instruction when debug information covers it.
func (vm *VM) fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if file, line, ok := vm.SourcePosition(vm.at); ok {
		msg = fmt.Sprintf("%s:%d: %s", file, line, msg)
	}
	vm.errors = append(vm.errors, msg)
}

// HasErrors reports whether any ordinary error has been recorded.
func (vm *VM) HasErrors() bool {
	return len(vm.errors) > 0
}

// Errors returns a copy of the ordinary error list in the order recorded.
func (vm *VM) Errors() []string {
	out := make([]string, len(vm.errors))
	copy(out, vm.errors)
	return out
}

// ClearErrors empties the ordinary error list.
func (vm *VM) ClearErrors() {
	vm.errors = vm.errors[:0]
}
