package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Interpreter: fetch, dispatch, step budget
// ---------------------------------------------------------------------------

// Status reports why Run returned.
type Status int

const (
	StatusPaused Status = iota // step count reached, more to run
	StatusHalted               // END executed
	StatusError                // an ordinary error was recorded
)

func (s Status) String() string {
	switch s {
	case StatusPaused:
		return "paused"
	case StatusHalted:
		return "halted"
	case StatusError:
		return "error"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Return-address sentinels.
const (
	retCoroutine int32 = -1 // return into the resumer of a finished coroutine
	retHost      int32 = -2 // return to a host Call
)

type handler func(vm *VM)

// handlers is the dispatch table. Nil slots are no-ops.
var handlers [opTableSize]handler

func init() {
	handlers = [opTableSize]handler{
		OpPushNil:    opPushNil,
		OpPushInt:    opPushInt,
		OpPushFloat:  opPushFloat,
		OpPushString: opPushString,
		OpPushFunc:   opPushFunc,
		OpPop:        opPop,
		OpDup:        opDup,
		OpSwap:       opSwap,
		OpPick:       opPick,
		OpPut:        opPut,

		OpDeclareGlobal: opDeclareGlobal,
		OpLoadGlobal:    opLoadGlobal,
		OpStoreGlobal:   opStoreGlobal,

		OpAdd: opArith,
		OpSub: opArith,
		OpMul: opArith,
		OpDiv: opArith,
		OpMod: opArith,
		OpNeg: opNeg,
		OpNot: opNot,

		OpEq: opCompare,
		OpNe: opCompare,
		OpLt: opCompare,
		OpLe: opCompare,
		OpGt: opCompare,
		OpGe: opCompare,

		OpJump:        opJump,
		OpJumpIfFalse: opJumpIfFalse,
		OpJumpIfTrue:  opJumpIfTrue,
		OpCall:        opCall,
		OpReturn:      opReturn,

		OpNewObject:   opNewObject,
		OpGetField:    opGetField,
		OpSetField:    opSetField,
		OpDeleteField: opDeleteField,
		OpLen:         opLen,

		OpCoroutine: opCoroutine,
		OpResume:    opResume,
		OpYield:     opYield,
		OpStatus:    opStatus,
	}
}

// Run executes up to steps instructions. It returns early on END or on the
// first ordinary error; callers poll Errors for details. A catastrophic
// failure is returned as err.
func (vm *VM) Run(steps int) (status Status, err error) {
	status = StatusError
	if err := vm.usable(); err != nil {
		return status, err
	}
	defer vm.guard(&err)
	if vm.HasErrors() {
		return StatusError, nil
	}
	for i := 0; i < steps; i++ {
		halted := vm.step()
		if len(vm.errors) > 0 {
			return StatusError, nil
		}
		if halted {
			return StatusHalted, nil
		}
	}
	return StatusPaused, nil
}

// step executes one instruction, reporting whether it was END.
func (vm *VM) step() bool {
	if vm.limits.InstructionBudget > 0 && vm.executed >= vm.limits.InstructionBudget {
		vm.fail("instruction budget of %d exhausted", vm.limits.InstructionBudget)
		return false
	}
	vm.executed++
	if vm.limits.GCInterval > 0 {
		vm.gcCountdown--
		if vm.gcCountdown <= 0 {
			vm.collect()
			vm.gcCountdown = vm.limits.GCInterval
		}
	}

	c := vm.current
	vm.at = c.ip
	op := Opcode(vm.code[c.ip&vm.mask])
	c.ip++
	if vm.OnStep != nil {
		vm.OnStep(vm.at, op)
	}
	if op == OpEnd {
		c.ip = vm.at
		return true
	}
	if op >= 0 && op < opTableSize {
		if h := handlers[op]; h != nil {
			h(vm)
		}
	}
	return false
}

// imm consumes the immediate operand following the current opcode.
func (vm *VM) imm() int32 {
	c := vm.current
	v := vm.code[c.ip&vm.mask]
	c.ip++
	return v
}

// Executed returns the number of instructions run over the machine's life.
func (vm *VM) Executed() int64 { return vm.executed }

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// invoke performs the call whose header sits on top of the current stack:
// [callee, arg0..argN-1, N, returnAddress].
func (vm *VM) invoke() {
	c := vm.current
	if !vm.need(3) {
		return
	}
	retV, argcV := vm.peek(0), vm.peek(1)
	if !retV.IsInt() || !argcV.IsInt() {
		vm.fail("malformed call header: argument count %s, return address %s", argcV, retV)
		return
	}
	argc := int(argcV.Int())
	ret := retV.Int()
	if argc < 0 || c.sp < argc+3 {
		vm.fail("call with %d arguments but only %d stack slots", argc, c.sp)
		return
	}
	base := c.sp - argc - 3
	callee := c.stack[base]
	if !callee.IsFunction() || int(callee.bits) >= len(vm.functions) {
		vm.fail("%s is not callable", callee)
		vm.abandonCall(base, ret)
		return
	}
	f := vm.functions[callee.bits]
	if a := f.declaredArity(); a >= 0 && int(a) != argc {
		vm.fail("%s expects %d arguments, got %d", f.name, a, argc)
		vm.abandonCall(base, ret)
		return
	}
	if f.isNative() {
		vm.callNative(f, base, argc, ret)
		return
	}
	c.ip = f.address
}

// callNative runs a host callback. The call header stays on the stack while
// the native runs so that a collection inside a re-entrant call sees it.
func (vm *VM) callNative(f *function, base, argc int, ret int32) {
	c := vm.current
	args := make([]Value, argc)
	copy(args, c.stack[base+1:base+1+argc])
	if err := f.native.checkArgs(args); err != nil {
		vm.fail("%v", err)
		vm.abandonCall(base, ret)
		return
	}
	vm.nativeDepth++
	result, err := f.native.fn(vm, args)
	vm.nativeDepth--
	vm.propagateFailure()
	if err == nil {
		err = vm.checkValue(result)
	}
	if err != nil {
		vm.fail("%s: %v", f.name, err)
		result = Nil
	}
	vm.current = c
	vm.unwind(base)
	vm.returnTo(ret, result)
}

// abandonCall replaces a rejected call header with nil and continues at the
// return address, so the stack depth matches that of a completed call.
func (vm *VM) abandonCall(base int, ret int32) {
	vm.unwind(base)
	vm.returnTo(ret, Nil)
}

// unwind clears the current stack down to depth base.
func (vm *VM) unwind(base int) {
	c := vm.current
	if base < c.sp {
		vm.drop(c.sp - base)
	}
}

// returnTo pushes r and transfers control to ret.
func (vm *VM) returnTo(ret int32, r Value) {
	switch {
	case ret >= 0:
		vm.push(r)
		vm.current.ip = uint32(ret)
	case ret == retHost:
		vm.push(r)
		if vm.hostDepth == 0 {
			vm.fail("return to host outside a host call")
			return
		}
		vm.hostReturn = true
	case ret == retCoroutine:
		vm.finishCoroutine(r)
	default:
		vm.push(r)
		vm.fail("invalid return address %d", ret)
	}
}

// Call invokes fn with args from the host and returns its result. It may be
// used from inside a native to re-enter script code; the call runs on the
// current context's stack until it returns.
func (vm *VM) Call(fn Value, args ...Value) (result Value, err error) {
	if err := vm.usable(); err != nil {
		return Nil, err
	}
	defer vm.guard(&err)
	if vm.HasErrors() {
		return Nil, fmt.Errorf("machine has %d unresolved errors", len(vm.errors))
	}
	if !fn.IsFunction() || int(fn.bits) >= len(vm.functions) {
		return Nil, fmt.Errorf("%w: %s", ErrNotCallable, fn)
	}
	for _, a := range args {
		if err := vm.checkValue(a); err != nil {
			return Nil, err
		}
	}

	c := vm.current
	base, savedIP := c.sp, c.ip
	vm.push(fn)
	for _, a := range args {
		vm.push(a)
	}
	vm.push(FromInt(int32(len(args))))
	vm.push(FromInt(retHost))

	c.hostCalls++
	vm.hostDepth++
	if !vm.HasErrors() {
		vm.invoke()
	}
	for !vm.hostReturn && !vm.HasErrors() {
		halted := vm.step()
		vm.propagateFailure()
		if halted {
			vm.fail("END reached inside a call to %s", vm.functions[fn.bits].name)
		}
	}
	vm.hostReturn = false
	vm.hostDepth--
	c.hostCalls--

	if vm.HasErrors() {
		vm.current = c
		vm.unwind(base)
		c.ip = savedIP
		return Nil, fmt.Errorf("call %s: %s", vm.functions[fn.bits].name, vm.errors[len(vm.errors)-1])
	}
	result = vm.pop()
	c.ip = savedIP
	return result, nil
}
