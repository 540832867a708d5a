package vm

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
)

// pushValue emits the literal push for an int or float.
func pushValue(b *Builder, v Value) {
	switch v.Kind() {
	case KindInt:
		b.PushInt(v.Int())
	case KindFloat:
		b.PushFloat(v.Float())
	default:
		b.Emit(OpPushNil)
	}
}

// evalBinary runs `a b op END` and returns the top of the stack.
func evalBinary(t *testing.T, a, b Value, op Opcode) Value {
	t.Helper()
	vm := newTestVM(t)
	bl := NewBuilder()
	pushValue(bl, a)
	pushValue(bl, b)
	bl.Emit(op)
	bl.Emit(OpEnd)
	loadBuilder(t, vm, bl)
	runToEnd(t, vm)
	v, _ := vm.Top()
	return v
}

// ---------------------------------------------------------------------------
// Arithmetic and comparison
// ---------------------------------------------------------------------------

func TestArithmetic(t *testing.T) {
	tests := []struct {
		a, b Value
		op   Opcode
		want Value
	}{
		{FromInt(2), FromInt(3), OpAdd, FromInt(5)},
		{FromInt(2), FromInt(3), OpSub, FromInt(-1)},
		{FromInt(6), FromInt(7), OpMul, FromInt(42)},
		{FromInt(7), FromInt(2), OpDiv, FromInt(3)},
		{FromInt(-7), FromInt(2), OpDiv, FromInt(-3)},
		{FromInt(-7), FromInt(3), OpMod, FromInt(-1)},
		{FromInt(math.MaxInt32), FromInt(1), OpAdd, FromInt(math.MinInt32)},
		{FromFloat(1.5), FromInt(2), OpAdd, FromFloat(3.5)},
		{FromInt(7), FromFloat(2), OpDiv, FromFloat(3.5)},
		{FromFloat(7.5), FromFloat(2), OpMod, FromFloat(1.5)},
		{FromFloat(1), FromFloat(0), OpDiv, FromFloat(float32(math.Inf(1)))},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %s %s", tt.a, tt.op, tt.b), func(t *testing.T) {
			if got := evalBinary(t, tt.a, tt.b, tt.op); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestComparison(t *testing.T) {
	yes, no := FromInt(1), FromInt(0)
	tests := []struct {
		a, b Value
		op   Opcode
		want Value
	}{
		{FromInt(1), FromInt(2), OpLt, yes},
		{FromInt(2), FromInt(2), OpLe, yes},
		{FromInt(2), FromInt(2), OpGt, no},
		{FromFloat(2.5), FromInt(2), OpGt, yes},
		{FromInt(3), FromFloat(3), OpEq, yes},
		{FromInt(3), FromInt(4), OpNe, yes},
		{FromInt(0), Nil, OpEq, no},
		{Nil, Nil, OpEq, yes},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %s %s", tt.a, tt.op, tt.b), func(t *testing.T) {
			if got := evalBinary(t, tt.a, tt.b, tt.op); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNaNComparesFalse(t *testing.T) {
	for _, op := range []Opcode{OpLt, OpGe, OpEq} {
		vm := newTestVM(t)
		b := NewBuilder()
		b.PushFloat(0)
		b.PushFloat(0)
		b.Emit(OpDiv)
		b.PushFloat(1)
		b.Emit(op)
		b.Emit(OpEnd)
		loadBuilder(t, vm, b)
		runToEnd(t, vm)
		if got := topInt(t, vm); got != 0 {
			t.Errorf("NaN %s 1 = %d, want 0", op, got)
		}
	}
}

func TestStringOperations(t *testing.T) {
	vm := newTestVM(t)
	b := NewBuilder()
	b.PushString("foo")
	b.PushString("bar")
	b.Emit(OpAdd)
	b.Emit(OpDup)
	b.Emit(OpLen)
	b.PushString("abc")
	b.PushString("abd")
	b.Emit(OpLt)
	b.Emit(OpEnd)
	loadBuilder(t, vm, b)
	runToEnd(t, vm)

	stack := vm.Root().Stack()
	if len(stack) != 3 {
		t.Fatalf("stack = %v", stack)
	}
	if s, ok := vm.String(stack[0]); !ok || s != "foobar" {
		t.Errorf("concatenation = %q, %v", s, ok)
	}
	if stack[1] != FromInt(6) {
		t.Errorf("LEN = %s, want 6", stack[1])
	}
	if stack[2] != FromInt(1) {
		t.Errorf("abc < abd = %s, want 1", stack[2])
	}
}

func TestStringEqualityIsIdentity(t *testing.T) {
	vm := newTestVM(t)
	b := NewBuilder()
	b.PushString("ab")
	b.PushString("a")
	b.PushString("b")
	b.Emit(OpAdd)
	b.Emit(OpEq)
	b.Emit(OpEnd)
	loadBuilder(t, vm, b)
	runToEnd(t, vm)
	if got := topInt(t, vm); got != 1 {
		t.Errorf("interned concatenation compares %d to literal, want 1", got)
	}
}

func TestArithmeticTypeError(t *testing.T) {
	vm := newTestVM(t)
	b := NewBuilder()
	b.PushString("x")
	b.PushInt(1)
	b.Emit(OpSub)
	b.Emit(OpEnd)
	loadBuilder(t, vm, b)
	errs := runExpectError(t, vm)
	if !containsError(errs, "cannot apply SUB to string and int") {
		t.Errorf("errors = %v", errs)
	}
}

// ---------------------------------------------------------------------------
// Errors and positions
// ---------------------------------------------------------------------------

func TestDivisionByZeroReportsPosition(t *testing.T) {
	vm := newTestVM(t)
	b := NewBuilder()
	b.Line("main.cin", 1)
	b.PushInt(1)
	b.PushInt(0)
	b.Line("main.cin", 2)
	b.Emit(OpDiv)
	b.Emit(OpEnd)
	loadBuilder(t, vm, b)

	errs := runExpectError(t, vm)
	if len(errs) != 1 || errs[0] != "main.cin:2: division by zero" {
		t.Fatalf("errors = %q", errs)
	}

	// Run refuses to continue until the host clears the errors.
	if status, _ := vm.Run(10); status != StatusError {
		t.Errorf("Run with pending errors = %s", status)
	}
	vm.ClearErrors()
	runToEnd(t, vm)
}

func TestStackUnderflow(t *testing.T) {
	vm := newTestVM(t)
	b := NewBuilder()
	b.PushInt(1)
	b.Emit(OpAdd)
	loadBuilder(t, vm, b)
	errs := runExpectError(t, vm)
	if !containsError(errs, "stack underflow") {
		t.Errorf("errors = %v", errs)
	}
}

func TestUndeclaredGlobal(t *testing.T) {
	vm := newTestVM(t)
	b := NewBuilder()
	b.EmitImm(OpLoadGlobal, b.Global("x"))
	loadBuilder(t, vm, b)
	errs := runExpectError(t, vm)
	if !containsError(errs, "global slot 0 is not declared") {
		t.Errorf("errors = %v", errs)
	}
}

func TestGlobals(t *testing.T) {
	vm := newTestVM(t)
	b := NewBuilder()
	b.DeclareGlobal("a")
	g := b.DeclareGlobal("b")
	b.PushInt(3)
	b.EmitImm(OpStoreGlobal, g)
	b.EmitImm(OpLoadGlobal, g)
	b.EmitImm(OpLoadGlobal, g)
	b.Emit(OpMul)
	b.Emit(OpEnd)
	loadBuilder(t, vm, b)
	runToEnd(t, vm)

	if got := topInt(t, vm); got != 9 {
		t.Errorf("top = %d, want 9", got)
	}
	if v, ok := vm.Global("b"); !ok || v != FromInt(3) {
		t.Errorf("Global(b) = %s, %v", v, ok)
	}
	if v, ok := vm.Global("a"); !ok || v != Nil {
		t.Errorf("Global(a) = %s, %v", v, ok)
	}
	if err := vm.SetGlobal("a", FromInt(4)); err != nil {
		t.Fatalf("SetGlobal failed: %v", err)
	}
	if err := vm.SetGlobal("nope", Nil); err == nil {
		t.Error("SetGlobal of unknown name succeeded")
	}
}

// ---------------------------------------------------------------------------
// Dispatch safety
// ---------------------------------------------------------------------------

func TestUnknownOpcodesAreNoOps(t *testing.T) {
	vm := newTestVM(t)
	b := NewBuilder()
	b.Emit(Opcode(0x3F))
	b.Emit(Opcode(200))
	b.Emit(Opcode(-5))
	b.PushInt(5)
	b.Emit(OpEnd)
	loadBuilder(t, vm, b)
	runToEnd(t, vm)
	if got := topInt(t, vm); got != 5 {
		t.Errorf("top = %d, want 5", got)
	}
}

func TestEmptyMachineRunsNoOps(t *testing.T) {
	vm := newTestVM(t)
	status, err := vm.Run(100)
	if err != nil || status != StatusPaused {
		t.Fatalf("Run = %s, %v", status, err)
	}
	if vm.HasErrors() || vm.Root().Depth() != 0 {
		t.Errorf("errors %v, depth %d", vm.Errors(), vm.Root().Depth())
	}
}

func TestJumpOutsideCodeWraps(t *testing.T) {
	vm := newTestVM(t)
	b := NewBuilder()
	b.EmitImm(OpJump, 1<<20)
	loadBuilder(t, vm, b)
	if _, err := vm.Run(50); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if vm.HasErrors() {
		t.Errorf("errors = %v", vm.Errors())
	}
}

func TestEndStaysPut(t *testing.T) {
	vm := newTestVM(t)
	b := NewBuilder()
	b.PushInt(1)
	b.Emit(OpEnd)
	loadBuilder(t, vm, b)
	runToEnd(t, vm)
	runToEnd(t, vm)
	if vm.Root().IP() != 2 || vm.Root().Depth() != 1 {
		t.Errorf("ip = %d, depth = %d", vm.Root().IP(), vm.Root().Depth())
	}
}

func TestOnStepObservesDispatch(t *testing.T) {
	vm := newTestVM(t)
	b := NewBuilder()
	b.PushInt(1)
	b.Emit(OpPop)
	b.Emit(OpEnd)
	loadBuilder(t, vm, b)
	var seen []string
	vm.OnStep = func(ip uint32, op Opcode) { seen = append(seen, fmt.Sprintf("%d:%s", ip, op)) }
	runToEnd(t, vm)
	if got := strings.Join(seen, " "); got != "0:PUSH_INT 2:POP 3:END" {
		t.Errorf("steps = %q", got)
	}
}

// ---------------------------------------------------------------------------
// Limits
// ---------------------------------------------------------------------------

func TestRunPausesAfterSteps(t *testing.T) {
	vm := newTestVM(t)
	b := NewBuilder()
	l := b.NewLabel()
	b.Mark(l)
	b.EmitLabel(OpJump, l)
	loadBuilder(t, vm, b)
	status, err := vm.Run(5)
	if err != nil || status != StatusPaused {
		t.Fatalf("Run = %s, %v", status, err)
	}
	if vm.Executed() != 5 {
		t.Errorf("Executed() = %d, want 5", vm.Executed())
	}
}

func TestInstructionBudget(t *testing.T) {
	limits := DefaultLimits()
	limits.InstructionBudget = 10
	vm := newTestVMWithLimits(t, limits)
	b := NewBuilder()
	l := b.NewLabel()
	b.Mark(l)
	b.EmitLabel(OpJump, l)
	loadBuilder(t, vm, b)
	errs := runExpectError(t, vm)
	if !containsError(errs, "instruction budget of 10 exhausted") {
		t.Errorf("errors = %v", errs)
	}
	if vm.Executed() != 10 {
		t.Errorf("Executed() = %d, want 10", vm.Executed())
	}
}

func TestStackOverflow(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxStackDepth = 8
	vm := newTestVMWithLimits(t, limits)
	b := NewBuilder()
	l := b.NewLabel()
	b.Mark(l)
	b.PushInt(1)
	b.EmitLabel(OpJump, l)
	loadBuilder(t, vm, b)
	errs := runExpectError(t, vm)
	if !containsError(errs, "stack overflow") {
		t.Errorf("errors = %v", errs)
	}
	if vm.Root().Depth() != 8 {
		t.Errorf("depth = %d, want 8", vm.Root().Depth())
	}
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// buildFactorial emits fact(n) = n < 2 ? 1 : n * fact(n-1).
func buildFactorial(b *Builder) FunctionID {
	fact := b.Function("fact", 1)
	b.Begin(fact)
	recurse := b.NewLabel()
	b.EmitImm(OpPick, 2)
	b.PushInt(2)
	b.Emit(OpLt)
	b.EmitLabel(OpJumpIfFalse, recurse)
	b.PushInt(1)
	b.Return(0)
	b.Mark(recurse)
	b.EmitImm(OpPick, 2)
	b.PushFunc(fact)
	b.EmitImm(OpPick, 1)
	b.PushInt(1)
	b.Emit(OpSub)
	b.Call(1)
	b.Emit(OpMul)
	b.Return(0)
	return fact
}

func TestRecursiveCall(t *testing.T) {
	vm := newTestVM(t)
	b := NewBuilder()
	main := b.NewLabel()
	b.EmitLabel(OpJump, main)
	fact := buildFactorial(b)
	b.Mark(main)
	b.PushFunc(fact)
	b.PushInt(5)
	b.Call(1)
	b.Emit(OpEnd)
	loadBuilder(t, vm, b)
	runToEnd(t, vm)
	if got := topInt(t, vm); got != 120 {
		t.Errorf("fact(5) = %d, want 120", got)
	}
	if vm.Root().Depth() != 1 {
		t.Errorf("depth = %d, want 1", vm.Root().Depth())
	}
}

func TestArityMismatch(t *testing.T) {
	vm := newTestVM(t)
	b := NewBuilder()
	f := b.Function("f", 2)
	b.PushFunc(f)
	b.PushInt(1)
	b.Call(1)
	b.Emit(OpEnd)
	b.Begin(f)
	b.PushInt(0)
	b.Return(0)
	loadBuilder(t, vm, b)

	errs := runExpectError(t, vm)
	if !containsError(errs, "f expects 2 arguments, got 1") {
		t.Errorf("errors = %v", errs)
	}
	if vm.Root().Depth() != 1 {
		t.Errorf("depth = %d, want 1 (nil result)", vm.Root().Depth())
	}
	if v, _ := vm.Top(); v != Nil {
		t.Errorf("result = %s, want nil", v)
	}
}

func TestCallNonFunction(t *testing.T) {
	vm := newTestVM(t)
	b := NewBuilder()
	b.PushInt(3)
	b.Call(0)
	b.Emit(OpEnd)
	loadBuilder(t, vm, b)
	errs := runExpectError(t, vm)
	if !containsError(errs, "3 is not callable") {
		t.Errorf("errors = %v", errs)
	}
}

func TestNativeCall(t *testing.T) {
	vm := newTestVM(t)
	var out strings.Builder
	registerPrint(t, vm, &out)
	b := NewBuilder()
	p := b.Native("print")
	b.PushFunc(p)
	b.PushString("hello")
	b.Call(1)
	b.Emit(OpPop)
	b.PushFunc(p)
	b.PushInt(7)
	b.Call(1)
	b.Emit(OpEnd)
	loadBuilder(t, vm, b)
	runToEnd(t, vm)
	if out.String() != "hello7" {
		t.Errorf("output = %q", out.String())
	}
}

func TestNativeArgumentKinds(t *testing.T) {
	vm := newTestVM(t)
	err := vm.RegisterNative("upper", 1, func(vm *VM, args []Value) (Value, error) {
		s, _ := vm.String(args[0])
		return vm.Intern(strings.ToUpper(s))
	}, KindString)
	if err != nil {
		t.Fatalf("RegisterNative failed: %v", err)
	}
	b := NewBuilder()
	u := b.Native("upper")
	b.PushFunc(u)
	b.PushInt(1)
	b.Call(1)
	b.Emit(OpEnd)
	loadBuilder(t, vm, b)
	errs := runExpectError(t, vm)
	if !containsError(errs, "upper: argument 0 is int, expected string") {
		t.Errorf("errors = %v", errs)
	}
}

func TestNativeError(t *testing.T) {
	vm := newTestVM(t)
	vm.RegisterNative("boom", 0, func(*VM, []Value) (Value, error) {
		return FromInt(1), errors.New("exploded")
	})
	b := NewBuilder()
	b.PushFunc(b.Native("boom"))
	b.Call(0)
	b.Emit(OpEnd)
	loadBuilder(t, vm, b)
	errs := runExpectError(t, vm)
	if !containsError(errs, "boom: exploded") {
		t.Errorf("errors = %v", errs)
	}
	if v, _ := vm.Top(); v != Nil {
		t.Errorf("result = %s, want nil", v)
	}
}

func TestVariadicNative(t *testing.T) {
	vm := newTestVM(t)
	vm.RegisterNative("sum", -1, func(_ *VM, args []Value) (Value, error) {
		var n int32
		for _, a := range args {
			n += a.Int()
		}
		return FromInt(n), nil
	})
	b := NewBuilder()
	b.PushFunc(b.Native("sum"))
	for i := int32(1); i <= 4; i++ {
		b.PushInt(i)
	}
	b.Call(4)
	b.Emit(OpEnd)
	loadBuilder(t, vm, b)
	runToEnd(t, vm)
	if got := topInt(t, vm); got != 10 {
		t.Errorf("sum = %d, want 10", got)
	}
}

func TestLoadUnknownNative(t *testing.T) {
	vm := newTestVM(t)
	b := NewBuilder()
	b.Native("missing")
	p, _ := b.Program()
	if err := vm.Load(p); !errors.Is(err, ErrUnknownNative) {
		t.Errorf("Load err = %v, want ErrUnknownNative", err)
	}
}

func TestLoadTwice(t *testing.T) {
	vm := newTestVM(t)
	b := NewBuilder()
	b.Emit(OpEnd)
	loadBuilder(t, vm, b)
	p, _ := b.Program()
	if err := vm.Load(p); !errors.Is(err, ErrAlreadyLoaded) {
		t.Errorf("second Load err = %v, want ErrAlreadyLoaded", err)
	}
}

// buildApply emits double(x) = x*2 and a main that calls the native
// apply(double, 21).
func buildApply(b *Builder) {
	apply := b.Native("apply")
	double := b.Function("double", 1)
	b.PushFunc(apply)
	b.PushFunc(double)
	b.PushInt(21)
	b.Call(2)
	b.Emit(OpEnd)
	b.Begin(double)
	b.EmitImm(OpPick, 2)
	b.PushInt(2)
	b.Emit(OpMul)
	b.Return(0)
}

func registerApply(t *testing.T, vm *VM) {
	t.Helper()
	err := vm.RegisterNative("apply", 2, func(vm *VM, args []Value) (Value, error) {
		return vm.Call(args[0], args[1])
	}, KindFunction)
	if err != nil {
		t.Fatalf("RegisterNative failed: %v", err)
	}
}

func TestReentrantCall(t *testing.T) {
	for _, interval := range []int{0, 1} {
		t.Run(fmt.Sprintf("gc every %d", interval), func(t *testing.T) {
			limits := DefaultLimits()
			limits.GCInterval = interval
			vm := newTestVMWithLimits(t, limits)
			registerApply(t, vm)
			b := NewBuilder()
			buildApply(b)
			loadBuilder(t, vm, b)
			runToEnd(t, vm)
			if got := topInt(t, vm); got != 42 {
				t.Errorf("apply(double, 21) = %d, want 42", got)
			}
			if vm.Root().Depth() != 1 {
				t.Errorf("depth = %d, want 1", vm.Root().Depth())
			}
		})
	}
}

func TestHostCall(t *testing.T) {
	vm := newTestVM(t)
	registerApply(t, vm)
	b := NewBuilder()
	buildApply(b)
	loadBuilder(t, vm, b)

	double, ok := vm.FunctionByName("double")
	if !ok {
		t.Fatal("double not found")
	}
	r, err := vm.Call(double, FromInt(5))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if r != FromInt(10) {
		t.Errorf("double(5) = %s", r)
	}
	if vm.Root().Depth() != 0 || vm.Root().IP() != 0 {
		t.Errorf("call left depth %d, ip %d", vm.Root().Depth(), vm.Root().IP())
	}

	if _, err := vm.Call(double); err == nil {
		t.Error("Call with wrong arity succeeded")
	}
	if vm.Root().Depth() != 0 {
		t.Errorf("failed call left depth %d", vm.Root().Depth())
	}
	vm.ClearErrors()
	if _, err := vm.Call(FromInt(1)); !errors.Is(err, ErrNotCallable) {
		t.Errorf("Call(int) err = %v, want ErrNotCallable", err)
	}
}

// TestFailureInsideReentrantCall exhausts memory in a script function that
// a native re-enters; the failure must reach the outermost entry point
// instead of becoming an ordinary error.
func TestFailureInsideReentrantCall(t *testing.T) {
	for _, entry := range []string{"run", "host call"} {
		t.Run(entry, func(t *testing.T) {
			limits := DefaultLimits()
			limits.MaxBytes = 16 << 10
			limits.GCInterval = 0
			vm := newTestVMWithLimits(t, limits)
			var innerErr error
			err := vm.RegisterNative("reenter", 1, func(vm *VM, args []Value) (Value, error) {
				var r Value
				r, innerErr = vm.Call(args[0])
				return r, innerErr
			}, KindFunction)
			if err != nil {
				t.Fatalf("RegisterNative failed: %v", err)
			}

			b := NewBuilder()
			reenter := b.Native("reenter")
			grow := b.Function("grow", 0)
			outer := b.Function("outer", 0)
			b.PushFunc(outer)
			b.Call(0)
			b.Emit(OpEnd)

			b.Begin(grow)
			loop := b.NewLabel()
			b.Mark(loop)
			b.Emit(OpNewObject)
			b.Emit(OpPop)
			b.EmitLabel(OpJump, loop)

			b.Begin(outer)
			b.PushFunc(reenter)
			b.PushFunc(grow)
			b.Call(1)
			b.Return(0)
			loadBuilder(t, vm, b)

			if entry == "run" {
				_, err = vm.Run(1 << 20)
			} else {
				fn, ok := vm.FunctionByName("outer")
				if !ok {
					t.Fatal("outer not found")
				}
				_, err = vm.Call(fn)
			}
			if !errors.Is(err, ErrMachineFailed) || !errors.Is(err, ErrAllocationFailure) {
				t.Errorf("err = %v, want ErrMachineFailed wrapping ErrAllocationFailure", err)
			}
			if !errors.Is(innerErr, ErrAllocationFailure) {
				t.Errorf("inner Call err = %v, want ErrAllocationFailure", innerErr)
			}
			if errs := vm.Errors(); len(errs) != 0 {
				t.Errorf("ordinary errors recorded: %v", errs)
			}
			if !vm.Failed() {
				t.Error("Failed() = false")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Objects
// ---------------------------------------------------------------------------

func TestObjectOpcodes(t *testing.T) {
	vm := newTestVM(t)
	b := NewBuilder()
	b.Emit(OpNewObject)
	b.Emit(OpDup)
	b.PushString("k")
	b.PushInt(9)
	b.Emit(OpSetField)
	b.Emit(OpDup)
	b.PushString("k")
	b.Emit(OpGetField)
	b.Emit(OpSwap)
	b.Emit(OpDup)
	b.PushString("missing")
	b.Emit(OpGetField)
	b.Emit(OpPop)
	b.Emit(OpLen)
	b.Emit(OpAdd)
	b.Emit(OpEnd)
	loadBuilder(t, vm, b)
	runToEnd(t, vm)
	if got := topInt(t, vm); got != 10 {
		t.Errorf("field + len = %d, want 10", got)
	}
}

func TestFieldLimit(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxObjectFields = 1
	vm := newTestVMWithLimits(t, limits)
	b := NewBuilder()
	b.Emit(OpNewObject)
	for i := int32(0); i < 2; i++ {
		b.Emit(OpDup)
		b.PushInt(i)
		b.PushInt(i)
		b.Emit(OpSetField)
	}
	b.Emit(OpEnd)
	loadBuilder(t, vm, b)
	errs := runExpectError(t, vm)
	if !containsError(errs, "exceeds 1 fields") {
		t.Errorf("errors = %v", errs)
	}
}

func TestFieldOnNonObject(t *testing.T) {
	vm := newTestVM(t)
	b := NewBuilder()
	b.PushInt(1)
	b.PushInt(2)
	b.Emit(OpGetField)
	loadBuilder(t, vm, b)
	errs := runExpectError(t, vm)
	if !containsError(errs, "expected object, got int") {
		t.Errorf("errors = %v", errs)
	}
}
