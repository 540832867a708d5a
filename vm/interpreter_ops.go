package vm

import (
	"math"
)

// ---------------------------------------------------------------------------
// Stack operations
// ---------------------------------------------------------------------------

func opPushNil(vm *VM) { vm.push(Nil) }

func opPushInt(vm *VM) { vm.push(FromInt(vm.imm())) }

func opPushFloat(vm *VM) { vm.push(FromFloat(math.Float32frombits(uint32(vm.imm())))) }

func opPushString(vm *VM) {
	id := StringID(vm.imm())
	if vm.strings.entry(id) == nil {
		vm.fail("string literal %d does not exist", id)
		return
	}
	vm.push(FromString(id))
}

func opPushFunc(vm *VM) {
	id := vm.imm()
	if id < 0 || int(id) >= len(vm.functions) {
		vm.fail("function %d does not exist", id)
		return
	}
	vm.push(FromFunction(FunctionID(id)))
}

func opPop(vm *VM) {
	if vm.need(1) {
		vm.pop()
	}
}

func opDup(vm *VM) {
	if vm.need(1) {
		vm.push(vm.peek(0))
	}
}

func opSwap(vm *VM) {
	if !vm.need(2) {
		return
	}
	s := vm.current.stack
	sp := vm.current.sp
	s[sp-1], s[sp-2] = s[sp-2], s[sp-1]
}

func opPick(vm *VM) {
	d := int(vm.imm())
	if d < 0 {
		vm.fail("negative pick depth %d", d)
		return
	}
	if vm.need(d + 1) {
		vm.push(vm.peek(d))
	}
}

func opPut(vm *VM) {
	d := int(vm.imm())
	if d < 0 {
		vm.fail("negative put depth %d", d)
		return
	}
	if !vm.need(d + 2) {
		return
	}
	v := vm.pop()
	c := vm.current
	c.stack[c.sp-1-d] = v
}

// ---------------------------------------------------------------------------
// Globals
// ---------------------------------------------------------------------------

func opDeclareGlobal(vm *VM) {
	g := vm.imm()
	if g < 0 || int(g) >= MaxCapacity {
		vm.fail("global slot %d out of range", g)
		return
	}
	vm.declareGlobal(int(g))
}

func opLoadGlobal(vm *VM) {
	g := vm.imm()
	if g < 0 || int(g) >= vm.staticLen {
		vm.fail("global slot %d is not declared", g)
		return
	}
	vm.push(vm.static[g])
}

func opStoreGlobal(vm *VM) {
	g := vm.imm()
	if g < 0 || int(g) >= vm.staticLen {
		vm.fail("global slot %d is not declared", g)
		return
	}
	if vm.need(1) {
		vm.static[g] = vm.pop()
	}
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func opArith(vm *VM) {
	op := Opcode(vm.code[vm.at&vm.mask])
	if !vm.need(2) {
		return
	}
	b := vm.pop()
	a := vm.pop()

	if op == OpAdd && a.IsString() && b.IsString() {
		sa, _ := vm.strings.Get(a.StringID())
		sb, _ := vm.strings.Get(b.StringID())
		vm.push(FromString(vm.strings.Intern(sa + sb)))
		return
	}
	if a.IsInt() && b.IsInt() {
		x, y := a.Int(), b.Int()
		switch op {
		case OpAdd:
			vm.push(FromInt(x + y))
		case OpSub:
			vm.push(FromInt(x - y))
		case OpMul:
			vm.push(FromInt(x * y))
		case OpDiv, OpMod:
			if y == 0 {
				vm.fail("division by zero")
				return
			}
			if op == OpDiv {
				vm.push(FromInt(x / y))
			} else {
				vm.push(FromInt(x % y))
			}
		}
		return
	}
	x, okA := a.AsFloat()
	y, okB := b.AsFloat()
	if !okA || !okB {
		vm.fail("cannot apply %s to %s and %s", op, a.Kind(), b.Kind())
		return
	}
	switch op {
	case OpAdd:
		vm.push(FromFloat(x + y))
	case OpSub:
		vm.push(FromFloat(x - y))
	case OpMul:
		vm.push(FromFloat(x * y))
	case OpDiv:
		vm.push(FromFloat(x / y))
	case OpMod:
		vm.push(FromFloat(float32(math.Mod(float64(x), float64(y)))))
	}
}

func opNeg(vm *VM) {
	if !vm.need(1) {
		return
	}
	v := vm.pop()
	switch v.Kind() {
	case KindInt:
		vm.push(FromInt(-v.Int()))
	case KindFloat:
		vm.push(FromFloat(-v.Float()))
	default:
		vm.fail("cannot negate %s", v.Kind())
	}
}

func opNot(vm *VM) {
	if vm.need(1) {
		vm.push(boolValue(!vm.pop().Truthy()))
	}
}

func boolValue(b bool) Value {
	if b {
		return FromInt(1)
	}
	return FromInt(0)
}

// ---------------------------------------------------------------------------
// Comparison
// ---------------------------------------------------------------------------

func opCompare(vm *VM) {
	op := Opcode(vm.code[vm.at&vm.mask])
	if !vm.need(2) {
		return
	}
	b := vm.pop()
	a := vm.pop()

	if op == OpEq || op == OpNe {
		eq := a == b
		if a.IsNumber() && b.IsNumber() {
			x, _ := a.AsFloat()
			y, _ := b.AsFloat()
			eq = x == y
			if a.IsInt() && b.IsInt() {
				eq = a.Int() == b.Int()
			}
		}
		vm.push(boolValue(eq == (op == OpEq)))
		return
	}

	var cmp int
	switch {
	case a.IsInt() && b.IsInt():
		cmp = compareOrdered(a.Int(), b.Int())
	case a.IsNumber() && b.IsNumber():
		x, _ := a.AsFloat()
		y, _ := b.AsFloat()
		if math.IsNaN(float64(x)) || math.IsNaN(float64(y)) {
			vm.push(boolValue(false))
			return
		}
		cmp = compareOrdered(x, y)
	case a.IsString() && b.IsString():
		sa, _ := vm.strings.Get(a.StringID())
		sb, _ := vm.strings.Get(b.StringID())
		cmp = compareOrdered(sa, sb)
	default:
		vm.fail("cannot compare %s with %s", a.Kind(), b.Kind())
		return
	}
	var r bool
	switch op {
	case OpLt:
		r = cmp < 0
	case OpLe:
		r = cmp <= 0
	case OpGt:
		r = cmp > 0
	case OpGe:
		r = cmp >= 0
	}
	vm.push(boolValue(r))
}

func compareOrdered[T int32 | float32 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func opJump(vm *VM) {
	vm.current.ip = uint32(vm.imm())
}

func opJumpIfFalse(vm *VM) {
	addr := vm.imm()
	if vm.need(1) && !vm.pop().Truthy() {
		vm.current.ip = uint32(addr)
	}
}

func opJumpIfTrue(vm *VM) {
	addr := vm.imm()
	if vm.need(1) && vm.pop().Truthy() {
		vm.current.ip = uint32(addr)
	}
}

func opCall(vm *VM) { vm.invoke() }

// opReturn pops the result, discards the frame's local slots, then the call
// header, and resumes at the saved return address.
func opReturn(vm *VM) {
	frame := int(vm.imm())
	if frame < 0 {
		vm.fail("negative frame size %d", frame)
		return
	}
	if !vm.need(frame + 4) {
		return
	}
	r := vm.pop()
	vm.drop(frame)
	retV := vm.pop()
	argcV := vm.pop()
	if !retV.IsInt() || !argcV.IsInt() {
		vm.fail("malformed call header: argument count %s, return address %s", argcV, retV)
		return
	}
	argc := int(argcV.Int())
	if argc < 0 || !vm.need(argc+1) {
		vm.fail("call header claims %d arguments", argc)
		return
	}
	vm.drop(argc + 1)
	vm.returnTo(retV.Int(), r)
}

// ---------------------------------------------------------------------------
// Objects
// ---------------------------------------------------------------------------

func opNewObject(vm *VM) {
	o := vm.objects.Create()
	vm.push(FromObject(o.index))
}

// objectArg resolves an object operand, recording an error if v is not a
// live object.
func (vm *VM) objectArg(v Value) *Object {
	if !v.IsObject() {
		vm.fail("expected object, got %s", v.Kind())
		return nil
	}
	o := vm.objects.Get(v.ObjectID())
	if o == nil {
		vm.fail("object %d does not exist", v.bits)
	}
	return o
}

func opGetField(vm *VM) {
	if !vm.need(2) {
		return
	}
	key := vm.pop()
	o := vm.objectArg(vm.pop())
	if o == nil {
		return
	}
	v, _ := o.get(key)
	vm.push(v)
}

func opSetField(vm *VM) {
	if !vm.need(3) {
		return
	}
	val := vm.pop()
	key := vm.pop()
	o := vm.objectArg(vm.pop())
	if o == nil {
		return
	}
	if _, exists := o.get(key); !exists {
		if limit := vm.limits.MaxObjectFields; limit > 0 && o.count >= limit {
			vm.fail("object %d exceeds %d fields", o.index, limit)
			return
		}
		vm.objects.charge(o, o.count+1)
	}
	o.set(key, val)
}

func opDeleteField(vm *VM) {
	if !vm.need(2) {
		return
	}
	key := vm.pop()
	o := vm.objectArg(vm.pop())
	if o == nil {
		return
	}
	if o.del(key) {
		vm.objects.charge(o, o.count)
	}
}

func opLen(vm *VM) {
	if !vm.need(1) {
		return
	}
	v := vm.pop()
	switch v.Kind() {
	case KindObject:
		if o := vm.objectArg(v); o != nil {
			vm.push(FromInt(int32(o.count)))
		}
	case KindString:
		s, _ := vm.strings.Get(v.StringID())
		vm.push(FromInt(int32(len(s))))
	default:
		vm.fail("cannot take length of %s", v.Kind())
	}
}
