package vm

import (
	"fmt"
	"math"
	"strconv"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindInt
	KindFloat
	KindString
	KindFunction
	KindObject

	numKinds
)

var kindNames = [numKinds]string{
	KindNil:      "nil",
	KindInt:      "int",
	KindFloat:    "float",
	KindString:   "string",
	KindFunction: "function",
	KindObject:   "object",
}

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k < numKinds
}

// StringID is a slot index in the string table.
type StringID uint32

// ObjectID is a slot index in the object table.
type ObjectID uint32

// FunctionID is an index in the function table.
type FunctionID uint32

// ---------------------------------------------------------------------------
// Value: tagged 32-bit payload
// ---------------------------------------------------------------------------

// Value is a tagged union of nil, int, float, string ref, function ref and
// object ref.
//
// Values never own heap data. The reference variants carry a slot index into
// the string, function or object table, so copying a Value never copies the
// content it names. The payload is always 32 bits wide: ints are int32 and
// floats are float32, matching the snapshot format.
type Value struct {
	kind Kind
	bits uint32
}

// Nil is the nil value. It is also the zero Value.
var Nil = Value{}

// FromInt creates an int Value.
func FromInt(n int32) Value {
	return Value{kind: KindInt, bits: uint32(n)}
}

// FromFloat creates a float Value.
func FromFloat(f float32) Value {
	return Value{kind: KindFloat, bits: math.Float32bits(f)}
}

// FromString creates a reference to string slot id.
func FromString(id StringID) Value {
	return Value{kind: KindString, bits: uint32(id)}
}

// FromFunction creates a reference to function id.
func FromFunction(id FunctionID) Value {
	return Value{kind: KindFunction, bits: uint32(id)}
}

// FromObject creates a reference to object slot id.
func FromObject(id ObjectID) Value {
	return Value{kind: KindObject, bits: uint32(id)}
}

// valueFromBits rebuilds a Value from its raw encoding.
func valueFromBits(k Kind, bits uint32) Value {
	return Value{kind: k, bits: bits}
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// Bits returns the raw 32-bit payload.
func (v Value) Bits() uint32 { return v.bits }

func (v Value) IsNil() bool      { return v.kind == KindNil }
func (v Value) IsInt() bool      { return v.kind == KindInt }
func (v Value) IsFloat() bool    { return v.kind == KindFloat }
func (v Value) IsString() bool   { return v.kind == KindString }
func (v Value) IsFunction() bool { return v.kind == KindFunction }
func (v Value) IsObject() bool   { return v.kind == KindObject }

// IsNumber reports whether v is an int or a float.
func (v Value) IsNumber() bool {
	return v.kind == KindInt || v.kind == KindFloat
}

// IsRef reports whether v names a slot in the string or object table.
// Function refs are not included: the function table is never collected.
func (v Value) IsRef() bool {
	return v.kind == KindString || v.kind == KindObject
}

// Int returns the int payload. Panics if v is not an int.
func (v Value) Int() int32 {
	if v.kind != KindInt {
		panic("Value.Int: not an int")
	}
	return int32(v.bits)
}

// Float returns the float payload. Panics if v is not a float.
func (v Value) Float() float32 {
	if v.kind != KindFloat {
		panic("Value.Float: not a float")
	}
	return math.Float32frombits(v.bits)
}

// StringID returns the string slot. Panics if v is not a string ref.
func (v Value) StringID() StringID {
	if v.kind != KindString {
		panic("Value.StringID: not a string")
	}
	return StringID(v.bits)
}

// FunctionID returns the function index. Panics if v is not a function ref.
func (v Value) FunctionID() FunctionID {
	if v.kind != KindFunction {
		panic("Value.FunctionID: not a function")
	}
	return FunctionID(v.bits)
}

// ObjectID returns the object slot. Panics if v is not an object ref.
func (v Value) ObjectID() ObjectID {
	if v.kind != KindObject {
		panic("Value.ObjectID: not an object")
	}
	return ObjectID(v.bits)
}

// AsFloat converts a numeric Value to float32.
func (v Value) AsFloat() (float32, bool) {
	switch v.kind {
	case KindInt:
		return float32(int32(v.bits)), true
	case KindFloat:
		return math.Float32frombits(v.bits), true
	}
	return 0, false
}

// Truthy reports whether v counts as true for conditional jumps.
// nil, int 0 and float 0 are false.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNil:
		return false
	case KindInt:
		return v.bits != 0
	case KindFloat:
		return math.Float32frombits(v.bits) != 0
	}
	return true
}

// hash mixes kind and payload for property bucket selection.
func (v Value) hash() uint32 {
	h := v.bits*0x9E3779B1 ^ uint32(v.kind)*0x85EBCA77
	return h ^ h>>15
}

// String renders v for diagnostics. References print as kind#index since
// resolving them needs the owning machine.
func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindInt:
		return strconv.FormatInt(int64(int32(v.bits)), 10)
	case KindFloat:
		return strconv.FormatFloat(float64(math.Float32frombits(v.bits)), 'g', -1, 32)
	case KindString, KindFunction, KindObject:
		return fmt.Sprintf("%s#%d", v.kind, v.bits)
	}
	return fmt.Sprintf("invalid(%d:%d)", v.kind, v.bits)
}
