package vm

import (
	"fmt"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is one instruction slot value. Immediate operands occupy the slot
// that follows the opcode.
type Opcode int32

// opTableSize is the dispatch table size. Slots without a handler, and
// opcodes outside the table, execute as no-ops so zero-filled or padded code
// is safe to run.
const opTableSize = 64

// Stack operations
const (
	OpNop        Opcode = 0x00 // no operation
	OpEnd        Opcode = 0x01 // stop execution
	OpPushNil    Opcode = 0x02 // push nil
	OpPushInt    Opcode = 0x03 // push int immediate
	OpPushFloat  Opcode = 0x04 // push float32 immediate (raw bits)
	OpPushString Opcode = 0x05 // push string ref immediate
	OpPushFunc   Opcode = 0x06 // push function ref immediate
	OpPop        Opcode = 0x07 // discard top
	OpDup        Opcode = 0x08 // duplicate top
	OpSwap       Opcode = 0x09 // swap the two top slots
	OpPick       Opcode = 0x0A // push copy of slot at depth immediate
	OpPut        Opcode = 0x0B // pop, store at depth immediate
)

// Globals
const (
	OpDeclareGlobal Opcode = 0x10 // make static slot immediate exist
	OpLoadGlobal    Opcode = 0x11 // push static slot immediate
	OpStoreGlobal   Opcode = 0x12 // pop into static slot immediate
)

// Arithmetic and comparison
const (
	OpAdd Opcode = 0x18
	OpSub Opcode = 0x19
	OpMul Opcode = 0x1A
	OpDiv Opcode = 0x1B
	OpMod Opcode = 0x1C
	OpNeg Opcode = 0x1D
	OpNot Opcode = 0x1E

	OpEq Opcode = 0x20
	OpNe Opcode = 0x21
	OpLt Opcode = 0x22
	OpLe Opcode = 0x23
	OpGt Opcode = 0x24
	OpGe Opcode = 0x25
)

// Control flow
const (
	OpJump        Opcode = 0x28 // jump to absolute address immediate
	OpJumpIfFalse Opcode = 0x29 // pop, jump if falsy
	OpJumpIfTrue  Opcode = 0x2A // pop, jump if truthy
	OpCall        Opcode = 0x2B // call with header [callee, args.., argc, ret]
	OpReturn      Opcode = 0x2C // return, immediate is the frame size to drop
)

// Objects
const (
	OpNewObject   Opcode = 0x30
	OpGetField    Opcode = 0x31
	OpSetField    Opcode = 0x32
	OpDeleteField Opcode = 0x33
	OpLen         Opcode = 0x34
)

// Coroutines
const (
	OpCoroutine Opcode = 0x38 // wrap function ref in a new context
	OpResume    Opcode = 0x39 // switch into a coroutine passing a value
	OpYield     Opcode = 0x3A // switch back to the resumer passing a value
	OpStatus    Opcode = 0x3B // push coroutine state as int
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name        string
	Immediate   bool // followed by one operand slot
	StackEffect int  // net effect on stack depth (-99 = variable)
}

const variableEffect = -99

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:        {"NOP", false, 0},
	OpEnd:        {"END", false, 0},
	OpPushNil:    {"PUSH_NIL", false, 1},
	OpPushInt:    {"PUSH_INT", true, 1},
	OpPushFloat:  {"PUSH_FLOAT", true, 1},
	OpPushString: {"PUSH_STRING", true, 1},
	OpPushFunc:   {"PUSH_FUNC", true, 1},
	OpPop:        {"POP", false, -1},
	OpDup:        {"DUP", false, 1},
	OpSwap:       {"SWAP", false, 0},
	OpPick:       {"PICK", true, 1},
	OpPut:        {"PUT", true, -1},

	OpDeclareGlobal: {"DECLARE_GLOBAL", true, 0},
	OpLoadGlobal:    {"LOAD_GLOBAL", true, 1},
	OpStoreGlobal:   {"STORE_GLOBAL", true, -1},

	OpAdd: {"ADD", false, -1},
	OpSub: {"SUB", false, -1},
	OpMul: {"MUL", false, -1},
	OpDiv: {"DIV", false, -1},
	OpMod: {"MOD", false, -1},
	OpNeg: {"NEG", false, 0},
	OpNot: {"NOT", false, 0},

	OpEq: {"EQ", false, -1},
	OpNe: {"NE", false, -1},
	OpLt: {"LT", false, -1},
	OpLe: {"LE", false, -1},
	OpGt: {"GT", false, -1},
	OpGe: {"GE", false, -1},

	OpJump:        {"JUMP", true, 0},
	OpJumpIfFalse: {"JUMP_IF_FALSE", true, -1},
	OpJumpIfTrue:  {"JUMP_IF_TRUE", true, -1},
	OpCall:        {"CALL", false, variableEffect},
	OpReturn:      {"RETURN", true, variableEffect},

	OpNewObject:   {"NEW_OBJECT", false, 1},
	OpGetField:    {"GET_FIELD", false, -1},
	OpSetField:    {"SET_FIELD", false, -3},
	OpDeleteField: {"DELETE_FIELD", false, -2},
	OpLen:         {"LEN", false, 0},

	OpCoroutine: {"COROUTINE", false, 0},
	OpResume:    {"RESUME", false, variableEffect},
	OpYield:     {"YIELD", false, variableEffect},
	OpStatus:    {"STATUS", false, 0},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", int32(op))}
}

// Name returns the opcode's mnemonic.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements fmt.Stringer.
func (op Opcode) String() string {
	return op.Info().Name
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble renders code as one instruction per line. Trailing no-ops
// are omitted.
func Disassemble(code []int32) string {
	end := len(code)
	for end > 0 && Opcode(code[end-1]) == OpNop {
		end--
	}
	var sb strings.Builder
	for pc := 0; pc < end; pc++ {
		op := Opcode(code[pc])
		info := op.Info()
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		if !info.Immediate || pc+1 >= len(code) {
			fmt.Fprintf(&sb, "%04d  %s", pc, info.Name)
			continue
		}
		pc++
		imm := code[pc]
		if op == OpPushFloat {
			fmt.Fprintf(&sb, "%04d  %s %g", pc-1, info.Name, math.Float32frombits(uint32(imm)))
		} else {
			fmt.Fprintf(&sb, "%04d  %s %d", pc-1, info.Name, imm)
		}
	}
	return sb.String()
}
