package vm

import (
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Builder: assembles a Program
// ---------------------------------------------------------------------------

// Builder constructs programs that obey the calling convention. It is the
// assembler hosts and tests use in place of a compiler.
type Builder struct {
	code []int32

	strings   []string
	stringIdx map[string]int32

	functions []FunctionDecl
	funcIdx   map[string]FunctionID
	entries   map[FunctionID]bool

	globals   []string
	globalIdx map[string]int32

	files   []string
	fileIdx map[string]uint32
	lines   []LinePos

	labels []*Label
}

// Label is a code address that may be referenced before it is known.
type Label struct {
	resolved bool
	position int
	refs     []int // immediate slots to patch
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		code:      make([]int32, 0, 64),
		stringIdx: make(map[string]int32),
		funcIdx:   make(map[string]FunctionID),
		entries:   make(map[FunctionID]bool),
		globalIdx: make(map[string]int32),
		fileIdx:   make(map[string]uint32),
	}
}

// Pos returns the address of the next emitted slot.
func (b *Builder) Pos() int {
	return len(b.code)
}

// Emit appends an opcode without an immediate.
func (b *Builder) Emit(op Opcode) {
	b.code = append(b.code, int32(op))
}

// EmitImm appends an opcode and its immediate.
func (b *Builder) EmitImm(op Opcode, imm int32) {
	b.code = append(b.code, int32(op), imm)
}

// PushInt emits PUSH_INT n.
func (b *Builder) PushInt(n int32) {
	b.EmitImm(OpPushInt, n)
}

// PushFloat emits PUSH_FLOAT f.
func (b *Builder) PushFloat(f float32) {
	b.EmitImm(OpPushFloat, int32(math.Float32bits(f)))
}

// String returns the literal ID of s, adding it to the pool if needed.
func (b *Builder) String(s string) int32 {
	if id, ok := b.stringIdx[s]; ok {
		return id
	}
	id := int32(len(b.strings))
	b.strings = append(b.strings, s)
	b.stringIdx[s] = id
	return id
}

// PushString emits PUSH_STRING for literal s.
func (b *Builder) PushString(s string) {
	b.EmitImm(OpPushString, b.String(s))
}

// Global returns the static slot for name, allocating one if needed.
func (b *Builder) Global(name string) int32 {
	if g, ok := b.globalIdx[name]; ok {
		return g
	}
	g := int32(len(b.globals))
	b.globals = append(b.globals, name)
	b.globalIdx[name] = g
	return g
}

// DeclareGlobal emits DECLARE_GLOBAL for name and returns its slot.
func (b *Builder) DeclareGlobal(name string) int32 {
	g := b.Global(name)
	b.EmitImm(OpDeclareGlobal, g)
	return g
}

// Native declares a native import bound by name when the program loads.
// Arity and argument kinds come from the host's registration.
func (b *Builder) Native(name string) FunctionID {
	if id, ok := b.funcIdx[name]; ok {
		return id
	}
	id := FunctionID(len(b.functions))
	b.functions = append(b.functions, FunctionDecl{Name: name, Native: true})
	b.funcIdx[name] = id
	return id
}

// Function declares a script function. Its entry point is set by Begin.
func (b *Builder) Function(name string, arity int32) FunctionID {
	if id, ok := b.funcIdx[name]; ok {
		return id
	}
	id := FunctionID(len(b.functions))
	b.functions = append(b.functions, FunctionDecl{Name: name, Arity: arity})
	b.funcIdx[name] = id
	return id
}

// Begin sets the entry point of fn to the current position.
func (b *Builder) Begin(fn FunctionID) {
	b.functions[fn].Address = uint32(len(b.code))
	b.entries[fn] = true
}

// PushFunc emits PUSH_FUNC fn.
func (b *Builder) PushFunc(fn FunctionID) {
	b.EmitImm(OpPushFunc, int32(fn))
}

// NewLabel creates an unresolved label.
func (b *Builder) NewLabel() *Label {
	l := &Label{}
	b.labels = append(b.labels, l)
	return l
}

// Mark resolves a label to the current position and patches references.
func (b *Builder) Mark(l *Label) {
	if l.resolved {
		panic("label already resolved")
	}
	l.resolved = true
	l.position = len(b.code)
	for _, ref := range l.refs {
		b.code[ref] = int32(l.position)
	}
	l.refs = nil
}

// EmitLabel emits op with the label's address as immediate.
func (b *Builder) EmitLabel(op Opcode, l *Label) {
	b.code = append(b.code, int32(op))
	if l.resolved {
		b.code = append(b.code, int32(l.position))
		return
	}
	l.refs = append(l.refs, len(b.code))
	b.code = append(b.code, 0)
}

// Call emits the tail of a call sequence. The callee and argc arguments
// must already be on the stack; Call pushes argc and the return address,
// emits CALL and marks the return point.
func (b *Builder) Call(argc int32) {
	ret := b.NewLabel()
	b.PushInt(argc)
	b.EmitLabel(OpPushInt, ret)
	b.Emit(OpCall)
	b.Mark(ret)
}

// Return emits RETURN dropping frame local slots above the call header.
func (b *Builder) Return(frame int32) {
	b.EmitImm(OpReturn, frame)
}

// Line records that code emitted from here on comes from file:line.
func (b *Builder) Line(file string, line int32) {
	f, ok := b.fileIdx[file]
	if !ok {
		f = uint32(len(b.files))
		b.files = append(b.files, file)
		b.fileIdx[file] = f
	}
	b.lines = append(b.lines, LinePos{Address: uint32(len(b.code)), File: f, Line: line})
}

// Program returns the assembled program.
func (b *Builder) Program() (*Program, error) {
	for i, l := range b.labels {
		if !l.resolved && len(l.refs) > 0 {
			return nil, fmt.Errorf("%w: label %d referenced but never marked", ErrInvalidProgram, i)
		}
	}
	for i, fn := range b.functions {
		if !fn.Native && !b.entries[FunctionID(i)] {
			return nil, fmt.Errorf("%w: function %q has no body", ErrInvalidProgram, fn.Name)
		}
	}
	p := &Program{
		Code:      append([]int32(nil), b.code...),
		Strings:   append([]string(nil), b.strings...),
		Functions: make([]FunctionDecl, len(b.functions)),
		Globals:   append([]string(nil), b.globals...),
		Files:     append([]string(nil), b.files...),
		Lines:     append([]LinePos(nil), b.lines...),
	}
	copy(p.Functions, b.functions)
	return p, nil
}
