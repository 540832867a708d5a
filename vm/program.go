package vm

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Program: the compiler's output contract
// ---------------------------------------------------------------------------

// Program is what a code generator hands to the machine.
//
// Code must follow the calling convention: immediately before OpCall the
// stack holds [callee, arg0..argN-1, N, returnAddress]. Literal i of Strings
// becomes string ID i, pinned for the life of the machine.
type Program struct {
	Code      []int32
	Strings   []string
	Functions []FunctionDecl
	Globals   []string
	Files     []string
	Lines     []LinePos
}

// FunctionDecl declares one function table entry.
type FunctionDecl struct {
	Name    string
	Native  bool   // bound by name to a registered native at load
	Address uint32 // entry point of a script function
	Arity   int32  // declared argument count of a script function, -1 for variadic
}

// LinePos maps an instruction address to a source position.
type LinePos struct {
	Address uint32
	File    uint32 // index into Program.Files
	Line    int32
}

// validate checks the structural parts of a program that do not need
// machine state.
func (p *Program) validate() error {
	if len(p.Code) > MaxCapacity {
		return fmt.Errorf("%w: %d code slots exceed address space", ErrInvalidProgram, len(p.Code))
	}
	seen := make(map[string]bool, len(p.Strings))
	for i, s := range p.Strings {
		if seen[s] {
			return fmt.Errorf("%w: duplicate string literal %d %q", ErrInvalidProgram, i, s)
		}
		seen[s] = true
	}
	for i, fn := range p.Functions {
		if fn.Arity < -1 {
			return fmt.Errorf("%w: function %d %q has arity %d", ErrInvalidProgram, i, fn.Name, fn.Arity)
		}
	}
	for _, lp := range p.Lines {
		if int(lp.File) >= len(p.Files) {
			return fmt.Errorf("%w: line entry names file %d of %d", ErrInvalidProgram, lp.File, len(p.Files))
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Debug positions
// ---------------------------------------------------------------------------

// debugInfo holds source files and address-sorted positions.
type debugInfo struct {
	files []string
	lines []LinePos
}

func (d *debugInfo) set(files []string, lines []LinePos) {
	d.files = append([]string(nil), files...)
	d.lines = append([]LinePos(nil), lines...)
	sort.SliceStable(d.lines, func(i, j int) bool { return d.lines[i].Address < d.lines[j].Address })
}

// lookup finds the last position at or before addr.
func (d *debugInfo) lookup(addr uint32) (string, int, bool) {
	i := sort.Search(len(d.lines), func(i int) bool { return d.lines[i].Address > addr })
	if i == 0 {
		return "", 0, false
	}
	lp := d.lines[i-1]
	if int(lp.File) >= len(d.files) {
		return "", 0, false
	}
	return d.files[lp.File], int(lp.Line), true
}
