package vm

import (
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Shared test helpers
// ---------------------------------------------------------------------------

func newTestVM(t testing.TB) *VM {
	t.Helper()
	return newTestVMWithLimits(t, DefaultLimits())
}

func newTestVMWithLimits(t testing.TB, limits Limits) *VM {
	t.Helper()
	vm, err := NewVM(limits)
	if err != nil {
		t.Fatalf("NewVM failed: %v", err)
	}
	t.Cleanup(vm.Close)
	return vm
}

func loadBuilder(t testing.TB, vm *VM, b *Builder) {
	t.Helper()
	p, err := b.Program()
	if err != nil {
		t.Fatalf("Program failed: %v", err)
	}
	if err := vm.Load(p); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
}

// runToEnd runs until END and fails the test on anything else.
func runToEnd(t testing.TB, vm *VM) {
	t.Helper()
	status, err := vm.Run(1 << 20)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if status != StatusHalted {
		t.Fatalf("Run status = %s, want halted; errors: %v", status, vm.Errors())
	}
}

// runExpectError runs until the first ordinary error and returns the
// recorded messages.
func runExpectError(t testing.TB, vm *VM) []string {
	t.Helper()
	status, err := vm.Run(1 << 20)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if status != StatusError {
		t.Fatalf("Run status = %s, want error", status)
	}
	return vm.Errors()
}

func containsError(errs []string, substr string) bool {
	for _, e := range errs {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

func topInt(t testing.TB, vm *VM) int32 {
	t.Helper()
	v, ok := vm.Top()
	if !ok {
		t.Fatalf("stack is empty")
	}
	if !v.IsInt() {
		t.Fatalf("top = %s, want int", v)
	}
	return v.Int()
}

// registerPrint installs a native "print" that appends its argument to out.
func registerPrint(t testing.TB, vm *VM, out *strings.Builder) {
	t.Helper()
	err := vm.RegisterNative("print", 1, func(vm *VM, args []Value) (Value, error) {
		if s, ok := vm.String(args[0]); ok {
			out.WriteString(s)
		} else {
			out.WriteString(args[0].String())
		}
		return Nil, nil
	})
	if err != nil {
		t.Fatalf("RegisterNative failed: %v", err)
	}
}
