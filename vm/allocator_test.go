package vm

import (
	"errors"
	"fmt"
	"testing"
)

func TestAllocatorAccounting(t *testing.T) {
	a := newAllocator(1000)
	h1, err := a.tryAlloc("test", 300)
	if err != nil {
		t.Fatalf("tryAlloc failed: %v", err)
	}
	h2, err := a.tryAlloc("test", 500)
	if err != nil {
		t.Fatalf("tryAlloc failed: %v", err)
	}
	if a.current != 800 {
		t.Fatalf("current = %d, want 800", a.current)
	}
	if _, err := a.tryAlloc("test", 201); !errors.Is(err, ErrAllocationFailure) {
		t.Fatalf("tryAlloc over limit: err = %v, want ErrAllocationFailure", err)
	}
	a.free(h1)
	a.resize(h2, 600)
	if a.current != 600 || a.peak != 800 {
		t.Fatalf("current, peak = %d, %d, want 600, 800", a.current, a.peak)
	}
	if err := a.tryResize(h2, 1001); !errors.Is(err, ErrAllocationFailure) {
		t.Fatalf("tryResize over limit: err = %v", err)
	}
	if a.current != 600 {
		t.Fatalf("failed resize changed current to %d", a.current)
	}
}

func TestAllocatorReleaseAllRunsCallbacksInOrder(t *testing.T) {
	a := newAllocator(0)
	var order []int
	for i := 0; i < 5; i++ {
		h := a.alloc("test", 10)
		i := i
		a.setRelease(h, func() { order = append(order, i) })
	}
	a.releaseAll()
	if fmt.Sprint(order) != "[0 1 2 3 4]" {
		t.Errorf("release order = %v", order)
	}
	if a.current != 0 || len(a.records) != 0 {
		t.Errorf("after releaseAll current = %d, records = %d", a.current, len(a.records))
	}
}

func TestCapacityHelpers(t *testing.T) {
	for _, n := range []uint32{1, 2, 64, MaxCapacity} {
		if !validCapacity(n) {
			t.Errorf("validCapacity(%d) = false", n)
		}
	}
	for _, n := range []uint32{0, 3, 100, MaxCapacity * 2} {
		if validCapacity(n) {
			t.Errorf("validCapacity(%d) = true", n)
		}
	}
	if n, err := pow2AtLeast(9); err != nil || n != 16 {
		t.Errorf("pow2AtLeast(9) = %d, %v", n, err)
	}
	if n, _ := pow2AtLeast(0); n != 1 {
		t.Errorf("pow2AtLeast(0) = %d, want 1", n)
	}
	if _, err := pow2AtLeast(MaxCapacity + 1); !errors.Is(err, ErrAddressSpace) {
		t.Errorf("pow2AtLeast past limit: err = %v", err)
	}
}

func TestNewVMBelowMinimumFails(t *testing.T) {
	_, err := NewVM(Limits{MaxBytes: 100})
	if !errors.Is(err, ErrAllocationFailure) {
		t.Fatalf("NewVM with 100 bytes: err = %v, want ErrAllocationFailure", err)
	}
}

// TestCatastrophicFailureIsSticky exhausts the byte ceiling through the
// host API and checks the failure flag, later calls and teardown.
func TestCatastrophicFailureIsSticky(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxBytes = 8 << 10
	vm, err := NewVM(limits)
	if err != nil {
		t.Fatalf("NewVM failed: %v", err)
	}

	var failErr error
	for i := 0; i < 10000; i++ {
		if _, failErr = vm.Intern(fmt.Sprintf("string-%d", i)); failErr != nil {
			break
		}
	}
	if !errors.Is(failErr, ErrAllocationFailure) {
		t.Fatalf("Intern never failed with ErrAllocationFailure, last err = %v", failErr)
	}
	if !vm.Failed() {
		t.Fatal("Failed() = false after allocation failure")
	}
	if err := vm.strings.verify(); err != nil {
		t.Errorf("string table inconsistent after aborted growth: %v", err)
	}
	if _, err := vm.Run(10); !errors.Is(err, ErrMachineFailed) {
		t.Errorf("Run after failure: err = %v, want ErrMachineFailed", err)
	}
	if _, err := vm.Intern("x"); !errors.Is(err, ErrMachineFailed) {
		t.Errorf("Intern after failure: err = %v, want ErrMachineFailed", err)
	}

	vm.Close()
	if got := vm.MemoryStats(); got.Current != 0 || got.Allocations != 0 {
		t.Errorf("after Close: %+v", got)
	}
}

func TestFailedTeardownRunsExternalCleanup(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxBytes = 8 << 10
	vm, err := NewVM(limits)
	if err != nil {
		t.Fatalf("NewVM failed: %v", err)
	}
	cleaned := 0
	if _, err := vm.RegisterExternalType(&ExternalType{
		Name:    "file",
		Cleanup: func(*VM, ObjectID, any) { cleaned++ },
	}); err != nil {
		t.Fatalf("RegisterExternalType failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := vm.NewExternalObject("file", i+1); err != nil {
			t.Fatalf("NewExternalObject failed: %v", err)
		}
	}
	for i := 0; !vm.Failed() && i < 10000; i++ {
		vm.Intern(fmt.Sprintf("filler-%d", i))
	}
	if !vm.Failed() {
		t.Fatal("machine never failed")
	}
	vm.Close()
	if cleaned != 3 {
		t.Errorf("cleanups after failed teardown = %d, want 3", cleaned)
	}
}

func TestMemoryStatsString(t *testing.T) {
	s := MemoryStats{Current: 2048, Peak: 4096, Limit: 1 << 20, Allocations: 3}.String()
	want := "2.0 KiB in use, 4.0 KiB peak, limit 1.0 MiB, 3 allocations"
	if s != want {
		t.Errorf("String() = %q, want %q", s, want)
	}
}
