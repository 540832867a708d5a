package vm

import (
	"fmt"
	"testing"
)

func TestStringTableInternIsIdempotent(t *testing.T) {
	st := newStringTable(newAllocator(0), 4)
	a := st.Intern("hello")
	b := st.Intern("world")
	if a == b {
		t.Fatalf("distinct strings share ID %d", a)
	}
	if again := st.Intern("hello"); again != a {
		t.Errorf("Intern(hello) = %d, want %d", again, a)
	}
	if s, ok := st.Get(b); !ok || s != "world" {
		t.Errorf("Get(%d) = %q, %v", b, s, ok)
	}
	if st.Len() != 2 {
		t.Errorf("Len() = %d, want 2", st.Len())
	}
	if err := st.verify(); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestStringTableLowestSlotsFirst(t *testing.T) {
	st := newStringTable(newAllocator(0), 8)
	for i := 0; i < 3; i++ {
		if id := st.Intern(fmt.Sprint(i)); int(id) != i {
			t.Errorf("string %d got ID %d", i, id)
		}
	}
}

func TestStringTableReusesHoles(t *testing.T) {
	st := newStringTable(newAllocator(0), 4)
	st.Intern("a")
	b := st.Intern("b")
	st.Intern("c")
	st.Delete(b)
	if _, ok := st.Find("b"); ok {
		t.Fatal("deleted string still found")
	}
	if id := st.Intern("d"); id != b {
		t.Errorf("new string got ID %d, want reused hole %d", id, b)
	}
	if st.Cap() != 4 {
		t.Errorf("Cap() = %d, want 4", st.Cap())
	}
	if err := st.verify(); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestStringTableGrowthKeepsIDs(t *testing.T) {
	alloc := newAllocator(0)
	st := newStringTable(alloc, 2)
	ids := make(map[string]StringID)
	for i := 0; i < 100; i++ {
		s := fmt.Sprintf("s%03d", i)
		ids[s] = st.Intern(s)
	}
	if st.Cap() != 128 {
		t.Errorf("Cap() = %d, want 128", st.Cap())
	}
	for s, id := range ids {
		if got, ok := st.Find(s); !ok || got != id {
			t.Errorf("Find(%q) = %d, %v, want %d", s, got, ok, id)
		}
	}
	if err := st.verify(); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestStringTableSweepSparesPinnedAndStamped(t *testing.T) {
	st := newStringTable(newAllocator(0), 8)
	keep := st.Intern("keep")
	pinned := st.Intern("pinned")
	gone := st.Intern("gone")
	st.Pin(pinned)
	st.entry(keep).stamp = 7

	if n := st.sweep(7); n != 1 {
		t.Errorf("sweep removed %d, want 1", n)
	}
	if st.entry(gone) != nil {
		t.Error("unstamped string survived")
	}
	if st.entry(keep) == nil || st.entry(pinned) == nil {
		t.Error("live string swept")
	}
	if !st.Pinned(pinned) || st.Pinned(keep) {
		t.Error("Pinned reports wrong flags")
	}
}

func TestStringTableAbortedGrowthLeavesTableIntact(t *testing.T) {
	alloc := newAllocator(0)
	st := newStringTable(alloc, 2)
	st.Intern("a")
	st.Intern("b")
	alloc.limit = alloc.current + stringEntryBytes + 1

	func() {
		defer func() {
			r := recover()
			if _, ok := r.(abort); !ok {
				t.Fatalf("recover() = %v, want abort", r)
			}
		}()
		st.Intern("c")
	}()

	if st.Cap() != 2 || st.Len() != 2 {
		t.Errorf("Cap, Len = %d, %d after failed growth", st.Cap(), st.Len())
	}
	if len(alloc.records) != 3 {
		t.Errorf("allocation records = %d, want 3", len(alloc.records))
	}
	if err := st.verify(); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestStringTableTruncate(t *testing.T) {
	st := newStringTable(newAllocator(0), 16)
	st.Intern("x")
	st.Intern("y")
	st.truncate(st.highest())
	if st.Cap() != 2 {
		t.Fatalf("Cap() = %d, want 2", st.Cap())
	}
	if err := st.verify(); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}
