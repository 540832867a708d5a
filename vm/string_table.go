package vm

import (
	"fmt"

	"github.com/zeebo/xxh3"
)

// ---------------------------------------------------------------------------
// StringTable: interned strings with stable IDs
// ---------------------------------------------------------------------------

// stringBuckets is the fixed width of the dedup hash index.
const stringBuckets = 256

type stringEntry struct {
	index  StringID
	data   string
	hash   uint32
	pinned bool
	stamp  uint32
	next   *stringEntry // bucket chain
	mem    allocHandle
}

// StringTable interns byte strings to stable integer IDs.
//
// It keeps two indexes over the same entries: the dense slot array is
// authoritative for serialization and sweep, the bucket array is
// authoritative for dedup. Deleted slots become holes and are reused before
// the table grows.
type StringTable struct {
	alloc   *Allocator
	slots   []*stringEntry
	holes   []StringID
	buckets [stringBuckets]*stringEntry
	count   int
	mem     allocHandle
}

func newStringTable(alloc *Allocator, capacity int) *StringTable {
	st := &StringTable{alloc: alloc}
	st.mem = alloc.alloc("string table", int64(capacity)*slotBytes)
	st.slots = make([]*stringEntry, capacity)
	st.holes = make([]StringID, 0, capacity)
	st.pushHoles(0, capacity)
	return st
}

func hashString(s string) uint32 {
	return uint32(xxh3.HashString(s))
}

// pushHoles adds [lo, hi) to the free list so that lower indices are
// handed out first.
func (st *StringTable) pushHoles(lo, hi int) {
	for i := hi - 1; i >= lo; i-- {
		st.holes = append(st.holes, StringID(i))
	}
}

// Len returns the number of live strings.
func (st *StringTable) Len() int { return st.count }

// Cap returns the slot array capacity.
func (st *StringTable) Cap() int { return len(st.slots) }

// entry returns the live entry at id, or nil for a hole or out-of-range id.
func (st *StringTable) entry(id StringID) *stringEntry {
	if int(id) >= len(st.slots) {
		return nil
	}
	return st.slots[id]
}

// Get returns the content of string id.
func (st *StringTable) Get(id StringID) (string, bool) {
	e := st.entry(id)
	if e == nil {
		return "", false
	}
	return e.data, true
}

// Find looks up s without creating it.
func (st *StringTable) Find(s string) (StringID, bool) {
	h := hashString(s)
	for e := st.buckets[h&(stringBuckets-1)]; e != nil; e = e.next {
		if e.hash == h && e.data == s {
			return e.index, true
		}
	}
	return 0, false
}

// Intern returns the ID of s, creating an entry if none exists.
// Aborts on allocation failure.
func (st *StringTable) Intern(s string) StringID {
	if id, ok := st.Find(s); ok {
		return id
	}
	mem := st.alloc.alloc("string", stringEntryBytes+int64(len(s)))
	if len(st.holes) == 0 {
		st.grow(mem)
	}
	id := st.holes[len(st.holes)-1]
	st.holes = st.holes[:len(st.holes)-1]
	e := &stringEntry{index: id, data: s, hash: hashString(s), mem: mem}
	st.slots[id] = e
	st.link(e)
	st.count++
	return id
}

// grow doubles the slot array. The allocator is charged before anything is
// mutated, so an abort leaves the table exactly as it was; pending is freed
// in that case since the caller never gets to use it.
func (st *StringTable) grow(pending allocHandle) {
	old := len(st.slots)
	newCap, err := pow2AtLeast(old * 2)
	if err == nil {
		err = st.alloc.check("string table", int64(newCap-old)*slotBytes)
	}
	if err != nil {
		st.alloc.free(pending)
		raise(err)
	}
	st.alloc.resize(st.mem, int64(newCap)*slotBytes)
	slots := make([]*stringEntry, newCap)
	copy(slots, st.slots)
	st.slots = slots
	st.pushHoles(old, newCap)
}

func (st *StringTable) link(e *stringEntry) {
	b := e.hash & (stringBuckets - 1)
	e.next = st.buckets[b]
	st.buckets[b] = e
}

func (st *StringTable) unlink(e *stringEntry) {
	b := e.hash & (stringBuckets - 1)
	p := &st.buckets[b]
	for *p != nil {
		if *p == e {
			*p = e.next
			e.next = nil
			return
		}
		p = &(*p).next
	}
}

// Pin marks id as a compiler literal that sweep never deletes and shrink
// never moves.
func (st *StringTable) Pin(id StringID) {
	if e := st.entry(id); e != nil {
		e.pinned = true
	}
}

// Pinned reports whether id is pinned.
func (st *StringTable) Pinned(id StringID) bool {
	e := st.entry(id)
	return e != nil && e.pinned
}

// Delete removes id and turns its slot into a hole.
func (st *StringTable) Delete(id StringID) {
	e := st.entry(id)
	if e == nil {
		return
	}
	st.unlink(e)
	st.alloc.free(e.mem)
	st.slots[id] = nil
	st.holes = append(st.holes, id)
	st.count--
}

// sweep deletes every unpinned entry whose stamp differs from pass.
func (st *StringTable) sweep(pass uint32) int {
	swept := 0
	for i, e := range st.slots {
		if e != nil && e.stamp != pass && !e.pinned {
			st.Delete(StringID(i))
			swept++
		}
	}
	return swept
}

// place stores an entry at an explicit slot index. Used by the snapshot
// reader; buckets and holes are rebuilt afterwards by reindex.
func (st *StringTable) place(e *stringEntry) error {
	if int(e.index) >= len(st.slots) {
		return fmt.Errorf("%w: string slot %d outside capacity %d", ErrCorruptSnapshot, e.index, len(st.slots))
	}
	if st.slots[e.index] != nil {
		return fmt.Errorf("%w: string slot %d occupied twice", ErrCorruptSnapshot, e.index)
	}
	e.hash = hashString(e.data)
	if _, dup := st.Find(e.data); dup {
		return fmt.Errorf("%w: duplicate string content in slot %d", ErrCorruptSnapshot, e.index)
	}
	st.slots[e.index] = e
	st.link(e)
	st.count++
	return nil
}

// reindex rebuilds the free list from the slot array.
func (st *StringTable) reindex() {
	st.holes = st.holes[:0]
	for i := len(st.slots) - 1; i >= 0; i-- {
		if st.slots[i] == nil {
			st.holes = append(st.holes, StringID(i))
		}
	}
}

// move relocates the entry at from into the hole at to.
func (st *StringTable) move(from, to StringID) {
	e := st.slots[from]
	st.slots[to] = e
	st.slots[from] = nil
	e.index = to
}

// highest returns one past the highest occupied slot.
func (st *StringTable) highest() int {
	for i := len(st.slots) - 1; i >= 0; i-- {
		if st.slots[i] != nil {
			return i + 1
		}
	}
	return 0
}

// truncate shrinks the slot array to capacity n, which must not cut off a
// live entry.
func (st *StringTable) truncate(n int) {
	if n >= len(st.slots) {
		return
	}
	slots := make([]*stringEntry, n)
	copy(slots, st.slots[:n])
	st.slots = slots
	st.alloc.resize(st.mem, int64(n)*slotBytes)
	st.reindex()
}

// verify checks the table invariants: every occupied slot reports its own
// index and sits in exactly one bucket chain, and the free list equals the
// set of empty slots.
func (st *StringTable) verify() error {
	chained := make(map[*stringEntry]int)
	for b, head := range st.buckets {
		for e := head; e != nil; e = e.next {
			if int(e.hash&(stringBuckets-1)) != b {
				return fmt.Errorf("string %d chained in wrong bucket %d", e.index, b)
			}
			chained[e]++
		}
	}
	live := 0
	for i, e := range st.slots {
		if e == nil {
			continue
		}
		live++
		if int(e.index) != i {
			return fmt.Errorf("string slot %d reports index %d", i, e.index)
		}
		if chained[e] != 1 {
			return fmt.Errorf("string %d appears in %d chains", i, chained[e])
		}
	}
	if live != st.count || len(chained) != live {
		return fmt.Errorf("string count %d, live slots %d, chained %d", st.count, live, len(chained))
	}
	return verifyHoles(len(st.slots), func(i int) bool { return st.slots[i] == nil }, st.holesAsInts())
}

func (st *StringTable) holesAsInts() []int {
	out := make([]int, len(st.holes))
	for i, h := range st.holes {
		out[i] = int(h)
	}
	return out
}

// verifyHoles checks that holes lists each empty slot exactly once.
func verifyHoles(n int, empty func(int) bool, holes []int) error {
	seen := make(map[int]bool, len(holes))
	for _, h := range holes {
		if h < 0 || h >= n {
			return fmt.Errorf("hole %d outside capacity %d", h, n)
		}
		if seen[h] {
			return fmt.Errorf("hole %d listed twice", h)
		}
		if !empty(h) {
			return fmt.Errorf("hole %d is occupied", h)
		}
		seen[h] = true
	}
	for i := 0; i < n; i++ {
		if empty(i) && !seen[i] {
			return fmt.Errorf("empty slot %d missing from holes", i)
		}
	}
	return nil
}
