package vm

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
)

// ---------------------------------------------------------------------------
// Allocator: tracked, limited, recoverable-failure allocation
// ---------------------------------------------------------------------------

// MaxCapacity bounds every table, stack and code array. It is the
// address-space limit checked before any power-of-two growth and before any
// capacity read from a snapshot is trusted.
const MaxCapacity = 1 << 24

// Approximate byte costs charged to the allocator.
const (
	valueBytes         = 8
	slotBytes          = 8
	stringEntryBytes   = 40
	objectEntryBytes   = 64
	propertyBytes      = 2 * valueBytes
	contextBytes       = 48
	functionEntryBytes = 48
)

// allocHandle names one outstanding allocation. Zero means none.
type allocHandle uint32

type allocation struct {
	kind    string
	size    int64
	release func()
}

// Allocator accounts every dynamic allocation of one machine.
//
// Exceeding the byte ceiling raises a catastrophic failure: the sticky
// failed flag is set by the entry point guard and control unwinds there
// directly. Outstanding allocations are kept in a flat map so teardown after
// a failure can release everything without trusting the machine's internal
// structures.
type Allocator struct {
	limit   int64
	current int64
	peak    int64
	failed  bool

	records map[allocHandle]*allocation
	next    allocHandle
}

func newAllocator(limit int64) *Allocator {
	return &Allocator{
		limit:   limit,
		records: make(map[allocHandle]*allocation),
	}
}

// check verifies that delta more bytes fit under the ceiling.
func (a *Allocator) check(kind string, delta int64) error {
	if delta < 0 {
		return nil
	}
	if a.limit > 0 && a.current+delta > a.limit {
		return fmt.Errorf("%w: %s needs %d bytes, %d of %d in use",
			ErrAllocationFailure, kind, delta, a.current, a.limit)
	}
	return nil
}

// tryAlloc records a new allocation of n bytes, returning an error instead
// of aborting. The snapshot reader uses it so oversized input is reported
// as an ordinary error.
func (a *Allocator) tryAlloc(kind string, n int64) (allocHandle, error) {
	if err := a.check(kind, n); err != nil {
		return 0, err
	}
	a.next++
	for a.next == 0 || a.records[a.next] != nil {
		a.next++
	}
	h := a.next
	a.records[h] = &allocation{kind: kind, size: n}
	a.current += n
	if a.current > a.peak {
		a.peak = a.current
	}
	return h, nil
}

// alloc records a new allocation of n bytes or aborts.
func (a *Allocator) alloc(kind string, n int64) allocHandle {
	h, err := a.tryAlloc(kind, n)
	if err != nil {
		raise(err)
	}
	return h
}

// resize changes the recorded size of h, aborting if the new size does not
// fit. The record is untouched on failure.
func (a *Allocator) resize(h allocHandle, n int64) {
	rec := a.records[h]
	if rec == nil {
		return
	}
	if err := a.check(rec.kind, n-rec.size); err != nil {
		raise(err)
	}
	a.current += n - rec.size
	rec.size = n
	if a.current > a.peak {
		a.peak = a.current
	}
}

// tryResize is resize reporting failure as an error.
func (a *Allocator) tryResize(h allocHandle, n int64) error {
	rec := a.records[h]
	if rec == nil {
		return nil
	}
	if err := a.check(rec.kind, n-rec.size); err != nil {
		return err
	}
	a.resize(h, n)
	return nil
}

// setRelease attaches a callback run when h is released during teardown.
func (a *Allocator) setRelease(h allocHandle, fn func()) {
	if rec := a.records[h]; rec != nil {
		rec.release = fn
	}
}

// free drops h without running its release callback.
func (a *Allocator) free(h allocHandle) {
	rec := a.records[h]
	if rec == nil {
		return
	}
	a.current -= rec.size
	delete(a.records, h)
}

// releaseAll walks the flat allocation list, running release callbacks in
// allocation order, and empties it.
func (a *Allocator) releaseAll() {
	handles := make([]allocHandle, 0, len(a.records))
	for h := range a.records {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	for _, h := range handles {
		// A release callback may free other records.
		if rec := a.records[h]; rec != nil && rec.release != nil {
			rec.release()
		}
	}
	a.records = make(map[allocHandle]*allocation)
	a.current = 0
}

// ---------------------------------------------------------------------------
// Power-of-two capacity helpers
// ---------------------------------------------------------------------------

// isPow2 reports whether n is an exact power of two.
func isPow2(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

// validCapacity reports whether n may be used as a table, stack or code
// capacity.
func validCapacity(n uint32) bool {
	return isPow2(n) && n <= MaxCapacity
}

// pow2AtLeast returns the smallest power of two >= n (minimum 1), or
// ErrAddressSpace if that exceeds MaxCapacity.
func pow2AtLeast(n int) (int, error) {
	c := 1
	for c < n {
		c <<= 1
		if c > MaxCapacity {
			return 0, fmt.Errorf("%w: %d slots requested", ErrAddressSpace, n)
		}
	}
	return c, nil
}

// growCapacity returns the doubled capacity needed to hold need slots, or
// aborts when it would pass the address-space limit.
func growCapacity(cur, need int) int {
	if cur < 1 {
		cur = 1
	}
	for cur < need {
		cur <<= 1
		if cur > MaxCapacity {
			raise(fmt.Errorf("%w: %d slots requested", ErrAddressSpace, need))
		}
	}
	return cur
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// MemoryStats reports allocator accounting.
type MemoryStats struct {
	Current     int64
	Peak        int64
	Limit       int64
	Allocations int
	Failed      bool
}

// String renders the stats with human-readable sizes.
func (s MemoryStats) String() string {
	limit := "unlimited"
	if s.Limit > 0 {
		limit = humanize.IBytes(uint64(s.Limit))
	}
	out := fmt.Sprintf("%s in use, %s peak, limit %s, %d allocations",
		humanize.IBytes(uint64(s.Current)), humanize.IBytes(uint64(s.Peak)), limit, s.Allocations)
	if s.Failed {
		out += " (failed)"
	}
	return out
}

func (a *Allocator) stats() MemoryStats {
	return MemoryStats{
		Current:     a.current,
		Peak:        a.peak,
		Limit:       a.limit,
		Allocations: len(a.records),
		Failed:      a.failed,
	}
}
