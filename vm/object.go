package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Object: property bag with fixed hash buckets
// ---------------------------------------------------------------------------

// objectBuckets is the number of property chains per object.
const objectBuckets = 8

// noExternalType marks an object without host data.
const noExternalType = -1

// Property is one key/value pair of an object.
type Property struct {
	Key   Value
	Value Value
}

// Object is a script-visible property bag.
type Object struct {
	index   ObjectID
	buckets [objectBuckets][]Property
	count   int
	handles int32
	extType int32
	extData any
	stamp   uint32
	mem     allocHandle
}

// Len returns the number of properties.
func (o *Object) Len() int { return o.count }

// Handles returns the external handle count.
func (o *Object) Handles() int32 { return o.handles }

func bucketOf(key Value) int {
	return int(key.hash() & (objectBuckets - 1))
}

func (o *Object) get(key Value) (Value, bool) {
	for _, p := range o.buckets[bucketOf(key)] {
		if p.Key == key {
			return p.Value, true
		}
	}
	return Nil, false
}

// set stores key=value, reporting whether a new property was created.
func (o *Object) set(key, value Value) bool {
	b := bucketOf(key)
	chain := o.buckets[b]
	for i := range chain {
		if chain[i].Key == key {
			chain[i].Value = value
			return false
		}
	}
	o.buckets[b] = append(chain, Property{Key: key, Value: value})
	o.count++
	return true
}

func (o *Object) del(key Value) bool {
	b := bucketOf(key)
	chain := o.buckets[b]
	for i := range chain {
		if chain[i].Key == key {
			o.buckets[b] = append(chain[:i], chain[i+1:]...)
			o.count--
			return true
		}
	}
	return false
}

// each visits every property in bucket order.
func (o *Object) each(fn func(p *Property)) {
	for b := range o.buckets {
		for i := range o.buckets[b] {
			fn(&o.buckets[b][i])
		}
	}
}

// properties returns a copy of all properties in bucket order.
func (o *Object) properties() []Property {
	out := make([]Property, 0, o.count)
	o.each(func(p *Property) { out = append(out, *p) })
	return out
}

// rehash redistributes properties after keys were rewritten.
func (o *Object) rehash() {
	props := o.properties()
	o.buckets = [objectBuckets][]Property{}
	o.count = 0
	for _, p := range props {
		o.set(p.Key, p.Value)
	}
}

// ---------------------------------------------------------------------------
// ObjectTable
// ---------------------------------------------------------------------------

// ObjectTable stores objects in a power-of-two slot array with a free list.
// Objects with a nonzero handle count are also kept in an explicit pinned
// set so the collector can scan them without walking the whole table.
type ObjectTable struct {
	alloc   *Allocator
	slots   []*Object
	holes   []ObjectID
	count   int
	mem     allocHandle
	handled map[ObjectID]struct{}
}

func newObjectTable(alloc *Allocator, capacity int) *ObjectTable {
	ot := &ObjectTable{
		alloc:   alloc,
		handled: make(map[ObjectID]struct{}),
	}
	ot.mem = alloc.alloc("object table", int64(capacity)*slotBytes)
	ot.slots = make([]*Object, capacity)
	ot.pushHoles(0, capacity)
	return ot
}

func (ot *ObjectTable) pushHoles(lo, hi int) {
	for i := hi - 1; i >= lo; i-- {
		ot.holes = append(ot.holes, ObjectID(i))
	}
}

// Len returns the number of live objects.
func (ot *ObjectTable) Len() int { return ot.count }

// Cap returns the slot array capacity.
func (ot *ObjectTable) Cap() int { return len(ot.slots) }

// Get returns the live object at id, or nil.
func (ot *ObjectTable) Get(id ObjectID) *Object {
	if int(id) >= len(ot.slots) {
		return nil
	}
	return ot.slots[id]
}

// Create allocates an empty object. Aborts on allocation failure.
func (ot *ObjectTable) Create() *Object {
	mem := ot.alloc.alloc("object", objectEntryBytes)
	if len(ot.holes) == 0 {
		ot.grow(mem)
	}
	id := ot.holes[len(ot.holes)-1]
	ot.holes = ot.holes[:len(ot.holes)-1]
	o := &Object{index: id, extType: noExternalType, mem: mem}
	ot.slots[id] = o
	ot.count++
	return o
}

func (ot *ObjectTable) grow(pending allocHandle) {
	old := len(ot.slots)
	newCap, err := pow2AtLeast(old * 2)
	if err == nil {
		err = ot.alloc.check("object table", int64(newCap-old)*slotBytes)
	}
	if err != nil {
		ot.alloc.free(pending)
		raise(err)
	}
	ot.alloc.resize(ot.mem, int64(newCap)*slotBytes)
	slots := make([]*Object, newCap)
	copy(slots, ot.slots)
	ot.slots = slots
	ot.pushHoles(old, newCap)
}

// remove drops the object at id and turns its slot into a hole. External
// cleanup is the caller's job.
func (ot *ObjectTable) remove(id ObjectID) {
	o := ot.Get(id)
	if o == nil {
		return
	}
	ot.alloc.free(o.mem)
	ot.slots[id] = nil
	delete(ot.handled, id)
	ot.holes = append(ot.holes, id)
	ot.count--
}

// charge resizes the object's allocation to cover its properties.
func (ot *ObjectTable) charge(o *Object, count int) {
	ot.alloc.resize(o.mem, objectEntryBytes+int64(count)*propertyBytes)
}

func (ot *ObjectTable) acquire(o *Object) {
	o.handles++
	ot.handled[o.index] = struct{}{}
}

func (ot *ObjectTable) release(o *Object) {
	if o.handles == 0 {
		return
	}
	o.handles--
	if o.handles == 0 {
		delete(ot.handled, o.index)
	}
}

// place stores an object at an explicit slot index for the snapshot reader.
func (ot *ObjectTable) place(o *Object) error {
	if int(o.index) >= len(ot.slots) {
		return fmt.Errorf("%w: object slot %d outside capacity %d", ErrCorruptSnapshot, o.index, len(ot.slots))
	}
	if ot.slots[o.index] != nil {
		return fmt.Errorf("%w: object slot %d occupied twice", ErrCorruptSnapshot, o.index)
	}
	ot.slots[o.index] = o
	ot.count++
	if o.handles > 0 {
		ot.handled[o.index] = struct{}{}
	}
	return nil
}

func (ot *ObjectTable) reindex() {
	ot.holes = ot.holes[:0]
	for i := len(ot.slots) - 1; i >= 0; i-- {
		if ot.slots[i] == nil {
			ot.holes = append(ot.holes, ObjectID(i))
		}
	}
}

func (ot *ObjectTable) move(from, to ObjectID) {
	o := ot.slots[from]
	ot.slots[to] = o
	ot.slots[from] = nil
	o.index = to
}

func (ot *ObjectTable) highest() int {
	for i := len(ot.slots) - 1; i >= 0; i-- {
		if ot.slots[i] != nil {
			return i + 1
		}
	}
	return 0
}

func (ot *ObjectTable) truncate(n int) {
	if n >= len(ot.slots) {
		return
	}
	slots := make([]*Object, n)
	copy(slots, ot.slots[:n])
	ot.slots = slots
	ot.alloc.resize(ot.mem, int64(n)*slotBytes)
	ot.reindex()
}

// verify checks that every occupied slot reports its own index, that holes
// equal the empty slots and that the pinned set matches the handle counts.
func (ot *ObjectTable) verify() error {
	live := 0
	for i, o := range ot.slots {
		if o == nil {
			continue
		}
		live++
		if int(o.index) != i {
			return fmt.Errorf("object slot %d reports index %d", i, o.index)
		}
		if _, ok := ot.handled[o.index]; ok != (o.handles > 0) {
			return fmt.Errorf("object %d handle count %d disagrees with pinned set", i, o.handles)
		}
		n := 0
		o.each(func(*Property) { n++ })
		if n != o.count {
			return fmt.Errorf("object %d counts %d properties, holds %d", i, o.count, n)
		}
	}
	if live != ot.count {
		return fmt.Errorf("object count %d, live slots %d", ot.count, live)
	}
	holes := make([]int, len(ot.holes))
	for i, h := range ot.holes {
		holes[i] = int(h)
	}
	return verifyHoles(len(ot.slots), func(i int) bool { return ot.slots[i] == nil }, holes)
}
