package vm

// ---------------------------------------------------------------------------
// Shrink: compaction of tables and stacks
// ---------------------------------------------------------------------------

// ShrinkStats summarizes one compaction.
type ShrinkStats struct {
	MovedStrings int
	MovedObjects int
	StringCap    int
	ObjectCap    int
	StaticCap    int
}

// Shrink moves high table entries into low holes, rewrites every Value that
// names a moved entry and reduces table and stack capacities to the smallest
// power of two that still holds them. Pinned strings and objects with
// external handles never move, so IDs held by the host stay valid.
//
// Shrink does nothing while ordinary errors are recorded or a native or
// host call is in progress.
func (vm *VM) Shrink() (stats ShrinkStats, err error) {
	if err := vm.usable(); err != nil {
		return stats, err
	}
	defer vm.guard(&err)
	if vm.HasErrors() || vm.reentered() {
		stats.StringCap, stats.ObjectCap = vm.strings.Cap(), vm.objects.Cap()
		stats.StaticCap = len(vm.static)
		return stats, nil
	}

	smap := vm.compactStrings()
	omap := vm.compactObjects()
	stats.MovedStrings, stats.MovedObjects = len(smap), len(omap)

	if len(smap) > 0 || len(omap) > 0 {
		rewrite := func(v *Value) bool {
			switch v.kind {
			case KindString:
				if to, ok := smap[StringID(v.bits)]; ok {
					v.bits = uint32(to)
					return true
				}
			case KindObject:
				if to, ok := omap[ObjectID(v.bits)]; ok {
					v.bits = uint32(to)
					return true
				}
			}
			return false
		}
		for _, c := range vm.contexts() {
			for i := 0; i < c.sp; i++ {
				rewrite(&c.stack[i])
			}
		}
		for i := 0; i < vm.staticLen; i++ {
			rewrite(&vm.static[i])
		}
		for _, o := range vm.objects.slots {
			if o == nil {
				continue
			}
			keyMoved := false
			o.each(func(p *Property) {
				if rewrite(&p.Key) {
					keyMoved = true
				}
				rewrite(&p.Value)
			})
			if keyMoved {
				o.rehash()
			}
		}
	}

	n, _ := pow2AtLeast(vm.strings.highest())
	vm.strings.truncate(n)
	n, _ = pow2AtLeast(vm.objects.highest())
	vm.objects.truncate(n)
	for _, c := range vm.contexts() {
		vm.shrinkStack(c)
	}
	vm.shrinkStatic()
	stats.StringCap, stats.ObjectCap = vm.strings.Cap(), vm.objects.Cap()
	stats.StaticCap = len(vm.static)
	vm.gcLog.Debugf("machine %s: shrink moved %d strings, %d objects; capacities %d/%d",
		vm.id, stats.MovedStrings, stats.MovedObjects, stats.StringCap, stats.ObjectCap)
	return stats, nil
}

// shrinkStatic reduces the static space to the smallest power of two
// holding the declared globals.
func (vm *VM) shrinkStatic() {
	n, err := pow2AtLeast(vm.staticLen)
	if err != nil || n >= len(vm.static) {
		return
	}
	static := make([]Value, n)
	copy(static, vm.static[:vm.staticLen])
	vm.static = static
	vm.alloc.resize(vm.staticMem, int64(n)*valueBytes)
}

// compactStrings fills low holes with the highest unpinned entries.
func (vm *VM) compactStrings() map[StringID]StringID {
	st := vm.strings
	moved := make(map[StringID]StringID)
	lo, hi := 0, len(st.slots)-1
	for {
		for lo < hi && st.slots[lo] != nil {
			lo++
		}
		for hi > lo && (st.slots[hi] == nil || st.slots[hi].pinned) {
			hi--
		}
		if lo >= hi {
			break
		}
		moved[StringID(hi)] = StringID(lo)
		st.move(StringID(hi), StringID(lo))
	}
	if len(moved) > 0 {
		st.reindex()
	}
	return moved
}

// compactObjects fills low holes with the highest unhandled objects.
func (vm *VM) compactObjects() map[ObjectID]ObjectID {
	ot := vm.objects
	moved := make(map[ObjectID]ObjectID)
	lo, hi := 0, len(ot.slots)-1
	for {
		for lo < hi && ot.slots[lo] != nil {
			lo++
		}
		for hi > lo && (ot.slots[hi] == nil || ot.slots[hi].handles > 0) {
			hi--
		}
		if lo >= hi {
			break
		}
		moved[ObjectID(hi)] = ObjectID(lo)
		ot.move(ObjectID(hi), ObjectID(lo))
		if c, ok := ot.slots[lo].extData.(*Context); ok && ot.slots[lo].extType == coroutineType {
			c.object = ObjectID(lo)
		}
	}
	if len(moved) > 0 {
		ot.reindex()
	}
	return moved
}

// contexts returns the root context and every coroutine context.
func (vm *VM) contexts() []*Context {
	out := []*Context{vm.root}
	for _, o := range vm.objects.slots {
		if o == nil || o.extType != coroutineType {
			continue
		}
		if c, ok := o.extData.(*Context); ok {
			out = append(out, c)
		}
	}
	return out
}
