package vm

// ---------------------------------------------------------------------------
// Garbage collector: atomic mark and sweep
// ---------------------------------------------------------------------------

// GCStats summarizes one collection.
type GCStats struct {
	Pass           uint32
	SweptStrings   int
	SweptObjects   int
	LiveStrings    int
	LiveObjects    int
	HandledObjects int
}

// GCState is the marking state handed to external-type mark callbacks.
type GCState struct {
	vm   *VM
	pass uint32
	work []ObjectID
}

// Mark stamps v as reachable. Objects are queued and traversed later;
// strings are only stamped.
func (g *GCState) Mark(v Value) {
	switch v.kind {
	case KindString:
		if e := g.vm.strings.entry(StringID(v.bits)); e != nil {
			e.stamp = g.pass
		}
	case KindObject:
		if o := g.vm.objects.Get(ObjectID(v.bits)); o != nil && o.stamp != g.pass {
			o.stamp = g.pass
			g.work = append(g.work, o.index)
		}
	}
}

func (g *GCState) markValues(vs []Value) {
	for _, v := range vs {
		g.Mark(v)
	}
}

// drain traverses queued objects until the worklist is empty.
func (g *GCState) drain() {
	for len(g.work) > 0 {
		id := g.work[len(g.work)-1]
		g.work = g.work[:len(g.work)-1]
		o := g.vm.objects.Get(id)
		if o == nil {
			continue
		}
		o.each(func(p *Property) {
			g.Mark(p.Key)
			g.Mark(p.Value)
		})
		if o.extType != noExternalType {
			if t := g.vm.extTypes[o.extType]; t.Mark != nil {
				t.Mark(g, id, o.extData)
			}
		}
	}
}

// Collect runs a full collection.
func (vm *VM) Collect() (stats GCStats, err error) {
	if err := vm.usable(); err != nil {
		return stats, err
	}
	defer vm.guard(&err)
	return vm.collect(), nil
}

func (vm *VM) collect() GCStats {
	vm.gcPass++
	if vm.gcPass == 0 {
		// Fresh entries carry stamp 0; never use it as a pass number.
		vm.gcPass = 1
	}
	g := &GCState{vm: vm, pass: vm.gcPass}

	for _, c := range vm.chain() {
		g.markValues(c.live())
		if !c.root {
			g.Mark(FromObject(c.object))
		}
	}
	g.markValues(vm.static[:vm.staticLen])
	for id := range vm.objects.handled {
		g.Mark(FromObject(id))
	}
	g.drain()

	stats := GCStats{Pass: vm.gcPass}
	stats.SweptStrings = vm.strings.sweep(vm.gcPass)
	for _, o := range vm.objects.slots {
		if o != nil && o.stamp != vm.gcPass && o.handles == 0 {
			vm.cleanupExternal(o)
			stats.SweptObjects++
		}
	}
	stats.LiveStrings = vm.strings.Len()
	stats.LiveObjects = vm.objects.Len()
	stats.HandledObjects = len(vm.objects.handled)
	vm.gcLog.Debugf("machine %s: gc pass %d swept %d strings, %d objects; %d strings, %d objects live",
		vm.id, stats.Pass, stats.SweptStrings, stats.SweptObjects, stats.LiveStrings, stats.LiveObjects)
	return stats
}

// GCPass returns the number of the most recent collection.
func (vm *VM) GCPass() uint32 { return vm.gcPass }
