package allocator

import (
	"sync"
	"unsafe"

	"github.com/mizuvm/heapcore/internal/heapconfig"
)

// Config is the facade constructors' tuning surface; it is the same type
// internal/heapconfig builds from defaults, options and a tunables file,
// re-exported here so callers of this package can name it without importing
// heapconfig themselves.
type Config = heapconfig.Config

// CollectMode selects the scope of a Collect pass (spec.md §4.8).
type CollectMode int

const (
	CollectMinor CollectMode = iota
	CollectMajor
	CollectAll
	CollectFull
	CollectNone
)

// GCVisitor classifies an object as alive or dead during Collect; dead
// objects are freed in place (spec.md §6 GC API).
type GCVisitor func(obj unsafe.Pointer, size uintptr) bool

// visitInRange adapts a full-heap iterator to the ranged IterateOverObjectsInRange
// contract for allocators with no crossing-map-based range lookup of their own.
func visitInRange(iterate func(ObjectVisitor), v ObjectVisitor, lo, hi uintptr) {
	iterate(func(obj unsafe.Pointer, size uintptr) {
		addr := uintptr(obj)
		if addr >= lo && addr < hi {
			v(obj, size)
		}
	})
}

// ObjectAllocator is the common interface all three facades expose to the
// runtime (spec.md §4.8).
type ObjectAllocator interface {
	Allocate(size, align uintptr, thread ThreadID) unsafe.Pointer
	AllocateNonMovable(size, align uintptr, thread ThreadID) unsafe.Pointer
	CreateNewTLAB(thread ThreadID) bool
	GetTLABMaxAllocSize() uintptr
	IterateOverObjects(v ObjectVisitor)
	IterateOverObjectsInRange(v ObjectVisitor, lo, hi uintptr)
	IterateRegularSizeObjects(v ObjectVisitor)
	IterateNonRegularSizeObjects(v ObjectVisitor)
	Collect(gcVisitor GCVisitor, mode CollectMode)
	ContainObject(o unsafe.Pointer) bool
	IsLive(o unsafe.Pointer) bool
	IsObjectInNonMovableSpace(o unsafe.Pointer) bool
	VisitAndRemoveFreePools()
	MarkWordFor(o unsafe.Pointer) *MarkWord
	Monitors() *MonitorTable
}

// PygoteSpace is the optional zygote-style sub-allocator every facade owns
// (spec.md §4.8, SUPPLEMENTED FEATURES "Pygote freeze-on-fork"): it serves
// small non-movable allocations out of its own run-slots allocator until
// Freeze is called, after which it never allocates again and its
// live-bitmap becomes read-only.
type PygoteSpace struct {
	slots  *RunSlots
	frozen bool
	live   map[uintptr]bool
}

// NewPygoteSpace wraps a RunSlots allocator as a pygote space.
func NewPygoteSpace(pm *PoolManager, observer AllocObserver) *PygoteSpace {
	return &PygoteSpace{
		slots: NewRunSlots(pm, SpaceNonMovableObject, observer, 0, 1<<40),
		live:  make(map[uintptr]bool),
	}
}

// Alloc serves size from the pygote run-slots allocator, or returns nil if
// the space is frozen or size exceeds what run-slots can serve.
func (p *PygoteSpace) Alloc(size, align uintptr) unsafe.Pointer {
	if p.frozen || size > MaxSlotSize {
		return nil
	}

	ptr := p.slots.Alloc(size, align)
	if ptr != nil {
		p.live[uintptr(ptr)] = true
	}

	return ptr
}

// Freeze stops the pygote space from ever allocating again and makes its
// live-bitmap immutable (SUPPLEMENTED FEATURES).
func (p *PygoteSpace) Freeze() {
	p.frozen = true
}

// IsLive reports liveness inside the pygote space; valid to call after
// Freeze.
func (p *PygoteSpace) IsLive(o unsafe.Pointer) bool {
	return p.live[uintptr(o)] && p.slots.IsLive(o)
}

// facadeCore bundles the allocators every facade composes, matching the
// routing table's shared column (humongous always on the right).
type facadeCore struct {
	pm         *PoolManager
	observer   AllocObserver
	stats      *MemStats
	cfg        *Config
	humongous  *Humongous
	nonMovable *FreeList
	pygote     *PygoteSpace

	mwMu      sync.RWMutex
	markwords map[uintptr]*MarkWord
	monitors  *MonitorTable
}

func newFacadeCore(cfg *Config) *facadeCore {
	pm := NewPoolManager()
	stats := NewMemStats()
	observer := NewStatsObserver(stats)

	return &facadeCore{
		pm:         pm,
		observer:   observer,
		stats:      stats,
		cfg:        cfg,
		humongous:  NewHumongous(pm, SpaceHumongousObject, observer),
		nonMovable: NewFreeList(pm, SpaceNonMovableObject, observer, 0, 1<<40),
		pygote:     NewPygoteSpace(pm, observer),
		markwords:  make(map[uintptr]*MarkWord),
		monitors:   NewMonitorTable(),
	}
}

func (c *facadeCore) trackHeader(addr unsafe.Pointer) {
	c.mwMu.Lock()
	c.markwords[uintptr(addr)] = NewMarkWord()
	c.mwMu.Unlock()
}

func (c *facadeCore) untrackHeader(addr unsafe.Pointer) {
	c.mwMu.Lock()
	delete(c.markwords, uintptr(addr))
	c.mwMu.Unlock()
}

// MarkWordFor returns the tracked mark word for an object allocated through
// this facade, or nil if the address was never tracked (never allocated, or
// already collected).
func (c *facadeCore) MarkWordFor(addr unsafe.Pointer) *MarkWord {
	c.mwMu.RLock()
	defer c.mwMu.RUnlock()

	return c.markwords[uintptr(addr)]
}

func (c *facadeCore) Monitors() *MonitorTable {
	return c.monitors
}

func (c *facadeCore) humongousThreshold() uintptr {
	return uintptr(c.cfg.HumongousObjectThresh)
}

func (c *facadeCore) allocateHumongousIfNeeded(size, align uintptr) (unsafe.Pointer, bool) {
	if size <= c.humongousThreshold() {
		return nil, false
	}

	ptr := c.humongous.Alloc(size, align)
	if ptr != nil {
		c.trackHeader(ptr)
	}

	return ptr, true
}

// --- Non-generational facade -------------------------------------------------

// NonGenerational implements spec.md §4.8's non-generational routing: an
// object allocator for regular sizes, a large-object allocator (free-list)
// for the middle band, humongous above that.
type NonGenerational struct {
	core   *facadeCore
	object *RunSlots
	large  *FreeList
}

// NewNonGenerational wires a non-generational facade per cfg.
func NewNonGenerational(cfg *Config) (*NonGenerational, error) {
	core := newFacadeCore(cfg)

	return &NonGenerational{
		core:   core,
		object: NewRunSlots(core.pm, SpaceObject, core.observer, 0, 1<<40),
		large:  NewFreeList(core.pm, SpaceObject, core.observer, 0, 1<<40),
	}, nil
}

func (f *NonGenerational) Allocate(size, align uintptr, thread ThreadID) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	if ptr, handled := f.core.allocateHumongousIfNeeded(size, align); handled {
		return ptr
	}

	var ptr unsafe.Pointer

	if size <= MaxSlotSize {
		ptr = f.object.Alloc(size, align)
	} else {
		ptr = f.large.Alloc(size, align)
	}

	if ptr != nil {
		f.core.trackHeader(ptr)
	}

	return ptr
}

func (f *NonGenerational) AllocateNonMovable(size, align uintptr, thread ThreadID) unsafe.Pointer {
	if ptr := f.core.pygote.Alloc(size, align); ptr != nil {
		f.core.trackHeader(ptr)

		return ptr
	}

	ptr := f.core.nonMovable.Alloc(size, align)
	if ptr != nil {
		f.core.trackHeader(ptr)
	}

	return ptr
}

// CreateNewTLAB is a no-op: this facade's routing table has no TLAB column
// (spec.md §4.8), every allocation goes straight to run-slots, free-list or
// humongous.
func (f *NonGenerational) CreateNewTLAB(thread ThreadID) bool { return false }

func (f *NonGenerational) GetTLABMaxAllocSize() uintptr { return 0 }

func (f *NonGenerational) IterateOverObjects(v ObjectVisitor) {
	f.object.IterateOverObjects(v)
	f.large.IterateOverObjects(v)
	f.core.humongous.IterateOverObjects(v)
}

func (f *NonGenerational) IterateOverObjectsInRange(v ObjectVisitor, lo, hi uintptr) {
	visitInRange(f.IterateOverObjects, v, lo, hi)
}

func (f *NonGenerational) IterateRegularSizeObjects(v ObjectVisitor) {
	f.object.IterateOverObjects(v)
}

func (f *NonGenerational) IterateNonRegularSizeObjects(v ObjectVisitor) {
	f.large.IterateOverObjects(v)
	f.core.humongous.IterateOverObjects(v)
}

// Collect sweeps the run-slots, free-list and humongous allocators that
// Allocate routes through (spec.md §6 "IterateOverObjects must visit exactly
// the live objects Collect preserves"). Objects served by AllocateNonMovable
// (the pygote space and the non-movable free-list) are not swept.
func (f *NonGenerational) Collect(gcVisitor GCVisitor, mode CollectMode) {
	if mode == CollectNone {
		return
	}

	wrapped := func(obj unsafe.Pointer, size uintptr) bool {
		alive := gcVisitor(obj, size)
		if !alive {
			f.core.untrackHeader(obj)
		}

		return alive
	}

	f.object.CollectAndSweep(wrapped)
	f.large.CollectAndSweep(wrapped)
	f.core.humongous.CollectAndSweep(wrapped)
}

func (f *NonGenerational) ContainObject(o unsafe.Pointer) bool {
	_, ok := f.core.pm.GetSpaceTypeForAddr(o)

	return ok
}

func (f *NonGenerational) IsLive(o unsafe.Pointer) bool {
	if f.object.IsLive(o) {
		return true
	}

	if f.large.IsLive(o) {
		return true
	}

	if f.core.humongous.IsLive(o) {
		return true
	}

	return f.core.pygote.IsLive(o)
}

func (f *NonGenerational) IsObjectInNonMovableSpace(o unsafe.Pointer) bool {
	space, ok := f.core.pm.GetSpaceTypeForAddr(o)

	return ok && space == SpaceNonMovableObject
}

func (f *NonGenerational) VisitAndRemoveFreePools() {
	f.large.VisitAndRemoveFreePools()
	f.core.nonMovable.VisitAndRemoveFreePools()
}

func (f *NonGenerational) MarkWordFor(o unsafe.Pointer) *MarkWord { return f.core.MarkWordFor(o) }

func (f *NonGenerational) Monitors() *MonitorTable { return f.core.Monitors() }

// Stats exposes the mem-stats counters this facade charges allocations against.
func (f *NonGenerational) Stats() *MemStats { return f.core.stats }

// FreezePygote ends the pre-fork phase: the pygote space stops serving new
// allocations and its live-bitmap becomes read-only (SUPPLEMENTED FEATURES
// "Pygote freeze-on-fork").
func (f *NonGenerational) FreezePygote() { f.core.pygote.Freeze() }

// Pools returns a snapshot of every pool this facade has reserved, for
// external inspection (cmd/heap-inspect).
func (f *NonGenerational) Pools() []*Pool { return f.core.pm.Pools() }

// --- Generational facade -----------------------------------------------------

// Generational implements spec.md §4.8's generational routing: young
// TLAB/bump allocation that overflows into an old free-list allocator.
type Generational struct {
	core      *facadeCore
	young     *BumpAllocator
	old       *FreeList
	oldLarge  *FreeList
}

// NewGenerational wires a generational facade per cfg.
func NewGenerational(cfg *Config) (*Generational, error) {
	core := newFacadeCore(cfg)

	_, youngArena, err := core.pm.AllocArena(SpaceObject, uintptr(cfg.YoungSpaceSize))
	if err != nil {
		return nil, err
	}

	tlabCap := 0
	if cfg.UseTLABForAllocations {
		tlabCap = 64
	}

	return &Generational{
		core:     core,
		young:    NewBumpAllocator(youngArena, SpaceObject, core.observer, tlabCap),
		old:      NewFreeList(core.pm, SpaceObject, core.observer, 0, 1<<40),
		oldLarge: NewFreeList(core.pm, SpaceObject, core.observer, 0, 1<<40),
	}, nil
}

func (f *Generational) Allocate(size, align uintptr, thread ThreadID) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	if ptr, handled := f.core.allocateHumongousIfNeeded(size, align); handled {
		return ptr
	}

	var ptr unsafe.Pointer

	if size <= uintptr(f.core.cfg.LargeObjectThreshold) {
		if f.core.cfg.UseTLABForAllocations {
			ptr = f.young.AllocFromTLAB(size)
		}

		if ptr == nil {
			ptr = f.young.Alloc(size)
		}

		if ptr == nil {
			ptr = f.old.Alloc(size, align)
		}
	} else {
		ptr = f.oldLarge.Alloc(size, align)
	}

	if ptr != nil {
		f.core.trackHeader(ptr)
	}

	return ptr
}

func (f *Generational) AllocateNonMovable(size, align uintptr, thread ThreadID) unsafe.Pointer {
	if ptr := f.core.pygote.Alloc(size, align); ptr != nil {
		f.core.trackHeader(ptr)

		return ptr
	}

	ptr := f.core.nonMovable.Alloc(size, align)
	if ptr != nil {
		f.core.trackHeader(ptr)
	}

	return ptr
}

func (f *Generational) CreateNewTLAB(thread ThreadID) bool {
	return f.young.CreateNewTLAB(uintptr(f.core.cfg.YoungTLABSize))
}

func (f *Generational) GetTLABMaxAllocSize() uintptr {
	return uintptr(f.core.cfg.YoungTLABSize)
}

func (f *Generational) IterateOverObjects(v ObjectVisitor) {
	f.young.IterateOverObjects(v)
	f.old.IterateOverObjects(v)
	f.oldLarge.IterateOverObjects(v)
	f.core.humongous.IterateOverObjects(v)
}

func (f *Generational) IterateOverObjectsInRange(v ObjectVisitor, lo, hi uintptr) {
	visitInRange(f.IterateOverObjects, v, lo, hi)
}

func (f *Generational) IterateRegularSizeObjects(v ObjectVisitor) {
	f.young.IterateOverObjects(v)
	f.old.IterateOverObjects(v)
}

func (f *Generational) IterateNonRegularSizeObjects(v ObjectVisitor) {
	f.oldLarge.IterateOverObjects(v)
	f.core.humongous.IterateOverObjects(v)
}

// Collect runs a minor collection over the young generation on CollectMinor,
// and additionally sweeps the old generation and humongous on
// CollectMajor/CollectAll/CollectFull (spec.md §4.8's collect_mode
// enumeration).
func (f *Generational) Collect(gcVisitor GCVisitor, mode CollectMode) {
	wrapped := func(obj unsafe.Pointer, size uintptr) bool {
		alive := gcVisitor(obj, size)
		if !alive {
			f.core.untrackHeader(obj)
		}

		return alive
	}

	switch mode {
	case CollectNone:
		return
	case CollectMinor:
		f.young.CollectAndMove(func(obj unsafe.Pointer, size uintptr) bool {
			return !wrapped(obj, size)
		}, func(oldObj, newObj unsafe.Pointer, size uintptr) {})
	default:
		f.young.CollectAndMove(func(obj unsafe.Pointer, size uintptr) bool {
			return !wrapped(obj, size)
		}, func(oldObj, newObj unsafe.Pointer, size uintptr) {})

		f.old.CollectAndSweep(wrapped)
		f.oldLarge.CollectAndSweep(wrapped)
		f.core.humongous.CollectAndSweep(wrapped)
	}
}

func (f *Generational) ContainObject(o unsafe.Pointer) bool {
	_, ok := f.core.pm.GetSpaceTypeForAddr(o)

	return ok
}

func (f *Generational) IsLive(o unsafe.Pointer) bool {
	if f.young.IsLive(o) {
		return true
	}

	if f.old.IsLive(o) {
		return true
	}

	if f.oldLarge.IsLive(o) {
		return true
	}

	if f.core.humongous.IsLive(o) {
		return true
	}

	return f.core.pygote.IsLive(o)
}

func (f *Generational) IsObjectInNonMovableSpace(o unsafe.Pointer) bool {
	space, ok := f.core.pm.GetSpaceTypeForAddr(o)

	return ok && space == SpaceNonMovableObject
}

func (f *Generational) VisitAndRemoveFreePools() {
	f.old.VisitAndRemoveFreePools()
	f.oldLarge.VisitAndRemoveFreePools()
	f.core.nonMovable.VisitAndRemoveFreePools()
}

func (f *Generational) MarkWordFor(o unsafe.Pointer) *MarkWord { return f.core.MarkWordFor(o) }

func (f *Generational) Monitors() *MonitorTable { return f.core.Monitors() }

// Stats exposes the mem-stats counters this facade charges allocations against.
func (f *Generational) Stats() *MemStats { return f.core.stats }

// FreezePygote ends the pre-fork phase: the pygote space stops serving new
// allocations and its live-bitmap becomes read-only (SUPPLEMENTED FEATURES
// "Pygote freeze-on-fork").
func (f *Generational) FreezePygote() { f.core.pygote.Freeze() }

// Pools returns a snapshot of every pool this facade has reserved, for
// external inspection (cmd/heap-inspect).
func (f *Generational) Pools() []*Pool { return f.core.pm.Pools() }

// --- G1-like facade -----------------------------------------------------------

// G1Like implements spec.md §4.8's region-based routing: everything up to
// large-max lives in regions, above that goes humongous.
type G1Like struct {
	core    *facadeCore
	regions *RegionSpace
}

// NewG1Like wires a region-based facade per cfg.
func NewG1Like(cfg *Config) (*G1Like, error) {
	core := newFacadeCore(cfg)

	nonMovableSlots := NewRunSlots(core.pm, SpaceNonMovableObject, core.observer, 0, 1<<40)
	nonMovableLarge := NewFreeList(core.pm, SpaceNonMovableObject, core.observer, 0, 1<<40)

	regions := NewRegionSpace(core.pm, core.observer, uintptr(cfg.RegionSize), uintptr(cfg.LargeObjectThreshold), nonMovableSlots, nonMovableLarge)

	return &G1Like{core: core, regions: regions}, nil
}

func (f *G1Like) Allocate(size, align uintptr, thread ThreadID) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	if ptr, handled := f.core.allocateHumongousIfNeeded(size, align); handled {
		return ptr
	}

	ptr := f.regions.Allocate(size, false)
	if ptr != nil {
		f.core.trackHeader(ptr)
	}

	return ptr
}

func (f *G1Like) AllocateNonMovable(size, align uintptr, thread ThreadID) unsafe.Pointer {
	if ptr := f.core.pygote.Alloc(size, align); ptr != nil {
		f.core.trackHeader(ptr)

		return ptr
	}

	ptr := f.regions.AllocateNonMovable(size, align)
	if ptr != nil {
		f.core.trackHeader(ptr)
	}

	return ptr
}

func (f *G1Like) CreateNewTLAB(thread ThreadID) bool {
	return f.regions.AllocateTLABRegion() != nil
}

func (f *G1Like) GetTLABMaxAllocSize() uintptr {
	return uintptr(f.core.cfg.RegionSize)
}

func (f *G1Like) IterateOverObjects(v ObjectVisitor) {
	f.regions.IterateOverObjects(v)
	f.core.humongous.IterateOverObjects(v)
}

func (f *G1Like) IterateOverObjectsInRange(v ObjectVisitor, lo, hi uintptr) {
	f.regions.IterateOverObjectsInRange(v, lo, hi)
}

func (f *G1Like) IterateRegularSizeObjects(v ObjectVisitor) { f.regions.IterateOverObjects(v) }

func (f *G1Like) IterateNonRegularSizeObjects(v ObjectVisitor) {
	f.core.humongous.IterateOverObjects(v)
}

// Collect compacts every eden region into survivor on minor, and every eden
// region into old on any other mode except CollectNone; survivor and old
// regions are not compacted. Eden regions are reset afterwards in both cases
// (spec.md §4.8 collect_mode).
func (f *G1Like) Collect(gcVisitor GCVisitor, mode CollectMode) {
	switch mode {
	case CollectNone:
		return
	case CollectMinor:
		moved := f.regions.CompactAllSpecificRegions(RegionEden, RegionSurvivor, func(obj unsafe.Pointer, size uintptr) bool {
			alive := gcVisitor(obj, size)
			if !alive {
				f.core.untrackHeader(obj)
			}

			return alive
		})
		f.regions.ResetAllSpecificRegions(RegionEden)
		_ = moved
	default:
		moved := f.regions.CompactAllSpecificRegions(RegionEden, RegionOld, func(obj unsafe.Pointer, size uintptr) bool {
			alive := gcVisitor(obj, size)
			if !alive {
				f.core.untrackHeader(obj)
			}

			return alive
		})
		f.regions.ResetAllSpecificRegions(RegionEden)
		_ = moved
	}
}

func (f *G1Like) ContainObject(o unsafe.Pointer) bool {
	_, ok := f.core.pm.GetSpaceTypeForAddr(o)

	return ok
}

func (f *G1Like) IsLive(o unsafe.Pointer) bool {
	if f.regions.IsLive(o) {
		return true
	}

	if f.core.humongous.IsLive(o) {
		return true
	}

	return f.core.pygote.IsLive(o)
}

func (f *G1Like) IsObjectInNonMovableSpace(o unsafe.Pointer) bool {
	space, ok := f.core.pm.GetSpaceTypeForAddr(o)

	return ok && space == SpaceNonMovableObject
}

func (f *G1Like) VisitAndRemoveFreePools() { f.regions.VisitAndRemoveFreePools() }

func (f *G1Like) MarkWordFor(o unsafe.Pointer) *MarkWord { return f.core.MarkWordFor(o) }

func (f *G1Like) Monitors() *MonitorTable { return f.core.Monitors() }

// Stats exposes the mem-stats counters this facade charges allocations against.
func (f *G1Like) Stats() *MemStats { return f.core.stats }

// FreezePygote ends the pre-fork phase: the pygote space stops serving new
// allocations and its live-bitmap becomes read-only (SUPPLEMENTED FEATURES
// "Pygote freeze-on-fork").
func (f *G1Like) FreezePygote() { f.core.pygote.Freeze() }

// Pools returns a snapshot of every pool this facade has reserved, for
// external inspection (cmd/heap-inspect).
func (f *G1Like) Pools() []*Pool { return f.core.pm.Pools() }
