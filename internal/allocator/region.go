package allocator

import (
	"sync"
	"unsafe"
)

// RegionTag classifies a region's generational/pinning role (spec.md §4.7,
// GLOSSARY "Region").
type RegionTag int

const (
	RegionEden RegionTag = iota
	RegionSurvivor
	RegionOld
	RegionNonMovable
	RegionLarge
	RegionPinned
)

func (t RegionTag) String() string {
	switch t {
	case RegionEden:
		return "eden"
	case RegionSurvivor:
		return "survivor"
	case RegionOld:
		return "old"
	case RegionNonMovable:
		return "non-movable"
	case RegionLarge:
		return "large"
	case RegionPinned:
		return "pinned"
	default:
		return "unknown"
	}
}

// Region is one fixed-size subdivision of the region space (spec.md §4.7).
type Region struct {
	tag     RegionTag
	pool    *Pool
	bump    uintptr // current bump cursor within [pool.Start(), pool.End())
	bitmap  []bool  // liveness bitmap, indexed by CrossingMapGranularity-sized slots
	next    *Region
	spanLen int // number of contiguous regions this block occupies, for multi-region "large" blocks
}

func (r *Region) reset() {
	r.bump = r.pool.Start()

	for i := range r.bitmap {
		r.bitmap[i] = false
	}
}

func (r *Region) markLive(addr uintptr) {
	idx := int((addr - r.pool.Start()) / CrossingMapGranularity)
	if idx >= 0 && idx < len(r.bitmap) {
		r.bitmap[idx] = true
	}
}

// Region implements the allocator.go RegionAllocator policy types
// (AllocStrategy, CompactionPolicy, etc.) at a conceptual level only: this
// rewrite targets the specific region/eden/old/non-movable/large/TLAB
// dispatch of spec.md §4.7 rather than the teacher's general-purpose,
// strategy-pluggable RegionAllocator.

// RegionSpace implements spec.md §4.7: equal-size regions, each reserved as
// its own pool-manager pool when first needed (regions are not carved from
// one contiguous span), with bump allocation into the current eden/old
// region and a free list of unused regions.
type RegionSpace struct {
	mu sync.Mutex

	pm         *PoolManager
	observer   AllocObserver
	regionSize uintptr
	maxRegular uintptr

	free *Region // free-list of unused regions

	curEden *Region
	curOld  *Region

	allRegions []*Region // every region ever carved, for iteration/compaction scans

	nonMovableSlots *RunSlots
	nonMovableLarge *FreeList
}

// NewRegionSpace returns a region space with no regions yet carved; regions
// are created lazily from pm as eden/old need them.
func NewRegionSpace(pm *PoolManager, observer AllocObserver, regionSize, maxRegular uintptr, nonMovableSlots *RunSlots, nonMovableLarge *FreeList) *RegionSpace {
	return &RegionSpace{
		pm:              pm,
		observer:        observer,
		regionSize:      regionSize,
		maxRegular:      maxRegular,
		nonMovableSlots: nonMovableSlots,
		nonMovableLarge: nonMovableLarge,
	}
}

// newRegion carves a fresh region-sized pool.
func (rs *RegionSpace) newRegion(tag RegionTag) *Region {
	pool, err := rs.pm.AllocPool(SpaceObject, AllocatorKindRegion, rs.regionSize)
	if err != nil {
		return nil
	}

	r := &Region{
		tag:    tag,
		pool:   pool,
		bump:   pool.Start(),
		bitmap: make([]bool, rs.regionSize/CrossingMapGranularity),
	}
	pool.SetOwner(r)
	rs.allRegions = append(rs.allRegions, r)

	return r
}

// acquireRegion pops from the free list, retagging it, or carves a new one.
func (rs *RegionSpace) acquireRegion(tag RegionTag) *Region {
	if rs.free != nil {
		r := rs.free
		rs.free = r.next
		r.next = nil
		r.tag = tag
		r.reset()

		return r
	}

	return rs.newRegion(tag)
}

// Allocate dispatches by size per spec.md §4.7's routing table: regular
// sizes bump the current eden (young) or old (tenured) region; large sizes
// get one whole region of their own (see allocateLarge); humongousThreshold
// and above is out of scope for
// RegionSpace (the facade routes those to Humongous directly).
func (rs *RegionSpace) Allocate(size uintptr, tenured bool) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	if size > rs.maxRegular {
		return rs.allocateLarge(size)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	var cur **Region

	tag := RegionEden
	if tenured {
		cur = &rs.curOld
		tag = RegionOld
	} else {
		cur = &rs.curEden
	}

	if *cur == nil {
		*cur = rs.acquireRegion(tag)
		if *cur == nil {
			return nil
		}
	}

	ptr := rs.bumpInto(*cur, size)
	if ptr != nil {
		return ptr
	}

	// Current region exhausted; grab a fresh one and retry once.
	*cur = rs.acquireRegion(tag)
	if *cur == nil {
		return nil
	}

	return rs.bumpInto(*cur, size)
}

func (rs *RegionSpace) bumpInto(r *Region, size uintptr) unsafe.Pointer {
	aligned := alignUp(r.bump, DefaultAlignment)
	newBump := aligned + size

	if newBump > r.pool.End() {
		return nil
	}

	r.bump = newBump
	r.markLive(aligned)

	ptr := unsafe.Pointer(aligned)
	if rs.observer != nil && rs.observer.ZeroOnAlloc() {
		zeroMemory(ptr, size)
	}

	if rs.observer != nil {
		rs.observer.RecordAlloc(SpaceObject, size)
	}

	return ptr
}

// allocateLarge wraps enough contiguous free regions into one block
// (spec.md §4.7 "Contiguity requires coalescing the region free list").
// This implementation requires a single region to be large enough (region
// sizes are chosen so maxRegular < regionSize), matching the common case;
// a genuinely multi-region span is rejected (null) rather than silently
// mis-sized, since stitching non-adjacent pool addresses together would
// violate InArena-style contiguity assumptions held by consumers.
func (rs *RegionSpace) allocateLarge(size uintptr) unsafe.Pointer {
	if size > rs.regionSize {
		return nil
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	r := rs.acquireRegion(RegionLarge)
	if r == nil {
		return nil
	}

	ptr := rs.bumpInto(r, size)

	return ptr
}

// AllocateNonMovable routes regular sizes to the non-movable run-slots
// sub-allocator and larger ones to the non-movable free-list sub-allocator
// (spec.md §4.7 "Non-movable regular / large").
func (rs *RegionSpace) AllocateNonMovable(size, align uintptr) unsafe.Pointer {
	if size <= MaxSlotSize {
		if p := rs.nonMovableSlots.Alloc(size, align); p != nil {
			return p
		}
	}

	return rs.nonMovableLarge.Alloc(size, align)
}

// AllocateTLABRegion grabs one whole young region for a thread-local bump
// window (spec.md §4.7 "TLAB: grab one whole young region").
func (rs *RegionSpace) AllocateTLABRegion() *Region {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	return rs.acquireRegion(RegionEden)
}

// CompactVisitor classifies an object during compaction and returns whether
// it survived; CompactSeveralSpecificRegions copies the survivors.
type CompactVisitor func(obj unsafe.Pointer, size uintptr) bool

// CompactSeveralSpecificRegions iterates live objects (by bitmap) in each of
// regions, calling visit per object; survivors are copied into a
// to-tagged destination region allocated on demand. Source regions are left
// in place until ResetSeveralSpecificRegions runs (spec.md §4.7).
func (rs *RegionSpace) CompactSeveralSpecificRegions(regions []*Region, to RegionTag, visit CompactVisitor) []*Region {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var dest *Region

	var destRegions []*Region

	for _, src := range regions {
		for idx, live := range src.bitmap {
			if !live {
				continue
			}

			addr := src.pool.Start() + uintptr(idx)*CrossingMapGranularity

			if !visit(unsafe.Pointer(addr), CrossingMapGranularity) {
				continue
			}

			if dest == nil || dest.bump+CrossingMapGranularity > dest.pool.End() {
				dest = rs.acquireRegion(to)
				if dest == nil {
					return destRegions
				}

				destRegions = append(destRegions, dest)
			}

			if dst := rs.bumpInto(dest, CrossingMapGranularity); dst != nil {
				copyMemory(dst, unsafe.Pointer(addr), CrossingMapGranularity)
			}
		}
	}

	return destRegions
}

// CompactAllSpecificRegions compacts every region currently carrying from.
func (rs *RegionSpace) CompactAllSpecificRegions(from, to RegionTag, visit CompactVisitor) []*Region {
	var sources []*Region

	for _, r := range rs.allRegions {
		if r.tag == from {
			sources = append(sources, r)
		}
	}

	return rs.CompactSeveralSpecificRegions(sources, to, visit)
}

// ResetSeveralSpecificRegions clears bitmaps and returns regions to the
// free list.
func (rs *RegionSpace) ResetSeveralSpecificRegions(regions []*Region) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for _, r := range regions {
		r.reset()
		r.next = rs.free
		rs.free = r

		if rs.curEden == r {
			rs.curEden = nil
		}

		if rs.curOld == r {
			rs.curOld = nil
		}
	}
}

// ResetAllSpecificRegions resets every region currently carrying tag.
func (rs *RegionSpace) ResetAllSpecificRegions(tag RegionTag) {
	var matched []*Region

	for _, r := range rs.allRegions {
		if r.tag == tag {
			matched = append(matched, r)
		}
	}

	rs.ResetSeveralSpecificRegions(matched)
}

// IterateOverObjects walks every carved region's liveness bitmap, visiting
// each live slot once.
func (rs *RegionSpace) IterateOverObjects(visit ObjectVisitor) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for _, r := range rs.allRegions {
		for idx, live := range r.bitmap {
			if !live {
				continue
			}

			addr := r.pool.Start() + uintptr(idx)*CrossingMapGranularity
			visit(unsafe.Pointer(addr), CrossingMapGranularity)
		}
	}
}

// IterateOverObjectsInRange restricts IterateOverObjects to regions and
// bitmap slots overlapping [lo, hi).
func (rs *RegionSpace) IterateOverObjectsInRange(visit ObjectVisitor, lo, hi uintptr) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for _, r := range rs.allRegions {
		if r.pool.End() <= lo || r.pool.Start() >= hi {
			continue
		}

		for idx, live := range r.bitmap {
			if !live {
				continue
			}

			addr := r.pool.Start() + uintptr(idx)*CrossingMapGranularity
			if addr < lo || addr >= hi {
				continue
			}

			visit(unsafe.Pointer(addr), CrossingMapGranularity)
		}
	}
}

// IsLive reports whether addr's bitmap slot is marked live in whichever
// region currently contains it.
func (rs *RegionSpace) IsLive(addr unsafe.Pointer) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	a := uintptr(addr)

	for _, r := range rs.allRegions {
		if a < r.pool.Start() || a >= r.pool.End() {
			continue
		}

		idx := int((a - r.pool.Start()) / CrossingMapGranularity)

		return idx >= 0 && idx < len(r.bitmap) && r.bitmap[idx]
	}

	return false
}

// VisitAndRemoveFreePools trims the non-movable large-object sub-allocator's
// empty pools; regions themselves recycle onto the internal free list rather
// than returning to the pool manager, since the region size is fixed and
// reuse is cheaper than a fresh mmap.
func (rs *RegionSpace) VisitAndRemoveFreePools() {
	rs.nonMovableLarge.VisitAndRemoveFreePools()
}

// IsAddressInYoungSpace reports whether addr falls within a region
// currently tagged eden or survivor.
func (rs *RegionSpace) IsAddressInYoungSpace(addr unsafe.Pointer) bool {
	a := uintptr(addr)

	for _, r := range rs.allRegions {
		if (r.tag == RegionEden || r.tag == RegionSurvivor) && a >= r.pool.Start() && a < r.pool.End() {
			return true
		}
	}

	return false
}
