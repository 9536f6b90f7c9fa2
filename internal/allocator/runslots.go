package allocator

import (
	"sync"
	"unsafe"
)

// RunSlotsPageSize is the fixed, self-aligned page size RunSlots carves from
// pool memory (spec.md §4.4).
const RunSlotsPageSize = 256 * 1024

// MaxSlotSize is the largest size class RunSlots serves; above this objects
// go to the free-list allocator.
const MaxSlotSize = 256

// runSlotsSizeClasses holds every power-of-two size class from 8 B up to
// MaxSlotSize (spec.md §4.4: "Size classes: powers of two from 8 B up to
// MaxSlotSize").
var runSlotsSizeClasses = buildSizeClasses()

func buildSizeClasses() []uintptr {
	var classes []uintptr
	for sz := uintptr(8); sz <= MaxSlotSize; sz *= 2 {
		classes = append(classes, sz)
	}

	return classes
}

// sizeClassIndexFor returns the index into runSlotsSizeClasses serving size
// (rounded up to the next power of two, and up to the alignment requested),
// or -1 if size exceeds MaxSlotSize.
func sizeClassIndexFor(size, alignment uintptr) int {
	need := size
	if alignment > need {
		need = alignment
	}

	for i, sz := range runSlotsSizeClasses {
		if sz >= need {
			return i
		}
	}

	return -1
}

type pageState int

const (
	pageEmpty pageState = iota
	pagePartial
	pageFull
)

// runPage is one 256 KiB, self-aligned page subdivided into equal-size
// slots of a single size class (spec.md §4.4). It carries its own mutex,
// used only for the brief free-slot push/pop per the spec's locking rule.
type runPage struct {
	mu        sync.Mutex
	base      uintptr
	slotSize  uintptr
	sizeClass int
	numSlots  int
	freeStack []int32 // indices of free slots, LIFO
	state     pageState
	next      *runPage
	prev      *runPage
}

func (p *runPage) payloadBase() uintptr { return p.base }

func (p *runPage) slotAddr(idx int) uintptr {
	return p.base + uintptr(idx)*p.slotSize
}

// reinitFor rebuilds slot-size, free-stack and occupancy for sizeClass when
// a page pulled from the completely-free list last held a different size
// class (spec.md §4.4 step 3; SUPPLEMENTED FEATURES "RunSlots page
// reinitialization when stolen across size classes").
func (p *runPage) reinitFor(sizeClass int) {
	p.sizeClass = sizeClass
	p.slotSize = runSlotsSizeClasses[sizeClass]
	p.numSlots = int(RunSlotsPageSize / p.slotSize)
	p.freeStack = make([]int32, p.numSlots)

	for i := 0; i < p.numSlots; i++ {
		p.freeStack[i] = int32(p.numSlots - 1 - i)
	}

	p.state = pageEmpty
}

// IsLive reports whether p lies within the page's payload and is not on the
// free stack (spec.md §4.4 "Determining liveness").
func (p *runPage) IsLive(addr uintptr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if addr < p.base || addr >= p.base+uintptr(p.numSlots)*p.slotSize {
		return false
	}

	idx := int((addr - p.base) / p.slotSize)
	for _, f := range p.freeStack {
		if int(f) == idx {
			return false
		}
	}

	return true
}

// classState holds the per-size-class lists: partial pages (one mutex per
// class) from which allocations are served, and slot bookkeeping.
type classState struct {
	mu      sync.Mutex
	partial *runPage
	full    *runPage
}

// RunSlots implements spec.md §4.4: a size-class slab allocator carving
// 256 KiB pages from pool memory it requests through a PoolManager.
type RunSlots struct {
	pm       *PoolManager
	space    SpaceType
	observer AllocObserver
	cmap     *CrossingMap

	classes []classState // one per runSlotsSizeClasses entry

	freeMu   sync.Mutex
	freeList *runPage // completely-free pages, eligible for reuse/reinit

	pagesMu sync.RWMutex
	pages   map[uintptr]*runPage // page base -> page, for Free/IsLive lookups
}

// NewRunSlots returns a RunSlots allocator that pulls fresh pages from pm
// under space.
func NewRunSlots(pm *PoolManager, space SpaceType, observer AllocObserver, cmapBase, cmapSize uintptr) *RunSlots {
	return &RunSlots{
		pm:       pm,
		space:    space,
		observer: observer,
		cmap:     NewCrossingMap(cmapBase, cmapSize),
		classes:  make([]classState, len(runSlotsSizeClasses)),
		pages:    make(map[uintptr]*runPage),
	}
}

// pageFor returns the page header covering addr by masking down to the page
// alignment (spec.md §4.4 "Freeing: mask the object pointer down by the page
// alignment to recover the page header").
func (r *RunSlots) pageFor(addr uintptr) *runPage {
	base := addr &^ (RunSlotsPageSize - 1)

	r.pagesMu.RLock()
	defer r.pagesMu.RUnlock()

	return r.pages[base]
}

// newPageFromPool asks the pool manager for a fresh 256 KiB page, aligned to
// its own size so pageFor can recover the header by masking (spec.md §4.4).
func (r *RunSlots) newPageFromPool(sizeClass int) *runPage {
	pool, err := r.pm.AllocAlignedPool(r.space, AllocatorKindRunSlots, RunSlotsPageSize, RunSlotsPageSize)
	if err != nil {
		return nil
	}

	page := &runPage{base: pool.Start()}
	page.reinitFor(sizeClass)
	pool.SetOwner(r)

	r.pagesMu.Lock()
	r.pages[page.base] = page
	r.pagesMu.Unlock()

	return page
}

// Alloc serves size (aligned to alignment) from the size class's partial
// pages list, then the completely-free list (reinitializing if needed), then
// a fresh pool (spec.md §4.4 allocation algorithm).
func (r *RunSlots) Alloc(size, alignment uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	idx := sizeClassIndexFor(size, alignment)
	if idx < 0 {
		return nil
	}

	cls := &r.classes[idx]

	cls.mu.Lock()
	page := cls.partial
	if page == nil {
		cls.mu.Unlock()
		page = r.takeOrCreatePage(idx)

		if page == nil {
			return nil
		}

		cls.mu.Lock()
	}

	page.mu.Lock()
	n := len(page.freeStack)
	if n == 0 {
		page.mu.Unlock()
		cls.mu.Unlock()

		return nil
	}

	slotIdx := page.freeStack[n-1]
	page.freeStack = page.freeStack[:n-1]

	wasPartial := page.state == pagePartial
	_ = wasPartial

	if len(page.freeStack) == 0 {
		page.state = pageFull
		r.unlinkPartialLocked(cls, page)
		r.linkFullLocked(cls, page)
	} else if page.state == pageEmpty {
		page.state = pagePartial
		r.linkPartialLocked(cls, page)
	}

	addr := page.slotAddr(int(slotIdx))
	page.mu.Unlock()
	cls.mu.Unlock()

	ptr := unsafe.Pointer(addr)
	if r.observer != nil && r.observer.ZeroOnAlloc() {
		zeroMemory(ptr, page.slotSize)
	}

	r.cmap.Add(addr, addr+page.slotSize)

	if r.observer != nil {
		r.observer.RecordAlloc(r.space, size)
	}

	return ptr
}

// takeOrCreatePage pops a page off the completely-free list (reinitializing
// for idx if it last served a different class) or asks the pool manager for
// a fresh one, and links it as the class's new partial head.
func (r *RunSlots) takeOrCreatePage(idx int) *runPage {
	cls := &r.classes[idx]

	r.freeMu.Lock()
	page := r.freeList
	if page != nil {
		r.freeList = page.next
		page.next = nil
		page.prev = nil
	}
	r.freeMu.Unlock()

	if page == nil {
		page = r.newPageFromPool(idx)
		if page == nil {
			return nil
		}
	} else if page.sizeClass != idx {
		page.reinitFor(idx)
	}

	cls.mu.Lock()
	page.state = pagePartial
	r.linkPartialLocked(cls, page)
	cls.mu.Unlock()

	return page
}

func (r *RunSlots) linkPartialLocked(cls *classState, page *runPage) {
	page.next = cls.partial
	page.prev = nil

	if cls.partial != nil {
		cls.partial.prev = page
	}

	cls.partial = page
}

func (r *RunSlots) unlinkPartialLocked(cls *classState, page *runPage) {
	if page.prev != nil {
		page.prev.next = page.next
	} else if cls.partial == page {
		cls.partial = page.next
	}

	if page.next != nil {
		page.next.prev = page.prev
	}

	page.next = nil
	page.prev = nil
}

func (r *RunSlots) linkFullLocked(cls *classState, page *runPage) {
	page.next = cls.full
	page.prev = nil

	if cls.full != nil {
		cls.full.prev = page
	}

	cls.full = page
}

func (r *RunSlots) unlinkFullLocked(cls *classState, page *runPage) {
	if page.prev != nil {
		page.prev.next = page.next
	} else if cls.full == page {
		cls.full = page.next
	}

	if page.next != nil {
		page.next.prev = page.prev
	}

	page.next = nil
	page.prev = nil
}

// Free recovers the owning page, pushes the slot back, and transitions the
// page's list membership (full->partial or partial->empty, which moves it
// to the completely-free list) per spec.md §4.4.
func (r *RunSlots) Free(p unsafe.Pointer, size uintptr) {
	addr := uintptr(p)
	page := r.pageFor(addr)

	if page == nil {
		return
	}

	idx := page.sizeClass
	cls := &r.classes[idx]

	slotIdx := int32((addr - page.base) / page.slotSize)

	cls.mu.Lock()
	page.mu.Lock()

	wasFull := page.state == pageFull
	page.freeStack = append(page.freeStack, slotIdx)

	if wasFull {
		page.state = pagePartial
		r.unlinkFullLocked(cls, page)
		r.linkPartialLocked(cls, page)
	} else if len(page.freeStack) == page.numSlots {
		page.state = pageEmpty
		r.unlinkPartialLocked(cls, page)

		page.mu.Unlock()
		cls.mu.Unlock()

		r.freeMu.Lock()
		page.next = r.freeList
		r.freeList = page
		r.freeMu.Unlock()

		r.cmap.Remove(addr, 0)

		if r.observer != nil {
			r.observer.RecordFree(r.space, size)
		}

		return
	}

	page.mu.Unlock()
	cls.mu.Unlock()

	r.cmap.Remove(addr, 0)

	if r.observer != nil {
		r.observer.RecordFree(r.space, size)
	}
}

// IterateOverObjects visits every currently-occupied slot across every page
// this allocator owns (spec.md §6 GC iteration contract). Each page's
// free-slot set is snapshotted under its own lock before the visitor walks
// its slots, so a concurrent Alloc/Free on another page never blocks this
// walk.
func (r *RunSlots) IterateOverObjects(v ObjectVisitor) {
	r.pagesMu.RLock()
	pages := make([]*runPage, 0, len(r.pages))
	for _, p := range r.pages {
		pages = append(pages, p)
	}
	r.pagesMu.RUnlock()

	for _, page := range pages {
		page.mu.Lock()
		free := make(map[int32]bool, len(page.freeStack))
		for _, idx := range page.freeStack {
			free[idx] = true
		}
		base, slotSize, numSlots := page.base, page.slotSize, page.numSlots
		page.mu.Unlock()

		for idx := 0; idx < numSlots; idx++ {
			if free[int32(idx)] {
				continue
			}

			v(unsafe.Pointer(base+uintptr(idx)*slotSize), slotSize)
		}
	}
}

// CollectAndSweep visits every live slot via gcVisitor and frees any it
// reports dead. Frees are applied after the full walk completes so a page's
// free-stack/list transitions never happen mid-stride.
func (r *RunSlots) CollectAndSweep(gcVisitor GCVisitor) {
	type deadSlot struct {
		ptr  unsafe.Pointer
		size uintptr
	}

	var dead []deadSlot

	r.IterateOverObjects(func(obj unsafe.Pointer, size uintptr) {
		if !gcVisitor(obj, size) {
			dead = append(dead, deadSlot{obj, size})
		}
	})

	for _, d := range dead {
		r.Free(d.ptr, d.size)
	}
}

// IsLive reports whether p is a currently-occupied slot.
func (r *RunSlots) IsLive(p unsafe.Pointer) bool {
	page := r.pageFor(uintptr(p))
	if page == nil {
		return false
	}

	return page.IsLive(uintptr(p))
}
