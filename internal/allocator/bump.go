package allocator

import (
	"sync"
	"unsafe"
)

// DefaultAlignment is the alignment every bump/TLAB allocation receives
// unless a caller explicitly asks for an aligned allocation through the
// arena directly (spec.md §4.3: "All objects receive default alignment;
// higher alignments are rejected by assertion").
const DefaultAlignment = unsafe.Alignof(uintptr(0)) * 2

// ObjectSizer reports an object's size given its header address, used by
// IterateOverObjects to walk bump-allocated memory without per-object
// metadata of its own. Supplied by the collaborator that knows the object
// layout (the class/type system), kept out of this package per spec.md §1
// Non-goals.
type ObjectSizer func(obj unsafe.Pointer) uintptr

// ObjectVisitor is called once per live object during iteration.
type ObjectVisitor func(obj unsafe.Pointer, size uintptr)

// tlabSlot is one entry in the TLAB table: a bump window carved from the
// top of the arena and handed to exactly one thread.
type tlabSlot struct {
	owner   ThreadID
	start   uintptr
	current uintptr
	end     uintptr
	inUse   bool
}

// BumpAllocator implements spec.md §4.3: a bump-pointer allocator over one
// Arena, with an optional table of thread-local allocation buffers carved
// from the top of the same arena so bottom-up bump allocations and top-down
// TLAB carving never collide.
type BumpAllocator struct {
	mu       sync.Mutex
	arena    *Arena
	cmap     *CrossingMap
	observer AllocObserver
	space    SpaceType
	sizer    ObjectSizer

	tlabsEnabled bool
	tlabCapacity int
	tlabs        []tlabSlot
	tlabTop      uintptr // lowest address carved out for TLABs so far (shrinks downward from arena end)
}

// NewBumpAllocator wraps arena, reserving room for up to tlabCapacity
// concurrent TLABs (0 disables TLAB support entirely).
func NewBumpAllocator(arena *Arena, space SpaceType, observer AllocObserver, tlabCapacity int) *BumpAllocator {
	return &BumpAllocator{
		arena:        arena,
		cmap:         NewCrossingMap(arena.Start(), arena.End()-arena.Start()),
		observer:     observer,
		space:        space,
		tlabsEnabled: tlabCapacity > 0,
		tlabCapacity: tlabCapacity,
		tlabTop:      arena.End(),
	}
}

// tlabReserved returns the total bytes currently carved out for TLABs
// (from tlabTop to the arena's end), which the bump fast path must not
// encroach on.
func (b *BumpAllocator) tlabReserved() uintptr {
	return b.arena.End() - b.tlabTop
}

// Alloc bumps the arena forward with DefaultAlignment, failing if doing so
// would collide with the TLAB reservation at the top of the arena (spec.md
// §4.3: "Alloc succeeds only if arena.free − Σ tlab-reserved ≥ aligned-size").
func (b *BumpAllocator) Alloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	aligned := alignUp(b.arena.Current(), DefaultAlignment)
	newCurrent := aligned + size

	if newCurrent > b.tlabTop || newCurrent < aligned {
		return nil
	}

	b.arena.current = newCurrent

	ptr := unsafe.Pointer(aligned)
	if b.observer != nil && b.observer.ZeroOnAlloc() {
		zeroMemory(ptr, size)
	}

	b.cmap.Add(aligned, newCurrent)

	if b.observer != nil {
		b.observer.RecordAlloc(b.space, size)
	}

	return ptr
}

// CreateNewTLAB carves a size-byte window from the top of the arena and
// binds it to the calling thread. Fails if the carve would collide with the
// bump cursor or the TLAB table is full (spec.md §4.3).
func (b *BumpAllocator) CreateNewTLAB(size uintptr) bool {
	if !b.tlabsEnabled || size == 0 {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	newTop := b.tlabTop - size
	if newTop < b.arena.Current() || newTop > b.tlabTop {
		return false
	}

	slot := -1

	for i := range b.tlabs {
		if !b.tlabs[i].inUse {
			slot = i
			break
		}
	}

	if slot < 0 {
		if len(b.tlabs) >= b.tlabCapacity {
			return false
		}

		b.tlabs = append(b.tlabs, tlabSlot{})
		slot = len(b.tlabs) - 1
	}

	b.tlabTop = newTop
	b.tlabs[slot] = tlabSlot{
		owner:   CurrentThread(),
		start:   newTop,
		current: newTop,
		end:     newTop + size,
		inUse:   true,
	}

	return true
}

// tlabFor returns the calling thread's active TLAB slot index, or -1.
func (b *BumpAllocator) tlabFor(tid ThreadID) int {
	for i := range b.tlabs {
		if b.tlabs[i].inUse && b.tlabs[i].owner == tid {
			return i
		}
	}

	return -1
}

// AllocFromTLAB bumps the calling thread's own TLAB. Returns nil if the
// thread has no active TLAB or the TLAB is exhausted.
func (b *BumpAllocator) AllocFromTLAB(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	tid := CurrentThread()

	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.tlabFor(tid)
	if idx < 0 {
		return nil
	}

	slot := &b.tlabs[idx]
	aligned := alignUp(slot.current, DefaultAlignment)
	newCurrent := aligned + size

	if newCurrent > slot.end || newCurrent < aligned {
		return nil
	}

	slot.current = newCurrent

	ptr := unsafe.Pointer(aligned)
	if b.observer != nil && b.observer.ZeroOnAlloc() {
		zeroMemory(ptr, size)
	}

	b.cmap.Add(aligned, newCurrent)

	if b.observer != nil {
		b.observer.RecordAlloc(b.space, size)
	}

	return ptr
}

// SetSizer installs the object-size introspection callback IterateOverObjects
// relies on.
func (b *BumpAllocator) SetSizer(s ObjectSizer) { b.sizer = s }

// Reset destroys every TLAB and returns the arena to empty, re-initializing
// the crossing map over the arena's full extent (spec.md §4.3).
func (b *BumpAllocator) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.arena.Reset()
	b.tlabs = b.tlabs[:0]
	b.tlabTop = b.arena.End()
	b.cmap.Reinit()
}

// IterateOverObjects walks from arena start to the bump cursor, then each
// live TLAB, invoking visit once per object. Allocating from inside visit
// is a caller bug and is fatal (spec.md §4.3).
func (b *BumpAllocator) IterateOverObjects(visit ObjectVisitor) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sizer == nil {
		fatalf("bump: IterateOverObjects called with no ObjectSizer installed")
	}

	cursor := b.arena.Start()
	for cursor < b.arena.Current() {
		size := b.sizer(unsafe.Pointer(cursor))
		if size == 0 {
			break
		}

		visit(unsafe.Pointer(cursor), size)
		cursor = alignUp(cursor+size, DefaultAlignment)
	}

	for i := range b.tlabs {
		if !b.tlabs[i].inUse {
			continue
		}

		slot := &b.tlabs[i]
		c := slot.start
		for c < slot.current {
			size := b.sizer(unsafe.Pointer(c))
			if size == 0 {
				break
			}

			visit(unsafe.Pointer(c), size)
			c = alignUp(c+size, DefaultAlignment)
		}
	}
}

// IterateOverObjectsInRange uses the crossing map to find the first object
// overlapping lo and iterates until the object's start exceeds hi. Range
// width must equal CrossingMapGranularity (spec.md §4.3).
func (b *BumpAllocator) IterateOverObjectsInRange(visit ObjectVisitor, lo, hi uintptr) {
	if hi-lo != CrossingMapGranularity {
		fatalf("bump: IterateOverObjectsInRange range width %d != granularity %d", hi-lo, CrossingMapGranularity)
	}

	if b.sizer == nil {
		fatalf("bump: IterateOverObjectsInRange called with no ObjectSizer installed")
	}

	start, ok := b.cmap.FindFirstObjectFor(lo)
	if !ok {
		return
	}

	cursor := start
	for cursor <= hi {
		size := b.sizer(unsafe.Pointer(cursor))
		if size == 0 {
			break
		}

		visit(unsafe.Pointer(cursor), size)
		cursor = alignUp(cursor+size, DefaultAlignment)
	}
}

// DeathChecker classifies an object as alive or dead during compaction.
type DeathChecker func(obj unsafe.Pointer, size uintptr) bool

// MoveVisitor is invoked once per surviving object, after its bytes have
// already been relocated from oldObj to newObj, so the caller can update any
// side tables keyed by address (e.g. the facade's mark-word map).
type MoveVisitor func(oldObj, newObj unsafe.Pointer, size uintptr)

// CollectAndMove implements sliding compaction over the bump region: live
// objects are copied down into the gaps left by dead ones, in address order,
// and the bump cursor is truncated to the new live frontier. Unlike a
// Reset, surviving bytes are preserved at (possibly) new addresses (spec.md
// §4.3, §8 scenario 8 "Collect preserves live"). TLABs are not scanned: by
// the time a collection safepoint runs, thread-local buffers are expected to
// already be retired by the caller, so CollectAndMove simply discards them.
func (b *BumpAllocator) CollectAndMove(isDead DeathChecker, move MoveVisitor) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sizer == nil {
		fatalf("bump: CollectAndMove called with no ObjectSizer installed")
	}

	write := b.arena.Start()
	cursor := b.arena.Start()

	for cursor < b.arena.Current() {
		size := b.sizer(unsafe.Pointer(cursor))
		if size == 0 {
			break
		}

		if isDead(unsafe.Pointer(cursor), size) {
			if b.observer != nil {
				b.observer.RecordFree(b.space, size)
			}
		} else {
			dst := alignUp(write, DefaultAlignment)
			if dst != cursor {
				copyMemory(unsafe.Pointer(dst), unsafe.Pointer(cursor), size)
			}

			move(unsafe.Pointer(cursor), unsafe.Pointer(dst), size)
			write = dst + size
		}

		cursor = alignUp(cursor+size, DefaultAlignment)
	}

	b.arena.current = alignUp(write, DefaultAlignment)

	b.tlabs = b.tlabs[:0]
	b.tlabTop = b.arena.End()

	b.cmap.Reinit()

	for c := b.arena.Start(); c < b.arena.current; {
		size := b.sizer(unsafe.Pointer(c))
		if size == 0 {
			break
		}

		b.cmap.Add(c, c+size)
		c = alignUp(c+size, DefaultAlignment)
	}
}

// Arena exposes the underlying arena for callers that need direct access
// (e.g. the region allocator's TLAB carving from a whole young region).
func (b *BumpAllocator) Arena() *Arena { return b.arena }

// IsLive reports whether p falls within the bump region or an active TLAB.
// A bump allocator never frees individual objects outside of a full Reset,
// so liveness here means "still reachable from the arena" rather than
// tracking per-object state.
func (b *BumpAllocator) IsLive(p unsafe.Pointer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	addr := uintptr(p)
	if addr >= b.arena.Start() && addr < b.arena.Current() {
		return true
	}

	for i := range b.tlabs {
		if b.tlabs[i].inUse && addr >= b.tlabs[i].start && addr < b.tlabs[i].current {
			return true
		}
	}

	return false
}
