package allocator

import (
	"fmt"
	"unsafe"
)

// Arena is the monotonic bump primitive spec.md §3/§4.2 describes: a fixed
// buffer with start <= current <= end, optionally chained to another arena.
// It carries no lock of its own (spec.md §4.2 "Concurrency: single-threaded;
// higher layers add locking") — BumpAllocator serializes access above this
// layer, exactly as the teacher's
// ArenaAllocatorImpl did before Reset/Resize/ExpandArena/LinkTo existed.
type Arena struct {
	backing []byte
	start   uintptr
	current uintptr
	end     uintptr
	next    *Arena
}

// NewArena carves an Arena out of backing. backing must stay alive for the
// Arena's lifetime; the pool manager owns that guarantee by handing out
// pool-backed slices (memmap.Mapping.Bytes()).
func NewArena(backing []byte) *Arena {
	if len(backing) == 0 {
		return &Arena{}
	}

	base := uintptr(unsafe.Pointer(&backing[0]))

	return &Arena{
		backing: backing,
		start:   base,
		current: base,
		end:     base + uintptr(len(backing)),
	}
}

// Alloc bumps current forward by size aligned to alignment, returning nil on
// exhaustion. No partial success: either the whole aligned size fits or the
// call fails outright (spec.md §4.2 failure model).
func (a *Arena) Alloc(size, alignment uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	aligned := alignUp(a.current, alignment)
	newCurrent := aligned + size

	if newCurrent > a.end || newCurrent < aligned {
		return nil
	}

	a.current = newCurrent

	return unsafe.Pointer(aligned)
}

// AlignedAlloc requires both a.current and size to already be aligned to
// align; callers that violate the precondition get undefined results per
// spec.md §4.2, enforced here as a fatal assertion in every build.
func (a *Arena) AlignedAlloc(size, align uintptr) unsafe.Pointer {
	if a.current%align != 0 || size%align != 0 {
		fatalf("arena: AlignedAlloc precondition violated: current=%#x size=%d align=%d", a.current, size, align)
	}

	if a.current+size > a.end {
		return nil
	}

	ptr := a.current
	a.current += size

	return unsafe.Pointer(ptr)
}

// Free trims current back to p. spec.md §9 "Open questions" leaves the
// caller contract for this undocumented in the source; this implementation
// treats it strictly as a LIFO rollback primitive: p must lie within
// [start, current] or the call is a no-op, so a buggy caller can never move
// current forward through Free.
func (a *Arena) Free(p unsafe.Pointer) {
	addr := uintptr(p)
	if addr < a.start || addr > a.current {
		return
	}

	a.current = addr
}

// Reset returns the arena to empty.
func (a *Arena) Reset() {
	a.current = a.start
}

// Resize sets current to start+n, for n <= occupied size, poisoning the
// vacated suffix (spec.md §3 Arena invariants).
func (a *Arena) Resize(n uintptr) {
	if n > a.current-a.start {
		fatalf("arena: Resize(%d) exceeds occupied size %d", n, a.current-a.start)
	}

	newCurrent := a.start + n
	if newCurrent < a.current {
		poisonMemory(unsafe.Pointer(newCurrent), a.current-newCurrent)
	}

	a.current = newCurrent
}

// ExpandArena grows end by n bytes. extra must equal the arena's current end
// (spec.md §3: "legal only when extra == end"), guarding against silently
// growing into memory this arena doesn't actually control.
func (a *Arena) ExpandArena(extra unsafe.Pointer, n uintptr) error {
	if uintptr(extra) != a.end {
		return fmt.Errorf("arena: ExpandArena extra %#x != end %#x", uintptr(extra), a.end)
	}

	a.end += n

	return nil
}

// InArena reports whether p lies within [start, end).
func (a *Arena) InArena(p unsafe.Pointer) bool {
	addr := uintptr(p)

	return addr >= a.start && addr < a.end
}

// GetOccupiedSize returns current-start.
func (a *Arena) GetOccupiedSize() uintptr { return a.current - a.start }

// GetFreeSize returns end-current.
func (a *Arena) GetFreeSize() uintptr { return a.end - a.current }

// Start returns the arena's base address.
func (a *Arena) Start() uintptr { return a.start }

// Current returns the arena's current bump cursor.
func (a *Arena) Current() uintptr { return a.current }

// End returns the arena's end address.
func (a *Arena) End() uintptr { return a.end }

// GetNextArena returns the linked next arena, if any.
func (a *Arena) GetNextArena() *Arena { return a.next }

// LinkTo chains next after a, forming an arena chain (spec.md §3 "optional
// forward link to form arena chains").
func (a *Arena) LinkTo(next *Arena) { a.next = next }
