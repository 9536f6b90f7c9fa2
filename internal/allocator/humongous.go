package allocator

import (
	"sync"
	"unsafe"
)

// HumongousReservedCapacityCount bounds the reserved-pool cache by pool
// count (SUPPLEMENTED FEATURES: "reserved-list capacity is bounded by both
// count and total bytes").
const HumongousReservedCapacityCount = 8

// HumongousReservedCapacityBytes bounds the reserved-pool cache by total
// bytes.
const HumongousReservedCapacityBytes = 16 * 1024 * 1024

// humongousPool wraps one pool-manager pool dedicated to a single
// humongous allocation.
type humongousPool struct {
	pool *Pool
	size uintptr // payload size last served from this pool
	next *humongousPool
	prev *humongousPool
}

// Humongous implements spec.md §4.6: every allocation consumes an entire
// pool, with occupied/reserved/free intrusive lists.
type Humongous struct {
	mu       sync.RWMutex
	pm       *PoolManager
	space    SpaceType
	observer AllocObserver

	occupied     map[uintptr]*humongousPool // pool start -> node, for Free lookups
	occupiedList *humongousPool             // intrusive list over the same nodes, for iteration

	reserved      *humongousPool
	reservedCount int
	reservedBytes uintptr

	free *humongousPool
}

// NewHumongous returns an empty humongous allocator drawing pools from pm.
func NewHumongous(pm *PoolManager, space SpaceType, observer AllocObserver) *Humongous {
	return &Humongous{
		pm:       pm,
		space:    space,
		observer: observer,
		occupied: make(map[uintptr]*humongousPool),
	}
}

func unlinkNode(head **humongousPool, n *humongousPool) {
	if n.prev != nil {
		n.prev.next = n.next
	} else if *head == n {
		*head = n.next
	}

	if n.next != nil {
		n.next.prev = n.prev
	}

	n.next = nil
	n.prev = nil
}

func pushFront(head **humongousPool, n *humongousPool) {
	n.next = *head
	n.prev = nil

	if *head != nil {
		(*head).prev = n
	}

	*head = n
}

// popFirstFit removes and returns the first node in the list whose pool is
// at least minSize bytes, or nil.
func popFirstFit(head **humongousPool, minSize uintptr) *humongousPool {
	for n := *head; n != nil; n = n.next {
		if n.pool.Size() >= minSize {
			unlinkNode(head, n)

			return n
		}
	}

	return nil
}

// Alloc reserves (or reuses) a pool sized to hold size bytes page-aligned,
// searching reserved then free before asking the pool manager for a fresh
// pool (spec.md §4.6).
func (h *Humongous) Alloc(size, align uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	needed := size
	if align > needed {
		needed = align
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	node := popFirstFit(&h.reserved, needed)
	if node != nil {
		h.reservedCount--
		h.reservedBytes -= node.pool.Size()
	} else {
		node = popFirstFit(&h.free, needed)
	}

	if node == nil {
		const headerSlack = 64

		poolSize := memmapRoundUpHumongous(size + headerSlack)

		pool, err := h.pm.AllocPool(h.space, AllocatorKindHumongous, poolSize)
		if err != nil {
			return nil
		}

		node = &humongousPool{pool: pool}
		pool.SetOwner(h)
	}

	node.size = size
	pushFront(&h.occupiedList, node)
	h.occupied[node.pool.Start()] = node

	ptr := unsafe.Pointer(node.pool.Start())
	if h.observer != nil && h.observer.ZeroOnAlloc() {
		zeroMemory(ptr, size)
	}

	if h.observer != nil {
		h.observer.RecordAlloc(h.space, size)
	}

	return ptr
}

// memmapRoundUpHumongous rounds size up to a page-size multiple without
// importing memmap's package-level PageSize directly into the allocation
// math more than once; it mirrors the default-pool-size vs requested-size
// max from spec.md §4.6.
func memmapRoundUpHumongous(size uintptr) uintptr {
	const defaultPoolSize = 1 << 20

	if size < defaultPoolSize {
		return defaultPoolSize
	}

	const pageSize = 4096

	return (size + pageSize - 1) &^ (pageSize - 1)
}

// Free recovers the pool start through the pool manager's address registry
// (GetStartAddrPoolForAddr), pops it from occupied, and tries to insert it into reserved
// (evicting the smallest if at capacity); evicted pools fall to free
// (spec.md §4.6).
func (h *Humongous) Free(p unsafe.Pointer) {
	addr, ok := h.pm.GetStartAddrPoolForAddr(p)
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	node, ok := h.occupied[addr]
	if !ok {
		return
	}

	delete(h.occupied, addr)
	unlinkNode(&h.occupiedList, node)

	if h.observer != nil {
		h.observer.RecordFree(h.space, node.size)
	}

	node.size = 0

	if h.reservedCount >= HumongousReservedCapacityCount || h.reservedBytes+node.pool.Size() > HumongousReservedCapacityBytes {
		h.evictSmallestReserved()
	}

	pushFront(&h.reserved, node)
	h.reservedCount++
	h.reservedBytes += node.pool.Size()
}

// evictSmallestReserved moves the smallest reserved pool to the free list.
func (h *Humongous) evictSmallestReserved() {
	var smallest *humongousPool

	for n := h.reserved; n != nil; n = n.next {
		if smallest == nil || n.pool.Size() < smallest.pool.Size() {
			smallest = n
		}
	}

	if smallest == nil {
		return
	}

	unlinkNode(&h.reserved, smallest)
	h.reservedCount--
	h.reservedBytes -= smallest.pool.Size()

	pushFront(&h.free, smallest)
}

// IsLive reports whether p is the base address of a currently occupied pool.
func (h *Humongous) IsLive(p unsafe.Pointer) bool {
	addr, ok := h.pm.GetStartAddrPoolForAddr(p)
	if !ok {
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	_, live := h.occupied[addr]

	return live
}

// IterateOverObjects walks the occupied list.
func (h *Humongous) IterateOverObjects(visit ObjectVisitor) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for n := h.occupiedList; n != nil; n = n.next {
		visit(unsafe.Pointer(n.pool.Start()), n.size)
	}
}

// CollectAndSweep visits every live pool via gcVisitor and frees any it
// reports dead, after the walk completes so Free never mutates occupiedList
// mid-stride.
func (h *Humongous) CollectAndSweep(gcVisitor GCVisitor) {
	var dead []unsafe.Pointer

	h.IterateOverObjects(func(obj unsafe.Pointer, size uintptr) {
		if !gcVisitor(obj, size) {
			dead = append(dead, obj)
		}
	})

	for _, p := range dead {
		h.Free(p)
	}
}
