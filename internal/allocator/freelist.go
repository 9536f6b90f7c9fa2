package allocator

import (
	"sync"
	"unsafe"
)

// SegregatedListFreeBlockRange is the bucket width the segregated free list
// partitions [minBlockSize, maxBlockSize] into (spec.md §4.5).
const SegregatedListFreeBlockRange = 64

// FreeListMinBlockSize is the minimum block size the allocator will ever
// hand back or keep as a free block, large enough to hold a header, footer
// and alignment slack (spec.md §4.5).
const FreeListMinBlockSize = 32

// FreeListMaxAllocSize bounds the largest single allocation the free-list
// allocator serves, so it never competes with the humongous allocator.
const FreeListMaxAllocSize = 128 * 1024

// blockHeader is the boundary tag prefixing every block inside a free-list
// pool (in use or free). There is no footer: prevBlock links each block to
// its predecessor for backward coalescing.
type blockHeader struct {
	size      uintptr
	free      bool
	padding   bool    // true if this header is a padding header; backPtr then points at the real header
	backPtr   uintptr // valid only when padding
	prevBlock uintptr // address of the previous block's header, 0 if this is the pool's first block
	nextFree  uintptr // valid only when free: next node in its segregated bucket
	prevFree  uintptr // valid only when free: prev node in its segregated bucket
}

const blockHeaderSize = unsafe.Sizeof(blockHeader{})

// flPool is one pool backing the free-list allocator, holding a sequence of
// boundary-tagged blocks after the pool header.
type flPool struct {
	pool      *Pool
	firstBock uintptr // address of the first block header
	end       uintptr // one past the last usable byte
	next      *flPool
}

// FreeList implements spec.md §4.5: a segregated free-list allocator over
// one or more pool-manager pools.
type FreeList struct {
	mu       sync.RWMutex
	pm       *PoolManager
	space    SpaceType
	observer AllocObserver
	cmap     *CrossingMap
	pools    []*flPool

	buckets map[int]*blockHeaderRef // bucket index -> head free block addr (boxed for mutation)
}

type blockHeaderRef struct {
	head uintptr
}

// NewFreeList returns an empty free-list allocator. pm supplies pools on
// demand as existing pools fill up.
func NewFreeList(pm *PoolManager, space SpaceType, observer AllocObserver, cmapBase, cmapSize uintptr) *FreeList {
	return &FreeList{
		pm:       pm,
		space:    space,
		observer: observer,
		cmap:     NewCrossingMap(cmapBase, cmapSize),
		buckets:  make(map[int]*blockHeaderRef),
	}
}

func headerAt(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

// overflowBucketIndex is a catch-all bucket for free blocks larger than
// FreeListMaxAllocSize could ever request (e.g. a pool's untouched
// remainder just after creation); without it such a block's natural
// size/range bucket would fall outside findFit's search window and the
// block would never be found again.
var overflowBucketIndex = int(FreeListMaxAllocSize/SegregatedListFreeBlockRange) + 1

func bucketIndex(size uintptr) int {
	idx := int(size / SegregatedListFreeBlockRange)
	if idx > overflowBucketIndex {
		return overflowBucketIndex
	}

	return idx
}

func (f *FreeList) bucket(idx int) *blockHeaderRef {
	b, ok := f.buckets[idx]
	if !ok {
		b = &blockHeaderRef{}
		f.buckets[idx] = b
	}

	return b
}

// insertFree pushes a free block onto the head of its bucket's list.
func (f *FreeList) insertFree(addr uintptr) {
	h := headerAt(addr)
	idx := bucketIndex(h.size)
	b := f.bucket(idx)

	h.nextFree = b.head
	h.prevFree = 0

	if b.head != 0 {
		headerAt(b.head).prevFree = addr
	}

	b.head = addr
}

// removeFree unlinks a free block from its bucket's list.
func (f *FreeList) removeFree(addr uintptr) {
	h := headerAt(addr)
	idx := bucketIndex(h.size)
	b := f.bucket(idx)

	if h.prevFree != 0 {
		headerAt(h.prevFree).nextFree = h.nextFree
	} else if b.head == addr {
		b.head = h.nextFree
	}

	if h.nextFree != 0 {
		headerAt(h.nextFree).prevFree = h.prevFree
	}

	h.nextFree = 0
	h.prevFree = 0
}

// findFit searches buckets from size's bucket upward and returns the first
// free block, in bucket-list order, whose size is at least size (spec.md
// §4.5 step 2).
func (f *FreeList) findFit(size uintptr) uintptr {
	start := bucketIndex(size)
	maxBucket := bucketIndex(FreeListMaxAllocSize) + 1

	for idx := start; idx <= maxBucket; idx++ {
		b, ok := f.buckets[idx]
		if !ok || b.head == 0 {
			continue
		}

		for addr := b.head; addr != 0; addr = headerAt(addr).nextFree {
			if headerAt(addr).size >= size {
				return addr
			}
		}
	}

	return 0
}

// addPool requests a new pool from pm and links it as a single large free
// block.
func (f *FreeList) addPool(minSize uintptr) *flPool {
	const defaultPoolSize = 1 << 20

	size := defaultPoolSize
	if minSize+blockHeaderSize > uintptr(size) {
		size = int(minSize + blockHeaderSize)
	}

	pool, err := f.pm.AllocPool(f.space, AllocatorKindFreeList, uintptr(size))
	if err != nil {
		return nil
	}

	pool.SetOwner(f)

	first := pool.Start()
	h := headerAt(first)
	*h = blockHeader{size: pool.End() - first - blockHeaderSize, free: true}

	flp := &flPool{pool: pool, firstBock: first, end: pool.End()}
	f.pools = append(f.pools, flp)

	f.insertFree(first)

	return flp
}

// Alloc serves size at alignment, per spec.md §4.5.
func (f *FreeList) Alloc(size, alignment uintptr) unsafe.Pointer {
	if size == 0 || size > FreeListMaxAllocSize {
		return nil
	}

	aligned := alignUp(size, DefaultAlignment)

	needsPad := alignment > DefaultAlignment
	request := aligned
	if needsPad {
		request = aligned + alignment + blockHeaderSize
	}

	if request < FreeListMinBlockSize {
		request = FreeListMinBlockSize
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	addr := f.findFit(request)
	if addr == 0 {
		if f.addPool(request) == nil {
			return nil
		}

		addr = f.findFit(request)
		if addr == 0 {
			return nil
		}
	}

	f.removeFree(addr)

	h := headerAt(addr)
	h.free = false

	// Split the tail if it exceeds the minimum-block threshold.
	if h.size >= request+FreeListMinBlockSize+blockHeaderSize {
		tailAddr := addr + blockHeaderSize + request
		tail := headerAt(tailAddr)
		*tail = blockHeader{
			size:      h.size - request - blockHeaderSize,
			free:      true,
			prevBlock: addr,
		}
		h.size = request
		f.insertFree(tailAddr)
		f.linkNextPrev(addr, tailAddr)
	}

	payload := addr + blockHeaderSize

	if needsPad && payload%alignment != 0 {
		target := alignUp(payload+blockHeaderSize, alignment)
		// The padding header is written twice: right before the aligned
		// payload, where recoverHeader steps back one header and follows
		// backPtr, and at the start of the gap, where IterateOverObjects
		// finds it. size is repurposed as the offset from the gap start to
		// the true payload, so the walk needs no knowledge of the alignment.
		pad := blockHeader{padding: true, backPtr: addr, size: target - payload}
		*headerAt(payload) = pad
		*headerAt(target - blockHeaderSize) = pad
		payload = target
	}

	ptr := unsafe.Pointer(payload)
	if f.observer != nil && f.observer.ZeroOnAlloc() {
		zeroMemory(ptr, aligned)
	}

	f.cmap.Add(payload, payload+aligned)

	if f.observer != nil {
		f.observer.RecordAlloc(f.space, aligned)
	}

	return ptr
}

// linkNextPrev patches the block following tailAddr (if any) to point its
// prevBlock back at tailAddr, since splitting inserted a new boundary.
func (f *FreeList) linkNextPrev(origAddr, tailAddr uintptr) {
	tail := headerAt(tailAddr)
	nextAddr := tailAddr + blockHeaderSize + tail.size

	for _, p := range f.pools {
		if nextAddr < p.end {
			next := headerAt(nextAddr)
			if next.size != 0 || next.free {
				next.prevBlock = tailAddr
			}

			break
		}
	}

	_ = origAddr
}

// recoverHeader walks backward from payload to the true block header,
// following a padding header's back-pointer if present (spec.md §4.5
// "Freeing" step 1).
func recoverHeader(payload uintptr) uintptr {
	candidate := payload - blockHeaderSize
	h := headerAt(candidate)

	if h.padding {
		return h.backPtr
	}

	return candidate
}

// Free recovers the header, removes the crossing-map entry, marks the block
// free and coalesces with adjacent free neighbours (spec.md §4.5).
func (f *FreeList) Free(p unsafe.Pointer, size uintptr) {
	addr := recoverHeader(uintptr(p))

	f.mu.Lock()
	defer f.mu.Unlock()

	h := headerAt(addr)
	if h.free {
		return // double free, silently ignored per spec.md §7 release-mode policy
	}

	f.cmap.Remove(uintptr(p), h.prevBlock)

	h.free = true

	// Coalesce backward.
	if h.prevBlock != 0 {
		prev := headerAt(h.prevBlock)
		if prev.free {
			f.removeFree(h.prevBlock)
			prev.size += blockHeaderSize + h.size
			addr = h.prevBlock
			h = prev
		}
	}

	// Coalesce forward.
	nextAddr := addr + blockHeaderSize + h.size
	for _, pl := range f.pools {
		if nextAddr < pl.end {
			next := headerAt(nextAddr)
			if next.free {
				f.removeFree(nextAddr)
				h.size += blockHeaderSize + next.size
			}

			break
		}
	}

	// Point the block that now follows the merged block back at it.
	for _, pl := range f.pools {
		if addr >= pl.firstBock && addr < pl.end {
			if following := addr + blockHeaderSize + h.size; following < pl.end {
				headerAt(following).prevBlock = addr
			}

			break
		}
	}

	f.insertFree(addr)

	if f.observer != nil {
		f.observer.RecordFree(f.space, size)
	}
}

// IsLive reports whether p addresses a block currently marked in-use.
func (f *FreeList) IsLive(p unsafe.Pointer) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	// Range-check before reading any header, so a pointer from another
	// allocator is never dereferenced.
	candidate := uintptr(p) - blockHeaderSize

	for _, pl := range f.pools {
		if candidate >= pl.firstBock && candidate < pl.end {
			return !headerAt(recoverHeader(uintptr(p))).free
		}
	}

	return false
}

// IterateOverObjects visits every currently-allocated block across every
// pool this allocator owns, in address order (spec.md §6 GC iteration
// contract). The block header for each step is snapshotted before the
// visitor is called, so a pool cannot be mutated mid-stride.
func (f *FreeList) IterateOverObjects(v ObjectVisitor) {
	f.mu.RLock()
	pools := make([]*flPool, len(f.pools))
	copy(pools, f.pools)
	f.mu.RUnlock()

	for _, pl := range pools {
		for addr := pl.firstBock; addr < pl.end; {
			f.mu.RLock()
			h := *headerAt(addr)
			f.mu.RUnlock()

			blockEnd := addr + blockHeaderSize + h.size

			if !h.free {
				payload := addr + blockHeaderSize

				f.mu.RLock()
				pad := *headerAt(payload)
				f.mu.RUnlock()

				if pad.padding && pad.backPtr == addr {
					payload += pad.size
				}

				v(unsafe.Pointer(payload), blockEnd-payload)
			}

			addr = blockEnd
		}
	}
}

// CollectAndSweep visits every live block via gcVisitor and frees any it
// reports dead, in place (spec.md §6 Collect contract). Frees are applied
// after the full walk completes so coalescing never disturbs an
// in-progress stride.
func (f *FreeList) CollectAndSweep(gcVisitor GCVisitor) {
	type deadBlock struct {
		ptr  unsafe.Pointer
		size uintptr
	}

	var dead []deadBlock

	f.IterateOverObjects(func(obj unsafe.Pointer, size uintptr) {
		if !gcVisitor(obj, size) {
			dead = append(dead, deadBlock{obj, size})
		}
	})

	for _, d := range dead {
		f.Free(d.ptr, d.size)
	}
}

// VisitAndRemoveFreePools iterates every pool; a pool whose sole block is
// the original free block is unlinked and handed back to the pool manager
// (spec.md §4.5 "Pool trimming").
func (f *FreeList) VisitAndRemoveFreePools() {
	f.mu.Lock()
	defer f.mu.Unlock()

	kept := f.pools[:0]

	for _, p := range f.pools {
		h := headerAt(p.firstBock)
		soleBlock := h.free && p.firstBock+blockHeaderSize+h.size == p.end

		if soleBlock {
			f.removeFree(p.firstBock)
			_ = f.pm.FreePool(p.pool)

			continue
		}

		kept = append(kept, p)
	}

	f.pools = kept
}
