package allocator

import (
	"testing"
	"unsafe"
)

func TestHumongousReservedReuse(t *testing.T) {
	pm := NewPoolManager()
	h := NewHumongous(pm, SpaceHumongousObject, NewStatsObserver(NewMemStats()))

	const big = 900 * 1024

	p1 := h.Alloc(big, DefaultAlignment)
	if p1 == nil {
		t.Fatal("first humongous alloc failed")
	}

	addr1, ok := pm.GetStartAddrPoolForAddr(p1)
	if !ok {
		t.Fatal("pool manager lost track of the humongous pool")
	}

	h.Free(p1)

	p2 := h.Alloc(big-1024, DefaultAlignment)
	if p2 == nil {
		t.Fatal("second (slightly smaller) humongous alloc failed")
	}

	addr2, ok := pm.GetStartAddrPoolForAddr(p2)
	if !ok || addr2 != addr1 {
		t.Fatalf("expected reused pool at %#x, got %#x", addr1, addr2)
	}
}

func TestHumongousReservedEviction(t *testing.T) {
	pm := NewPoolManager()
	h := NewHumongous(pm, SpaceHumongousObject, nil)

	var ptrs []unsafe.Pointer

	for i := 0; i < HumongousReservedCapacityCount+2; i++ {
		p := h.Alloc(uintptr(4096*(i+1)), DefaultAlignment)
		if p == nil {
			t.Fatalf("alloc %d failed", i)
		}

		ptrs = append(ptrs, p)
	}

	for _, p := range ptrs {
		h.Free(p)
	}

	// Capacity was exceeded during the frees above; the smallest reserved
	// pool should have been evicted to the free list and must still be
	// allocatable from there. Alloc searches reserved first, so drain the
	// full reserved list before the allocation that only the free list can
	// serve.
	if h.free == nil {
		t.Fatal("expected an evicted pool on the free list")
	}

	for i := 0; i < HumongousReservedCapacityCount; i++ {
		if p := h.Alloc(4096, DefaultAlignment); p == nil {
			t.Fatalf("reserved-list alloc %d failed", i)
		}
	}

	if p := h.Alloc(4096, DefaultAlignment); p == nil {
		t.Fatal("expected an evicted pool to remain allocatable from the free list")
	}
}
