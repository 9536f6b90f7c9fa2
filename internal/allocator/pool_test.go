package allocator

import (
	"testing"
	"unsafe"
)

func TestPoolManagerClassifiesAddr(t *testing.T) {
	pm := NewPoolManager()

	pool, err := pm.AllocPool(SpaceObject, AllocatorKindArena, 64*1024)
	if err != nil {
		t.Fatalf("AllocPool failed: %v", err)
	}

	mid := pool.Start() + pool.Size()/2

	space, ok := pm.GetSpaceTypeForAddr(unsafe.Pointer(mid))
	if !ok || space != SpaceObject {
		t.Fatalf("GetSpaceTypeForAddr(mid) = (%v,%v), want (object,true)", space, ok)
	}

	if _, ok := pm.GetSpaceTypeForAddr(unsafe.Pointer(pool.End() + 1)); ok {
		t.Fatal("address outside any pool should not classify")
	}

	start, ok := pm.GetStartAddrPoolForAddr(unsafe.Pointer(mid))
	if !ok || start != pool.Start() {
		t.Fatalf("GetStartAddrPoolForAddr = %#x, want %#x", start, pool.Start())
	}
}

func TestPoolManagerMultiplePoolsSorted(t *testing.T) {
	pm := NewPoolManager()

	var pools []*Pool

	for i := 0; i < 8; i++ {
		p, err := pm.AllocPool(SpaceInternal, AllocatorKindFreeList, 4096)
		if err != nil {
			t.Fatalf("AllocPool %d failed: %v", i, err)
		}

		pools = append(pools, p)
	}

	for _, p := range pools {
		info, ok := pm.GetAllocatorInfoForAddr(unsafe.Pointer(p.Start()))
		if !ok || info.Kind != AllocatorKindFreeList {
			t.Fatalf("pool %#x misclassified: %+v", p.Start(), info)
		}
	}
}

func TestPoolManagerFreePool(t *testing.T) {
	pm := NewPoolManager()

	pool, err := pm.AllocPool(SpaceObject, AllocatorKindArena, 4096)
	if err != nil {
		t.Fatalf("AllocPool failed: %v", err)
	}

	addr := pool.Start()

	if err := pm.FreePool(pool); err != nil {
		t.Fatalf("FreePool failed: %v", err)
	}

	if _, ok := pm.GetSpaceTypeForAddr(unsafe.Pointer(addr)); ok {
		t.Fatal("freed pool should no longer classify")
	}
}
