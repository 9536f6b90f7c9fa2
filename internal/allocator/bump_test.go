package allocator

import "testing"

func TestBumpTLABTopBottomNonInterference(t *testing.T) {
	pm := NewPoolManager()

	_, arena, err := pm.AllocArena(SpaceObject, 2*1024*1024)
	if err != nil {
		t.Fatalf("AllocArena failed: %v", err)
	}

	b := NewBumpAllocator(arena, SpaceObject, NewStatsObserver(NewMemStats()), 1)

	if p := b.Alloc(512 * 1024); p == nil {
		t.Fatal("first 512KiB bump allocation failed")
	}

	if !b.CreateNewTLAB(1024 * 1024) {
		t.Fatal("first CreateNewTLAB(1MiB) should succeed")
	}

	if b.CreateNewTLAB(1024 * 1024) {
		t.Fatal("second CreateNewTLAB should fail: capacity is 1")
	}

	if p := b.Alloc(512 * 1024); p == nil {
		t.Fatal("second 512KiB bump allocation failed")
	}

	if p := b.Alloc(1); p != nil {
		t.Fatal("bump allocation should be exhausted by the TLAB reservation")
	}
}

func TestBumpResetReusesStartAddress(t *testing.T) {
	pm := NewPoolManager()

	_, arena, err := pm.AllocArena(SpaceObject, 64*1024)
	if err != nil {
		t.Fatalf("AllocArena failed: %v", err)
	}

	b := NewBumpAllocator(arena, SpaceObject, nil, 0)

	first := b.Alloc(128)
	if first == nil {
		t.Fatal("first alloc failed")
	}

	b.Alloc(128)
	b.Reset()

	second := b.Alloc(128)
	if second != first {
		t.Fatalf("after Reset, alloc = %v, want %v", second, first)
	}
}
