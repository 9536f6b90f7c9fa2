package allocator

import (
	"testing"
	"unsafe"
)

func newTestRegionSpace(t *testing.T) *RegionSpace {
	t.Helper()

	pm := NewPoolManager()
	observer := NewStatsObserver(NewMemStats())
	nonMovableSlots := NewRunSlots(pm, SpaceNonMovableObject, observer, 0, 1<<30)
	nonMovableLarge := NewFreeList(pm, SpaceNonMovableObject, observer, 0, 1<<30)

	return NewRegionSpace(pm, observer, 256*1024, 32*1024, nonMovableSlots, nonMovableLarge)
}

func TestRegionSpaceEdenBump(t *testing.T) {
	rs := newTestRegionSpace(t)

	p1 := rs.Allocate(1024, false)
	if p1 == nil {
		t.Fatal("eden allocation failed")
	}

	p2 := rs.Allocate(1024, false)
	if p2 == nil {
		t.Fatal("second eden allocation failed")
	}

	if p1 == p2 {
		t.Fatal("two eden allocations returned the same address")
	}
}

func TestRegionSpaceOldSeparateFromEden(t *testing.T) {
	rs := newTestRegionSpace(t)

	young := rs.Allocate(64, false)
	old := rs.Allocate(64, true)

	if young == nil || old == nil {
		t.Fatal("allocation failed")
	}

	if rs.curEden == rs.curOld {
		t.Fatal("eden and old should use distinct regions")
	}
}

func TestRegionSpaceCompactMovesLiveObjects(t *testing.T) {
	rs := newTestRegionSpace(t)

	for i := 0; i < 4; i++ {
		if p := rs.Allocate(CrossingMapGranularity, false); p == nil {
			t.Fatalf("allocation %d failed", i)
		}
	}

	edenRegions := []*Region{rs.curEden}

	visited := 0

	destRegions := rs.CompactSeveralSpecificRegions(edenRegions, RegionSurvivor, func(obj unsafe.Pointer, size uintptr) bool {
		visited++

		return true // keep everything alive
	})

	if visited != 4 {
		t.Fatalf("visited %d live objects, want 4", visited)
	}

	if len(destRegions) == 0 {
		t.Fatal("expected at least one survivor destination region")
	}

	for _, r := range destRegions {
		if r.tag != RegionSurvivor {
			t.Fatalf("destination region tag = %v, want survivor", r.tag)
		}
	}

	rs.ResetSeveralSpecificRegions(edenRegions)

	if rs.curEden != nil {
		t.Fatal("curEden should be cleared after reset")
	}
}
