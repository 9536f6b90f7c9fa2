package allocator

import (
	"testing"
	"unsafe"
)

func pageBaseOf(p unsafe.Pointer) uintptr {
	return uintptr(p) &^ (RunSlotsPageSize - 1)
}

func TestRunSlotsReuseAcrossSizeClasses(t *testing.T) {
	pm := NewPoolManager()
	rs := NewRunSlots(pm, SpaceObject, NewStatsObserver(NewMemStats()), 0, 1<<30)

	p1 := rs.Alloc(128, DefaultAlignment)
	if p1 == nil {
		t.Fatal("128-byte alloc failed")
	}

	rs.Free(p1, 128)

	p2 := rs.Alloc(4, DefaultAlignment)
	if p2 == nil {
		t.Fatal("4-byte alloc failed")
	}

	if pageBaseOf(p2) != pageBaseOf(p1) {
		t.Fatalf("4-byte alloc landed on a different page: %#x vs %#x", pageBaseOf(p2), pageBaseOf(p1))
	}

	// The page is now the 16-byte class's partial page (4 bytes rounded up to
	// DefaultAlignment); freeing p2 drains it
	// back to empty and onto the completely-free list, where a 128-byte
	// request can steal and reinitialise it for the 128-byte class.
	rs.Free(p2, 4)

	p3 := rs.Alloc(128, DefaultAlignment)
	if p3 == nil {
		t.Fatal("second 128-byte alloc failed")
	}

	if pageBaseOf(p3) != pageBaseOf(p1) {
		t.Fatalf("second 128-byte alloc should steal & reinit the same page: got %#x want %#x", pageBaseOf(p3), pageBaseOf(p1))
	}
}

func TestRunSlotsIsLive(t *testing.T) {
	pm := NewPoolManager()
	rs := NewRunSlots(pm, SpaceObject, nil, 0, 1<<30)

	p := rs.Alloc(16, DefaultAlignment)
	if !rs.IsLive(p) {
		t.Fatal("freshly allocated slot should be live")
	}

	rs.Free(p, 16)

	if rs.IsLive(p) {
		t.Fatal("freed slot should not be live")
	}
}
