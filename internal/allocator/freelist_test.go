package allocator

import "testing"

func TestFreeListAlignmentPaddingReclaimed(t *testing.T) {
	pm := NewPoolManager()
	fl := NewFreeList(pm, SpaceObject, NewStatsObserver(NewMemStats()), 0, 1<<30)

	p1 := fl.Alloc(64, 4096)
	if p1 == nil {
		t.Fatal("4096-aligned 64-byte alloc failed")
	}

	if uintptr(p1)%4096 != 0 {
		t.Fatalf("p1 = %#x is not 4096-aligned", uintptr(p1))
	}

	// Compare block starts (the true header behind each payload): p2's block
	// must begin where p1's padded block began.
	low12 := recoverHeader(uintptr(p1)) & 0xFFF

	fl.Free(p1, 64)

	p2 := fl.Alloc(64, DefaultAlignment)
	if p2 == nil {
		t.Fatal("default-alignment 64-byte alloc failed")
	}

	if recoverHeader(uintptr(p2))&0xFFF != low12 {
		t.Fatalf("p2 block start low 12 bits = %#x, want %#x (padding should be reclaimed)", recoverHeader(uintptr(p2))&0xFFF, low12)
	}
}

func TestFreeListCoalescesOnFree(t *testing.T) {
	pm := NewPoolManager()
	fl := NewFreeList(pm, SpaceObject, nil, 0, 1<<30)

	a := fl.Alloc(128, DefaultAlignment)
	b := fl.Alloc(128, DefaultAlignment)
	c := fl.Alloc(128, DefaultAlignment)

	if a == nil || b == nil || c == nil {
		t.Fatal("initial allocations failed")
	}

	fl.Free(a, 128)
	fl.Free(c, 128)
	fl.Free(b, 128)

	// After freeing all three (in non-adjacent order), a subsequent large
	// allocation spanning their combined size should succeed from the
	// coalesced block without requesting a new pool.
	big := fl.Alloc(128*3-64, DefaultAlignment)
	if big == nil {
		t.Fatal("expected coalesced free space to satisfy a larger allocation")
	}
}

func TestFreeListZeroSizeRejected(t *testing.T) {
	pm := NewPoolManager()
	fl := NewFreeList(pm, SpaceObject, nil, 0, 1<<30)

	if p := fl.Alloc(0, DefaultAlignment); p != nil {
		t.Fatal("zero-size allocation must return nil")
	}
}
