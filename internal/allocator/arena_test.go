package allocator

import (
	"testing"
	"unsafe"
)

func TestArenaAllocAndExhaustion(t *testing.T) {
	backing := make([]byte, 1024*1024)
	a := NewArena(backing)

	var first unsafe.Pointer

	for i := 0; i < 1024; i++ {
		p := a.Alloc(1024, DefaultAlignment)
		if p == nil {
			t.Fatalf("allocation %d unexpectedly failed", i)
		}

		if i == 0 {
			first = p
		}
	}

	if p := a.Alloc(1024, DefaultAlignment); p != nil {
		t.Fatalf("expected 1025th allocation to fail, got %v", p)
	}

	a.Reset()

	p := a.Alloc(1024, DefaultAlignment)
	if p != first {
		t.Fatalf("after Reset, first alloc = %v, want %v", p, first)
	}
}

func TestArenaFreeRollback(t *testing.T) {
	backing := make([]byte, 4096)
	a := NewArena(backing)

	p1 := a.Alloc(64, DefaultAlignment)
	_ = a.Alloc(64, DefaultAlignment)

	a.Free(p1)

	if a.Current() != uintptr(p1) {
		t.Fatalf("Free did not roll back current to p1")
	}
}

func TestArenaInArena(t *testing.T) {
	backing := make([]byte, 128)
	a := NewArena(backing)

	if !a.InArena(unsafe.Pointer(a.Start())) {
		t.Fatal("start address should be InArena")
	}

	if a.InArena(unsafe.Pointer(a.End())) {
		t.Fatal("end address is exclusive and should not be InArena")
	}
}

func TestArenaLinkTo(t *testing.T) {
	a1 := NewArena(make([]byte, 16))
	a2 := NewArena(make([]byte, 16))

	a1.LinkTo(a2)

	if a1.GetNextArena() != a2 {
		t.Fatal("LinkTo did not chain a2 after a1")
	}
}
