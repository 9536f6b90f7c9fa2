package memmap

import "testing"

func TestReserveAndRelease(t *testing.T) {
	m, err := Reserve(64*1024, ProtRead|ProtWrite)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	if m.Size() < 64*1024 {
		t.Fatalf("mapping too small: %d", m.Size())
	}

	b := m.Bytes()
	for i := range b {
		b[i] = byte(i)
	}

	for i, v := range b {
		if v != byte(i) {
			t.Fatalf("corrupted byte at %d: got %d", i, v)
		}
	}

	if err := m.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
}

func TestRoundUp(t *testing.T) {
	if got := RoundUp(1); got != PageSize {
		t.Fatalf("RoundUp(1) = %d, want %d", got, PageSize)
	}

	if got := RoundUp(PageSize); got != PageSize {
		t.Fatalf("RoundUp(PageSize) = %d, want %d", got, PageSize)
	}
}

func TestDecommit(t *testing.T) {
	m, err := Reserve(4*PageSize, ProtRead|ProtWrite)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	defer m.Release()

	if err := m.Decommit(0, PageSize); err != nil {
		t.Fatalf("Decommit failed: %v", err)
	}
}
