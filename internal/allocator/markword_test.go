package allocator

import (
	"testing"
	"unsafe"
)

func TestMarkWordInflationUnderRecursionOverflow(t *testing.T) {
	m := NewMarkWord()
	monitors := NewMonitorTable()
	self := CurrentThread()

	for i := uint32(0); i < LightLockMax; i++ {
		inflated, ok := m.MonitorEnter(self, monitors)
		if !ok {
			t.Fatalf("MonitorEnter %d failed", i)
		}

		if inflated {
			t.Fatalf("MonitorEnter %d unexpectedly inflated", i)
		}
	}

	tag, payload := m.AtomicGetMark()
	if tag != TagLightLocked {
		t.Fatalf("expected Light-Locked after %d enters, got tag %v", LightLockMax, tag)
	}

	_, count := unpackLightLock(payload)
	if count != LightLockMax {
		t.Fatalf("recursion count = %d, want %d", count, LightLockMax)
	}

	inflated, ok := m.MonitorEnter(self, monitors)
	if !ok || !inflated {
		t.Fatal("the overflow MonitorEnter should inflate to heavy")
	}

	tag, _ = m.AtomicGetMark()
	if tag != TagHeavyLocked {
		t.Fatalf("expected Heavy-Locked after overflow, got %v", tag)
	}

	// One exit per enter: LightLockMax light-lock enters plus the inflating one.
	for i := uint32(0); i <= LightLockMax; i++ {
		m.MonitorExit(self, monitors)
	}

	tag, payload = m.AtomicGetMark()
	if tag != TagHeavyLocked {
		t.Fatalf("should remain heavy-locked (unowned) after unwinding, got %v", tag)
	}

	if !monitors.Deflate(m, uint32(payload)) {
		t.Fatal("Deflate should succeed on an unowned, waiter-free heavy monitor")
	}

	tag, _ = m.AtomicGetMark()
	if tag != TagUnlocked {
		t.Fatalf("expected Unlocked after Deflate, got %v", tag)
	}
}

func TestHashStabilityAcrossInflation(t *testing.T) {
	m := NewMarkWord()
	monitors := NewMonitorTable()
	self := CurrentThread()

	identity := unsafe.Pointer(m)

	h1 := m.GetHashCode(self, monitors, identity)

	if _, ok := m.MonitorEnter(self, monitors); !ok {
		t.Fatal("MonitorEnter failed")
	}

	h2 := m.GetHashCode(self, monitors, identity)
	if h2 != h1 {
		t.Fatalf("hash changed across inflation: %d != %d", h1, h2)
	}

	m.MonitorExit(self, monitors)

	h3 := m.GetHashCode(self, monitors, identity)
	if h3 != h1 {
		t.Fatalf("hash changed after MonitorExit: %d != %d", h1, h3)
	}
}

func TestMarkWordForwarding(t *testing.T) {
	m := NewMarkWord()

	if m.IsForwarded() {
		t.Fatal("freshly allocated mark word should not be forwarded")
	}

	newAddr := unsafe.Pointer(uintptr(0x1000))
	m.SetForwarded(newAddr)

	if !m.IsForwarded() {
		t.Fatal("expected forwarded after SetForwarded")
	}

	if m.GetForwardAddress() != newAddr {
		t.Fatal("GetForwardAddress did not return the address set by SetForwarded")
	}
}
