package allocator

import (
	"sync/atomic"
	"unsafe"
)

// MarkTag identifies which of the five mark-word states a word currently
// encodes (spec.md §3 "Object header (mark word)", §4.9).
type MarkTag uint8

const (
	TagUnlocked MarkTag = iota
	TagLightLocked
	TagHeavyLocked
	TagHashed
	TagForwarded
)

// LightLockMax is the maximum recursion count a light lock can hold before
// MonitorEnter inflates to a heavy lock (spec.md §4.9, §8 scenario 6).
const LightLockMax = 0xFF

// Mark-word bit layout: 3 tag bits, then a 61-bit payload whose meaning
// depends on the tag. This mirrors spec.md §9 "Mark word as a tagged union
// of five states mapped to a sum type with the bit-level encoding
// preserved": three bits give each of the five states (including Hashed and
// Forwarded) a tag value of its own.
const (
	markTagBits   = 3
	markTagMask   = (uintptr(1) << markTagBits) - 1
	markPayloadShift = markTagBits
)

// MarkWord is the atomically CAS'd header word. Accessed only through
// AtomicGetMark/AtomicSetMark so every transition in spec.md §4.9's diagram
// is expressed as a single compare-and-swap.
type MarkWord struct {
	raw uint64
}

func encode(tag MarkTag, payload uint64) uint64 {
	return uint64(tag) | (payload << markPayloadShift)
}

func decode(raw uint64) (MarkTag, uint64) {
	return MarkTag(raw & uint64(markTagMask)), raw >> markPayloadShift
}

// NewMarkWord returns a freshly allocated object's mark word: Unlocked with
// a zero payload (spec.md §4.9 "Alloc -> Unlocked").
func NewMarkWord() *MarkWord {
	return &MarkWord{raw: encode(TagUnlocked, 0)}
}

// AtomicGetMark loads the current tag and payload.
func (m *MarkWord) AtomicGetMark() (MarkTag, uint64) {
	return decode(atomic.LoadUint64(&m.raw))
}

// AtomicSetMark performs the defining CAS of spec.md §4.9: every transition
// in the state diagram is exactly one call to this method.
func (m *MarkWord) AtomicSetMark(expectedTag MarkTag, expectedPayload uint64, newTag MarkTag, newPayload uint64) bool {
	expected := encode(expectedTag, expectedPayload)
	new := encode(newTag, newPayload)

	return atomic.CompareAndSwapUint64(&m.raw, expected, new)
}

// lightLockPayload packs a thread id and recursion count into the
// Light-Locked payload: low 32 bits = thread id, high bits = count.
func lightLockPayload(tid ThreadID, count uint32) uint64 {
	return uint64(uint32(tid)) | (uint64(count) << 32)
}

func unpackLightLock(payload uint64) (ThreadID, uint32) {
	return ThreadID(int32(uint32(payload))), uint32(payload >> 32)
}

// MonitorEnter implements the full MonitorEnter branch of spec.md §4.9's
// state diagram: Unlocked -> Light-Locked(self,1); Light-Locked(self,n) ->
// Light-Locked(self,n+1) or, past LightLockMax, inflates to Heavy-Locked;
// Light-Locked(other,_) spins (the caller is responsible for the
// spin/yield loop — this call attempts one CAS per invocation) and, once
// the monitor pool hands back an id, inflates; Heavy-Locked recurses inside
// the monitor itself.
func (m *MarkWord) MonitorEnter(self ThreadID, monitors *MonitorTable) (inflated bool, ok bool) {
	for {
		tag, payload := m.AtomicGetMark()

		switch tag {
		case TagUnlocked:
			if m.AtomicSetMark(tag, payload, TagLightLocked, lightLockPayload(self, 1)) {
				return false, true
			}

		case TagLightLocked:
			owner, count := unpackLightLock(payload)
			if owner == self {
				if count+1 > LightLockMax {
					mon := monitors.Inflate(m, tag, payload, self)
					if mon == nil {
						return false, false
					}

					// Inflate carries over the light-lock count; this enter
					// is one more level on top of it.
					mon.Enter(self)

					return true, true
				}

				if m.AtomicSetMark(tag, payload, TagLightLocked, lightLockPayload(self, count+1)) {
					return false, true
				}

				continue
			}

			mon := monitors.Inflate(m, tag, payload, self)
			if mon == nil {
				return false, false
			}

			return true, true

		case TagHeavyLocked:
			mon := monitors.Get(uint32(payload))
			if mon == nil {
				fatalf("markword: Heavy-Locked payload references unknown monitor id %d", payload)
			}

			mon.Enter(self)

			return false, true

		case TagHashed:
			mon := monitors.InflateFromHashed(m, payload, self)
			if mon == nil {
				return false, false
			}

			return true, true

		case TagForwarded:
			fatalf("markword: MonitorEnter on a forwarded header; caller must follow GetForwardAddress first")

		default:
			fatalf("markword: unknown mark tag %d", tag)
		}
	}
}

// MonitorExit implements the MonitorExit branch: Light-Locked(self,1) ->
// Unlocked; Light-Locked(self,n) -> Light-Locked(self,n-1); Heavy-Locked
// recurses inside the monitor. Calling exit without holding the lock is a
// monitor protocol violation and is fatal (spec.md §7).
func (m *MarkWord) MonitorExit(self ThreadID, monitors *MonitorTable) {
	for {
		tag, payload := m.AtomicGetMark()

		switch tag {
		case TagLightLocked:
			owner, count := unpackLightLock(payload)
			if owner != self {
				fatalf("markword: MonitorExit by non-owner thread %d (owner %d)", self, owner)
			}

			if count == 1 {
				if m.AtomicSetMark(tag, payload, TagUnlocked, 0) {
					return
				}
			} else {
				if m.AtomicSetMark(tag, payload, TagLightLocked, lightLockPayload(self, count-1)) {
					return
				}
			}

		case TagHeavyLocked:
			mon := monitors.Get(uint32(payload))
			if mon == nil {
				fatalf("markword: Heavy-Locked payload references unknown monitor id %d", payload)
			}

			mon.Exit(self)

			return

		default:
			fatalf("markword: MonitorExit on a mark word not in a locked state (tag=%d)", tag)
		}
	}
}

// GetHashCode implements spec.md §4.9's hash branch: Unlocked gets a fresh
// hash in place; Light-Locked inflates (the monitor stores the hash);
// Heavy-Locked stores the hash in the monitor if absent. The hash, once
// observed, is stable across every subsequent state.
func (m *MarkWord) GetHashCode(self ThreadID, monitors *MonitorTable, identity unsafe.Pointer) uint32 {
	for {
		tag, payload := m.AtomicGetMark()

		switch tag {
		case TagUnlocked:
			h := computeIdentityHash(identity)
			if m.AtomicSetMark(tag, payload, TagHashed, uint64(h)) {
				return h
			}

		case TagHashed:
			return uint32(payload)

		case TagLightLocked:
			mon := monitors.Inflate(m, tag, payload, self)
			if mon == nil {
				return 0
			}

			return mon.HashCode(identity)

		case TagHeavyLocked:
			mon := monitors.Get(uint32(payload))
			if mon == nil {
				fatalf("markword: Heavy-Locked payload references unknown monitor id %d", payload)
			}

			return mon.HashCode(identity)

		case TagForwarded:
			fatalf("markword: GetHashCode on a forwarded header; caller must follow GetForwardAddress first")

		default:
			fatalf("markword: unknown mark tag %d", tag)
		}
	}
}

// IsForwarded reports whether the mark word currently encodes a GC
// forwarding pointer.
func (m *MarkWord) IsForwarded() bool {
	tag, _ := m.AtomicGetMark()

	return tag == TagForwarded
}

// GetForwardAddress returns the forwarded address; callers must check
// IsForwarded first. Any allocator read encountering Forwarded must redirect
// here rather than caching the pre-GC address (spec.md §9).
func (m *MarkWord) GetForwardAddress() unsafe.Pointer {
	tag, payload := m.AtomicGetMark()
	if tag != TagForwarded {
		fatalf("markword: GetForwardAddress called on a non-forwarded header")
	}

	return unsafe.Pointer(uintptr(payload))
}

// SetForwarded is writable only under the GC's safepoint contract (spec.md
// §4.9, §9): callers must guarantee no mutator can observe the header
// concurrently.
func (m *MarkWord) SetForwarded(newAddr unsafe.Pointer) {
	atomic.StoreUint64(&m.raw, encode(TagForwarded, uint64(uintptr(newAddr))))
}

// Deflate implements Heavy-Locked(m) unowned+no-waiters -> Unlocked
// (spec.md §4.9). The caller (MonitorTable) is responsible for verifying
// the unowned+no-waiters precondition before calling.
func (m *MarkWord) Deflate(expectedMonitorID uint32, preservedHash uint64, hadHash bool) bool {
	tag, payload := m.AtomicGetMark()
	if tag != TagHeavyLocked || uint32(payload) != expectedMonitorID {
		return false
	}

	if hadHash {
		return m.AtomicSetMark(tag, payload, TagHashed, preservedHash)
	}

	return m.AtomicSetMark(tag, payload, TagUnlocked, 0)
}

// SetHeavyLocked stores a monitor id directly, used by MonitorTable.Inflate
// once it has allocated (or reused) the target monitor.
func (m *MarkWord) setHeavyLocked(expectedTag MarkTag, expectedPayload uint64, monitorID uint32) bool {
	return m.AtomicSetMark(expectedTag, expectedPayload, TagHeavyLocked, uint64(monitorID))
}
