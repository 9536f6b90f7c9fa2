package allocator

import "sync/atomic"

// MemStats holds the atomic counters spec.md §3 "Mem-stats counters"
// requires per space type: allocated/freed bytes and object counts, plus
// the derived current-bytes figure the §8 invariant
// "Σ allocated − Σ freed = current-used" is checked against.
type MemStats struct {
	counters [spaceTypeCount]spaceCounters
}

type spaceCounters struct {
	allocatedBytes  int64
	allocatedObjs   int64
	freedBytes      int64
	freedObjs       int64
}

// NewMemStats returns a zeroed counter set.
func NewMemStats() *MemStats {
	return &MemStats{}
}

// RecordAlloc charges size bytes and one object against space.
func (m *MemStats) RecordAlloc(space SpaceType, size uintptr) {
	c := &m.counters[space]
	atomic.AddInt64(&c.allocatedBytes, int64(size))
	atomic.AddInt64(&c.allocatedObjs, 1)
}

// RecordFree charges size bytes and one object freed against space.
func (m *MemStats) RecordFree(space SpaceType, size uintptr) {
	c := &m.counters[space]
	atomic.AddInt64(&c.freedBytes, int64(size))
	atomic.AddInt64(&c.freedObjs, 1)
}

// GetAllocated returns total allocated bytes for space.
func (m *MemStats) GetAllocated(space SpaceType) uintptr {
	return uintptr(atomic.LoadInt64(&m.counters[space].allocatedBytes))
}

// GetFreed returns total freed bytes for space.
func (m *MemStats) GetFreed(space SpaceType) uintptr {
	return uintptr(atomic.LoadInt64(&m.counters[space].freedBytes))
}

// CurrentBytes returns allocated-freed for space, the "current-used"
// invariant from spec.md §8.
func (m *MemStats) CurrentBytes(space SpaceType) uintptr {
	c := &m.counters[space]

	return uintptr(atomic.LoadInt64(&c.allocatedBytes) - atomic.LoadInt64(&c.freedBytes))
}

// GetTotalObjectsAllocated sums the allocated-object counter across every
// space type.
func (m *MemStats) GetTotalObjectsAllocated() uint64 {
	var total int64
	for i := range m.counters {
		total += atomic.LoadInt64(&m.counters[i].allocatedObjs)
	}

	return uint64(total)
}

// GetTotalObjectsFreed sums the freed-object counter across every space
// type.
func (m *MemStats) GetTotalObjectsFreed() uint64 {
	var total int64
	for i := range m.counters {
		total += atomic.LoadInt64(&m.counters[i].freedObjs)
	}

	return uint64(total)
}

// Snapshot captures a point-in-time view of one space's counters.
type Snapshot struct {
	Space          SpaceType
	AllocatedBytes uintptr
	AllocatedObjs  uint64
	FreedBytes     uintptr
	FreedObjs      uint64
	CurrentBytes   uintptr
}

// SnapshotAll returns a Snapshot per space type.
func (m *MemStats) SnapshotAll() []Snapshot {
	out := make([]Snapshot, 0, spaceTypeCount)

	for i := 0; i < spaceTypeCount; i++ {
		sp := SpaceType(i)
		out = append(out, Snapshot{
			Space:          sp,
			AllocatedBytes: m.GetAllocated(sp),
			AllocatedObjs:  uint64(atomic.LoadInt64(&m.counters[i].allocatedObjs)),
			FreedBytes:     m.GetFreed(sp),
			FreedObjs:      uint64(atomic.LoadInt64(&m.counters[i].freedObjs)),
			CurrentBytes:   m.CurrentBytes(sp),
		})
	}

	return out
}
