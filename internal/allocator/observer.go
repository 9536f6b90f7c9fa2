package allocator

// AllocObserver is the capability set spec.md §9 describes replacing the
// source's template `AllocConfigT` parameter with: stats hooks and
// zeroing/poisoning policy, injected at construction instead of at compile
// time. Crossing maps are not reached through it: each allocator constructs
// its own CrossingMap.
type AllocObserver interface {
	RecordAlloc(space SpaceType, size uintptr)
	RecordFree(space SpaceType, size uintptr)
	// ZeroOnAlloc reports whether freshly returned memory must be
	// zero-initialized (spec.md §6 heap-manager API: "zero-initialises").
	ZeroOnAlloc() bool
	// PoisonOnFree reports whether freed memory should be filled with a
	// recognizable non-zero pattern before it is returned to a free list.
	// None of the allocators in this package consults it.
	PoisonOnFree() bool
}

// StatsObserver is the default AllocObserver: it always zero-initializes,
// reports PoisonOnFree from its Poison field (false unless set), and records
// into a MemStats.
type StatsObserver struct {
	Stats  *MemStats
	Poison bool
}

// NewStatsObserver returns an observer backed by stats.
func NewStatsObserver(stats *MemStats) *StatsObserver {
	return &StatsObserver{Stats: stats}
}

func (o *StatsObserver) RecordAlloc(space SpaceType, size uintptr) {
	if o.Stats != nil {
		o.Stats.RecordAlloc(space, size)
	}
}

func (o *StatsObserver) RecordFree(space SpaceType, size uintptr) {
	if o.Stats != nil {
		o.Stats.RecordFree(space, size)
	}
}

func (o *StatsObserver) ZeroOnAlloc() bool { return true }

func (o *StatsObserver) PoisonOnFree() bool { return o.Poison }
