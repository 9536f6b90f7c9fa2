package allocator

import (
	"sort"
	"sync"
	"unsafe"

	stderrors "github.com/mizuvm/heapcore/internal/errors"
	"github.com/mizuvm/heapcore/internal/memmap"
)

// AllocatorKind tags which concrete allocator owns a pool, so
// GetAllocatorInfoForAddr can hand back a usable description without the
// caller needing to know the pool's internal layout (spec.md §4.1).
type AllocatorKind int

const (
	AllocatorKindArena AllocatorKind = iota
	AllocatorKindBump
	AllocatorKindRunSlots
	AllocatorKindFreeList
	AllocatorKindHumongous
	AllocatorKindRegion
)

func (k AllocatorKind) String() string {
	switch k {
	case AllocatorKindArena:
		return "arena"
	case AllocatorKindBump:
		return "bump"
	case AllocatorKindRunSlots:
		return "run-slots"
	case AllocatorKindFreeList:
		return "free-list"
	case AllocatorKindHumongous:
		return "humongous"
	case AllocatorKindRegion:
		return "region"
	default:
		return "unknown"
	}
}

// Pool is one contiguous reservation handed out by the pool manager. Every
// concrete allocator sits on pool memory: an Arena (and the BumpAllocator
// over it) and each Region on one pool, RunSlots, FreeList and Humongous on
// as many pools as they need.
type Pool struct {
	mapping *memmap.Mapping
	space   SpaceType
	kind    AllocatorKind
	owner   interface{}
}

// Start returns the pool's base address.
func (p *Pool) Start() uintptr { return p.mapping.Addr() }

// End returns the address one past the pool's reserved range.
func (p *Pool) End() uintptr { return p.mapping.Addr() + p.mapping.Size() }

// Size returns the pool's reserved size in bytes.
func (p *Pool) Size() uintptr { return p.mapping.Size() }

// Bytes exposes the pool's backing memory for Go-side reads/writes.
func (p *Pool) Bytes() []byte { return p.mapping.Bytes() }

// SpaceType reports which space category this pool serves.
func (p *Pool) SpaceType() SpaceType { return p.space }

// AllocatorKind reports which concrete allocator owns this pool.
func (p *Pool) AllocatorKind() AllocatorKind { return p.kind }

// Owner returns the concrete allocator value attached with SetOwner, for
// callers that need to recover the typed allocator behind an address;
// GetAllocatorInfoForAddr reports the same value as AllocatorInfo.Owner.
// The allocators and facades in this package do not route frees through it.
func (p *Pool) Owner() interface{} { return p.owner }

// SetOwner attaches the concrete allocator instance backing this pool. Pools
// are created before their owning allocator in most call sites (the
// allocator's constructor needs the pool's backing bytes first), so this is
// a required follow-up call rather than an AllocPool parameter.
func (p *Pool) SetOwner(owner interface{}) { p.owner = owner }

// AllocatorInfo is the descriptive summary GetAllocatorInfoForAddr returns.
type AllocatorInfo struct {
	Space SpaceType
	Kind  AllocatorKind
	Start uintptr
	End   uintptr
	Owner interface{}
}

// PoolManager tracks every live pool reservation and answers address
// classification queries in O(log n) via a sorted-by-start registry
// (spec.md §4.1: "classification by address must be O(log n) or better").
type PoolManager struct {
	mu    sync.RWMutex
	pools []*Pool // sorted by Start()
}

// NewPoolManager returns an empty pool manager.
func NewPoolManager() *PoolManager {
	return &PoolManager{}
}

// AllocPool reserves a new pool of size bytes (rounded up to the page size)
// for the given space/kind pair. Reservation failure is returned as a
// ReservationFailed error, not aborted on; the allocators in this package
// treat it as a soft failure and return nil from the allocation.
func (pm *PoolManager) AllocPool(space SpaceType, kind AllocatorKind, size uintptr) (*Pool, error) {
	mapping, err := memmap.Reserve(size, memmap.ProtRead|memmap.ProtWrite)
	if err != nil {
		return nil, stderrors.ReservationFailed(space.String(), size)
	}

	pool := &Pool{mapping: mapping, space: space, kind: kind}

	pm.mu.Lock()
	idx := sort.Search(len(pm.pools), func(i int) bool {
		return pm.pools[i].Start() >= pool.Start()
	})
	pm.pools = append(pm.pools, nil)
	copy(pm.pools[idx+1:], pm.pools[idx:])
	pm.pools[idx] = pool
	pm.mu.Unlock()

	return pool, nil
}

// AllocAlignedPool behaves like AllocPool but reserves a pool whose base
// address is a multiple of alignment, for callers whose header recovery
// scheme masks an object pointer down to a fixed boundary (spec.md §4.4's
// run-slots pages).
func (pm *PoolManager) AllocAlignedPool(space SpaceType, kind AllocatorKind, size, alignment uintptr) (*Pool, error) {
	mapping, err := memmap.ReserveAligned(size, alignment, memmap.ProtRead|memmap.ProtWrite)
	if err != nil {
		return nil, stderrors.ReservationFailed(space.String(), size)
	}

	pool := &Pool{mapping: mapping, space: space, kind: kind}

	pm.mu.Lock()
	idx := sort.Search(len(pm.pools), func(i int) bool {
		return pm.pools[i].Start() >= pool.Start()
	})
	pm.pools = append(pm.pools, nil)
	copy(pm.pools[idx+1:], pm.pools[idx:])
	pm.pools[idx] = pool
	pm.mu.Unlock()

	return pool, nil
}

// FreePool releases a pool back to the OS and removes it from the registry.
// Callers must ensure nothing still references addresses inside the pool.
func (pm *PoolManager) FreePool(pool *Pool) error {
	pm.mu.Lock()
	idx := sort.Search(len(pm.pools), func(i int) bool {
		return pm.pools[i].Start() >= pool.Start()
	})
	if idx < len(pm.pools) && pm.pools[idx] == pool {
		pm.pools = append(pm.pools[:idx], pm.pools[idx+1:]...)
	}
	pm.mu.Unlock()

	return pool.mapping.Release()
}

// AllocArena is a convenience wrapper that reserves a pool for space and
// wraps it in an Arena; the generational facade uses it for its young
// space.
func (pm *PoolManager) AllocArena(space SpaceType, size uintptr) (*Pool, *Arena, error) {
	pool, err := pm.AllocPool(space, AllocatorKindArena, size)
	if err != nil {
		return nil, nil, err
	}

	arena := NewArena(pool.Bytes())
	pool.SetOwner(arena)

	return pool, arena, nil
}

// findPool returns the pool containing addr, or nil. Caller must hold mu.
func (pm *PoolManager) findPool(addr uintptr) *Pool {
	idx := sort.Search(len(pm.pools), func(i int) bool {
		return pm.pools[i].Start() > addr
	})
	if idx == 0 {
		return nil
	}

	candidate := pm.pools[idx-1]
	if addr >= candidate.Start() && addr < candidate.End() {
		return candidate
	}

	return nil
}

// GetSpaceTypeForAddr classifies addr's owning pool's space type. ok is
// false if addr is not covered by any live pool.
func (pm *PoolManager) GetSpaceTypeForAddr(addr unsafe.Pointer) (SpaceType, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	p := pm.findPool(uintptr(addr))
	if p == nil {
		return 0, false
	}

	return p.space, true
}

// GetAllocatorInfoForAddr returns the full descriptive record for the pool
// containing addr.
func (pm *PoolManager) GetAllocatorInfoForAddr(addr unsafe.Pointer) (AllocatorInfo, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	p := pm.findPool(uintptr(addr))
	if p == nil {
		return AllocatorInfo{}, false
	}

	return AllocatorInfo{
		Space: p.space,
		Kind:  p.kind,
		Start: p.Start(),
		End:   p.End(),
		Owner: p.owner,
	}, true
}

// GetStartAddrPoolForAddr returns the base address of the pool containing
// addr.
func (pm *PoolManager) GetStartAddrPoolForAddr(addr unsafe.Pointer) (uintptr, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	p := pm.findPool(uintptr(addr))
	if p == nil {
		return 0, false
	}

	return p.Start(), true
}

// Pools returns a snapshot slice of every live pool, sorted by start
// address. Used by the facades for iteration (e.g. heap-wide
// IterateOverObjects) and by cmd/heap-inspect.
func (pm *PoolManager) Pools() []*Pool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make([]*Pool, len(pm.pools))
	copy(out, pm.pools)

	return out
}
