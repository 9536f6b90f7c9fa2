package allocator

import (
	"sync"
	"unsafe"

	"github.com/dolthub/maphash"
)

// identityHasher produces the 28-bit identity hash backing the mark word's
// Hashed state (spec.md §3 "Object header (mark word)" and §4.9
// "Unlocked ──GetHashCode──► Hashed(h)"). It is a single process-wide,
// reseedable hasher over the object's address, matching the pack's
// dolthub/maphash usage in flier-goutil's swiss map (pkg/arena/swiss/map.go)
// for fast, well-distributed hashing of raw keys.
var identityHasher = struct {
	mu sync.Mutex
	h  maphash.Hasher[uintptr]
}{h: maphash.NewHasher[uintptr]()}

// identityHashMask keeps the result inside the mark word's 28-bit Hashed
// payload (spec.md §3 table).
const identityHashMask = 0x0FFFFFFF

// computeIdentityHash derives the stable identity hash for the object
// starting at ptr. The hash is a function of the address alone so it
// remains invariant for the lifetime of that allocation; once a moving GC
// relocates the object the new address needs a freshly stored hash inside
// the header/monitor (spec.md: "Once a hash is observed, it must be stable
// across all subsequent states and survive inflation").
func computeIdentityHash(ptr unsafe.Pointer) uint32 {
	identityHasher.mu.Lock()
	h := identityHasher.h.Hash(uintptr(ptr))
	identityHasher.mu.Unlock()

	v := uint32(h) & identityHashMask
	if v == 0 {
		// Reserve 0 to mean "no hash computed yet" in the mark word encoding.
		v = 1
	}

	return v
}
