package allocator

import "sync"

// CrossingMapGranularity is the card size the crossing map is indexed by
// (spec.md §3 "Crossing map", §9 "the granularity is a configuration
// constant"). A card maps to the lowest start address of any object whose
// extent overlaps it (an object starting in an earlier card and reaching
// into this one counts), so a scanner entering the middle of a card can walk
// forward to find object boundaries instead of scanning from the start of
// the containing allocator.
const CrossingMapGranularity = 512

// CrossingMap is a capability injected into an allocator (spec.md §9
// "expressed as a capability passed to each allocator, not a process-global")
// rather than shared global state. One instance covers one arena/pool's
// address range.
type CrossingMap struct {
	mu      sync.RWMutex
	base    uintptr
	entries []uintptr // per-card: lowest start of any object overlapping that card, 0 if none
}

// NewCrossingMap allocates a crossing map covering [base, base+size).
func NewCrossingMap(base, size uintptr) *CrossingMap {
	cards := (size + CrossingMapGranularity - 1) / CrossingMapGranularity

	return &CrossingMap{base: base, entries: make([]uintptr, cards)}
}

func (c *CrossingMap) cardIndex(addr uintptr) int {
	return int((addr - c.base) / CrossingMapGranularity)
}

// Reinit clears every card entry, as Bump.Reset requires (spec.md §4.3
// "The crossing map is re-initialised over the arena's full extent").
func (c *CrossingMap) Reinit() {
	c.mu.Lock()
	for i := range c.entries {
		c.entries[i] = 0
	}
	c.mu.Unlock()
}

// Add records that an object starting at objStart occupies the cards it
// overlaps, given objEnd (exclusive). Only the first object in a card is
// recorded, matching "the crossing-map entry for the card containing any
// live object points to some object that is ≤ o" (spec.md §8).
func (c *CrossingMap) Add(objStart, objEnd uintptr) {
	if objStart < c.base {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	startCard := c.cardIndex(objStart)
	endCard := c.cardIndex(objEnd - 1)

	for card := startCard; card <= endCard && card < len(c.entries); card++ {
		if card < 0 {
			continue
		}

		if c.entries[card] == 0 || objStart < c.entries[card] {
			c.entries[card] = objStart
		}
	}
}

// Remove clears the crossing-map entry for objStart's starting card,
// replacing it with prevObjectStart (the start of the nearest preceding
// object still live in that card), as spec.md §4.5 "Freeing" step 2
// requires: "passing neighbouring-object information so the map can be
// maintained correctly".
func (c *CrossingMap) Remove(objStart uintptr, prevObjectStart uintptr) {
	if objStart < c.base {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	card := c.cardIndex(objStart)
	if card < 0 || card >= len(c.entries) {
		return
	}

	if c.entries[card] == objStart {
		c.entries[card] = prevObjectStart
	}
}

// FindFirstObjectFor returns the crossing-map's recorded first-object
// address for the card containing addr, and whether one is recorded.
func (c *CrossingMap) FindFirstObjectFor(addr uintptr) (uintptr, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	card := c.cardIndex(addr)
	if card < 0 || card >= len(c.entries) {
		return 0, false
	}

	v := c.entries[card]

	return v, v != 0
}
