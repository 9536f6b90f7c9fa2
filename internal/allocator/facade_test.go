package allocator

import (
	"testing"
	"unsafe"

	"github.com/mizuvm/heapcore/internal/heapconfig"
)

func testConfig(t *testing.T) *heapconfig.Config {
	t.Helper()

	cfg, err := heapconfig.New(
		heapconfig.WithObjectPoolSize(4*1024*1024),
		heapconfig.WithYoungSpaceSize(1024*1024),
		heapconfig.WithYoungTLABSize(64*1024),
		heapconfig.WithRegionSize(256*1024),
	)
	if err != nil {
		t.Fatalf("heapconfig.New: %v", err)
	}

	return cfg
}

func TestNonGenerationalRoutesBySize(t *testing.T) {
	f, err := NewNonGenerational(testConfig(t))
	if err != nil {
		t.Fatalf("NewNonGenerational: %v", err)
	}

	thread := CurrentThread()

	small := f.Allocate(64, 0, thread) // <= MaxSlotSize: run-slots
	if small == nil {
		t.Fatal("small allocation failed")
	}

	if !f.ContainObject(small) || !f.IsLive(small) {
		t.Fatal("small allocation should be contained and live")
	}

	large := f.Allocate(4096, 0, thread) // > MaxSlotSize, < humongous: free-list
	if large == nil {
		t.Fatal("large allocation failed")
	}

	if !f.IsLive(large) {
		t.Fatal("large allocation should be live")
	}

	huge := f.Allocate(uintptr(f.core.humongousThreshold())+1, 0, thread)
	if huge == nil {
		t.Fatal("humongous allocation failed")
	}

	if !f.core.humongous.IsLive(huge) {
		t.Fatal("humongous allocation should be live in the humongous allocator")
	}
}

func TestNonGenerationalZeroSizeRejected(t *testing.T) {
	f, err := NewNonGenerational(testConfig(t))
	if err != nil {
		t.Fatalf("NewNonGenerational: %v", err)
	}

	if p := f.Allocate(0, 0, CurrentThread()); p != nil {
		t.Fatal("zero-size allocation should return nil")
	}
}

func TestGenerationalYoungOverflowsToOld(t *testing.T) {
	cfg := testConfig(t)

	f, err := NewGenerational(cfg)
	if err != nil {
		t.Fatalf("NewGenerational: %v", err)
	}

	thread := CurrentThread()

	// Exhaust the young arena; later allocations must fall through to old.
	const objSize = 4096

	budget := int(cfg.YoungSpaceSize/objSize) + 16
	sawOld := false

	for i := 0; i < budget; i++ {
		ptr := f.Allocate(objSize, 0, thread)
		if ptr == nil {
			t.Fatalf("allocation %d failed unexpectedly", i)
		}

		if f.old.IsLive(ptr) {
			sawOld = true
		}
	}

	if !sawOld {
		t.Fatal("expected at least one allocation to overflow into the old generation")
	}
}

func TestGenerationalCollectFreesDeadYoungObjects(t *testing.T) {
	f, err := NewGenerational(testConfig(t))
	if err != nil {
		t.Fatalf("NewGenerational: %v", err)
	}

	thread := CurrentThread()

	const n = 20

	ptrs := make([]unsafe.Pointer, 0, n)
	for i := 0; i < n; i++ {
		ptr := f.Allocate(64, 0, thread)
		if ptr == nil {
			t.Fatalf("allocation %d failed", i)
		}

		ptrs = append(ptrs, ptr)
	}

	keep := map[unsafe.Pointer]bool{}
	for i, p := range ptrs {
		if i%2 == 0 {
			keep[p] = true
		}
	}

	visited := 0

	f.Collect(func(obj unsafe.Pointer, size uintptr) bool {
		visited++

		return keep[obj]
	}, CollectMinor)

	if visited != n {
		t.Fatalf("Collect visited %d objects, want %d", visited, n)
	}

	live := 0
	f.IterateOverObjects(func(obj unsafe.Pointer, size uintptr) {
		live++
	})

	if live != len(keep) {
		t.Fatalf("post-collect live objects = %d, want %d", live, len(keep))
	}
}

func TestNonGenerationalCollectFreesDeadObjectsAcrossAllocators(t *testing.T) {
	f, err := NewNonGenerational(testConfig(t))
	if err != nil {
		t.Fatalf("NewNonGenerational: %v", err)
	}

	thread := CurrentThread()

	small := f.Allocate(64, 0, thread)   // run-slots
	large := f.Allocate(4096, 0, thread) // free-list
	if small == nil || large == nil {
		t.Fatal("setup allocations failed")
	}

	keep := map[unsafe.Pointer]bool{large: true}

	visited := 0
	f.Collect(func(obj unsafe.Pointer, size uintptr) bool {
		visited++

		return keep[obj]
	}, CollectFull)

	if visited != 2 {
		t.Fatalf("Collect visited %d objects, want 2", visited)
	}

	if f.object.IsLive(small) {
		t.Fatal("dead run-slots object should have been freed by Collect")
	}

	if !f.large.IsLive(large) {
		t.Fatal("live free-list object should survive Collect")
	}

	live := 0
	f.IterateOverObjects(func(obj unsafe.Pointer, size uintptr) {
		live++
	})

	if live != 1 {
		t.Fatalf("post-collect live objects = %d, want 1", live)
	}
}

func TestGenerationalMajorCollectSweepsOldGeneration(t *testing.T) {
	cfg := testConfig(t)

	f, err := NewGenerational(cfg)
	if err != nil {
		t.Fatalf("NewGenerational: %v", err)
	}

	thread := CurrentThread()

	const objSize = 4096

	budget := int(cfg.YoungSpaceSize/objSize) + 16

	var oldPtrs []unsafe.Pointer

	for i := 0; i < budget; i++ {
		ptr := f.Allocate(objSize, 0, thread)
		if ptr == nil {
			t.Fatalf("allocation %d failed unexpectedly", i)
		}

		if f.old.IsLive(ptr) {
			oldPtrs = append(oldPtrs, ptr)
		}
	}

	if len(oldPtrs) == 0 {
		t.Fatal("expected at least one allocation to overflow into the old generation")
	}

	visitedOld := 0
	f.Collect(func(obj unsafe.Pointer, size uintptr) bool {
		for _, p := range oldPtrs {
			if p == obj {
				visitedOld++

				return false
			}
		}

		return true
	}, CollectFull)

	if visitedOld != len(oldPtrs) {
		t.Fatalf("Collect(CollectFull) visited %d old-generation objects, want %d", visitedOld, len(oldPtrs))
	}

	for _, p := range oldPtrs {
		if f.old.IsLive(p) {
			t.Fatal("old-generation object reported dead should have been freed by Collect(CollectFull)")
		}
	}
}

func TestG1LikeRoutesRegularAndHumongous(t *testing.T) {
	f, err := NewG1Like(testConfig(t))
	if err != nil {
		t.Fatalf("NewG1Like: %v", err)
	}

	thread := CurrentThread()

	regular := f.Allocate(128, 0, thread)
	if regular == nil {
		t.Fatal("regular allocation failed")
	}

	if !f.regions.IsLive(regular) {
		t.Fatal("regular allocation should land in the region space")
	}

	huge := f.Allocate(uintptr(f.core.humongousThreshold())+1, 0, thread)
	if huge == nil {
		t.Fatal("humongous allocation failed")
	}

	if !f.core.humongous.IsLive(huge) {
		t.Fatal("humongous allocation should land in the humongous allocator")
	}
}

func TestPygoteServesThenFreezes(t *testing.T) {
	f, err := NewNonGenerational(testConfig(t))
	if err != nil {
		t.Fatalf("NewNonGenerational: %v", err)
	}

	thread := CurrentThread()

	before := f.AllocateNonMovable(32, 0, thread)
	if before == nil {
		t.Fatal("pre-freeze non-movable allocation failed")
	}

	if !f.core.pygote.IsLive(before) {
		t.Fatal("allocation should be served (and tracked live) by the pygote space before freeze")
	}

	f.FreezePygote()

	after := f.core.pygote.Alloc(32, 0)
	if after != nil {
		t.Fatal("pygote space must never allocate again once frozen")
	}

	if !f.core.pygote.IsLive(before) {
		t.Fatal("pygote liveness must remain readable after freeze")
	}

	// Post-freeze non-movable allocations must still succeed, falling
	// through to the dedicated non-movable free-list allocator.
	fallback := f.AllocateNonMovable(32, 0, thread)
	if fallback == nil {
		t.Fatal("non-movable allocation should fall through to the free-list allocator once pygote is frozen")
	}
}

func TestAllThreeFacadesTrackMarkWords(t *testing.T) {
	cfg := testConfig(t)
	thread := CurrentThread()

	facades := []ObjectAllocator{
		mustNonGenerational(t, cfg),
		mustGenerational(t, cfg),
		mustG1Like(t, cfg),
	}

	for _, f := range facades {
		ptr := f.Allocate(64, 0, thread)
		if ptr == nil {
			t.Fatal("allocation failed")
		}

		mw := f.MarkWordFor(ptr)
		if mw == nil {
			t.Fatal("facade did not track a mark word for a freshly allocated object")
		}

		tag, _ := mw.AtomicGetMark()
		if tag != TagUnlocked {
			t.Fatalf("fresh mark word tag = %v, want TagUnlocked", tag)
		}
	}
}

func mustNonGenerational(t *testing.T, cfg *heapconfig.Config) *NonGenerational {
	t.Helper()

	f, err := NewNonGenerational(cfg)
	if err != nil {
		t.Fatalf("NewNonGenerational: %v", err)
	}

	return f
}

func mustGenerational(t *testing.T, cfg *heapconfig.Config) *Generational {
	t.Helper()

	f, err := NewGenerational(cfg)
	if err != nil {
		t.Fatalf("NewGenerational: %v", err)
	}

	return f
}

func mustG1Like(t *testing.T, cfg *heapconfig.Config) *G1Like {
	t.Helper()

	f, err := NewG1Like(cfg)
	if err != nil {
		t.Fatalf("NewG1Like: %v", err)
	}

	return f
}
