package allocator

import "github.com/timandy/routine"

// ThreadID identifies the managed thread (1:1 with an OS thread per spec.md
// §5 "Scheduling model") that owns a TLAB or holds a light lock. It is
// backed by the real goroutine id rather than a synthesized counter, since
// Go's scheduling model pins this process's goroutines used as allocator
// callers the same way spec.md expects managed threads to be pinned.
type ThreadID int64

// CurrentThread returns the calling goroutine's identity.
func CurrentThread() ThreadID {
	return ThreadID(routine.Goid())
}

// IsCurrentThread reports whether id names the calling goroutine, the check
// spec.md §4.9 requires before a Light-Locked(self, n) recursive
// MonitorEnter/Exit is allowed to skip inflation.
func (id ThreadID) IsCurrentThread() bool {
	return id == CurrentThread()
}
