package allocator

import (
	"sync"
	"time"
	"unsafe"
)

// WaitResult reports the outcome of Monitor.Wait/TimedWait (spec.md §6
// Monitor API: "Wait(...) -> {ok,interrupted,illegal}").
type WaitResult int

const (
	WaitOK WaitResult = iota
	WaitInterrupted
	WaitIllegal
)

// Monitor is the heavyweight lock plus wait-queue a Light-Locked header
// inflates into (spec.md §4.9, GLOSSARY "Monitor"). It is addressed by id
// from the mark word's Heavy-Locked payload.
type Monitor struct {
	id uint32

	mu        sync.Mutex
	owner     ThreadID
	hasOwner  bool
	recursion uint32

	hash    uint32
	hasHash bool

	cond      *sync.Cond
	waiters   int
	interrupt map[ThreadID]bool
}

func newMonitor(id uint32) *Monitor {
	m := &Monitor{id: id, interrupt: make(map[ThreadID]bool)}
	m.cond = sync.NewCond(&m.mu)

	return m
}

func (m *Monitor) reset(id uint32) {
	m.id = id
	m.owner = 0
	m.hasOwner = false
	m.recursion = 0
	m.hash = 0
	m.hasHash = false
	m.waiters = 0

	for k := range m.interrupt {
		delete(m.interrupt, k)
	}
}

// Enter acquires the monitor, recursing if self already owns it (spec.md
// §4.9 "Heavy-Locked(m) -> Heavy-Locked(m) (recursion in m)").
func (m *Monitor) Enter(self ThreadID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.hasOwner && m.owner != self {
		m.cond.Wait()
	}

	m.owner = self
	m.hasOwner = true
	m.recursion++
}

// Exit releases one level of recursion; a non-owner calling Exit is a
// monitor protocol violation and fatal (spec.md §7).
func (m *Monitor) Exit(self ThreadID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasOwner || m.owner != self {
		fatalf("monitor: Exit by non-owner thread %d", self)
	}

	m.recursion--
	if m.recursion == 0 {
		m.hasOwner = false
		m.cond.Broadcast()
	}
}

// HoldsLock reports whether self currently owns the monitor.
func (m *Monitor) HoldsLock(self ThreadID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.hasOwner && m.owner == self
}

// HashCode returns the monitor's stored identity hash, computing and
// storing one on first use (spec.md §4.9: "store hash in monitor if
// absent").
func (m *Monitor) HashCode(identity unsafe.Pointer) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasHash {
		m.hash = computeIdentityHash(identity)
		m.hasHash = true
	}

	return m.hash
}

// Wait releases the monitor, blocks until Notify/NotifyAll or (with a
// deadline) timeout, then reacquires before returning. Unless
// ignoreInterrupt is set, a pending interrupt (seen before blocking or on
// wakeup) ends the wait with WaitInterrupted and the interrupt flag is reset
// before return (spec.md §5, SUPPLEMENTED FEATURES); with ignoreInterrupt
// the flag is left untouched.
func (m *Monitor) Wait(self ThreadID, ignoreInterrupt bool, deadline time.Time, hasDeadline bool) WaitResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasOwner || m.owner != self {
		return WaitIllegal
	}

	savedRecursion := m.recursion
	m.hasOwner = false
	m.recursion = 0
	m.waiters++

	result := WaitOK

	for {
		if !ignoreInterrupt && m.interrupt[self] {
			delete(m.interrupt, self)
			result = WaitInterrupted

			break
		}

		if hasDeadline && !time.Now().Before(deadline) {
			break
		}

		if hasDeadline {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}

			timer := time.AfterFunc(remaining, func() {
				m.mu.Lock()
				m.cond.Broadcast()
				m.mu.Unlock()
			})
			m.cond.Wait()
			timer.Stop()
		} else {
			m.cond.Wait()
		}

		// Any wakeup ends the wait once a pending interrupt has been
		// re-checked: a real notify is indistinguishable here from a
		// spurious one without an explicit generation counter, which
		// spec.md §5 explicitly tolerates ("spurious wake-ups must be
		// tolerated").
		if !ignoreInterrupt && m.interrupt[self] {
			delete(m.interrupt, self)
			result = WaitInterrupted
		}

		break
	}

	m.waiters--

	for m.hasOwner {
		m.cond.Wait()
	}

	m.hasOwner = true
	m.owner = self
	m.recursion = savedRecursion

	if !ignoreInterrupt {
		delete(m.interrupt, self)
	}

	m.cond.Broadcast()

	return result
}

// Interrupt marks self's interrupt flag, observed by its next Wait
// without ignoreInterrupt.
func (m *Monitor) Interrupt(thread ThreadID) {
	m.mu.Lock()
	m.interrupt[thread] = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Notify wakes one waiter.
func (m *Monitor) Notify() {
	m.mu.Lock()
	m.cond.Signal()
	m.mu.Unlock()
}

// NotifyAll wakes every waiter.
func (m *Monitor) NotifyAll() {
	m.mu.Lock()
	m.cond.Broadcast()
	m.mu.Unlock()
}

// unownedNoWaiters reports whether the monitor is eligible for Deflate.
func (m *Monitor) unownedNoWaiters() (bool, uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return !m.hasOwner && m.waiters == 0, m.hash, m.hasHash
}

// MonitorTable is the per-VM pool monitors are allocated from, keyed by a
// monotonically increasing id that fits the mark word's Heavy-Locked
// payload bits (spec.md §4.9 "Inflation is the only path ... allocated from
// a per-VM pool keyed by a monotonically increasing id").
type MonitorTable struct {
	mu       sync.Mutex
	monitors map[uint32]*Monitor
	free     []*Monitor
	nextID   uint32
}

// NewMonitorTable returns an empty monitor table.
func NewMonitorTable() *MonitorTable {
	return &MonitorTable{monitors: make(map[uint32]*Monitor)}
}

// allocate returns a fresh or recycled monitor with a new id.
func (t *MonitorTable) allocate() *Monitor {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID

	var mon *Monitor

	if n := len(t.free); n > 0 {
		mon = t.free[n-1]
		t.free = t.free[:n-1]
		mon.reset(id)
	} else {
		mon = newMonitor(id)
	}

	t.monitors[id] = mon

	return mon
}

// Get returns the monitor with the given id, or nil.
func (t *MonitorTable) Get(id uint32) *Monitor {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.monitors[id]
}

// Inflate allocates a fresh monitor, seeds its ownership from the
// Light-Locked state being replaced, and CASes the mark word to
// Heavy-Locked. Returns nil if the CAS loses a race (caller retries the
// whole MonitorEnter loop).
func (t *MonitorTable) Inflate(mark *MarkWord, expectedTag MarkTag, expectedPayload uint64, self ThreadID) *Monitor {
	mon := t.allocate()

	if expectedTag == TagLightLocked {
		owner, count := unpackLightLock(expectedPayload)
		mon.owner = owner
		mon.hasOwner = true
		mon.recursion = count
	}

	if !mark.setHeavyLocked(expectedTag, expectedPayload, mon.id) {
		t.release(mon)

		return nil
	}

	if self != mon.owner {
		mon.Enter(self)
	}

	return mon
}

// InflateFromHashed inflates a Hashed object into Heavy-Locked, carrying the
// hash forward (spec.md §4.9 "Light-Locked -> GetHashCode -> Inflate
// (monitor stores hash)" generalizes to any already-hashed source state).
func (t *MonitorTable) InflateFromHashed(mark *MarkWord, hash uint64, self ThreadID) *Monitor {
	mon := t.allocate()
	mon.hash = uint32(hash)
	mon.hasHash = true

	if !mark.setHeavyLocked(TagHashed, hash, mon.id) {
		t.release(mon)

		return nil
	}

	mon.Enter(self)

	return mon
}

// release returns a monitor to the free pool for id reuse avoidance of
// unbounded growth; the id itself is never reused (nextID only increases),
// only the struct allocation is.
func (t *MonitorTable) release(mon *Monitor) {
	t.mu.Lock()
	delete(t.monitors, mon.id)
	t.free = append(t.free, mon)
	t.mu.Unlock()
}

// Deflate implements Heavy-Locked(m) unowned+no-waiters -> Unlocked
// (spec.md §4.9). Returns false if the monitor is still owned or has
// waiters.
func (t *MonitorTable) Deflate(mark *MarkWord, id uint32) bool {
	mon := t.Get(id)
	if mon == nil {
		return false
	}

	eligible, hash, hasHash := mon.unownedNoWaiters()
	if !eligible {
		return false
	}

	if !mark.Deflate(id, uint64(hash), hasHash) {
		return false
	}

	t.release(mon)

	return true
}

// ObjectLock pins an object under a handle scope, enters its monitor, and
// exposes a release function for the defer/drop pattern spec.md §4.9
// describes ("releases on drop").
type ObjectLock struct {
	mark     *MarkWord
	monitors *MonitorTable
	self     ThreadID
}

// NewObjectLock acquires obj's monitor for the calling thread.
func NewObjectLock(mark *MarkWord, monitors *MonitorTable) *ObjectLock {
	self := CurrentThread()

	if _, ok := mark.MonitorEnter(self, monitors); !ok {
		return nil
	}

	return &ObjectLock{mark: mark, monitors: monitors, self: self}
}

// Release exits the monitor. Safe to call at most once.
func (l *ObjectLock) Release() {
	l.mark.MonitorExit(l.self, l.monitors)
}

// Wait blocks on the underlying monitor; the mark word must already be
// Heavy-Locked (MonitorEnter inflates light locks lazily on contention, but
// Wait always requires a real monitor to queue on).
func (l *ObjectLock) Wait(ignoreInterrupt bool, timeoutMillis int64) WaitResult {
	tag, payload := l.mark.AtomicGetMark()
	if tag != TagHeavyLocked {
		return WaitIllegal
	}

	mon := l.monitors.Get(uint32(payload))
	if mon == nil {
		return WaitIllegal
	}

	if timeoutMillis <= 0 {
		return mon.Wait(l.self, ignoreInterrupt, time.Time{}, false)
	}

	return mon.Wait(l.self, ignoreInterrupt, time.Now().Add(time.Duration(timeoutMillis)*time.Millisecond), true)
}

// Notify wakes one waiter on the underlying heavy monitor.
func (l *ObjectLock) Notify() {
	tag, payload := l.mark.AtomicGetMark()
	if tag != TagHeavyLocked {
		return
	}

	if mon := l.monitors.Get(uint32(payload)); mon != nil {
		mon.Notify()
	}
}

// NotifyAll wakes every waiter on the underlying heavy monitor.
func (l *ObjectLock) NotifyAll() {
	tag, payload := l.mark.AtomicGetMark()
	if tag != TagHeavyLocked {
		return
	}

	if mon := l.monitors.Get(uint32(payload)); mon != nil {
		mon.NotifyAll()
	}
}
